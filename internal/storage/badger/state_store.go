package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/avast/retry-go"
	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/interfaces"
)

// StateStore implements the coordination primitives on raw Badger
// transactions. Sorted sets keep two keys per member (member->score and a
// score-ordered index entry) so that range and pop operations iterate in
// score order without scanning every member.
//
// Key layout:
//
//	z:{key}:m:{member}         member -> score (8-byte float bits)
//	z:{key}:s:{score8}{member} score index, value empty
//	s:{key}:{member}           set membership
//	l:{key}:meta               list head/tail counters
//	l:{key}:i:{seq8}           list element
//	h:{key}:{field}            hash field
//	k:{key}                    plain string, Badger-native TTL
type StateStore struct {
	db     *badgerdb.DB
	logger arbor.ILogger
}

// NewStateStore creates a StateStore on the shared database connection
func NewStateStore(db *BadgerDB, logger arbor.ILogger) interfaces.StateStore {
	return &StateStore{
		db:     db.Raw(),
		logger: logger,
	}
}

// update runs fn in a read-write transaction, retrying on write conflicts.
// Badger uses optimistic concurrency, so conflicts under contention are
// expected and transient.
func (s *StateStore) update(fn func(txn *badgerdb.Txn) error) error {
	err := retry.Do(
		func() error { return s.db.Update(fn) },
		retry.RetryIf(func(err error) bool { return err == badgerdb.ErrConflict }),
		retry.Attempts(5),
		retry.Delay(5*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err == badgerdb.ErrConflict {
		return fmt.Errorf("%w: persistent write conflict", interfaces.ErrStoreUnavailable)
	}
	return err
}

// encodeScore produces a big-endian byte encoding of a float64 whose
// lexicographic order matches numeric order.
func encodeScore(score float64) []byte {
	bits := math.Float64bits(score)
	if score >= 0 {
		bits |= 1 << 63
	} else {
		bits = ^bits
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bits)
	return b[:]
}

func decodeScore(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

func scoreValue(score float64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(score))
	return b[:]
}

func valueScore(b []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}

func zMemberKey(key, member string) []byte {
	return []byte("z:" + key + ":m:" + member)
}

func zMemberPrefix(key string) []byte {
	return []byte("z:" + key + ":m:")
}

func zScoreKey(key string, score float64, member string) []byte {
	prefix := []byte("z:" + key + ":s:")
	out := make([]byte, 0, len(prefix)+8+len(member))
	out = append(out, prefix...)
	out = append(out, encodeScore(score)...)
	out = append(out, member...)
	return out
}

func zScorePrefix(key string) []byte {
	return []byte("z:" + key + ":s:")
}

func setKey(key, member string) []byte {
	return []byte("s:" + key + ":" + member)
}

func setPrefix(key string) []byte {
	return []byte("s:" + key + ":")
}

func listMetaKey(key string) []byte {
	return []byte("l:" + key + ":meta")
}

func listItemKey(key string, seq uint64) []byte {
	prefix := []byte("l:" + key + ":i:")
	out := make([]byte, 0, len(prefix)+8)
	out = append(out, prefix...)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	out = append(out, b[:]...)
	return out
}

func hashKey(key, field string) []byte {
	return []byte("h:" + key + ":" + field)
}

func hashPrefix(key string) []byte {
	return []byte("h:" + key + ":")
}

func stringKey(key string) []byte {
	return []byte("k:" + key)
}

// ZAdd adds a member with a score, replacing any previous score
func (s *StateStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	return s.update(func(txn *badgerdb.Txn) error {
		mk := zMemberKey(key, member)
		if item, err := txn.Get(mk); err == nil {
			old, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete(zScoreKey(key, valueScore(old), member)); err != nil {
				return err
			}
		} else if err != badgerdb.ErrKeyNotFound {
			return err
		}
		if err := txn.Set(mk, scoreValue(score)); err != nil {
			return err
		}
		return txn.Set(zScoreKey(key, score, member), nil)
	})
}

// ZRem removes members and returns how many existed
func (s *StateStore) ZRem(ctx context.Context, key string, members ...string) (int, error) {
	removed := 0
	err := s.update(func(txn *badgerdb.Txn) error {
		removed = 0
		for _, member := range members {
			mk := zMemberKey(key, member)
			item, err := txn.Get(mk)
			if err == badgerdb.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			old, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete(mk); err != nil {
				return err
			}
			if err := txn.Delete(zScoreKey(key, valueScore(old), member)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// ZCard counts the members of a sorted set
func (s *StateStore) ZCard(ctx context.Context, key string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = zMemberPrefix(key)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// ZScore returns the score of a member, or ErrKeyNotFound
func (s *StateStore) ZScore(ctx context.Context, key, member string) (float64, error) {
	var score float64
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(zMemberKey(key, member))
		if err == badgerdb.ErrKeyNotFound {
			return interfaces.ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		score = valueScore(val)
		return nil
	})
	return score, err
}

// ZRangeByScore returns members with min <= score <= max in ascending order
func (s *StateStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]interfaces.ScoredMember, error) {
	var out []interfaces.ScoredMember
	prefix := zScorePrefix(key)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		seek := append(append([]byte{}, prefix...), encodeScore(min)...)
		for it.Seek(seek); it.Valid(); it.Next() {
			k := it.Item().Key()
			score := decodeScore(k[len(prefix) : len(prefix)+8])
			if score > max {
				break
			}
			out = append(out, interfaces.ScoredMember{
				Member: string(k[len(prefix)+8:]),
				Score:  score,
			})
		}
		return nil
	})
	return out, err
}

// ZPopMin atomically removes and returns up to count lowest-scored members
func (s *StateStore) ZPopMin(ctx context.Context, key string, count int) ([]interfaces.ScoredMember, error) {
	var out []interfaces.ScoredMember
	prefix := zScorePrefix(key)
	err := s.update(func(txn *badgerdb.Txn) error {
		out = out[:0]
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		popped := make([]interfaces.ScoredMember, 0, count)
		for it.Rewind(); it.Valid() && len(popped) < count; it.Next() {
			k := it.Item().Key()
			popped = append(popped, interfaces.ScoredMember{
				Member: string(k[len(prefix)+8:]),
				Score:  decodeScore(k[len(prefix) : len(prefix)+8]),
			})
		}
		it.Close()
		for _, m := range popped {
			if err := txn.Delete(zScoreKey(key, m.Score, m.Member)); err != nil {
				return err
			}
			if err := txn.Delete(zMemberKey(key, m.Member)); err != nil {
				return err
			}
		}
		out = append(out, popped...)
		return nil
	})
	return out, err
}

// ZRemRangeByScore removes members with min <= score <= max
func (s *StateStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int, error) {
	removed := 0
	prefix := zScorePrefix(key)
	err := s.update(func(txn *badgerdb.Txn) error {
		removed = 0
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		var victims []interfaces.ScoredMember
		seek := append(append([]byte{}, prefix...), encodeScore(min)...)
		for it.Seek(seek); it.Valid(); it.Next() {
			k := it.Item().Key()
			score := decodeScore(k[len(prefix) : len(prefix)+8])
			if score > max {
				break
			}
			victims = append(victims, interfaces.ScoredMember{
				Member: string(k[len(prefix)+8:]),
				Score:  score,
			})
		}
		it.Close()
		for _, m := range victims {
			if err := txn.Delete(zScoreKey(key, m.Score, m.Member)); err != nil {
				return err
			}
			if err := txn.Delete(zMemberKey(key, m.Member)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// zGuardKey serializes concurrent ZAddIfCardBelow calls on one set.
// Badger's conflict detection covers keys a transaction read, not keys it
// would have seen; every adder reads and writes the guard so two adders
// racing on the same set cannot both commit against a stale count.
func zGuardKey(key string) []byte {
	return []byte("z:" + key + ":c")
}

// ZAddIfCardBelow sweeps, counts, and conditionally inserts in one
// transaction. Returns whether the member was added.
func (s *StateStore) ZAddIfCardBelow(ctx context.Context, key, member string, score, sweepBelow float64, limit int) (bool, error) {
	added := false
	prefix := zScorePrefix(key)
	err := s.update(func(txn *badgerdb.Txn) error {
		added = false
		if _, err := txn.Get(zGuardKey(key)); err != nil && err != badgerdb.ErrKeyNotFound {
			return err
		}

		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		var victims []interfaces.ScoredMember
		remaining := 0
		exists := false
		oldScore := 0.0
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			sc := decodeScore(k[len(prefix) : len(prefix)+8])
			m := string(k[len(prefix)+8:])
			if sc <= sweepBelow {
				victims = append(victims, interfaces.ScoredMember{Member: m, Score: sc})
				continue
			}
			if m == member {
				exists = true
				oldScore = sc
			}
			remaining++
		}
		it.Close()

		for _, m := range victims {
			if err := txn.Delete(zScoreKey(key, m.Score, m.Member)); err != nil {
				return err
			}
			if err := txn.Delete(zMemberKey(key, m.Member)); err != nil {
				return err
			}
		}

		// A surviving member keeps its slot; rescoring it cannot grow the set
		if !exists && remaining >= limit {
			return nil
		}
		if exists {
			if err := txn.Delete(zScoreKey(key, oldScore, member)); err != nil {
				return err
			}
		}
		if err := txn.Set(zMemberKey(key, member), scoreValue(score)); err != nil {
			return err
		}
		if err := txn.Set(zScoreKey(key, score, member), nil); err != nil {
			return err
		}
		if err := txn.Set(zGuardKey(key), scoreValue(score)); err != nil {
			return err
		}
		added = true
		return nil
	})
	return added, err
}

// SAdd adds members to a set and returns how many were newly added
func (s *StateStore) SAdd(ctx context.Context, key string, members ...string) (int, error) {
	added := 0
	err := s.update(func(txn *badgerdb.Txn) error {
		added = 0
		for _, member := range members {
			k := setKey(key, member)
			_, err := txn.Get(k)
			if err == nil {
				continue
			}
			if err != badgerdb.ErrKeyNotFound {
				return err
			}
			if err := txn.Set(k, nil); err != nil {
				return err
			}
			added++
		}
		return nil
	})
	return added, err
}

// SRem removes members from a set and returns how many existed
func (s *StateStore) SRem(ctx context.Context, key string, members ...string) (int, error) {
	removed := 0
	err := s.update(func(txn *badgerdb.Txn) error {
		removed = 0
		for _, member := range members {
			k := setKey(key, member)
			_, err := txn.Get(k)
			if err == badgerdb.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if err := txn.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// SIsMember reports set membership
func (s *StateStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	found := false
	err := s.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(setKey(key, member))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// SMembers returns all members of a set
func (s *StateStore) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	prefix := setPrefix(key)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return out, err
}

// SCard counts the members of a set
func (s *StateStore) SCard(ctx context.Context, key string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = setPrefix(key)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

type listMeta struct {
	Head uint64
	Tail uint64
}

func readListMeta(txn *badgerdb.Txn, key string) (listMeta, error) {
	item, err := txn.Get(listMetaKey(key))
	if err == badgerdb.ErrKeyNotFound {
		return listMeta{}, nil
	}
	if err != nil {
		return listMeta{}, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return listMeta{}, err
	}
	if len(val) != 16 {
		return listMeta{}, fmt.Errorf("corrupt list meta for %s", key)
	}
	return listMeta{
		Head: binary.BigEndian.Uint64(val[:8]),
		Tail: binary.BigEndian.Uint64(val[8:]),
	}, nil
}

func writeListMeta(txn *badgerdb.Txn, key string, meta listMeta) error {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], meta.Head)
	binary.BigEndian.PutUint64(b[8:], meta.Tail)
	return txn.Set(listMetaKey(key), b[:])
}

// RPush appends values to the tail of a list
func (s *StateStore) RPush(ctx context.Context, key string, values ...string) error {
	return s.update(func(txn *badgerdb.Txn) error {
		meta, err := readListMeta(txn, key)
		if err != nil {
			return err
		}
		for _, v := range values {
			if err := txn.Set(listItemKey(key, meta.Tail), []byte(v)); err != nil {
				return err
			}
			meta.Tail++
		}
		return writeListMeta(txn, key, meta)
	})
}

// LPop removes and returns the head of a list, or ErrKeyNotFound when empty
func (s *StateStore) LPop(ctx context.Context, key string) (string, error) {
	var out string
	err := s.update(func(txn *badgerdb.Txn) error {
		meta, err := readListMeta(txn, key)
		if err != nil {
			return err
		}
		if meta.Head >= meta.Tail {
			return interfaces.ErrKeyNotFound
		}
		k := listItemKey(key, meta.Head)
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(k); err != nil {
			return err
		}
		meta.Head++
		out = string(val)
		return writeListMeta(txn, key, meta)
	})
	return out, err
}

// LRange returns list elements from start to stop inclusive. Negative stop
// counts from the end, redis style.
func (s *StateStore) LRange(ctx context.Context, key string, start, stop int) ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		meta, err := readListMeta(txn, key)
		if err != nil {
			return err
		}
		length := int(meta.Tail - meta.Head)
		if stop < 0 {
			stop = length + stop
		}
		if start < 0 {
			start = length + start
		}
		if start < 0 {
			start = 0
		}
		if stop >= length {
			stop = length - 1
		}
		for i := start; i <= stop; i++ {
			item, err := txn.Get(listItemKey(key, meta.Head+uint64(i)))
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, string(val))
		}
		return nil
	})
	return out, err
}

// LLen reports the length of a list
func (s *StateStore) LLen(ctx context.Context, key string) (int, error) {
	length := 0
	err := s.db.View(func(txn *badgerdb.Txn) error {
		meta, err := readListMeta(txn, key)
		if err != nil {
			return err
		}
		length = int(meta.Tail - meta.Head)
		return nil
	})
	return length, err
}

// HSet sets a hash field
func (s *StateStore) HSet(ctx context.Context, key, field, value string) error {
	return s.update(func(txn *badgerdb.Txn) error {
		return txn.Set(hashKey(key, field), []byte(value))
	})
}

// HGet returns a hash field, or ErrKeyNotFound
func (s *StateStore) HGet(ctx context.Context, key, field string) (string, error) {
	var out string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(hashKey(key, field))
		if err == badgerdb.ErrKeyNotFound {
			return interfaces.ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out = string(val)
		return nil
	})
	return out, err
}

// HGetAll returns all fields of a hash
func (s *StateStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	out := make(map[string]string)
	prefix := hashPrefix(key)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[string(item.Key()[len(prefix):])] = string(val)
		}
		return nil
	})
	return out, err
}

// HDel removes hash fields and returns how many existed
func (s *StateStore) HDel(ctx context.Context, key string, fields ...string) (int, error) {
	removed := 0
	err := s.update(func(txn *badgerdb.Txn) error {
		removed = 0
		for _, field := range fields {
			k := hashKey(key, field)
			_, err := txn.Get(k)
			if err == badgerdb.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if err := txn.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Set stores a string value with an optional TTL (0 means no expiry)
func (s *StateStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.update(func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry(stringKey(key), []byte(value))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// SetNX stores a value only if the key does not exist. Returns true when
// the value was stored.
func (s *StateStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	stored := false
	err := s.update(func(txn *badgerdb.Txn) error {
		stored = false
		_, err := txn.Get(stringKey(key))
		if err == nil {
			return nil
		}
		if err != badgerdb.ErrKeyNotFound {
			return err
		}
		entry := badgerdb.NewEntry(stringKey(key), []byte(value))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		stored = true
		return nil
	})
	return stored, err
}

// Get returns a string value, or ErrKeyNotFound
func (s *StateStore) Get(ctx context.Context, key string) (string, error) {
	var out string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(stringKey(key))
		if err == badgerdb.ErrKeyNotFound {
			return interfaces.ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out = string(val)
		return nil
	})
	return out, err
}

// Del removes keys of any type, including every entry of a sorted set,
// set, list or hash stored under the name. Returns the number of logical
// keys that held data.
func (s *StateStore) Del(ctx context.Context, keys ...string) (int, error) {
	deleted := 0
	err := s.update(func(txn *badgerdb.Txn) error {
		deleted = 0
		for _, key := range keys {
			existed := false
			// Plain string
			if _, err := txn.Get(stringKey(key)); err == nil {
				if err := txn.Delete(stringKey(key)); err != nil {
					return err
				}
				existed = true
			}
			// Structured namespaces share the "{type}:{key}:" prefix
			for _, prefix := range [][]byte{
				[]byte("z:" + key + ":"),
				[]byte("s:" + key + ":"),
				[]byte("l:" + key + ":"),
				[]byte("h:" + key + ":"),
			} {
				victims, err := collectKeys(txn, prefix)
				if err != nil {
					return err
				}
				for _, k := range victims {
					if err := txn.Delete(k); err != nil {
						return err
					}
					existed = true
				}
			}
			if existed {
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}

// Expire sets a TTL on a string key. Structured keys are cleaned up by the
// maintenance sweep instead.
func (s *StateStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(stringKey(key))
		if err == badgerdb.ErrKeyNotFound {
			return interfaces.ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return txn.SetEntry(badgerdb.NewEntry(stringKey(key), val).WithTTL(ttl))
	})
}

// Close is a no-op; the shared connection owns the database lifecycle
func (s *StateStore) Close() error {
	return nil
}

func collectKeys(txn *badgerdb.Txn, prefix []byte) ([][]byte, error) {
	opts := badgerdb.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	var out [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		k := it.Item().Key()
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		out = append(out, it.Item().KeyCopy(nil))
	}
	return out, nil
}
