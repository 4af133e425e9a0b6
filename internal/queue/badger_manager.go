package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/interfaces"
)

// queuedMessage is the internal structure stored in Badger
type queuedMessage struct {
	ID           string    `json:"id"`
	Body         []byte    `json:"body"`
	Priority     int       `json:"priority"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAt    time.Time `json:"visible_at"`
	ReceiveCount int       `json:"receive_count"`
}

// DeadLetterFunc is invoked when a message exhausts its redeliveries and is
// dropped from the queue. Runs outside the queue transaction.
type DeadLetterFunc func(body []byte, receiveCount int)

// BadgerManager implements a persistent, priority-ordered queue with
// visibility-timeout leasing on BadgerDB.
//
// Index key format: queue:{name}:index:{priority:03d}:{visibleAt:020d}:{id}
// Keys sort by priority band first, then by visibility timestamp, so the
// receiver scans bands in priority order and FIFO within a band. A leased
// message keeps an index entry at its future visibility time; when the
// lease lapses without an ack the entry becomes visible again and the
// message is redelivered.
type BadgerManager struct {
	db                *badger.DB
	queueName         string
	visibilityTimeout time.Duration
	maxReceive        int
	onDeadLetter      DeadLetterFunc
	logger            arbor.ILogger
}

// NewBadgerManager creates a new Badger-backed queue manager
func NewBadgerManager(db *badger.DB, queueName string, visibilityTimeout time.Duration, maxReceive int, logger arbor.ILogger) (*BadgerManager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 10
	}

	return &BadgerManager{
		db:                db,
		queueName:         queueName,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
		logger:            logger,
	}, nil
}

// SetDeadLetterHandler registers the callback for exhausted messages.
// Must be called before Start.
func (m *BadgerManager) SetDeadLetterHandler(fn DeadLetterFunc) {
	m.onDeadLetter = fn
}

// Start is part of the QueueManager lifecycle; the database connection is
// managed externally so there is nothing to open.
func (m *BadgerManager) Start() error {
	m.logger.Info().Str("queue", m.queueName).Msg("Queue manager started")
	return nil
}

// Stop is a no-op; the shared connection owns the database lifecycle
func (m *BadgerManager) Stop() error {
	return nil
}

// Enqueue appends a message at the given priority and returns its ID
func (m *BadgerManager) Enqueue(ctx context.Context, body []byte, priority int) (string, error) {
	id := uuid.New().String()
	now := time.Now()

	qMsg := queuedMessage{
		ID:         id,
		Body:       body,
		Priority:   priority,
		EnqueuedAt: now,
		VisibleAt:  now,
	}

	data, err := json.Marshal(qMsg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queue message: %w", err)
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(m.msgKey(id), data); err != nil {
			return err
		}
		return txn.Set(m.indexKey(priority, now, id), []byte{})
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}
	return id, nil
}

// Receive leases the highest-priority visible message. Messages that have
// exhausted their redeliveries are dropped and reported to the dead-letter
// handler instead of being returned.
func (m *BadgerManager) Receive(ctx context.Context) (*interfaces.QueueMessage, interfaces.DeleteFunc, error) {
	var qMsg queuedMessage
	var deadLetters []queuedMessage

	err := m.db.Update(func(txn *badger.Txn) error {
		deadLetters = deadLetters[:0]
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:index:", m.queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		found := false
		var oldIndexKey []byte

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			_, ts, id, err := m.parseIndexKey(key)
			if err != nil {
				continue
			}
			// A future timestamp means the message is leased. Later
			// priority bands may still hold visible messages, so keep
			// scanning rather than stopping at the first one.
			if ts.After(now) {
				continue
			}

			msgKey := m.msgKey(id)
			itemMsg, err := txn.Get(msgKey)
			if err != nil {
				if err == badger.ErrKeyNotFound {
					// Orphaned index entry, clean it up
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			if err := itemMsg.Value(func(val []byte) error {
				return json.Unmarshal(val, &qMsg)
			}); err != nil {
				return err
			}

			if qMsg.ReceiveCount >= m.maxReceive {
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(msgKey); err != nil {
					return err
				}
				deadLetters = append(deadLetters, qMsg)
				continue
			}

			found = true
			oldIndexKey = key
			break
		}

		if !found {
			return interfaces.ErrNoMessage
		}

		// Lease: bump receive count, push visibility into the future
		qMsg.ReceiveCount++
		qMsg.VisibleAt = time.Now().Add(m.visibilityTimeout)

		newData, err := json.Marshal(qMsg)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(qMsg.ID), newData); err != nil {
			return err
		}
		if err := txn.Delete(oldIndexKey); err != nil {
			return err
		}
		return txn.Set(m.indexKey(qMsg.Priority, qMsg.VisibleAt, qMsg.ID), []byte{})
	})

	for _, dead := range deadLetters {
		m.logger.Warn().
			Str("queue", m.queueName).
			Str("message_id", dead.ID).
			Int("receive_count", dead.ReceiveCount).
			Msg("Dropping message after exhausting redeliveries")
		if m.onDeadLetter != nil {
			m.onDeadLetter(dead.Body, dead.ReceiveCount)
		}
	}

	if err != nil {
		return nil, nil, err
	}

	msgID := qMsg.ID
	deleteFn := func(ctx context.Context) error {
		return m.db.Update(func(txn *badger.Txn) error {
			msgKey := m.msgKey(msgID)
			item, err := txn.Get(msgKey)
			if err != nil {
				if err == badger.ErrKeyNotFound {
					return nil // Already deleted
				}
				return err
			}

			var current queuedMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &current)
			}); err != nil {
				return err
			}

			idxKey := m.indexKey(current.Priority, current.VisibleAt, msgID)
			if err := txn.Delete(idxKey); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
			return txn.Delete(msgKey)
		})
	}

	return &interfaces.QueueMessage{
		ID:           qMsg.ID,
		Body:         qMsg.Body,
		ReceiveCount: qMsg.ReceiveCount,
	}, deleteFn, nil
}

// Extend renews the lease on an in-flight message
func (m *BadgerManager) Extend(ctx context.Context, messageID string, duration time.Duration) error {
	return m.db.Update(func(txn *badger.Txn) error {
		msgKey := m.msgKey(messageID)
		item, err := txn.Get(msgKey)
		if err != nil {
			return fmt.Errorf("failed to extend message %s: %w", messageID, err)
		}

		var qMsg queuedMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &qMsg)
		}); err != nil {
			return err
		}

		oldVisibleAt := qMsg.VisibleAt
		qMsg.VisibleAt = time.Now().Add(duration)

		newData, err := json.Marshal(qMsg)
		if err != nil {
			return err
		}
		if err := txn.Set(msgKey, newData); err != nil {
			return err
		}

		oldIndexKey := m.indexKey(qMsg.Priority, oldVisibleAt, messageID)
		if err := txn.Delete(oldIndexKey); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(m.indexKey(qMsg.Priority, qMsg.VisibleAt, messageID), []byte{})
	})
}

// Len reports the number of messages in the queue, leased or not
func (m *BadgerManager) Len(ctx context.Context) (int, error) {
	count := 0
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(fmt.Sprintf("queue:%s:msg:", m.queueName))
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Helpers

func (m *BadgerManager) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", m.queueName, id))
}

func (m *BadgerManager) indexKey(priority int, visibleAt time.Time, id string) []byte {
	if priority < 0 {
		priority = 0
	}
	if priority > 999 {
		priority = 999
	}
	ts := visibleAt.UnixNano()
	// Zero padding keeps lexicographic order equal to numeric order
	return []byte(fmt.Sprintf("queue:%s:index:%03d:%020d:%s", m.queueName, priority, ts, id))
}

func (m *BadgerManager) parseIndexKey(key []byte) (int, time.Time, string, error) {
	prefixStr := fmt.Sprintf("queue:%s:index:", m.queueName)
	if len(key) <= len(prefixStr) {
		return 0, time.Time{}, "", fmt.Errorf("invalid key length")
	}

	// Suffix is "{3-digit-priority}:{20-digit-ts}:{id}"
	parts := strings.SplitN(string(key[len(prefixStr):]), ":", 3)
	if len(parts) != 3 {
		return 0, time.Time{}, "", fmt.Errorf("invalid index key format")
	}

	priority, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, time.Time{}, "", err
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, time.Time{}, "", err
	}
	return priority, time.Unix(0, ts), parts[2], nil
}
