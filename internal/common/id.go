package common

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewCrawlID generates a unique crawl ID
func NewCrawlID() string {
	return uuid.New().String()
}

var (
	jobEntropyMu sync.Mutex
	jobEntropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewJobID generates a collision-resistant, lexically sortable job ID.
// Monotonic entropy makes IDs minted in the same millisecond still sort
// by submission order, so same-priority pending jobs drain FIFO.
func NewJobID() string {
	jobEntropyMu.Lock()
	defer jobEntropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), jobEntropy).String()
}
