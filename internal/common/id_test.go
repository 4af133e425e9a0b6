package common

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobIDBurstSortsBySubmissionOrder(t *testing.T) {
	// A burst lands in the same millisecond; monotonic entropy must keep
	// the lexical order equal to the minting order.
	ids := make([]string, 1000)
	for i := range ids {
		ids[i] = NewJobID()
	}

	assert.True(t, sort.StringsAreSorted(ids))

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "duplicate job ID %s", id)
		seen[id] = struct{}{}
	}
}

func TestNewCrawlIDIsUnique(t *testing.T) {
	assert.NotEqual(t, NewCrawlID(), NewCrawlID())
}
