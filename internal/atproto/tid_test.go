package atproto

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTIDFormat(t *testing.T) {
	tid := NewTID(time.Now())
	require.Len(t, tid, 13)
	for _, c := range tid {
		assert.Contains(t, "234567abcdefghijklmnopqrstuvwxyz", string(c))
	}
}

func TestNewTIDSortsByTime(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var tids []string
	for i := 0; i < 5; i++ {
		tids = append(tids, NewTID(base.Add(time.Duration(i)*time.Second)))
	}
	assert.True(t, sort.StringsAreSorted(tids))
}

func TestNewTIDMonotonicAtSameInstant(t *testing.T) {
	now := time.Now()
	prev := NewTID(now)
	for i := 0; i < 100; i++ {
		next := NewTID(now)
		require.Greater(t, next, prev)
		prev = next
	}
}
