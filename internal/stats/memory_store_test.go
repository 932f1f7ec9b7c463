package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := New("id", time.Now())
	rec.Version = 1
	require.NoError(t, s.CompareAndSwap(ctx, rec, 0))

	got, err := s.Get(ctx, "id")
	require.NoError(t, err)
	got.BlockedCount = 99

	again, _ := s.Get(ctx, "id")
	assert.Equal(t, 0, again.BlockedCount)
}
