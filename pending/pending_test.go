package pending

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueAndFlush(t *testing.T) {
	b := New(DefaultConfig())

	b.Enqueue(Op{URI: "at://did:plc:a/app.bsky.feed.like/1", ParentURI: "at://did:plc:b/app.bsky.feed.post/1", Kind: "like"})
	b.Enqueue(Op{URI: "at://did:plc:a/app.bsky.feed.like/2", ParentURI: "at://did:plc:b/app.bsky.feed.post/1", Kind: "like"})

	assert.Equal(t, 2, b.Stats().Size)

	ops := b.Flush("at://did:plc:b/app.bsky.feed.post/1")
	require.Len(t, ops, 2)
	assert.Equal(t, 0, b.Stats().Size)

	// Flushing again returns nothing, queue was removed atomically.
	assert.Empty(t, b.Flush("at://did:plc:b/app.bsky.feed.post/1"))
}

func TestPerParentCapEvictsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerParentCap = 2
	b := New(cfg)

	parent := "at://did:plc:b/app.bsky.feed.post/1"
	b.Enqueue(Op{URI: "op1", ParentURI: parent})
	b.Enqueue(Op{URI: "op2", ParentURI: parent})
	b.Enqueue(Op{URI: "op3", ParentURI: parent})

	ops := b.Flush(parent)
	require.Len(t, ops, 2)
	assert.Equal(t, "op2", ops[0].URI)
	assert.Equal(t, "op3", ops[1].URI)
	assert.Equal(t, uint64(1), b.Stats().Dropped)
}

func TestGlobalCapEvictsOldestAcrossParents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalCap = 2
	cfg.PerParentCap = 10
	b := New(cfg)

	now := time.Now()
	b.Enqueue(Op{URI: "op1", ParentURI: "p1", EnqueuedAt: now})
	b.Enqueue(Op{URI: "op2", ParentURI: "p2", EnqueuedAt: now.Add(time.Second)})
	b.Enqueue(Op{URI: "op3", ParentURI: "p3", EnqueuedAt: now.Add(2 * time.Second)})

	assert.Equal(t, 2, b.Stats().Size)
	assert.Empty(t, b.Flush("p1"))
}

func TestCancelRemovesOp(t *testing.T) {
	b := New(DefaultConfig())
	b.Enqueue(Op{URI: "op1", ParentURI: "p1"})

	assert.True(t, b.Cancel("op1"))
	assert.Equal(t, 0, b.Stats().Size)
	assert.False(t, b.Cancel("op1"))
}

func TestSweepExpiresOldEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTL = time.Minute
	b := New(cfg)

	old := time.Now().Add(-2 * time.Minute)
	b.Enqueue(Op{URI: "op1", ParentURI: "p1", EnqueuedAt: old})
	b.Enqueue(Op{URI: "op2", ParentURI: "p1", EnqueuedAt: time.Now()})

	expired := b.Sweep(time.Now())
	assert.Equal(t, 1, expired)
	assert.Equal(t, uint64(1), b.Stats().Expired)

	remaining := b.Flush("p1")
	require.Len(t, remaining, 1)
	assert.Equal(t, "op2", remaining[0].URI)
}

func TestCancelAllUnderParent(t *testing.T) {
	b := New(DefaultConfig())
	b.Enqueue(Op{URI: "op1", ParentURI: "p1"})
	b.Enqueue(Op{URI: "op2", ParentURI: "p1"})

	n := b.CancelAllUnder("p1")
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, b.Stats().Size)
}
