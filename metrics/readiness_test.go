package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakePinger struct{ ok bool }

func (f fakePinger) Reachable(ctx context.Context) bool { return f.ok }

type fakeFirehose struct {
	connected   bool
	connectedAt time.Time
}

func (f fakeFirehose) Connected() bool        { return f.connected }
func (f fakeFirehose) ConnectedAt() time.Time { return f.connectedAt }

func TestReadinessHealthyWhenEverythingUp(t *testing.T) {
	r := NewReadiness(DefaultReadinessConfig(), fakePinger{true}, fakePinger{true}, fakeFirehose{connected: true})
	rep := r.Check(context.Background())
	assert.True(t, rep.Ready)
}

func TestReadinessUnhealthyWhenQueueDown(t *testing.T) {
	r := NewReadiness(DefaultReadinessConfig(), fakePinger{false}, fakePinger{true}, fakeFirehose{connected: true})
	rep := r.Check(context.Background())
	assert.False(t, rep.Ready)
}

func TestReadinessToleratesDisconnectWithinReconnectWindow(t *testing.T) {
	cfg := DefaultReadinessConfig()
	cfg.FirstReconnectWindow = time.Minute
	r := NewReadiness(cfg, fakePinger{true}, fakePinger{true}, fakeFirehose{connected: false, connectedAt: time.Now().Add(-10 * time.Second)})
	rep := r.Check(context.Background())
	assert.True(t, rep.Ready)
	assert.False(t, rep.FirehoseConnected)
}

func TestReadinessUnhealthyWhenDisconnectExceedsWindow(t *testing.T) {
	cfg := DefaultReadinessConfig()
	cfg.FirstReconnectWindow = time.Second
	r := NewReadiness(cfg, fakePinger{true}, fakePinger{true}, fakeFirehose{connected: false, connectedAt: time.Now().Add(-time.Hour)})
	rep := r.Check(context.Background())
	assert.False(t, rep.Ready)
}

func TestReadinessWithoutFirehoseStatusDoesNotBlock(t *testing.T) {
	r := NewReadiness(DefaultReadinessConfig(), fakePinger{true}, fakePinger{true}, nil)
	rep := r.Check(context.Background())
	assert.True(t, rep.Ready)
}
