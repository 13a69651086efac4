package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gymcloud/accessd/internal/access/service"
	"github.com/gymcloud/accessd/internal/access/types"
)

func TestSweeper_SweepOnce(t *testing.T) {
	h := newHarness(t)
	d, _ := h.pairedDevice(t, types.DeviceConfig{})

	c, err := h.queue.Enqueue(h.ctx, "t1", d.ID, types.CommandUnlock, nil, 5*time.Second)
	require.NoError(t, err)
	_, err = h.enroll.Start("t1", d.ID, 7, types.CredentialFob, 5*time.Second)
	require.NoError(t, err)

	sw := service.NewSweeper(h.queue, h.enroll, time.Hour, h.clock.Now)
	h.clock.Advance(5 * time.Second)
	sw.SweepOnce(h.ctx)

	got, err := h.queue.Get(h.ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CommandExpired, got.Status)

	sess, ok := h.enroll.Get(d.ID)
	require.True(t, ok)
	assert.Equal(t, types.EnrollExpired, sess.Status)
}

func TestSweeper_RunsImmediatelyAndStops(t *testing.T) {
	h := newHarness(t)
	d, _ := h.pairedDevice(t, types.DeviceConfig{})
	c, err := h.queue.Enqueue(h.ctx, "t1", d.ID, types.CommandUnlock, nil, time.Second)
	require.NoError(t, err)
	h.clock.Advance(time.Second)

	sw := service.NewSweeper(h.queue, nil, time.Hour, h.clock.Now)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sw.Start(ctx)

	assert.Eventually(t, func() bool {
		got, err := h.queue.Get(h.ctx, "t1", c.ID)
		return err == nil && got.Status == types.CommandExpired
	}, time.Second, 10*time.Millisecond)

	sw.Stop()
	sw.Stop()
	select {
	case <-sw.Done():
	default:
		t.Fatal("sweeper still running after Stop")
	}
}

func TestSweeper_StopBeforeStart(t *testing.T) {
	h := newHarness(t)
	sw := service.NewSweeper(h.queue, h.enroll, 0, nil)
	sw.Stop()
	sw.Start(context.Background())
	sw.Stop()
}
