package memory_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gymcloud/accessd/internal/access/store/memory"
	"github.com/gymcloud/accessd/internal/access/types"
)

var now = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func TestDeviceStore_PairingSwapsCodeForToken(t *testing.T) {
	ds := memory.NewDeviceStore()
	ctx := context.Background()
	require.NoError(t, ds.CreateDevice(ctx, types.Device{ID: "d1", TenantID: "t1", PublicID: "dev_1", Enabled: true}))

	_, err := ds.SetPairing(ctx, "t1", "d1", "code", now.Add(time.Minute), now)
	require.NoError(t, err)

	_, err = ds.CompletePairing(ctx, "dev_1", "nope", "tok", now)
	assert.ErrorIs(t, err, types.ErrInvalidOrExpiredCode)

	d, err := ds.CompletePairing(ctx, "dev_1", "code", "tok", now)
	require.NoError(t, err)
	assert.Equal(t, types.PhasePaired, d.Phase(now))

	got, err := ds.GetDeviceByTokenHash(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "d1", got.ID)
}

func TestCredentialStore_Conflict(t *testing.T) {
	cs := memory.NewCredentialStore()
	ctx := context.Background()

	_, err := cs.BindCredential(ctx, types.Credential{ID: "c1", TenantID: "t1", UsuarioID: 1, Type: types.CredentialFob, Value: "AA"})
	require.NoError(t, err)
	_, err = cs.BindCredential(ctx, types.Credential{ID: "c2", TenantID: "t1", UsuarioID: 2, Type: types.CredentialFob, Value: "AA"})
	assert.ErrorIs(t, err, types.ErrConflict)

	c, err := cs.BindCredential(ctx, types.Credential{ID: "c3", TenantID: "t1", UsuarioID: 1, Type: types.CredentialFob, Value: "AA"})
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)
}

func TestCommandStore_Lifecycle(t *testing.T) {
	cs := memory.NewCommandStore()
	ctx := context.Background()

	for i, id := range []string{"c1", "c2"} {
		require.NoError(t, cs.InsertCommand(ctx, types.DeviceCommand{
			ID: id, DeviceID: "d1", Type: types.CommandUnlock, Status: types.CommandPending,
			CreatedAt: now.Add(time.Duration(i) * time.Second), ExpiresAt: now.Add(time.Minute),
		}))
	}

	c, ok, err := cs.ClaimNext(ctx, "d1", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c1", c.ID)

	_, err = cs.CancelCommand(ctx, "c1", now)
	assert.ErrorIs(t, err, types.ErrInvalidState)

	_, err = cs.CancelCommand(ctx, "c2", now)
	require.NoError(t, err)

	res := types.CommandResult{Success: true}
	_, err = cs.AckCommand(ctx, "c1", "d1", res, now.Add(time.Minute))
	assert.ErrorIs(t, err, types.ErrInvalidState, "ack after expires_at is rejected")

	_, err = cs.AckCommand(ctx, "c1", "d1", res, now.Add(time.Second))
	require.NoError(t, err)

	n, err := cs.ExpireDue(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "acked and cancelled commands are terminal")
}

func TestAccessEventStore_Pages(t *testing.T) {
	es := memory.NewAccessEventStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, es.AppendEvent(ctx, types.AccessEvent{ID: id, TenantID: "t1", DeviceID: "d1"}))
	}

	page, err := es.ListEvents(ctx, types.EventFilter{TenantID: "t1", PageSize: 2, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "a", page.Events[0].ID)
	assert.Len(t, es.Events(), 3)
}

func TestAccessEventStore_HugePageIsEmpty(t *testing.T) {
	es := memory.NewAccessEventStore()
	ctx := context.Background()
	require.NoError(t, es.AppendEvent(ctx, types.AccessEvent{ID: "a", TenantID: "t1"}))

	page, err := es.ListEvents(ctx, types.EventFilter{TenantID: "t1", Page: math.MaxInt/types.DefaultPageSize + 2})
	require.NoError(t, err)
	assert.Equal(t, types.MaxPage, page.Page)
	assert.Equal(t, 1, page.Total)
	assert.Empty(t, page.Events)
}
