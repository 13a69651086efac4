package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gymcloud/accessd/internal/access/store/postgres"
	"github.com/gymcloud/accessd/internal/access/types"
	"github.com/gymcloud/accessd/internal/db/pg"
)

// openStores connects to ACCESSD_TEST_PG_DSN. Each test works in its own
// tenant so runs against a shared database do not collide.
func openStores(t *testing.T) (*postgres.Stores, string) {
	t.Helper()
	dsn := os.Getenv("ACCESSD_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("ACCESSD_TEST_PG_DSN not set")
	}
	pool, err := pg.Open(context.Background(), pg.Config{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return postgres.New(pool), "t_" + uuid.NewString()
}

func TestPostgres_PairingAndCommands(t *testing.T) {
	st, tenant := openStores(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	cfg, err := types.DeviceConfig{}.Normalize()
	require.NoError(t, err)
	dev := types.Device{
		ID: uuid.NewString(), TenantID: tenant, PublicID: "dev_" + uuid.NewString(),
		Name: "Front", Enabled: true, Config: cfg, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.Devices.CreateDevice(ctx, dev))

	_, err = st.Devices.SetPairing(ctx, tenant, dev.ID, "code", now.Add(time.Minute), now)
	require.NoError(t, err)
	_, err = st.Devices.CompletePairing(ctx, dev.PublicID, "bad", "tok-"+dev.ID, now)
	assert.ErrorIs(t, err, types.ErrInvalidOrExpiredCode)
	paired, err := st.Devices.CompletePairing(ctx, dev.PublicID, "code", "tok-"+dev.ID, now)
	require.NoError(t, err)
	assert.Equal(t, types.PhasePaired, paired.Phase(now))

	cmd := types.DeviceCommand{
		ID: uuid.NewString(), TenantID: tenant, DeviceID: dev.ID, Type: types.CommandUnlock,
		Status: types.CommandPending, CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, st.Commands.InsertCommand(ctx, cmd))

	claimed, ok, err := st.Commands.ClaimNext(ctx, dev.ID, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cmd.ID, claimed.ID)

	res := types.CommandResult{Success: true}
	_, err = st.Commands.AckCommand(ctx, cmd.ID, dev.ID, res, now)
	require.NoError(t, err)
	_, err = st.Commands.AckCommand(ctx, cmd.ID, dev.ID, res, now)
	require.NoError(t, err)

	_, err = st.Commands.CancelCommand(ctx, cmd.ID, now)
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestPostgres_CredentialsAndEvents(t *testing.T) {
	st, tenant := openStores(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	c := types.Credential{ID: uuid.NewString(), TenantID: tenant, UsuarioID: 1, Type: types.CredentialFob, Value: "AA11", CreatedAt: now}
	_, err := st.Credentials.BindCredential(ctx, c)
	require.NoError(t, err)
	c2 := c
	c2.ID = uuid.NewString()
	c2.UsuarioID = 2
	_, err = st.Credentials.BindCredential(ctx, c2)
	assert.ErrorIs(t, err, types.ErrConflict)

	require.NoError(t, st.Members.UpsertMember(ctx, types.Member{TenantID: tenant, UsuarioID: 1, DNI: "123", UpdatedAt: now}))
	assert.ErrorIs(t, st.Members.UpsertMember(ctx, types.Member{TenantID: tenant, UsuarioID: 2, DNI: "123", UpdatedAt: now}), types.ErrConflict)

	require.NoError(t, st.Events.AppendEvent(ctx, types.AccessEvent{
		ID: uuid.NewString(), TenantID: tenant, DeviceID: "d", EventType: types.EventFob,
		Decision: types.OutcomeDeny, Reason: types.ReasonCredentialUnknown, CreatedAt: now,
	}))
	page, err := st.Events.ListEvents(ctx, types.EventFilter{TenantID: tenant})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}
