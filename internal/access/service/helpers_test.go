package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gymcloud/accessd/internal/access/service"
	"github.com/gymcloud/accessd/internal/access/store/memory"
	"github.com/gymcloud/accessd/internal/access/types"
	"github.com/gymcloud/accessd/internal/security/pin"
)

// 2026-10-19 is a Monday.
var monday9 = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

var fastPIN = pin.Params{Memory: 1024, Time: 1, Parallelism: 1, KeyLen: 16}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	ctx      context.Context
	clock    *fakeClock
	events   *memory.AccessEventStore
	commands *memory.CommandStore
	reg      *service.DeviceRegistry
	creds    *service.CredentialService
	enroll   *service.EnrollmentCoordinator
	queue    *service.CommandQueue
	svc      *service.AccessService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ctx:      context.Background(),
		clock:    newClock(monday9),
		events:   memory.NewAccessEventStore(),
		commands: memory.NewCommandStore(),
	}
	now := h.clock.Now
	h.reg = service.NewDeviceRegistry(memory.NewDeviceStore(), service.RegistryConfig{
		APIBaseURL: "https://access.example.test/",
		Now:        now,
	})
	h.creds = service.NewCredentialService(memory.NewCredentialStore(), memory.NewMemberStore(), service.CredentialConfig{
		Now: now,
		PIN: &fastPIN,
	})
	h.enroll = service.NewEnrollmentCoordinator(h.creds, now)
	h.queue = service.NewCommandQueue(h.commands, service.QueueConfig{Now: now})
	h.svc = service.NewAccessService(service.AccessDeps{
		Registry:    h.reg,
		Credentials: h.creds,
		Enrollment:  h.enroll,
		Queue:       h.queue,
		Events:      h.events,
		Now:         now,
	})
	return h
}

// pairedDevice creates a device in tenant t1 and completes pairing. It
// returns the paired device and its bearer token.
func (h *harness) pairedDevice(t *testing.T, cfg types.DeviceConfig) (types.Device, string) {
	t.Helper()
	d, ticket, err := h.reg.CreateDevice(h.ctx, "t1", service.NewDevice{Name: "Front door", BranchID: "b1", Config: cfg})
	require.NoError(t, err)
	res, err := h.reg.CompletePairing(h.ctx, d.PublicID, ticket.Code)
	require.NoError(t, err)
	return res.Device, res.Token
}

func (h *harness) bind(t *testing.T, usuarioID int64, ct types.CredentialType, value string) types.Credential {
	t.Helper()
	c, err := h.creds.Bind(h.ctx, "t1", service.NewCredential{UsuarioID: usuarioID, Type: ct, Value: value})
	require.NoError(t, err)
	return c
}

func (h *harness) submit(t *testing.T, tok string, et types.EventType, value string) types.EventResponse {
	t.Helper()
	resp, err := h.svc.SubmitEvent(h.ctx, tok, types.EventRequest{EventType: et, RawValue: value})
	require.NoError(t, err)
	return resp
}

func ptr[T any](v T) *T { return &v }
