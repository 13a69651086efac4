package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gymcloud/accessd/internal/access/types"
)

func TestEnrollment_BindsNextSwipe(t *testing.T) {
	h := newHarness(t)
	d, tok := h.pairedDevice(t, types.DeviceConfig{AntiPassbackSeconds: 30})

	sess, err := h.svc.StartEnroll(h.ctx, "t1", d.ID, 7, types.CredentialFob, 0)
	require.NoError(t, err)
	assert.Equal(t, types.EnrollPending, sess.Status)
	assert.Equal(t, types.DefaultEnrollTTL, sess.TTL)
	assert.NotEmpty(t, sess.StartCommandID)

	resp := h.submit(t, tok, types.EventFob, "abc")
	assert.Equal(t, types.OutcomeEnroll, resp.Decision)
	assert.Equal(t, types.ReasonEnrolled, resp.Reason)
	assert.False(t, resp.Unlock)
	assert.EqualValues(t, 7, *resp.SubjectUsuarioID)

	c, err := h.creds.Resolve(h.ctx, "t1", types.CredentialFob, "ABC")
	require.NoError(t, err)
	assert.EqualValues(t, 7, c.UsuarioID)

	got, err := h.svc.GetEnrollment(h.ctx, "t1", d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EnrollConsumed, got.Status)
	assert.Equal(t, c.ID, got.CredentialID)

	// The session is spent: the same value now goes through normal policy.
	resp = h.submit(t, tok, types.EventFob, "ABC")
	assert.Equal(t, types.OutcomeAllow, resp.Decision)
	assert.EqualValues(t, 7, *resp.SubjectUsuarioID)
}

func TestEnrollment_StartConflicts(t *testing.T) {
	h := newHarness(t)
	d, _ := h.pairedDevice(t, types.DeviceConfig{})

	_, err := h.svc.StartEnroll(h.ctx, "t1", d.ID, 7, types.CredentialFob, time.Minute)
	require.NoError(t, err)
	_, err = h.svc.StartEnroll(h.ctx, "t1", d.ID, 8, types.CredentialCard, time.Minute)
	assert.ErrorIs(t, err, types.ErrConflict)

	h.clock.Advance(time.Minute)
	_, err = h.svc.StartEnroll(h.ctx, "t1", d.ID, 8, types.CredentialCard, time.Minute)
	assert.NoError(t, err, "an expired session can be replaced")

	_, err = h.svc.StartEnroll(h.ctx, "t1", d.ID, 0, types.CredentialCard, time.Minute)
	assert.ErrorIs(t, err, types.ErrValidation)

	disabled, _ := h.pairedDevice(t, types.DeviceConfig{})
	_, err = h.reg.SetEnabled(h.ctx, "t1", disabled.ID, false)
	require.NoError(t, err)
	_, err = h.svc.StartEnroll(h.ctx, "t1", disabled.ID, 7, types.CredentialFob, time.Minute)
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestEnrollment_OtherTypesFallThrough(t *testing.T) {
	h := newHarness(t)
	d, tok := h.pairedDevice(t, types.DeviceConfig{})
	h.bind(t, 2, types.CredentialCard, "CARD-2")

	_, err := h.svc.StartEnroll(h.ctx, "t1", d.ID, 7, types.CredentialFob, time.Minute)
	require.NoError(t, err)

	resp := h.submit(t, tok, types.EventCard, "CARD-2")
	assert.Equal(t, types.OutcomeAllow, resp.Decision)
	assert.EqualValues(t, 2, *resp.SubjectUsuarioID)

	got, err := h.svc.GetEnrollment(h.ctx, "t1", d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EnrollPending, got.Status)
}

func TestEnrollment_ExpiredFallsThrough(t *testing.T) {
	h := newHarness(t)
	d, tok := h.pairedDevice(t, types.DeviceConfig{})

	_, err := h.svc.StartEnroll(h.ctx, "t1", d.ID, 7, types.CredentialFob, 30*time.Second)
	require.NoError(t, err)
	h.clock.Advance(30 * time.Second)

	resp := h.submit(t, tok, types.EventFob, "LATE")
	assert.Equal(t, types.ReasonCredentialUnknown, resp.Reason)

	got, err := h.svc.GetEnrollment(h.ctx, "t1", d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EnrollExpired, got.Status)
}

func TestEnrollment_ConflictKeepsSessionPending(t *testing.T) {
	h := newHarness(t)
	d, tok := h.pairedDevice(t, types.DeviceConfig{})
	h.bind(t, 3, types.CredentialFob, "TAKEN")

	_, err := h.svc.StartEnroll(h.ctx, "t1", d.ID, 7, types.CredentialFob, time.Minute)
	require.NoError(t, err)

	resp := h.submit(t, tok, types.EventFob, "TAKEN")
	assert.Equal(t, types.OutcomeDeny, resp.Decision)
	assert.Equal(t, types.ReasonEnrollConflict, resp.Reason)

	resp = h.submit(t, tok, types.EventFob, "FREE")
	assert.Equal(t, types.OutcomeEnroll, resp.Decision)
}

func TestCancelEnroll(t *testing.T) {
	h := newHarness(t)
	d, tok := h.pairedDevice(t, types.DeviceConfig{})

	_, cancelled, err := h.svc.CancelEnroll(h.ctx, "t1", d.ID)
	require.NoError(t, err)
	assert.False(t, cancelled, "no session is a no-op")

	sess, err := h.svc.StartEnroll(h.ctx, "t1", d.ID, 7, types.CredentialFob, time.Minute)
	require.NoError(t, err)

	got, cancelled, err := h.svc.CancelEnroll(h.ctx, "t1", d.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, types.EnrollCancelled, got.Status)

	start, err := h.queue.Get(h.ctx, "t1", sess.StartCommandID)
	require.NoError(t, err)
	assert.Equal(t, types.CommandCancelled, start.Status, "an unclaimed start is withdrawn")
	_, ok, err := h.queue.Claim(h.ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, ok, "nothing to tell an agent that never heard of the session")

	_, cancelled, err = h.svc.CancelEnroll(h.ctx, "t1", d.ID)
	require.NoError(t, err)
	assert.False(t, cancelled, "cancel is idempotent")

	resp := h.submit(t, tok, types.EventFob, "AFTER")
	assert.Equal(t, types.ReasonCredentialUnknown, resp.Reason)
}

func TestCancelEnroll_AfterAgentClaimedStart(t *testing.T) {
	h := newHarness(t)
	d, _ := h.pairedDevice(t, types.DeviceConfig{})

	sess, err := h.svc.StartEnroll(h.ctx, "t1", d.ID, 7, types.CredentialCard, time.Minute)
	require.NoError(t, err)
	poll, err := h.svc.Poll(h.ctx, d)
	require.NoError(t, err)
	require.NotNil(t, poll.Command)
	assert.Equal(t, sess.StartCommandID, poll.Command.ID)
	assert.Equal(t, types.CommandEnrollStart, poll.Command.Type)

	_, cancelled, err := h.svc.CancelEnroll(h.ctx, "t1", d.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	poll, err = h.svc.Poll(h.ctx, d)
	require.NoError(t, err)
	require.NotNil(t, poll.Command)
	assert.Equal(t, types.CommandEnrollCancel, poll.Command.Type)
}

func TestCancelEnroll_AfterConsumeReportsWinner(t *testing.T) {
	h := newHarness(t)
	d, tok := h.pairedDevice(t, types.DeviceConfig{})

	_, err := h.svc.StartEnroll(h.ctx, "t1", d.ID, 7, types.CredentialFob, time.Minute)
	require.NoError(t, err)
	h.submit(t, tok, types.EventFob, "WON")

	got, cancelled, err := h.svc.CancelEnroll(h.ctx, "t1", d.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Equal(t, types.EnrollConsumed, got.Status)
}

func TestEnrollmentCoordinator_ExpireDue(t *testing.T) {
	h := newHarness(t)
	_, err := h.enroll.Start("t1", "d1", 7, types.CredentialFob, 10*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 0, h.enroll.ExpireDue(monday9.Add(9*time.Second)))
	assert.Equal(t, 1, h.enroll.ExpireDue(monday9.Add(10*time.Second)))

	sess, ok := h.enroll.Get("d1")
	require.True(t, ok)
	assert.Equal(t, types.EnrollExpired, sess.Status)

	h.enroll.ExpireDue(monday9.Add(time.Hour))
	_, ok = h.enroll.Get("d1")
	assert.False(t, ok, "finished sessions are dropped after retention")
}
