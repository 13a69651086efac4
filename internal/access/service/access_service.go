package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gymcloud/accessd/internal/access/store"
	"github.com/gymcloud/accessd/internal/access/types"
	"github.com/gymcloud/accessd/internal/metrics"
	"github.com/gymcloud/accessd/internal/observability/logger"
)

// AccessDeps wires the collaborators of an AccessService.
type AccessDeps struct {
	Registry    *DeviceRegistry
	Credentials *CredentialService
	Guard       *Guard
	Enrollment  *EnrollmentCoordinator
	Queue       *CommandQueue
	Events      store.AccessEventStore
	Now         Clock
	Metrics     *metrics.Metrics
}

// AccessService is the event pipeline and the operator actions that touch
// more than one module.
type AccessService struct {
	registry *DeviceRegistry
	creds    *CredentialService
	guard    *Guard
	enroll   *EnrollmentCoordinator
	queue    *CommandQueue
	events   store.AccessEventStore
	eval     *Evaluator
	now      Clock
	metrics  *metrics.Metrics
	log      *zap.Logger

	// locks maps device id to *sync.Mutex.
	locks sync.Map
}

func NewAccessService(deps AccessDeps) *AccessService {
	guard := deps.Guard
	if guard == nil {
		guard = NewGuard()
	}
	enroll := deps.Enrollment
	if enroll == nil {
		enroll = NewEnrollmentCoordinator(deps.Credentials, deps.Now)
	}
	return &AccessService{
		registry: deps.Registry,
		creds:    deps.Credentials,
		guard:    guard,
		enroll:   enroll,
		queue:    deps.Queue,
		events:   deps.Events,
		eval:     NewEvaluator(deps.Credentials, guard, enroll),
		now:      orSystem(deps.Now),
		metrics:  deps.Metrics,
		log:      logger.Named("access"),
	}
}

func (s *AccessService) Registry() *DeviceRegistry { return s.registry }

func (s *AccessService) Credentials() *CredentialService { return s.creds }

func (s *AccessService) Queue() *CommandQueue { return s.queue }

func (s *AccessService) deviceLock(deviceID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(deviceID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// SubmitEvent authenticates the agent and runs HandleEvent.
func (s *AccessService) SubmitEvent(ctx context.Context, rawToken string, req types.EventRequest) (types.EventResponse, error) {
	d, err := s.registry.Authenticate(ctx, rawToken)
	if err != nil {
		return types.EventResponse{}, err
	}
	return s.HandleEvent(ctx, d, req)
}

// HandleEvent evaluates one event for an already authenticated device,
// records it in the audit log and, for command-delivered unlocks, queues
// the relay pulse. Denials are reported in the response, not as errors.
func (s *AccessService) HandleEvent(ctx context.Context, d types.Device, req types.EventRequest) (types.EventResponse, error) {
	if !req.EventType.Valid() {
		return types.EventResponse{}, &types.ValidationError{Field: "event_type", Reason: fmt.Sprintf("unknown event type %q", req.EventType)}
	}
	started := time.Now()
	s.registry.NoteSeen(ctx, d.ID)

	mu := s.deviceLock(d.ID)
	mu.Lock()
	defer mu.Unlock()

	now := s.now()
	dec, err := s.eval.Evaluate(ctx, d, Event{Type: req.EventType, Value: req.RawValue, PIN: req.PIN}, now)
	if err != nil {
		return types.EventResponse{}, fmt.Errorf("evaluate event: %w", err)
	}

	ev := types.AccessEvent{
		ID:               newID(),
		TenantID:         d.TenantID,
		DeviceID:         d.ID,
		BranchID:         d.BranchID,
		EventType:        req.EventType,
		InputMasked:      types.MaskValue(req.RawValue),
		SubjectUsuarioID: dec.SubjectUsuarioID,
		Decision:         dec.Outcome,
		Reason:           dec.Reason,
		Unlock:           dec.Unlock,
		ClientTime:       types.ParseClientTime(req.ClientTime),
		CreatedAt:        now,
	}
	s.record(ctx, ev)

	resp := types.EventResponse{
		OK:               true,
		EventID:          ev.ID,
		Decision:         dec.Outcome,
		Reason:           dec.Reason,
		Unlock:           dec.Unlock,
		SubjectUsuarioID: dec.SubjectUsuarioID,
		ServerTime:       types.ServerTime(now),
	}
	profile := d.Config.UnlockProfile
	if dec.Unlock {
		resp.UnlockProfileRef = profile.Ref
		resp.UnlockMS = profile.UnlockMS
	}
	if dec.Allowed() && dec.Unlock && profile.Configured() && profile.Delivery == types.DeliveryCommand {
		cmd, err := s.queue.Enqueue(ctx, d.TenantID, d.ID, types.CommandUnlock, unlockPayload(profile, map[string]any{
			"event_id": ev.ID,
			"reason":   dec.Reason,
		}), 0)
		if err != nil {
			// The decision is already audited; the agent can still act on it.
			s.log.Error("enqueue unlock failed", logger.DeviceID(d.ID), logger.Err(err))
		} else {
			resp.CommandID = cmd.ID
		}
	}

	s.metrics.Decision(string(dec.Outcome), dec.Reason, time.Since(started))
	logger.From(ctx).Debug("access decision",
		logger.DeviceID(d.ID),
		logger.EventType(string(req.EventType)),
		zap.String("decision", string(dec.Outcome)),
		logger.Reason(dec.Reason),
	)
	return resp, nil
}

// RemoteUnlock queues an unlock on behalf of an operator. The request is
// audited whether or not the device policy permits it.
func (s *AccessService) RemoteUnlock(ctx context.Context, tenantID, deviceID, operator string) (types.DeviceCommand, error) {
	d, err := s.registry.Get(ctx, tenantID, deviceID)
	if err != nil {
		return types.DeviceCommand{}, err
	}
	now := s.now()
	ev := types.AccessEvent{
		ID:        newID(),
		TenantID:  d.TenantID,
		DeviceID:  d.ID,
		BranchID:  d.BranchID,
		EventType: types.EventRemoteUnlock,
		CreatedAt: now,
	}

	var reason string
	switch {
	case !d.Enabled:
		reason = types.ReasonDeviceDisabled
	case !d.Config.AllowRemoteUnlock:
		reason = types.ReasonRemoteUnlockNotAllowed
	}
	if reason != "" {
		ev.Decision, ev.Reason = types.OutcomeDeny, reason
		s.record(ctx, ev)
		s.metrics.Decision(string(types.OutcomeDeny), reason, 0)
		return types.DeviceCommand{}, &types.PolicyDeniedError{Reason: reason}
	}

	cmd, err := s.queue.Enqueue(ctx, d.TenantID, d.ID, types.CommandUnlock, unlockPayload(d.Config.UnlockProfile, map[string]any{
		"event_id": ev.ID,
		"reason":   types.ReasonRemoteUnlock,
		"operator": operator,
	}), 0)
	if err != nil {
		return types.DeviceCommand{}, err
	}
	ev.Decision, ev.Reason, ev.Unlock = types.OutcomeAllow, types.ReasonRemoteUnlock, true
	s.record(ctx, ev)
	s.metrics.Decision(string(types.OutcomeAllow), types.ReasonRemoteUnlock, 0)
	s.log.Info("remote unlock queued",
		logger.TenantID(tenantID), logger.DeviceID(deviceID), logger.CommandID(cmd.ID), logger.Operator(operator))
	return cmd, nil
}

func unlockPayload(p types.UnlockProfile, extra map[string]any) map[string]any {
	out := map[string]any{"unlock_ms": p.UnlockMS}
	if p.Kind != "" {
		out["kind"] = p.Kind
	}
	if p.Ref != "" {
		out["ref"] = p.Ref
	}
	for k, v := range extra {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// record appends to the audit log. A failed write is logged and never
// changes the decision already taken.
func (s *AccessService) record(ctx context.Context, ev types.AccessEvent) {
	if err := s.events.AppendEvent(ctx, ev); err != nil {
		s.log.Error("audit append failed",
			logger.DeviceID(ev.DeviceID),
			zap.String("event_id", ev.ID),
			logger.Reason(ev.Reason),
			logger.Err(err),
		)
	}
}

// Poll claims the next command for the device, if any.
func (s *AccessService) Poll(ctx context.Context, d types.Device) (types.PollResponse, error) {
	s.registry.NoteSeen(ctx, d.ID)
	cmd, ok, err := s.queue.Claim(ctx, d.ID)
	if err != nil {
		return types.PollResponse{}, err
	}
	resp := types.PollResponse{OK: true, ServerTime: types.ServerTime(s.now())}
	if ok {
		resp.Command = &cmd
	}
	return resp, nil
}

func (s *AccessService) Ack(ctx context.Context, d types.Device, commandID string, res types.CommandResult) (types.AckResponse, error) {
	s.registry.NoteSeen(ctx, d.ID)
	cmd, err := s.queue.Ack(ctx, d.ID, commandID, res)
	if err != nil {
		return types.AckResponse{}, err
	}
	if !res.Success {
		s.log.Warn("command failed on device",
			logger.DeviceID(d.ID), logger.CommandID(cmd.ID), zap.String("detail", res.Detail))
	}
	return types.AckResponse{OK: true, Command: cmd, ServerTime: types.ServerTime(s.now())}, nil
}

// Heartbeat refreshes last_seen_at and hands the agent its current config
// and any enrollment it should be listening for.
func (s *AccessService) Heartbeat(ctx context.Context, d types.Device, req types.HeartbeatRequest) (types.HeartbeatResponse, error) {
	s.registry.NoteSeen(ctx, d.ID)
	now := s.now()
	resp := types.HeartbeatResponse{
		OK:         true,
		DeviceID:   d.ID,
		Enabled:    d.Enabled,
		Config:     d.Config,
		ServerTime: types.ServerTime(now),
	}
	if sess, ok := s.enroll.Get(d.ID); ok && sess.Active(now) {
		resp.Enrollment = &sess
	}
	if req.ConfigVersion != 0 && req.ConfigVersion != d.Config.Version {
		s.log.Info("agent config version differs",
			logger.DeviceID(d.ID), zap.Int("agent_version", req.ConfigVersion), zap.Int("server_version", d.Config.Version))
	}
	logger.From(ctx).Debug("heartbeat",
		logger.DeviceID(d.ID),
		zap.String("firmware", req.FirmwareVersion),
		zap.Uint64("uptime_s", req.UptimeSeconds),
		zap.String("ip", req.IP),
	)
	return resp, nil
}

func (s *AccessService) ListEvents(ctx context.Context, f types.EventFilter) (types.EventPage, error) {
	if err := f.Validate(); err != nil {
		return types.EventPage{}, err
	}
	return s.events.ListEvents(ctx, f.Normalize())
}

// StartEnroll opens an enrollment session on an enabled device and tells
// the agent to listen for the next swipe.
func (s *AccessService) StartEnroll(ctx context.Context, tenantID, deviceID string, usuarioID int64, ct types.CredentialType, ttl time.Duration) (types.EnrollmentSession, error) {
	d, err := s.registry.Get(ctx, tenantID, deviceID)
	if err != nil {
		return types.EnrollmentSession{}, err
	}
	if !d.Enabled {
		return types.EnrollmentSession{}, fmt.Errorf("%w: device %s is disabled", types.ErrInvalidState, deviceID)
	}

	mu := s.deviceLock(d.ID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.enroll.Start(d.TenantID, d.ID, usuarioID, ct, ttl)
	if err != nil {
		return types.EnrollmentSession{}, err
	}
	cmd, err := s.queue.Enqueue(ctx, d.TenantID, d.ID, types.CommandEnrollStart, map[string]any{
		"usuario_id":      sess.UsuarioID,
		"credential_type": string(sess.CredentialType),
		"expires_at":      types.ServerTime(sess.ExpiresAt()),
	}, sess.TTL)
	if err != nil {
		if _, _, cerr := s.enroll.Cancel(d.ID); cerr != nil {
			s.log.Warn("enrollment rollback failed", logger.DeviceID(d.ID), logger.Err(cerr))
		}
		return types.EnrollmentSession{}, err
	}
	s.enroll.AttachCommand(d.ID, cmd.ID)
	sess.StartCommandID = cmd.ID

	s.log.Info("enrollment started",
		logger.TenantID(tenantID), logger.DeviceID(d.ID), logger.UsuarioID(usuarioID), logger.CommandID(cmd.ID))
	return sess, nil
}

// CancelEnroll cancels a pending session. cancelled is false when there was
// nothing to cancel. If the agent never picked up the start command it is
// withdrawn; otherwise an enroll_cancel command is queued.
func (s *AccessService) CancelEnroll(ctx context.Context, tenantID, deviceID string) (types.EnrollmentSession, bool, error) {
	d, err := s.registry.Get(ctx, tenantID, deviceID)
	if err != nil {
		return types.EnrollmentSession{}, false, err
	}
	sess, cancelled, err := s.enroll.Cancel(d.ID)
	if err != nil || !cancelled {
		return sess, false, err
	}

	if sess.StartCommandID != "" {
		_, err := s.queue.Cancel(ctx, d.TenantID, sess.StartCommandID)
		if err == nil {
			return sess, true, nil
		}
		if !errors.Is(err, types.ErrInvalidState) {
			s.log.Warn("withdraw enroll_start failed", logger.DeviceID(d.ID), logger.Err(err))
		}
	}
	if _, err := s.queue.Enqueue(ctx, d.TenantID, d.ID, types.CommandEnrollCancel, map[string]any{
		"usuario_id": sess.UsuarioID,
	}, 0); err != nil {
		s.log.Warn("enqueue enroll_cancel failed", logger.DeviceID(d.ID), logger.Err(err))
	}
	return sess, true, nil
}

func (s *AccessService) GetEnrollment(ctx context.Context, tenantID, deviceID string) (types.EnrollmentSession, error) {
	d, err := s.registry.Get(ctx, tenantID, deviceID)
	if err != nil {
		return types.EnrollmentSession{}, err
	}
	sess, ok := s.enroll.Get(d.ID)
	if !ok {
		return types.EnrollmentSession{}, types.ErrNotFound
	}
	return sess, nil
}

func (s *AccessService) ListCommands(ctx context.Context, tenantID, deviceID string, limit int) ([]types.DeviceCommand, error) {
	if _, err := s.registry.Get(ctx, tenantID, deviceID); err != nil {
		return nil, err
	}
	return s.queue.List(ctx, deviceID, limit)
}

// DeleteDevice removes the device and every piece of in-memory state keyed
// by it. Its commands go with it; its audit events stay.
func (s *AccessService) DeleteDevice(ctx context.Context, tenantID, deviceID string) error {
	if err := s.registry.Delete(ctx, tenantID, deviceID); err != nil {
		return err
	}
	s.guard.Forget(deviceID)
	s.enroll.Forget(deviceID)
	s.locks.Delete(deviceID)
	return nil
}
