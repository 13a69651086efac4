package httpapi_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gymcloud/accessd/internal/access/service"
	"github.com/gymcloud/accessd/internal/access/store/memory"
	"github.com/gymcloud/accessd/internal/access/types"
	"github.com/gymcloud/accessd/internal/httpapi"
	"github.com/gymcloud/accessd/internal/metrics"
	"github.com/gymcloud/accessd/internal/ratelimit"
	"github.com/gymcloud/accessd/internal/security/pin"
	"github.com/gymcloud/accessd/internal/wire"
)

var (
	testSecret = []byte("0123456789abcdef0123456789abcdef")
	fastPIN    = pin.Params{Memory: 1024, Time: 1, Parallelism: 1, KeyLen: 16}
)

// newTestServer wires up the full dependency graph using in-memory stores
// and returns an httptest.Server whose URL can be hit with a plain http.Client.
func newTestServer(t *testing.T, limiter ratelimit.Limiter) *httptest.Server {
	t.Helper()

	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	reg := service.NewDeviceRegistry(memory.NewDeviceStore(), service.RegistryConfig{
		APIBaseURL: "https://access.example.test",
		Metrics:    m,
	})
	creds := service.NewCredentialService(memory.NewCredentialStore(), memory.NewMemberStore(), service.CredentialConfig{PIN: &fastPIN})
	svc := service.NewAccessService(service.AccessDeps{
		Registry:    reg,
		Credentials: creds,
		Queue:       service.NewCommandQueue(memory.NewCommandStore(), service.QueueConfig{Metrics: m}),
		Events:      memory.NewAccessEventStore(),
		Metrics:     m,
	})

	srv := httpapi.NewServer(httpapi.Dependencies{
		Addr:         ":0",
		Access:       svc,
		Metrics:      m,
		JWTSecret:    testSecret,
		JWTIssuer:    "accessd-test",
		AgentLimiter: limiter,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func operatorToken(t *testing.T, tenantID string) string {
	t.Helper()
	tok, err := httpapi.SignOperatorToken(testSecret, "accessd-test", tenantID, "staff@example.test", time.Hour)
	require.NoError(t, err)
	return tok
}

// call sends a JSON request and decodes a JSON response into out when out
// is not nil.
func call(t *testing.T, method, url, bearer string, body any, out any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

type createdDevice struct {
	Device struct {
		ID    string `json:"id"`
		Phase string `json:"phase"`
	} `json:"device"`
	Payload types.PairingPayload `json:"payload"`
}

type apiError struct {
	Error     string `json:"error"`
	Field     string `json:"field"`
	Reason    string `json:"reason"`
	RequestID string `json:"request_id"`
}

// pair creates a device for tenant t1 through the operator API and pairs
// it through the agent API.
func pair(t *testing.T, ts *httptest.Server, cfg types.DeviceConfig) (deviceID, deviceToken string) {
	t.Helper()
	op := operatorToken(t, "t1")

	var created createdDevice
	resp := call(t, http.MethodPost, ts.URL+"/v1/devices", op, map[string]any{
		"name": "Front door", "branch_id": "b1", "config": cfg,
	}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "pairing", created.Device.Phase)
	require.Equal(t, "https://access.example.test", created.Payload.APIBaseURL)

	var paired types.PairResponse
	resp = call(t, http.MethodPost, ts.URL+"/v1/agent/pair", "", types.PairRequest{
		DevicePublicID: created.Payload.DevicePublicID,
		PairingCode:    created.Payload.PairingCode,
	}, &paired)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, paired.OK)
	require.NotEmpty(t, paired.DeviceToken)
	return paired.DeviceID, paired.DeviceToken
}

// ── Ops ──────────────────────────────────────────────────────────────────────

func TestHealthzAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := call(t, http.MethodGet, ts.URL+"/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	resp = call(t, http.MethodGet, ts.URL+"/metrics", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `accessd_http_requests_total{method="GET",route="/healthz",status="2xx"} 1`)
}

func TestUnknownRoute_JSON404(t *testing.T) {
	ts := newTestServer(t, nil)

	var e apiError
	resp := call(t, http.MethodGet, ts.URL+"/v1/nope", "", nil, &e)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", e.Error)
}

// ── Operator auth ────────────────────────────────────────────────────────────

func TestOperator_RequiresValidToken(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := call(t, http.MethodGet, ts.URL+"/v1/devices", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	wrongKey, err := httpapi.SignOperatorToken([]byte("another-secret-another-secret-xx"), "accessd-test", "t1", "x", time.Hour)
	require.NoError(t, err)
	resp = call(t, http.MethodGet, ts.URL+"/v1/devices", wrongKey, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := httpapi.SignOperatorToken(testSecret, "accessd-test", "t1", "x", -time.Hour)
	require.NoError(t, err)
	resp = call(t, http.MethodGet, ts.URL+"/v1/devices", expired, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	otherIssuer, err := httpapi.SignOperatorToken(testSecret, "someone-else", "t1", "x", time.Hour)
	require.NoError(t, err)
	resp = call(t, http.MethodGet, ts.URL+"/v1/devices", otherIssuer, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var out struct {
		Devices []json.RawMessage `json:"devices"`
	}
	resp = call(t, http.MethodGet, ts.URL+"/v1/devices", operatorToken(t, "t1"), nil, &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, out.Devices)
}

func TestOperator_TenantIsolation(t *testing.T) {
	ts := newTestServer(t, nil)
	deviceID, _ := pair(t, ts, types.DeviceConfig{})

	var e apiError
	resp := call(t, http.MethodGet, ts.URL+"/v1/devices/"+deviceID, operatorToken(t, "t2"), nil, &e)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", e.Error)

	resp = call(t, http.MethodGet, ts.URL+"/v1/devices/"+deviceID, operatorToken(t, "t1"), nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOperator_ValidationErrorNamesField(t *testing.T) {
	ts := newTestServer(t, nil)

	var e apiError
	resp := call(t, http.MethodPost, ts.URL+"/v1/devices", operatorToken(t, "t1"), map[string]any{
		"name":   "Side door",
		"config": map[string]any{"timezone": "Mars/Olympus"},
	}, &e)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", e.Error)
	assert.Equal(t, "timezone", e.Field)
	assert.NotEmpty(t, e.RequestID)

	resp = call(t, http.MethodPost, ts.URL+"/v1/devices", operatorToken(t, "t1"), map[string]any{"nmae": "typo"}, &e)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_json", e.Error)
}

// ── Agent flow ───────────────────────────────────────────────────────────────

func TestPair_WrongCode(t *testing.T) {
	ts := newTestServer(t, nil)

	var created createdDevice
	call(t, http.MethodPost, ts.URL+"/v1/devices", operatorToken(t, "t1"), map[string]any{"name": "Door"}, &created)

	var e apiError
	resp := call(t, http.MethodPost, ts.URL+"/v1/agent/pair", "", types.PairRequest{
		DevicePublicID: created.Payload.DevicePublicID,
		PairingCode:    "WRONG0",
	}, &e)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_or_expired_code", e.Error)

	// The live code still works after a failed attempt.
	resp = call(t, http.MethodPost, ts.URL+"/v1/agent/pair", "", types.PairRequest{
		DevicePublicID: created.Payload.DevicePublicID,
		PairingCode:    created.Payload.PairingCode,
	}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEvent_AllowThenPassback(t *testing.T) {
	ts := newTestServer(t, nil)
	_, tok := pair(t, ts, types.DeviceConfig{
		UnlockProfile:       types.UnlockProfile{Kind: "relay", Ref: "door-1"},
		AntiPassbackSeconds: 60,
	})

	resp := call(t, http.MethodPost, ts.URL+"/v1/credentials", operatorToken(t, "t1"), service.NewCredential{
		UsuarioID: 42, Type: types.CredentialFob, Value: "04a1b2c3",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var ev types.EventResponse
	resp = call(t, http.MethodPost, ts.URL+"/v1/agent/events", tok, types.EventRequest{EventType: types.EventFob, RawValue: "04A1B2C3"}, &ev)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.OutcomeAllow, ev.Decision)
	assert.True(t, ev.Unlock)
	assert.Equal(t, "door-1", ev.UnlockProfileRef)
	require.NotNil(t, ev.SubjectUsuarioID)
	assert.EqualValues(t, 42, *ev.SubjectUsuarioID)

	// Token in the body instead of the header.
	resp = call(t, http.MethodPost, ts.URL+"/v1/agent/events", "", types.EventRequest{DeviceToken: tok, EventType: types.EventFob, RawValue: "04A1B2C3"}, &ev)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.OutcomeDeny, ev.Decision)
	assert.Equal(t, types.ReasonAntiPassback, ev.Reason)

	var page types.EventPage
	resp = call(t, http.MethodGet, ts.URL+"/v1/events?page_size=10", operatorToken(t, "t1"), nil, &page)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, page.Events, 2)
	for _, e := range page.Events {
		assert.Equal(t, "04****C3", e.InputMasked)
	}
}

func TestEvent_Errors(t *testing.T) {
	ts := newTestServer(t, nil)
	_, tok := pair(t, ts, types.DeviceConfig{})

	var e apiError
	resp := call(t, http.MethodPost, ts.URL+"/v1/agent/events", "not-a-token", types.EventRequest{EventType: types.EventFob, RawValue: "x"}, &e)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthenticated", e.Error)

	resp = call(t, http.MethodPost, ts.URL+"/v1/agent/events", tok, map[string]any{"event_type": "retina", "raw_value": "x"}, &e)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "event_type", e.Field)

	resp = call(t, http.MethodPost, ts.URL+"/v1/agent/events", tok, map[string]any{"event_type": "fob", "extra": 1}, &e)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", e.Error)
}

func TestEvent_Protobuf(t *testing.T) {
	ts := newTestServer(t, nil)
	_, tok := pair(t, ts, types.DeviceConfig{})

	st, err := wire.ToStruct(types.EventRequest{EventType: types.EventFob, RawValue: "FFFF0001"})
	require.NoError(t, err)
	raw, err := proto.Marshal(st)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/agent/events", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-protobuf", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out structpb.Struct
	require.NoError(t, proto.Unmarshal(body, &out))
	var ev types.EventResponse
	require.NoError(t, wire.FromStruct(&out, &ev))
	assert.Equal(t, types.OutcomeDeny, ev.Decision)
	assert.Equal(t, types.ReasonCredentialUnknown, ev.Reason)
}

func TestCommandDelivery_PollAndAck(t *testing.T) {
	ts := newTestServer(t, nil)
	deviceID, tok := pair(t, ts, types.DeviceConfig{
		UnlockProfile:     types.UnlockProfile{Kind: "relay", Delivery: types.DeliveryCommand},
		AllowRemoteUnlock: true,
	})
	op := operatorToken(t, "t1")

	var cmd types.DeviceCommand
	resp := call(t, http.MethodPost, ts.URL+"/v1/devices/"+deviceID+"/unlock", op, nil, &cmd)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, types.CommandUnlock, cmd.Type)
	assert.Equal(t, types.CommandPending, cmd.Status)

	var poll types.PollResponse
	resp = call(t, http.MethodGet, ts.URL+"/v1/agent/commands/poll?device_token="+tok, "", nil, &poll)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, poll.Command)
	assert.Equal(t, cmd.ID, poll.Command.ID)
	assert.Equal(t, types.CommandClaimed, poll.Command.Status)

	resp = call(t, http.MethodGet, ts.URL+"/v1/agent/commands/poll", tok, nil, &poll)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, poll.Command, "claimed commands are not handed out twice")

	var ack types.AckResponse
	resp = call(t, http.MethodPost, ts.URL+"/v1/agent/commands/"+cmd.ID+"/ack", tok, types.AckRequest{Result: types.CommandResult{Success: true}}, &ack)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.CommandAcked, ack.Command.Status)

	var e apiError
	resp = call(t, http.MethodPost, ts.URL+"/v1/commands/"+cmd.ID+"/cancel", op, nil, &e)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_state", e.Error)
}

func TestRemoteUnlock_NotAllowed(t *testing.T) {
	ts := newTestServer(t, nil)
	deviceID, _ := pair(t, ts, types.DeviceConfig{})

	var e apiError
	resp := call(t, http.MethodPost, ts.URL+"/v1/devices/"+deviceID+"/unlock", operatorToken(t, "t1"), nil, &e)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "policy_denied", e.Error)
	assert.Equal(t, types.ReasonRemoteUnlockNotAllowed, e.Reason)
}

func TestRevokeToken_LocksAgentOut(t *testing.T) {
	ts := newTestServer(t, nil)
	deviceID, tok := pair(t, ts, types.DeviceConfig{})

	var hb types.HeartbeatResponse
	resp := call(t, http.MethodPost, ts.URL+"/v1/agent/heartbeat", tok, types.HeartbeatRequest{FirmwareVersion: "1.2.0"}, &hb)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, deviceID, hb.DeviceID)

	resp = call(t, http.MethodPost, ts.URL+"/v1/devices/"+deviceID+"/token/revoke", operatorToken(t, "t1"), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = call(t, http.MethodPost, ts.URL+"/v1/agent/heartbeat", tok, types.HeartbeatRequest{}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEnroll_StartShowsInHeartbeat(t *testing.T) {
	ts := newTestServer(t, nil)
	deviceID, tok := pair(t, ts, types.DeviceConfig{})
	op := operatorToken(t, "t1")

	resp := call(t, http.MethodPost, ts.URL+"/v1/devices/"+deviceID+"/enroll", op, map[string]any{
		"usuario_id": 9, "credential_type": "card", "ttl_seconds": 120,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var hb types.HeartbeatResponse
	call(t, http.MethodPost, ts.URL+"/v1/agent/heartbeat", tok, types.HeartbeatRequest{}, &hb)
	require.NotNil(t, hb.Enrollment)
	assert.EqualValues(t, 9, hb.Enrollment.UsuarioID)

	var ev types.EventResponse
	call(t, http.MethodPost, ts.URL+"/v1/agent/events", tok, types.EventRequest{EventType: types.EventCard, RawValue: "CARD-77"}, &ev)
	assert.Equal(t, types.OutcomeEnroll, ev.Decision)

	var creds struct {
		Credentials []types.Credential `json:"credentials"`
	}
	call(t, http.MethodGet, ts.URL+"/v1/credentials?usuario_id=9", op, nil, &creds)
	require.Len(t, creds.Credentials, 1)
	assert.Equal(t, "CARD-77", creds.Credentials[0].Value)
}

// ── Throttling ───────────────────────────────────────────────────────────────

func TestAgentRoutes_Throttled(t *testing.T) {
	ts := newTestServer(t, ratelimit.NewKeyLimiter(0.001, 2))

	for i := 0; i < 2; i++ {
		resp := call(t, http.MethodPost, ts.URL+"/v1/agent/heartbeat", "bogus", types.HeartbeatRequest{}, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	var e apiError
	resp := call(t, http.MethodPost, ts.URL+"/v1/agent/heartbeat", "bogus", types.HeartbeatRequest{}, &e)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", e.Error)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Operator routes are not subject to the agent limiter.
	resp = call(t, http.MethodGet, ts.URL+"/v1/devices", operatorToken(t, "t1"), nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
