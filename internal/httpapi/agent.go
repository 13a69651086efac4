package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gymcloud/accessd/internal/access/types"
	"github.com/gymcloud/accessd/internal/observability/logger"
)

// agentToken prefers the Authorization header and falls back to the token
// carried in the request itself.
func agentToken(r *http.Request, fallback string) string {
	if tok := bearerToken(r); tok != "" {
		return tok
	}
	return strings.TrimSpace(fallback)
}

// authenticate resolves the device behind the request and scopes the
// request logger to it.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, fallback string) (types.Device, *http.Request, bool) {
	d, err := s.access.Registry().Authenticate(r.Context(), agentToken(r, fallback))
	if err != nil {
		fail(w, r, err)
		return types.Device{}, r, false
	}
	ctx := logger.WithFields(r.Context(), logger.TenantID(d.TenantID), logger.DeviceID(d.ID))
	return d, r.WithContext(ctx), true
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req types.PairRequest
	if err := readAgent(w, r, &req); err != nil {
		fail(w, r, &types.ValidationError{Field: "body", Reason: "malformed pairing request"})
		return
	}
	res, err := s.access.Registry().CompletePairing(r.Context(), req.DevicePublicID, req.PairingCode)
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, types.PairResponse{
		OK:          true,
		DeviceID:    res.Device.ID,
		TenantID:    res.Device.TenantID,
		DeviceToken: res.Token,
		Config:      res.Device.Config,
		ServerTime:  types.ServerTime(time.Now()),
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req types.EventRequest
	if err := readAgent(w, r, &req); err != nil {
		fail(w, r, &types.ValidationError{Field: "body", Reason: "malformed event"})
		return
	}
	d, r, ok := s.authenticate(w, r, req.DeviceToken)
	if !ok {
		return
	}
	resp, err := s.access.HandleEvent(r.Context(), d, req)
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, resp)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	d, r, ok := s.authenticate(w, r, r.URL.Query().Get("device_token"))
	if !ok {
		return
	}
	resp, err := s.access.Poll(r.Context(), d)
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, resp)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req types.AckRequest
	if err := readAgent(w, r, &req); err != nil {
		fail(w, r, &types.ValidationError{Field: "body", Reason: "malformed ack"})
		return
	}
	d, r, ok := s.authenticate(w, r, req.DeviceToken)
	if !ok {
		return
	}
	resp, err := s.access.Ack(r.Context(), d, chi.URLParam(r, "commandID"), req.Result)
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req types.HeartbeatRequest
	if err := readAgent(w, r, &req); err != nil {
		fail(w, r, &types.ValidationError{Field: "body", Reason: "malformed heartbeat"})
		return
	}
	d, r, ok := s.authenticate(w, r, req.DeviceToken)
	if !ok {
		return
	}
	resp, err := s.access.Heartbeat(r.Context(), d, req)
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, resp)
}
