package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gymcloud/accessd/internal/access/service"
	"github.com/gymcloud/accessd/internal/access/types"
)

// deviceView is a device as operators see it, with the derived phase.
type deviceView struct {
	types.Device
	Phase types.DevicePhase `json:"phase"`
}

func view(d types.Device) deviceView {
	return deviceView{Device: d, Phase: d.Phase(time.Now().UTC())}
}

type pairingView struct {
	Device  deviceView           `json:"device"`
	Ticket  types.PairingTicket  `json:"pairing"`
	Payload types.PairingPayload `json:"payload"`
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &types.ValidationError{Field: key, Reason: "must be an integer"}
	}
	return n, nil
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	op := operatorFrom(r.Context())
	devices, err := s.access.Registry().List(r.Context(), op.TenantID)
	if err != nil {
		fail(w, r, err)
		return
	}
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, view(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var in service.NewDevice
	if !readJSON(w, r, &in) {
		return
	}
	reg := s.access.Registry()
	d, ticket, err := reg.CreateDevice(r.Context(), operatorFrom(r.Context()).TenantID, in)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pairingView{Device: view(d), Ticket: ticket, Payload: reg.Payload(d, ticket)})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.access.Registry().Get(r.Context(), operatorFrom(r.Context()).TenantID, chi.URLParam(r, "deviceID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view(d))
}

func (s *Server) handlePatchDevice(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Enabled *bool `json:"enabled"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	if in.Enabled == nil {
		fail(w, r, &types.ValidationError{Field: "enabled", Reason: "is required"})
		return
	}
	d, err := s.access.Registry().SetEnabled(r.Context(), operatorFrom(r.Context()).TenantID, chi.URLParam(r, "deviceID"), *in.Enabled)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view(d))
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.access.DeleteDevice(r.Context(), operatorFrom(r.Context()).TenantID, chi.URLParam(r, "deviceID")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg types.DeviceConfig
	if !readJSON(w, r, &cfg) {
		return
	}
	d, err := s.access.Registry().UpdateConfig(r.Context(), operatorFrom(r.Context()).TenantID, chi.URLParam(r, "deviceID"), cfg)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view(d))
}

func (s *Server) handleRotatePairing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := operatorFrom(ctx).TenantID
	reg := s.access.Registry()
	ticket, err := reg.RotatePairing(ctx, tenantID, chi.URLParam(r, "deviceID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	d, err := reg.Get(ctx, tenantID, chi.URLParam(r, "deviceID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pairingView{Device: view(d), Ticket: ticket, Payload: reg.Payload(d, ticket)})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	d, err := s.access.Registry().RevokeToken(r.Context(), operatorFrom(r.Context()).TenantID, chi.URLParam(r, "deviceID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view(d))
}

func (s *Server) handleRemoteUnlock(w http.ResponseWriter, r *http.Request) {
	op := operatorFrom(r.Context())
	cmd, err := s.access.RemoteUnlock(r.Context(), op.TenantID, chi.URLParam(r, "deviceID"), op.Subject)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		fail(w, r, err)
		return
	}
	cmds, err := s.access.ListCommands(r.Context(), operatorFrom(r.Context()).TenantID, chi.URLParam(r, "deviceID"), limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	if cmds == nil {
		cmds = []types.DeviceCommand{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.access.Queue().Get(r.Context(), operatorFrom(r.Context()).TenantID, chi.URLParam(r, "commandID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.access.Queue().Cancel(r.Context(), operatorFrom(r.Context()).TenantID, chi.URLParam(r, "commandID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

type enrollRequest struct {
	UsuarioID      int64                `json:"usuario_id"`
	CredentialType types.CredentialType `json:"credential_type"`
	TTLSeconds     int64                `json:"ttl_seconds,omitempty"`
}

func (s *Server) handleStartEnroll(w http.ResponseWriter, r *http.Request) {
	var in enrollRequest
	if !readJSON(w, r, &in) {
		return
	}
	sess, err := s.access.StartEnroll(r.Context(), operatorFrom(r.Context()).TenantID, chi.URLParam(r, "deviceID"),
		in.UsuarioID, in.CredentialType, time.Duration(in.TTLSeconds)*time.Second)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetEnroll(w http.ResponseWriter, r *http.Request) {
	sess, err := s.access.GetEnrollment(r.Context(), operatorFrom(r.Context()).TenantID, chi.URLParam(r, "deviceID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCancelEnroll(w http.ResponseWriter, r *http.Request) {
	sess, cancelled, err := s.access.CancelEnroll(r.Context(), operatorFrom(r.Context()).TenantID, chi.URLParam(r, "deviceID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled, "enrollment": sess})
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	var usuarioID *int64
	if raw := strings.TrimSpace(r.URL.Query().Get("usuario_id")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			fail(w, r, &types.ValidationError{Field: "usuario_id", Reason: "must be an integer"})
			return
		}
		usuarioID = &n
	}
	creds, err := s.access.Credentials().List(r.Context(), operatorFrom(r.Context()).TenantID, usuarioID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if creds == nil {
		creds = []types.Credential{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": creds})
}

func (s *Server) handleBindCredential(w http.ResponseWriter, r *http.Request) {
	var in service.NewCredential
	if !readJSON(w, r, &in) {
		return
	}
	c, err := s.access.Credentials().Bind(r.Context(), operatorFrom(r.Context()).TenantID, in)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleUnbindCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.access.Credentials().Unbind(r.Context(), operatorFrom(r.Context()).TenantID, chi.URLParam(r, "credentialID")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetDNI(w http.ResponseWriter, r *http.Request) {
	usuarioID, err := strconv.ParseInt(chi.URLParam(r, "usuarioID"), 10, 64)
	if err != nil {
		fail(w, r, &types.ValidationError{Field: "usuario_id", Reason: "must be an integer"})
		return
	}
	var in struct {
		DNI string `json:"dni"`
		PIN string `json:"pin,omitempty"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	if err := s.access.Credentials().SetMemberDNI(r.Context(), operatorFrom(r.Context()).TenantID, usuarioID, in.DNI, in.PIN); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		fail(w, r, err)
		return
	}
	size, err := queryInt(r, "page_size")
	if err != nil {
		fail(w, r, err)
		return
	}
	res, err := s.access.ListEvents(r.Context(), types.EventFilter{
		TenantID: operatorFrom(r.Context()).TenantID,
		DeviceID: strings.TrimSpace(r.URL.Query().Get("device_id")),
		Page:     page,
		PageSize: size,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	if res.Events == nil {
		res.Events = []types.AccessEvent{}
	}
	writeJSON(w, http.StatusOK, res)
}
