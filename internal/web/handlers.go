package web

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/zerospice/broker/internal/audit"
	"github.com/zerospice/broker/internal/auth"
	"github.com/zerospice/broker/internal/config"
	"github.com/zerospice/broker/internal/enroll"
	"github.com/zerospice/broker/internal/hypervisor"
	"github.com/zerospice/broker/internal/metrics"
	"github.com/zerospice/broker/internal/notify"
	"github.com/zerospice/broker/internal/session"
)

// clientIP extracts the host portion of r.RemoteAddr, falling back to the
// raw value if it isn't in host:port form (e.g. under some test harnesses).
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError emits the {"error":"<message>"} envelope required by
// spec.md §7; no stack traces are ever included.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": len(s.sessions.ListSessions()),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		TOTPCode string `json:"totp_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ip := clientIP(r)
	if !s.rateLimiter.Allow(ip) {
		s.log.Warn("login rate limited", "ip", ip, "request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	token, expiresAt, err := s.auth.Login(body.Username, body.TOTPCode)
	if err != nil {
		metrics.LoginAttempts.WithLabelValues("failure").Inc()
		s.rateLimiter.RecordFailure(ip)
		s.log.Warn("login rejected", "username", body.Username, "request_id", requestIDFromContext(r.Context()))
		s.notifier.Notify(r.Context(), notify.Event{Type: notify.EventLoginFailure, Username: body.Username})
		s.recordAudit(audit.Event{Kind: audit.KindLoginFailure, Username: body.Username})
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	metrics.LoginAttempts.WithLabelValues("success").Inc()
	s.rateLimiter.Reset(ip)
	s.notifier.Notify(r.Context(), notify.Event{Type: notify.EventLoginSuccess, Username: body.Username})
	s.recordAudit(audit.Event{Kind: audit.KindLoginSuccess, Username: body.Username})
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  body.Username,
		"_exp":  expiresAt.Unix(), // not part of spec.md's response shape; harmless extra field for diagnostics
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw := auth.ExtractBearerToken(r.Header.Get("Authorization"))
	token, _, err := s.auth.Refresh(raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	guests, err := s.hv.ListGuests(r.Context())
	if err != nil {
		s.log.Error("list guests failed", "error", err, "request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "unable to retrieve guests")
		return
	}
	writeJSON(w, http.StatusOK, guests)
}

func (s *Server) handleSpice(w http.ResponseWriter, r *http.Request) {
	node := r.PathValue("node")
	vmid := r.PathValue("vmid")
	username := auth.SubjectFromContext(r.Context())

	ticket, err := s.hv.OpenSpiceTicket(r.Context(), node, vmid)
	if err != nil {
		s.log.Error("open spice ticket failed", "node", node, "vmid", vmid, "error", err, "request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "unable to open spice ticket")
		return
	}

	sess, err := s.sessions.OpenSession(node, vmid, username)
	if err != nil {
		if errors.Is(err, session.ErrPortsExhausted) {
			writeError(w, http.StatusServiceUnavailable, "no ephemeral ports available")
			return
		}
		s.log.Error("open session failed", "node", node, "vmid", vmid, "error", err, "request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "unable to open session")
		return
	}
	s.notifier.Notify(r.Context(), notify.Event{
		Type: notify.EventSessionOpened, Username: username, Node: node, VMID: vmid, SessionID: sess.ID,
	})
	s.recordAudit(audit.Event{Kind: audit.KindSessionOpened, Username: username, Node: node, VMID: vmid, SessionID: sess.ID})

	descriptor := hypervisor.RenderDescriptor(ticket, s.proxyHost, sess.EphemeralPort)
	w.Header().Set("Content-Type", "application/x-virt-viewer")
	w.Header().Set("Content-Disposition", `attachment; filename="`+node+"-"+vmid+`.vv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(descriptor))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.ListSessions())
}

func (s *Server) handleEnrollValidate(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "missing token")
		return
	}
	valid, message := s.enroll.ValidateInvite(token)
	writeJSON(w, http.StatusOK, map[string]any{"valid": valid, "message": message})
}

func (s *Server) handleEnrollSubmit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token    string `json:"token"`
		Username string `json:"username"`
		TOTPCode string `json:"totp_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if body.TOTPCode != "" {
		s.confirmEnrollment(w, r, body.Token, body.Username, body.TOTPCode)
		return
	}
	s.beginEnrollment(w, r, body.Token, body.Username)
}

func (s *Server) beginEnrollment(w http.ResponseWriter, r *http.Request, token, username string) {
	secret, uri, err := s.enroll.BeginEnrollment(token, username)
	if err != nil {
		switch {
		case errors.Is(err, enroll.ErrUsernameMalformed):
			writeError(w, http.StatusBadRequest, "malformed username")
		case errors.Is(err, enroll.ErrUsernameTaken):
			writeError(w, http.StatusConflict, "username already enrolled")
		case errors.Is(err, enroll.ErrInviteInvalid):
			writeError(w, http.StatusForbidden, "token used")
		default:
			s.log.Error("begin enrollment failed", "error", err, "request_id", requestIDFromContext(r.Context()))
			writeError(w, http.StatusInternalServerError, "unable to begin enrollment")
		}
		metrics.EnrollmentAttempts.WithLabelValues("begin", "failure").Inc()
		return
	}
	metrics.EnrollmentAttempts.WithLabelValues("begin", "success").Inc()
	s.notifier.Notify(r.Context(), notify.Event{Type: notify.EventEnrollBegin, Username: username})
	s.recordAudit(audit.Event{Kind: audit.KindEnrollBegin, Username: username})
	writeJSON(w, http.StatusOK, map[string]string{
		"status":           "pending_confirmation",
		"secret":           secret,
		"provisioning_uri": uri,
	})
}

func (s *Server) confirmEnrollment(w http.ResponseWriter, r *http.Request, token, username, code string) {
	err := s.enroll.ConfirmEnrollment(token, username, code)
	if err != nil {
		switch {
		case errors.Is(err, enroll.ErrPendingNotFound), errors.Is(err, enroll.ErrTOTPMismatch):
			writeError(w, http.StatusBadRequest, "enrollment confirmation failed")
		case errors.Is(err, enroll.ErrInviteInvalid):
			writeError(w, http.StatusForbidden, "token used")
		default:
			s.log.Error("confirm enrollment failed", "error", err, "request_id", requestIDFromContext(r.Context()))
			writeError(w, http.StatusInternalServerError, "unable to confirm enrollment")
		}
		metrics.EnrollmentAttempts.WithLabelValues("confirm", "failure").Inc()
		return
	}
	metrics.EnrollmentAttempts.WithLabelValues("confirm", "success").Inc()
	s.notifier.Notify(r.Context(), notify.Event{Type: notify.EventEnrollConfirm, Username: username})
	s.recordAudit(audit.Event{Kind: audit.KindEnrollConfirm, Username: username})
	writeJSON(w, http.StatusCreated, map[string]string{"status": "enrolled", "username": username})
}

func (s *Server) handleAdminGenerateToken(w http.ResponseWriter, r *http.Request) {
	if !config.IsLoopbackAddr(r.RemoteAddr) {
		writeError(w, http.StatusForbidden, "admin endpoint is loopback-only")
		return
	}

	var body struct {
		ExpiresHours float64 `json:"expires_hours"`
		MaxUses      int     `json:"max_uses"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.MaxUses < 1 {
		body.MaxUses = 1
	}

	ttl := time.Duration(body.ExpiresHours * float64(time.Hour))
	inv, err := s.enroll.GenerateInvite("admin", ttl, body.MaxUses)
	if err != nil {
		s.log.Error("generate invite failed", "error", err, "request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "unable to generate invite")
		return
	}
	s.recordAudit(audit.Event{Kind: audit.KindEnrollInviteIssued, Detail: inv.Value[:8]})
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      inv.Value,
		"expires_at": inv.ExpiresAt,
		"max_uses":   inv.MaxUses,
	})
}
