package web

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/zerospice/broker/internal/auth"
	"github.com/zerospice/broker/internal/config"
	"github.com/zerospice/broker/internal/credstore"
	"github.com/zerospice/broker/internal/enroll"
	"github.com/zerospice/broker/internal/hypervisor"
	"github.com/zerospice/broker/internal/notify"
	"github.com/zerospice/broker/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testHarness struct {
	mux   *http.ServeMux
	auth  *auth.Service
	enrl  *enroll.Service
	creds *credstore.Store
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()

	creds, err := credstore.Open(filepath.Join(dir, "credentials.env"))
	if err != nil {
		t.Fatalf("credstore.Open: %v", err)
	}
	invites, err := enroll.OpenInviteStore(filepath.Join(dir, "invites.json"))
	if err != nil {
		t.Fatalf("OpenInviteStore: %v", err)
	}

	authSvc := auth.NewService("test-signing-secret", creds.All())
	enrollSvc := enroll.NewService(invites, authSvc, creds)

	hvServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/nodes":
			json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{{"node": "pve1"}}})
		case r.URL.Path == "/nodes/pve1/qemu":
			json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"vmid": "100", "name": "vm1", "status": "running"}}})
		default:
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"host": "10.0.0.5", "password": "ticket-pw", "proxy": "unix:/ignored"}})
		}
	}))
	t.Cleanup(hvServer.Close)

	hv := hypervisor.New(hvServer.URL, "token", false)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(upstream.Close)

	sessions := session.NewManager("127.0.0.1", 41000, 41010, "127.0.0.1:1", func() time.Duration { return time.Minute }, testLogger())
	notifier := notify.NewMulti(noopLogger{})

	cfg := config.Load()

	srv := NewServer(cfg, testLogger(), authSvc, enrollSvc, sessions, hv, notifier, nil, "203.0.113.9")

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	return &testHarness{mux: mux, auth: authSvc, enrl: enrollSvc, creds: creds}
}

type noopLogger struct{}

func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "127.0.0.1:55555"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := doJSON(t, h.mux, "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestLoginHappyPath(t *testing.T) {
	h := newHarness(t)
	key, err := auth.GenerateTOTPSecret("alice")
	if err != nil {
		t.Fatalf("GenerateTOTPSecret: %v", err)
	}
	h.auth.Add(auth.Credential{Username: "alice", TOTPSecret: key.Secret()})

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}

	rec := doJSON(t, h.mux, "POST", "/login", map[string]string{"username": "alice", "totp_code": code})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Token string `json:"token"`
		User  string `json:"user"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.User != "alice" || resp.Token == "" {
		t.Errorf("unexpected login response: %+v", resp)
	}
}

func TestLoginRejectsBadCode(t *testing.T) {
	h := newHarness(t)
	key, _ := auth.GenerateTOTPSecret("bob")
	h.auth.Add(auth.Credential{Username: "bob", TOTPSecret: key.Secret()})

	rec := doJSON(t, h.mux, "POST", "/login", map[string]string{"username": "bob", "totp_code": "000000"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestProtectedEndpointRejectsMissingToken(t *testing.T) {
	h := newHarness(t)
	rec := doJSON(t, h.mux, "GET", "/sessions", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAdminGenerateTokenLoopbackOnly(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest("POST", "/admin/generate-token", bytes.NewReader(mustJSON(t, map[string]any{"expires_hours": 1, "max_uses": 1})))
	req.RemoteAddr = "203.0.113.50:9999"
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-loopback caller, got %d", rec.Code)
	}
}

func TestInviteFullCycleOverHTTP(t *testing.T) {
	h := newHarness(t)

	rec := doJSON(t, h.mux, "POST", "/admin/generate-token", map[string]any{"expires_hours": 1, "max_uses": 1})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 generating invite, got %d: %s", rec.Code, rec.Body.String())
	}
	var inviteResp struct {
		Token string `json:"token"`
	}
	mustUnmarshal(t, rec.Body.Bytes(), &inviteResp)

	rec = doJSON(t, h.mux, "POST", "/enroll", map[string]string{"token": inviteResp.Token, "username": "bob"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 beginning enrollment, got %d: %s", rec.Code, rec.Body.String())
	}
	var beginResp struct {
		Secret string `json:"secret"`
	}
	mustUnmarshal(t, rec.Body.Bytes(), &beginResp)

	code, err := totp.GenerateCode(beginResp.Secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}

	rec = doJSON(t, h.mux, "POST", "/enroll", map[string]string{"token": inviteResp.Token, "username": "bob", "totp_code": code})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 confirming enrollment, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h.mux, "POST", "/enroll", map[string]string{"token": inviteResp.Token, "username": "carol"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 reusing exhausted invite, got %d", rec.Code)
	}

	rec = doJSON(t, h.mux, "POST", "/login", map[string]string{"username": "bob", "totp_code": code})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 logging in with freshly enrolled credential, got %d", rec.Code)
	}
}

func TestSpiceEndpointReturnsDescriptor(t *testing.T) {
	h := newHarness(t)
	key, _ := auth.GenerateTOTPSecret("dave")
	h.auth.Add(auth.Credential{Username: "dave", TOTPSecret: key.Secret()})

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	loginRec := doJSON(t, h.mux, "POST", "/login", map[string]string{"username": "dave", "totp_code": code})
	var loginResp struct {
		Token string `json:"token"`
	}
	mustUnmarshal(t, loginRec.Body.Bytes(), &loginResp)

	req := httptest.NewRequest("GET", "/spice/pve1/100", nil)
	req.Header.Set("Authorization", "Bearer "+loginResp.Token)
	req.RemoteAddr = "127.0.0.1:55555"
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-virt-viewer" {
		t.Errorf("unexpected content type %q", ct)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("[virt-viewer]\n")) {
		t.Errorf("expected descriptor to start with [virt-viewer], got %q", rec.Body.String())
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func mustUnmarshal(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
}
