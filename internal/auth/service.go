package auth

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Credential is a user's enrollment record (spec.md §3): username plus
// TOTP secret. Created by Enrollment, never mutated, deleted only by
// administrative action.
type Credential struct {
	Username   string
	TOTPSecret string
}

var usernamePattern = regexp.MustCompile(`^[a-z0-9]{3,32}$`)

// ValidUsername reports whether username matches the enrollment regex
// (spec.md §4.3 Phase C step 1). Callers are responsible for lowercase
// normalization before calling this — see enroll.Service.BeginEnrollment.
func ValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// Sentinel errors returned by Service methods. The Gateway maps these to
// the homogeneous wording required by spec.md §4.2 step 2 and §7.
var (
	ErrCredentialInvalid = errors.New("invalid credentials")
	ErrBearerSecretUnset = errors.New("bearer signing secret not configured")
)

// Service implements the Auth Service component (spec.md §4.2): login,
// refresh, and bearer validation against a single credential table
// protected by one mutex (spec.md §5).
type Service struct {
	mu     sync.RWMutex
	creds  map[string]Credential
	secret string
}

// NewService creates an auth Service seeded from store (loaded once at
// startup; subsequent enrollments call Add directly).
func NewService(secret string, initial []Credential) *Service {
	s := &Service{
		creds:  make(map[string]Credential, len(initial)),
		secret: secret,
	}
	for _, c := range initial {
		s.creds[c.Username] = c
	}
	return s
}

// Add registers a credential, e.g. on enrollment confirmation. Overwrites
// are rejected by the caller (spec.md §4.3 Phase C step 2 checks
// existence before this point); Add itself is unconditional so it can
// also be used to seed the in-memory table at startup.
func (s *Service) Add(cred Credential) {
	s.mu.Lock()
	s.creds[cred.Username] = cred
	s.mu.Unlock()
}

// Exists reports whether a credential is registered for username.
func (s *Service) Exists(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.creds[username]
	return ok
}

// Login implements spec.md §4.2 steps 1-4.
func (s *Service) Login(username, code string) (token string, expiresAt time.Time, err error) {
	username = strings.ToLower(username)

	s.mu.RLock()
	cred, ok := s.creds[username]
	s.mu.RUnlock()
	if !ok {
		return "", time.Time{}, ErrCredentialInvalid
	}

	if !ValidateTOTPCode(cred.TOTPSecret, code) {
		return "", time.Time{}, ErrCredentialInvalid
	}

	if s.secret == "" {
		return "", time.Time{}, ErrBearerSecretUnset
	}
	return MintBearerToken(s.secret, username)
}

// Refresh implements spec.md §4.2 refresh: requires a currently-valid
// token, issues a new one with a fresh 15-minute window.
func (s *Service) Refresh(bearer string) (token string, expiresAt time.Time, err error) {
	username, err := ParseBearerToken(s.secret, bearer)
	if err != nil {
		return "", time.Time{}, err
	}
	return MintBearerToken(s.secret, username)
}

// ValidateBearer verifies signature and expiry and returns the subject.
func (s *Service) ValidateBearer(bearer string) (string, error) {
	return ParseBearerToken(s.secret, bearer)
}

// contextKey is unexported to avoid collisions with context keys set by
// other packages.
type contextKey int

const subjectContextKey contextKey = iota

// WithSubject attaches the authenticated username to ctx.
func WithSubject(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, subjectContextKey, username)
}

// SubjectFromContext extracts the username attached by the auth
// middleware, or "" if the request context carries none.
func SubjectFromContext(ctx context.Context) string {
	u, _ := ctx.Value(subjectContextKey).(string)
	return u
}
