package enroll

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zerospice/broker/internal/auth"
)

// Errors returned by Service methods; the Gateway maps these to the
// status codes of spec.md §4.3 and §7.
var (
	ErrInviteInvalid    = errors.New("invite token invalid, expired, or exhausted")
	ErrUsernameMalformed = errors.New("username malformed")
	ErrUsernameTaken    = errors.New("username already enrolled")
	ErrPendingNotFound  = errors.New("no pending enrollment for this token/username")
	ErrTOTPMismatch     = errors.New("totp code did not validate")
)

// CredentialAdder is the subset of auth.Service used by enrollment to
// register a confirmed credential.
type CredentialAdder interface {
	Exists(username string) bool
	Add(cred auth.Credential)
}

// CredentialPersister is the subset of credstore.Store used to persist a
// confirmed credential to disk.
type CredentialPersister interface {
	Exists(username string) bool
	Put(cred auth.Credential) error
}

// Service implements the four-phase self-enrollment protocol of
// spec.md §4.3.
type Service struct {
	invites *InviteStore
	creds   CredentialAdder
	store   CredentialPersister

	pendingMu sync.Mutex
	pending   map[string]PendingEnrollment // invite token value -> pending record
}

// NewService wires the invite table, the in-memory credential table, and
// the on-disk credential store together.
func NewService(invites *InviteStore, creds CredentialAdder, store CredentialPersister) *Service {
	return &Service{
		invites: invites,
		creds:   creds,
		store:   store,
		pending: make(map[string]PendingEnrollment),
	}
}

// GenerateInvite implements Phase A. Callers must enforce the
// loopback-only restriction before calling this (spec.md §4.3 Phase A);
// it is a Gateway-layer transport concern, not part of the invite
// table's own invariants.
func (s *Service) GenerateInvite(createdBy string, ttl time.Duration, maxUses int) (*Invite, error) {
	value, err := auth.GenerateOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("generate invite value: %w", err)
	}
	return s.invites.Create(value, createdBy, ttl, maxUses)
}

// ValidateInvite implements Phase B.
func (s *Service) ValidateInvite(value string) (valid bool, message string) {
	inv, ok := s.invites.Lookup(value)
	if !ok {
		return false, "invite token not found"
	}
	now := time.Now()
	if inv.Expired(now) {
		return false, "invite token expired"
	}
	if inv.Exhausted() {
		return false, "invite token exhausted"
	}
	return true, "ok"
}

// BeginEnrollment implements Phase C. On success it returns the fresh
// secret and provisioning URI and stashes the pending record keyed by
// the invite token value, per spec.md §3's pending-enrollment model.
func (s *Service) BeginEnrollment(token, username string) (secret, provisioningURI string, err error) {
	username = strings.ToLower(username)
	if !auth.ValidUsername(username) {
		return "", "", ErrUsernameMalformed
	}
	if s.creds.Exists(username) || s.store.Exists(username) {
		return "", "", ErrUsernameTaken
	}
	valid, _ := s.ValidateInvite(token)
	if !valid {
		return "", "", ErrInviteInvalid
	}

	key, err := auth.GenerateTOTPSecret(username)
	if err != nil {
		return "", "", fmt.Errorf("generate totp secret: %w", err)
	}

	s.pendingMu.Lock()
	s.pending[token] = PendingEnrollment{
		Username:   username,
		TOTPSecret: key.Secret(),
		CreatedAt:  time.Now(),
	}
	s.pendingMu.Unlock()

	return key.Secret(), key.URL(), nil
}

// ConfirmEnrollment implements Phase D. On success it persists the
// credential both to the in-memory auth table and the on-disk store,
// consumes the invite atomically, and removes the pending entry.
func (s *Service) ConfirmEnrollment(token, username, totpCode string) error {
	username = strings.ToLower(username)
	s.pendingMu.Lock()
	p, ok := s.pending[token]
	s.pendingMu.Unlock()
	if !ok || p.Username != username {
		return ErrPendingNotFound
	}

	if !auth.ValidateTOTPCode(p.TOTPSecret, totpCode) {
		return ErrTOTPMismatch
	}

	consumed, err := s.invites.Consume(token, username)
	if err != nil {
		return fmt.Errorf("persist invite consumption: %w", err)
	}
	if !consumed {
		return ErrInviteInvalid
	}

	cred := auth.Credential{Username: username, TOTPSecret: p.TOTPSecret}
	if err := s.store.Put(cred); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	s.creds.Add(cred)

	s.pendingMu.Lock()
	delete(s.pending, token)
	s.pendingMu.Unlock()

	return nil
}

// ReapInvites removes expired invites from the sidecar; called by the
// 3600s invite-token reaper (spec.md §9).
func (s *Service) ReapInvites() error {
	return s.invites.ReapExpired()
}
