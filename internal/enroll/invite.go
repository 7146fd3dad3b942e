// Package enroll implements the self-enrollment protocol: invite-token
// issuance (Phase A), validation (Phase B), and the two-step
// begin/confirm enrollment flow (Phases C/D) described in spec.md §4.3.
package enroll

import "time"

// EnrolledUser records one consumption of an invite token.
type EnrolledUser struct {
	Username   string    `json:"username"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// Invite is the invite-token record of spec.md §3, keyed by Value.
type Invite struct {
	Value         string         `json:"-"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	CreatedBy     string         `json:"created_by"`
	MaxUses       int            `json:"max_uses"`
	Uses          int            `json:"uses"`
	EnrolledUsers []EnrolledUser `json:"enrolled_users"`
}

// Expired reports whether the invite has passed its expiry at t.
func (i Invite) Expired(t time.Time) bool {
	return t.After(i.ExpiresAt)
}

// Exhausted reports whether the invite has reached its use limit.
func (i Invite) Exhausted() bool {
	return i.Uses >= i.MaxUses
}

// Consumable reports whether the invite may still be used at t
// (spec.md §3 invariant 4).
func (i Invite) Consumable(t time.Time) bool {
	return !i.Expired(t) && !i.Exhausted()
}

// PendingEnrollment is the in-memory-only record created on Phase C and
// consumed (or discarded) on Phase D (spec.md §3).
type PendingEnrollment struct {
	Username   string
	TOTPSecret string
	CreatedAt  time.Time
}
