package enroll

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// sidecarRecord is the JSON shape of one invite in the sidecar file
// (spec.md §6.5): timestamps are ISO-8601 UTC via time.Time's default
// JSON marshaling, which already produces RFC3339 (a profile of ISO-8601).
type sidecarRecord struct {
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	CreatedBy     string         `json:"created_by"`
	MaxUses       int            `json:"max_uses"`
	Uses          int            `json:"uses"`
	EnrolledUsers []EnrolledUser `json:"enrolled_users"`
}

// InviteStore is the mutex-protected invite-token table (spec.md §3, §5).
// Every mutation happens under mu and is followed by a synchronous
// rewrite of the sidecar file within the same critical section, so
// consumption is atomic end to end (spec.md §3 invariant 4).
type InviteStore struct {
	mu      sync.Mutex
	path    string
	invites map[string]*Invite
}

// OpenInviteStore loads the sidecar at path, dropping already-expired
// entries and rewriting the file (spec.md §4.7). A missing file starts
// an empty store.
func OpenInviteStore(path string) (*InviteStore, error) {
	s := &InviteStore{path: path, invites: make(map[string]*Invite)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read invite sidecar: %w", err)
	}
	if len(raw) == 0 {
		return s, nil
	}

	var records map[string]sidecarRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parse invite sidecar: %w", err)
	}

	now := time.Now()
	for value, rec := range records {
		inv := &Invite{
			Value:         value,
			CreatedAt:     rec.CreatedAt,
			ExpiresAt:     rec.ExpiresAt,
			CreatedBy:     rec.CreatedBy,
			MaxUses:       rec.MaxUses,
			Uses:          rec.Uses,
			EnrolledUsers: rec.EnrolledUsers,
		}
		if inv.Expired(now) {
			continue
		}
		s.invites[value] = inv
	}

	if err := s.persistLocked(); err != nil {
		return nil, fmt.Errorf("rewrite invite sidecar after load: %w", err)
	}
	return s, nil
}

// Create inserts a new invite token (spec.md §4.3 Phase A) and persists
// it immediately.
func (s *InviteStore) Create(value, createdBy string, ttl time.Duration, maxUses int) (*Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	inv := &Invite{
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		CreatedBy: createdBy,
		MaxUses:   maxUses,
	}
	s.invites[value] = inv
	if err := s.persistLocked(); err != nil {
		delete(s.invites, value)
		return nil, err
	}
	return inv, nil
}

// Lookup returns a copy of the invite, without consuming it (spec.md
// §4.3 Phase B).
func (s *InviteStore) Lookup(value string) (Invite, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[value]
	if !ok {
		return Invite{}, false
	}
	return *inv, true
}

// Consume atomically validates and increments the use count for value,
// recording username as the enrolled user (spec.md §4.3 Phase D step 3,
// §3 invariant 4, §8 property 4). The invite is deleted from the table
// once exhausted. Returns false if the invite is not consumable.
func (s *InviteStore) Consume(value, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invites[value]
	if !ok {
		return false, nil
	}
	now := time.Now()
	if !inv.Consumable(now) {
		return false, nil
	}

	inv.Uses++
	inv.EnrolledUsers = append(inv.EnrolledUsers, EnrolledUser{Username: username, EnrolledAt: now})
	if inv.Exhausted() {
		delete(s.invites, value)
	}

	if err := s.persistLocked(); err != nil {
		// Roll back the in-memory mutation; the enrollment call must
		// fail with 500 rather than silently lose the invite state
		// (spec.md §4.7 failure semantics).
		inv.Uses--
		inv.EnrolledUsers = inv.EnrolledUsers[:len(inv.EnrolledUsers)-1]
		s.invites[value] = inv
		return false, err
	}
	return true, nil
}

// ReapExpired removes every invite whose expiry has passed and persists
// the result; invoked by the 3600s invite-token reaper (spec.md §9).
func (s *InviteStore) ReapExpired() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	changed := false
	for value, inv := range s.invites {
		if inv.Expired(now) {
			delete(s.invites, value)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.persistLocked()
}

// persistLocked must be called with mu held. It writes the sidecar using
// the write-tmp/fsync/rename pattern (spec.md §4.7).
func (s *InviteStore) persistLocked() error {
	records := make(map[string]sidecarRecord, len(s.invites))
	for value, inv := range s.invites {
		var users []EnrolledUser
		for _, u := range inv.EnrolledUsers {
			users = append(users, EnrolledUser{Username: u.Username, EnrolledAt: u.EnrolledAt.UTC()})
		}
		records[value] = sidecarRecord{
			CreatedAt:     inv.CreatedAt.UTC(),
			ExpiresAt:     inv.ExpiresAt.UTC(),
			CreatedBy:     inv.CreatedBy,
			MaxUses:       inv.MaxUses,
			Uses:          inv.Uses,
			EnrolledUsers: users,
		}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal invite sidecar: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".invites-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp invite sidecar: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write invite sidecar: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync invite sidecar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close invite sidecar: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename invite sidecar: %w", err)
	}
	return nil
}
