// Package credstore persists user TOTP credentials to a dedicated,
// atomically-rewritten file, superseding the original reference's
// best-effort appends to a shared environment file (spec.md §9).
//
// The on-disk wire format is unchanged from spec.md §4.7/§6.6: one line
// per credential, "TOTP_SECRET_<USERNAME_UPPER>=<base32-secret>", so an
// operator's existing file (or one hand-written for bootstrap) loads
// without translation.
package credstore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zerospice/broker/internal/auth"
)

const linePrefix = "TOTP_SECRET_"

// Store is a mutex-guarded, file-backed credential table. One mutex
// covers every mutation, per spec.md §5's "one mutex per shared table"
// rule; loading happens once at construction.
type Store struct {
	mu   sync.Mutex
	path string
	rows map[string]string // username (lowercase) -> base32 secret
}

// Open loads credentials from path, creating an empty store if the file
// does not yet exist.
func Open(path string) (*Store, error) {
	s := &Store{path: path, rows: make(map[string]string)}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || !strings.HasPrefix(line, linePrefix) {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		username := strings.ToLower(strings.TrimPrefix(kv[0], linePrefix))
		s.rows[username] = kv[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read credential store: %w", err)
	}
	return s, nil
}

// All returns every credential, for seeding the in-memory auth.Service
// table at startup.
func (s *Store) All() []auth.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.Credential, 0, len(s.rows))
	for username, secret := range s.rows {
		out = append(out, auth.Credential{Username: username, TOTPSecret: secret})
	}
	return out
}

// Exists reports whether username already has a credential (spec.md
// §4.3 Phase C step 2).
func (s *Store) Exists(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[username]
	return ok
}

// Put adds or replaces a credential and atomically rewrites the file
// (write-tmp, fsync, rename — spec.md §4.7).
func (s *Store) Put(cred auth.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[cred.Username] = cred.TOTPSecret
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp credential file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	w := bufio.NewWriter(tmp)
	for username, secret := range s.rows {
		if _, err := fmt.Fprintf(w, "%s%s=%s\n", linePrefix, strings.ToUpper(username), secret); err != nil {
			tmp.Close()
			return fmt.Errorf("write credential: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush credential file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credential file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename credential file: %w", err)
	}
	return nil
}
