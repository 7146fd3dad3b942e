// Package audit is a non-authoritative, append-only event trail backed
// by BoltDB (SPEC_FULL.md §3 "Audit event", §4.7). It observes session
// and auth lifecycle events for operator visibility; no authoritative
// operation ever reads it back, and it may be deleted or rotated
// without affecting correctness (SPEC_FULL.md §2).
package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketEvents = []byte("events")

// Event is one audit record (SPEC_FULL.md §3 "Audit event, ADDED").
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Username  string    `json:"username,omitempty"`
	Node      string    `json:"node,omitempty"`
	VMID      string    `json:"vmid,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Event kinds recorded by the broker.
const (
	KindLoginSuccess       = "login_success"
	KindLoginFailure       = "login_failure"
	KindEnrollInviteIssued = "enroll_invite_issued"
	KindEnrollBegin        = "enroll_begin"
	KindEnrollConfirm      = "enroll_confirm"
	KindSessionOpened      = "session_opened"
	KindSessionClosed      = "session_closed"
	KindForwarderError     = "forwarder_error"
)

// Store wraps a BoltDB database holding one bucket of sequence-keyed
// audit events, grounded on the teacher's bucket-creation-on-open
// pattern.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the audit database at path, ensuring the events
// bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends ev to the event trail, stamping its timestamp if unset.
// A write failure is logged by the caller, never surfaced to the
// authoritative operation that triggered it (SPEC_FULL.md §2).
func (s *Store) Record(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), data)
	})
}

// Recent returns up to limit of the most recently recorded events,
// newest first. Intended for an operator-facing diagnostic surface, not
// for reconstructing authoritative state.
func (s *Store) Recent(limit int) ([]Event, error) {
	var events []Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(events) < limit; k, v = c.Prev() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				continue
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read audit events: %w", err)
	}
	return events, nil
}

func sequenceKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
