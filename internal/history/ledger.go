package history

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/filebeam/filebeam/internal/session"
)

const entryPrefix = "hist:"

// Entry is an immutable archival record of a terminated session. Entries are
// never edited or deleted by the core.
type Entry struct {
	SessionID        string        `json:"session_id"`
	SenderID         string        `json:"sender_id"`
	ReceiverID       string        `json:"receiver_id"`
	FileName         string        `json:"file_name"`
	TotalSize        int64         `json:"total_size"`
	BytesTransferred int64         `json:"bytes_transferred"`
	Status           string        `json:"status"` // success | failed | cancelled
	FailureReason    string        `json:"failure_reason,omitempty"`
	Duration         time.Duration `json:"duration"`
	RecordedAt       time.Time     `json:"recorded_at"`
}

// Filter narrows a List call. Zero values match everything.
type Filter struct {
	ParticipantID string // matches sender or receiver
	Status        string
	Limit         int
}

// Ledger is the append-only record of terminated sessions, backed by
// BadgerDB. Keys embed a reverse timestamp so iteration in key order yields
// entries most-recent-first.
type Ledger struct {
	db *badger.DB
}

// OpenLedger opens (or creates) the ledger database at the given path.
func OpenLedger(dbPath string) (*Ledger, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	return &Ledger{db: db}, nil
}

// OpenInMemoryLedger opens a ledger that lives only as long as the process.
func OpenInMemoryLedger() (*Ledger, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func entryKey(recordedAt time.Time, sessionID string) []byte {
	// math.MaxInt64 - now gives lexicographically descending time order.
	return []byte(fmt.Sprintf("%s%020d:%s", entryPrefix, math.MaxInt64-recordedAt.UnixNano(), sessionID))
}

func statusFor(snap session.Snapshot) (string, error) {
	switch snap.State {
	case session.StateCompleted:
		return "success", nil
	case session.StateFailed:
		return "failed", nil
	case session.StateCancelled:
		return "cancelled", nil
	default:
		return "", fmt.Errorf("cannot record non-terminal session %s in state %s", snap.ID, snap.State)
	}
}

// Record archives a terminated session. Each call is one transaction, so
// concurrent recordings never interleave partially.
func (l *Ledger) Record(snap session.Snapshot) (Entry, error) {
	status, err := statusFor(snap)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		SessionID:        snap.ID,
		SenderID:         snap.SenderID,
		ReceiverID:       snap.ReceiverID,
		FileName:         snap.FileName,
		TotalSize:        snap.TotalSize,
		BytesTransferred: snap.BytesTransferred,
		Status:           status,
		FailureReason:    string(snap.FailureReason),
		Duration:         snap.Duration(),
		RecordedAt:       time.Now(),
	}

	val, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, err
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(entry.RecordedAt, entry.SessionID), val)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("failed to record history entry: %w", err)
	}
	return entry, nil
}

// List returns entries matching the filter, most-recent-first.
func (l *Ledger) List(filter Filter) ([]Entry, error) {
	var entries []Entry
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(entryPrefix)); it.Valid(); it.Next() {
			var entry Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return err
			}
			if !matches(entry, filter) {
				continue
			}
			entries = append(entries, entry)
			if filter.Limit > 0 && len(entries) >= filter.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list history entries: %w", err)
	}
	return entries, nil
}

// Get looks up the entry for one session id.
func (l *Ledger) Get(sessionID string) (Entry, bool, error) {
	var found Entry
	ok := false
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(entryPrefix)); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			if !strings.HasSuffix(key, ":"+sessionID) {
				continue
			}
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &found)
			})
			if err != nil {
				return err
			}
			ok = true
			return nil
		}
		return nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	return found, ok, nil
}

func matches(e Entry, f Filter) bool {
	if f.ParticipantID != "" && e.SenderID != f.ParticipantID && e.ReceiverID != f.ParticipantID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}
