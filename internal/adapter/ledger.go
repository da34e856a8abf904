package adapter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// defaultLedgerCapacity bounds the ledger when no size is configured.
const defaultLedgerCapacity = 1000

// Ledger is a bounded, persistent set of processed completion events.
// Entries are keyed by the digest of "issue:agent:event"; when the
// ledger is full the oldest entry is evicted. The file survives process
// restarts so a replayed webhook after a crash is still suppressed.
type Ledger struct {
	mu       sync.Mutex
	path     string
	capacity int
	seen     map[uint64]int // digest -> position in order
	order    []uint64
}

type ledgerFile struct {
	Entries []uint64 `json:"entries"`
}

// NewLedger opens (or creates) a ledger at path. capacity <= 0 uses the
// default. A missing file starts an empty ledger; a corrupt file is
// discarded and rewritten on the next record.
func NewLedger(path string, capacity int) (*Ledger, error) {
	if capacity <= 0 {
		capacity = defaultLedgerCapacity
	}
	l := &Ledger{
		path:     path,
		capacity: capacity,
		seen:     make(map[uint64]int, capacity),
	}
	if path == "" {
		return l, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	var lf ledgerFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return l, nil
	}
	for _, d := range lf.Entries {
		l.insert(d)
	}
	return l, nil
}

// Key builds the composite dedupe key for a completion event.
func Key(issueID, agentName, eventID string) string {
	return issueID + ":" + agentName + ":" + eventID
}

// Seen reports whether the key was already recorded.
func (l *Ledger) Seen(key string) bool {
	d := xxhash.Sum64String(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[d]
	return ok
}

// Record marks the key processed and persists the ledger.
func (l *Ledger) Record(key string) error {
	d := xxhash.Sum64String(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[d]; ok {
		return nil
	}
	l.insert(d)
	return l.persist()
}

// Len returns the number of entries held.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// insert appends a digest, evicting the oldest entry at capacity.
// Caller holds the lock.
func (l *Ledger) insert(d uint64) {
	if _, ok := l.seen[d]; ok {
		return
	}
	if len(l.order) >= l.capacity {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.seen, oldest)
		for i, e := range l.order {
			l.seen[e] = i
		}
	}
	l.seen[d] = len(l.order)
	l.order = append(l.order, d)
}

// persist writes the ledger with write-then-rename. Caller holds the lock.
func (l *Ledger) persist() error {
	if l.path == "" {
		return nil
	}
	data, err := json.Marshal(ledgerFile{Entries: l.order})
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("rename ledger: %w", err)
	}
	return nil
}
