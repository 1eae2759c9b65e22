// Package txn implements the transaction manager: monotonic txid issuance,
// the active-transaction set, snapshot acquisition, and the repeatable-read
// visibility rule that pkg/table applies when walking version chains.
//
// What: begin/commit/rollback plus a single process-wide "current
// transaction" binding for an auto-commit convenience layer; the binding is
// shared by all goroutines, not kept per caller.
// How: a single atomic counter for txids (lock-free fast path) guarded by a
// mutex only around the active-set bookkeeping.
// Why: snapshot isolation needs an authoritative, crash-resilient ordering
// of transactions; an atomic counter plus CLOG gives us that without a
// central lock on the write path.
package txn

import (
	"sync"
	"sync/atomic"

	"github.com/humanjesse/zvdb/pkg/clog"
)

// State is the transaction's own view of whether it is still open.
type State uint8

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

// Snapshot fixes visibility for the lifetime of a transaction.
type Snapshot struct {
	// Xmin is the lowest still-active txid at the time the snapshot was
	// taken (informational; visibility uses ActiveSet directly).
	Xmin uint64
	// Xmax is the next-txid-to-be-assigned at snapshot time: any txid >=
	// Xmax was not yet running and is therefore invisible.
	Xmax uint64
	// ActiveSet holds the ids of transactions that were in progress (and
	// thus not yet committed) when the snapshot was taken.
	ActiveSet map[uint64]struct{}
}

// visible reports whether a version created by xmin/deleted by xmax (0 =
// still live) is visible under this snapshot, given the CLOG. xmin == 0 is
// reserved for rows loaded from a v2 (no-MVCC) table file, which never
// appear in the CLOG; such rows are always visible, since a real txid is
// never 0 (txid allocation starts at 1).
func (s Snapshot) visible(cl *clog.CLOG, xmin, xmax uint64) bool {
	if xmin != 0 && !cl.IsCommitted(xmin) {
		return false
	}
	if xmin >= s.Xmax {
		return false
	}
	if _, active := s.ActiveSet[xmin]; active {
		return false
	}
	if xmax == 0 {
		return true
	}
	if !cl.IsCommitted(xmax) {
		return true
	}
	if xmax >= s.Xmax {
		return true
	}
	if _, active := s.ActiveSet[xmax]; active {
		return true
	}
	return false
}

// Transaction is a single unit of work.
type Transaction struct {
	ID       uint64
	Snapshot Snapshot
	mu       sync.Mutex
	state    State
}

// State returns the transaction's current state.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// IsVisible applies the repeatable-read snapshot-isolation visibility rule
// to a single row version's (xmin, xmax) pair.
func (tx *Transaction) IsVisible(cl *clog.CLOG, xmin, xmax uint64) bool {
	return tx.Snapshot.visible(cl, xmin, xmax)
}

// Manager owns transaction lifecycle: id issuance, the active set, and the
// convenience "current transaction" binding used by the auto-commit façade.
type Manager struct {
	clog *clog.CLOG

	nextTxID atomic.Uint64

	mu        sync.Mutex
	active    map[uint64]*Transaction
	current   *Transaction // per-process "current transaction" binding
	currentMu sync.RWMutex
}

// NewManager creates a transaction manager bound to the given commit log.
// txid allocation starts at 1 unless Restore is called afterward.
func NewManager(cl *clog.CLOG) *Manager {
	m := &Manager{
		clog:   cl,
		active: make(map[uint64]*Transaction),
	}
	m.nextTxID.Store(1)
	return m
}

// Restore positions the txid counter at max(seen)+1, used after WAL replay
// or CLOG load so recovered ids are never reissued.
func (m *Manager) Restore(maxSeen uint64) {
	for {
		cur := m.nextTxID.Load()
		want := maxSeen + 1
		if want <= cur {
			return
		}
		if m.nextTxID.CompareAndSwap(cur, want) {
			return
		}
	}
}

// NextTxID returns the id that will be assigned to the next Begin call,
// without consuming it.
func (m *Manager) NextTxID() uint64 {
	return m.nextTxID.Load()
}

// MinActiveTxID returns the lowest txid among currently active
// transactions, or NextTxID() when none are active. Used as the vacuum
// watermark: computed under the manager lock, using next_tx_id as the
// upper bound when nothing is running.
func (m *Manager) MinActiveTxID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	min := m.nextTxID.Load()
	for id := range m.active {
		if id < min {
			min = id
		}
	}
	return min
}

// Begin issues the next txid, snapshots the active set, and records the new
// transaction as active.
func (m *Manager) Begin() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextTxID.Add(1) - 1

	activeCopy := make(map[uint64]struct{}, len(m.active))
	for other := range m.active {
		activeCopy[other] = struct{}{}
	}

	tx := &Transaction{
		ID: id,
		Snapshot: Snapshot{
			Xmin:      m.oldestActiveLocked(),
			Xmax:      m.nextTxID.Load(),
			ActiveSet: activeCopy,
		},
		state: StateActive,
	}
	m.active[id] = tx
	return tx
}

func (m *Manager) oldestActiveLocked() uint64 {
	min := m.nextTxID.Load()
	for id := range m.active {
		if id < min {
			min = id
		}
	}
	return min
}

// Commit marks tx committed in the CLOG and removes it from the active set.
// Callers must have already flushed the transaction's WAL records before
// calling Commit, so a crash can never observe a commit without its log.
func (m *Manager) Commit(tx *Transaction) {
	tx.mu.Lock()
	tx.state = StateCommitted
	tx.mu.Unlock()

	m.clog.Set(tx.ID, clog.StatusCommitted)

	m.mu.Lock()
	delete(m.active, tx.ID)
	m.mu.Unlock()
}

// Rollback marks tx aborted in the CLOG and removes it from the active set.
func (m *Manager) Rollback(tx *Transaction) {
	tx.mu.Lock()
	tx.state = StateAborted
	tx.mu.Unlock()

	m.clog.Set(tx.ID, clog.StatusAborted)

	m.mu.Lock()
	delete(m.active, tx.ID)
	m.mu.Unlock()
}

// SetCurrent binds tx as the Manager's one "current transaction" for the
// auto-commit convenience layer. Pass nil to clear. Every goroutine using
// this Manager sees and replaces the same binding.
func (m *Manager) SetCurrent(tx *Transaction) {
	m.currentMu.Lock()
	defer m.currentMu.Unlock()
	m.current = tx
}

// Current returns the bound transaction, or nil if none is bound.
func (m *Manager) Current() *Transaction {
	m.currentMu.RLock()
	defer m.currentMu.RUnlock()
	return m.current
}
