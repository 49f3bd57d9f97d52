package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kamlabs/kamcore/internal/roles"
	"github.com/kamlabs/kamcore/pkg/messaging"
)

var (
	ErrBatchNotFound      = errors.New("batch not found")
	ErrBatchNotOpen       = errors.New("batch is not open")
	ErrBatchAlreadyClosed = errors.New("batch already closed")
	ErrBatchNotClosed     = errors.New("batch is not closed")
	ErrBatchNotSettled    = errors.New("batch is not settled")
)

// State is the batch lifecycle state. Transitions are strictly forward:
// Open -> Closed -> Settled, never re-opened.
type State int

const (
	StateOpen State = iota
	StateClosed
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Batch is one discrete settlement window for one vault.
type Batch struct {
	ID       uint64
	Vault    string
	State    State
	OpenedAt time.Time
	ClosedAt time.Time

	// Aggregates accumulate while Open and are frozen at Close. Settlement
	// only reads them.
	TotalDeposited       decimal.Decimal
	TotalRequestedShares decimal.Decimal

	// Receiver is the escrow address for this batch, set lazily.
	Receiver string

	// Settlement results, written once by the settlement engine.
	SettledAt    time.Time
	SettledPrice decimal.Decimal // 18-decimal fixed point
	TotalAssets  decimal.Decimal
}

// Manager owns the batch lifecycle and issues monotonically increasing batch
// ids per vault.
type Manager struct {
	mu        sync.RWMutex
	batches   map[string]map[uint64]*Batch // vault -> id -> batch
	current   map[string]uint64            // vault -> id of the open batch, 0 if none
	nextID    map[string]uint64
	receivers map[string]*Receiver // receiver address -> escrow

	auth roles.Authorizer
	msg  *messaging.Client
	now  func() time.Time
}

// Config holds manager configuration.
type Config struct {
	Authorizer roles.Authorizer
	Messaging  *messaging.Client
	Now        func() time.Time
}

// NewManager creates a batch manager.
func NewManager(cfg Config) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		batches:   make(map[string]map[uint64]*Batch),
		current:   make(map[string]uint64),
		nextID:    make(map[string]uint64),
		receivers: make(map[string]*Receiver),
		auth:      cfg.Authorizer,
		msg:       cfg.Messaging,
		now:       now,
	}
}

// GetOrOpenCurrent returns the id of the vault's open batch, opening a new
// one if none exists or the previous window was closed or settled.
func (m *Manager) GetOrOpenCurrent(ctx context.Context, vault string) uint64 {
	m.mu.Lock()

	if id := m.current[vault]; id != 0 {
		if b := m.batches[vault][id]; b != nil && b.State == StateOpen {
			m.mu.Unlock()
			return id
		}
	}

	m.nextID[vault]++
	id := m.nextID[vault]
	b := &Batch{
		ID:                   id,
		Vault:                vault,
		State:                StateOpen,
		OpenedAt:             m.now(),
		TotalDeposited:       decimal.Zero,
		TotalRequestedShares: decimal.Zero,
	}
	if m.batches[vault] == nil {
		m.batches[vault] = make(map[uint64]*Batch)
	}
	m.batches[vault][id] = b
	m.current[vault] = id
	m.mu.Unlock()

	m.publishBatch(ctx, messaging.EventTypeBatchOpened, b)
	return id
}

// Current returns the vault's most recent batch id without opening one: the
// open batch if there is one, otherwise the last issued id. The second return
// is false when the vault has never had a batch. Read paths use this instead
// of GetOrOpenCurrent so a view cannot mutate lifecycle state.
func (m *Manager) Current(vault string) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id := m.current[vault]; id != 0 {
		return id, true
	}
	if id := m.nextID[vault]; id != 0 {
		return id, true
	}
	return 0, false
}

// RecordDeposit accumulates a deposit into an open batch's aggregate.
func (m *Manager) RecordDeposit(vault string, batchID uint64, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.lookup(vault, batchID)
	if err != nil {
		return err
	}
	if b.State != StateOpen {
		return ErrBatchNotOpen
	}
	b.TotalDeposited = b.TotalDeposited.Add(amount)
	return nil
}

// RecordRequestedShares accumulates requested redemption shares into an open
// batch's aggregate.
func (m *Manager) RecordRequestedShares(vault string, batchID uint64, shares decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.lookup(vault, batchID)
	if err != nil {
		return err
	}
	if b.State != StateOpen {
		return ErrBatchNotOpen
	}
	b.TotalRequestedShares = b.TotalRequestedShares.Add(shares)
	return nil
}

// Close transitions an open batch to Closed and freezes its aggregates.
// Relayer-only. Closing a batch twice is an operator mistake and fails
// loudly rather than being silently ignored.
func (m *Manager) Close(ctx context.Context, caller, vault string, batchID uint64) error {
	if !m.auth.IsAuthorized(roles.Relayer, caller) {
		return roles.ErrWrongRole
	}

	m.mu.Lock()
	b, err := m.lookup(vault, batchID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if b.State != StateOpen {
		m.mu.Unlock()
		return ErrBatchAlreadyClosed
	}

	b.State = StateClosed
	b.ClosedAt = m.now()
	if m.current[vault] == batchID {
		m.current[vault] = 0
	}
	snapshot := *b
	m.mu.Unlock()

	m.publishBatch(ctx, messaging.EventTypeBatchClosed, &snapshot)
	return nil
}

// CreateReceiver lazily deploys the escrow for a batch. Deterministic and
// idempotent: repeated calls return the identical address. Relayer-only.
func (m *Manager) CreateReceiver(caller, vault string, batchID uint64) (string, error) {
	if !m.auth.IsAuthorized(roles.Relayer, caller) {
		return "", roles.ErrWrongRole
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.lookup(vault, batchID)
	if err != nil {
		return "", err
	}
	if b.Receiver != "" {
		return b.Receiver, nil
	}

	addr := receiverAddress(vault, batchID)
	b.Receiver = addr
	m.receivers[addr] = NewReceiver(addr, vault, batchID)
	return addr, nil
}

// Receiver returns the escrow deployed for an address.
func (m *Manager) Receiver(addr string) (*Receiver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, exists := m.receivers[addr]
	if !exists {
		return nil, ErrReceiverNotFound
	}
	return r, nil
}

// MarkSettled transitions a closed batch to Settled and records the
// settlement share price. Called by the settlement engine only; a batch that
// is not Closed cannot settle.
func (m *Manager) MarkSettled(ctx context.Context, vault string, batchID uint64, price, totalAssets decimal.Decimal) error {
	m.mu.Lock()
	b, err := m.lookup(vault, batchID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if b.State != StateClosed {
		m.mu.Unlock()
		return ErrBatchNotClosed
	}

	b.State = StateSettled
	b.SettledAt = m.now()
	b.SettledPrice = price
	b.TotalAssets = totalAssets
	snapshot := *b
	m.mu.Unlock()

	m.publishBatch(ctx, messaging.EventTypeBatchSettled, &snapshot)
	return nil
}

// Get returns a snapshot of a batch.
func (m *Manager) Get(vault string, batchID uint64) (Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, err := m.lookup(vault, batchID)
	if err != nil {
		return Batch{}, err
	}
	return *b, nil
}

// IsSettled reports whether a batch has settled. Unknown batches are not
// settled.
func (m *Manager) IsSettled(vault string, batchID uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, err := m.lookup(vault, batchID)
	return err == nil && b.State == StateSettled
}

func (m *Manager) lookup(vault string, batchID uint64) (*Batch, error) {
	vb := m.batches[vault]
	if vb == nil {
		return nil, ErrBatchNotFound
	}
	b, exists := vb[batchID]
	if !exists {
		return nil, ErrBatchNotFound
	}
	return b, nil
}

func (m *Manager) publishBatch(ctx context.Context, eventType string, b *Batch) {
	if m.msg == nil {
		return
	}

	m.msg.Publish(ctx, eventType, messaging.BatchEvent{
		Vault:           b.Vault,
		BatchID:         b.ID,
		State:           b.State.String(),
		TotalDeposited:  b.TotalDeposited.String(),
		RequestedShares: b.TotalRequestedShares.String(),
		Receiver:        b.Receiver,
	})
}

// receiverAddress derives the deterministic escrow address for a batch.
func receiverAddress(vault string, batchID uint64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("receiver|%s|%d", vault, batchID)))
	return "0x" + hex.EncodeToString(sum[:20])
}
