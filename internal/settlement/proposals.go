package settlement

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrProposalNotFound     = errors.New("settlement proposal not found")
	ErrBatchAlreadyProposed = errors.New("batch already has a pending proposal")
)

// Proposal is one pending settlement for a (vault, batch) pair. Yield is an
// unsigned magnitude with a separate profit flag; a false flag means the
// magnitude is a loss. ExecuteAfter is captured at proposal time from the
// cooldown in force then, so later cooldown changes never touch a pending
// proposal.
type Proposal struct {
	ID      string
	Vault   string
	Asset   string
	BatchID uint64

	TotalAssets decimal.Decimal
	Netted      decimal.Decimal
	Yield       decimal.Decimal
	Profit      bool

	Proposer     string
	CreatedAt    time.Time
	ExecuteAfter time.Time
}

type batchKey struct {
	Vault   string
	BatchID uint64
}

// Store holds pending settlement proposals. At most one live proposal may
// exist per (vault, batch); a second insert fails until the first is
// executed or cancelled. Removed proposals are gone for good: re-querying
// yields not-found, never a stale record.
type Store struct {
	mu        sync.RWMutex
	proposals map[string]*Proposal
	byBatch   map[batchKey]string
}

// NewStore creates an empty proposal store.
func NewStore() *Store {
	return &Store{
		proposals: make(map[string]*Proposal),
		byBatch:   make(map[batchKey]string),
	}
}

// Insert adds a proposal, enforcing the one-live-proposal-per-batch rule.
func (s *Store) Insert(p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := batchKey{p.Vault, p.BatchID}
	if _, exists := s.byBatch[key]; exists {
		return ErrBatchAlreadyProposed
	}

	s.proposals[p.ID] = p
	s.byBatch[key] = p.ID
	return nil
}

// Get returns a copy of a proposal.
func (s *Store) Get(id string) (Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.proposals[id]
	if !exists {
		return Proposal{}, ErrProposalNotFound
	}
	return *p, nil
}

// Remove deletes a proposal, either because it was cancelled or because
// execution consumed it. Exactly one caller wins a removal race; the loser
// gets ErrProposalNotFound.
func (s *Store) Remove(id string) (Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.proposals[id]
	if !exists {
		return Proposal{}, ErrProposalNotFound
	}

	delete(s.proposals, id)
	delete(s.byBatch, batchKey{p.Vault, p.BatchID})
	return *p, nil
}

// proposalID derives the deterministic identity of a proposal. The
// timestamp component keeps re-proposals after a cancellation unique.
func proposalID(vault string, batchID uint64, proposer string, at time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%d", vault, batchID, proposer, at.UnixNano())))
	return hex.EncodeToString(sum[:])
}
