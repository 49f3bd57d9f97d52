package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event subjects
const (
	EventTypeBatchOpened  = "batch.opened"
	EventTypeBatchClosed  = "batch.closed"
	EventTypeBatchSettled = "batch.settled"

	EventTypeRequestCreated = "request.created"
	EventTypeRequestClaimed = "request.claimed"

	EventTypeLedgerPush = "ledger.push"
	EventTypeLedgerPull = "ledger.pull"

	EventTypeProposalCreated   = "settlement.proposed"
	EventTypeProposalCancelled = "settlement.cancelled"
	EventTypeProposalExecuted  = "settlement.executed"

	EventTypeProtocolPaused   = "protocol.paused"
	EventTypeProtocolUnpaused = "protocol.unpaused"

	EventTypeBackingAlert = "alert.backing_drift"
)

// Event is the base event structure.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Vault     string          `json:"vault"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Metadata  EventMetadata   `json:"metadata"`
}

// EventMetadata contains event metadata.
type EventMetadata struct {
	CorrelationID string `json:"correlation_id"`
	Source        string `json:"source"`
	Caller        string `json:"caller,omitempty"`
}

// BatchEvent contains batch lifecycle data.
type BatchEvent struct {
	Vault           string `json:"vault"`
	BatchID         uint64 `json:"batch_id"`
	State           string `json:"state"`
	TotalDeposited  string `json:"total_deposited,omitempty"`
	RequestedShares string `json:"requested_shares,omitempty"`
	Receiver        string `json:"receiver,omitempty"`
}

// LedgerEvent contains a single virtual-balance mutation.
type LedgerEvent struct {
	Vault     string `json:"vault"`
	Asset     string `json:"asset"`
	BatchID   uint64 `json:"batch_id"`
	Direction string `json:"direction"` // "push" or "pull"
	Amount    string `json:"amount"`
	Deposited string `json:"deposited"`
	Requested string `json:"requested"`
}

// RequestEvent contains stake/unstake request data.
type RequestEvent struct {
	RequestID   uuid.UUID `json:"request_id"`
	Vault       string    `json:"vault"`
	BatchID     uint64    `json:"batch_id"`
	Beneficiary string    `json:"beneficiary"`
	Kind        string    `json:"kind"` // "deposit", "redeem", "stake", "unstake"
	Amount      string    `json:"amount"`
}

// ClaimEvent contains claim payout data.
type ClaimEvent struct {
	RequestID uuid.UUID `json:"request_id"`
	Vault     string    `json:"vault"`
	BatchID   uint64    `json:"batch_id"`
	User      string    `json:"user"`
	Shares    string    `json:"shares,omitempty"`
	Assets    string    `json:"assets,omitempty"`
}

// ProposalEvent contains settlement proposal lifecycle data.
type ProposalEvent struct {
	ProposalID   string    `json:"proposal_id"`
	Vault        string    `json:"vault"`
	Asset        string    `json:"asset"`
	BatchID      uint64    `json:"batch_id"`
	TotalAssets  string    `json:"total_assets"`
	Netted       string    `json:"netted"`
	Yield        string    `json:"yield"`
	Profit       bool      `json:"profit"`
	ExecuteAfter time.Time `json:"execute_after,omitempty"`
	SharePrice   string    `json:"share_price,omitempty"`

	// CustodiedAssets is the adapter's real total read at execution time,
	// for drift monitoring against TotalAssets.
	CustodiedAssets string `json:"custodied_assets,omitempty"`
}

// BackingAlertEvent is raised when kToken supply drifts away from the
// custodied asset total beyond the configured tolerance.
type BackingAlertEvent struct {
	Vault       string `json:"vault"`
	Asset       string `json:"asset"`
	TotalSupply string `json:"total_supply"`
	TotalAssets string `json:"total_assets"`
	Drift       string `json:"drift"`
	Tolerance   string `json:"tolerance"`
}

// NewEvent creates a new event envelope.
func NewEvent(eventType, vault string, data interface{}, metadata EventMetadata) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Vault:     vault,
		Timestamp: time.Now(),
		Data:      dataBytes,
		Metadata:  metadata,
	}, nil
}

// ParseEventData parses event data into the specified type.
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
