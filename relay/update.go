package relay

import (
	"strings"
	"time"
)

// Phase is a step of the relay state machine.
type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseVerified  Phase = "verified"
	PhaseConfirmed Phase = "confirmed"
	PhaseFailed    Phase = "failed"
)

// Terminal tells if no other phase may follow.
func (p Phase) Terminal() bool {
	return p == PhaseConfirmed || p == PhaseFailed
}

// Reason is the machine readable cause of a failed relay.
type Reason string

const (
	ReasonInvalidInput           Reason = "invalid_input"
	ReasonSessionExpired         Reason = "session_expired"
	ReasonInvalidAmount          Reason = "invalid_amount"
	ReasonInvalidSignature       Reason = "invalid_signature"
	ReasonInsufficientFunds      Reason = "insufficient_funds"
	ReasonSpendingLimitExceeded  Reason = "spending_limit_exceeded"
	ReasonInvalidRecipient       Reason = "invalid_recipient"
	ReasonInsufficientSignatures Reason = "insufficient_signatures"
	ReasonStaleSignature         Reason = "stale_signature"
	ReasonSubmissionFailed       Reason = "submission_failed"
	ReasonInternal               Reason = "internal"
)

// Update is a single phase transition of a relayed transaction.
type Update struct {
	TxID         string   `json:"txId"`
	Phase        Phase    `json:"status"`
	Timestamp    int64    `json:"timestamp"`
	Duration     float64  `json:"duration,omitempty"`
	Message      string   `json:"message,omitempty"`
	ChainID      int64    `json:"chainId,omitempty"`
	From         string   `json:"from,omitempty"`
	Recipient    string   `json:"recipientAddress,omitempty"`
	Amount       string   `json:"amount,omitempty"`
	TxHash       string   `json:"txHash,omitempty"`
	Included     bool     `json:"included,omitempty"`
	BlockNumber  uint64   `json:"blockNumber,omitempty"`
	Reason       Reason   `json:"reason,omitempty"`
	Detail       string   `json:"details,omitempty"`
	Owners       []string `json:"owners,omitempty"`
	Threshold    uint64   `json:"threshold,omitempty"`
	Incoming     bool     `json:"isIncoming,omitempty"`
	SelfTransfer bool     `json:"selfTransfer,omitempty"`
	PastVerified bool     `json:"pastVerified,omitempty"`
}

// Time returns the update timestamp.
func (u Update) Time() time.Time {
	return time.UnixMilli(u.Timestamp)
}

// IsSelfTransfer tells if sender and recipient are the same account.
func (u Update) IsSelfTransfer() bool {
	return u.From != "" && strings.EqualFold(u.From, u.Recipient)
}

// Notifier receives every phase transition of a pipeline run.
// Notify must not block.
type Notifier interface {
	Notify(u Update)
}

// NotifierFunc adapts a function to the Notifier.
type NotifierFunc func(u Update)

func (f NotifierFunc) Notify(u Update) {
	f(u)
}

// Discard ignores every transition, sync callers read only the terminal update.
var Discard Notifier = NotifierFunc(func(Update) {})

// Fanout notifies every notifier in order.
type Fanout []Notifier

func (f Fanout) Notify(u Update) {
	for _, n := range f {
		n.Notify(u)
	}
}
