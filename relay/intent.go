package relay

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var ErrInvalidInput = errors.New("invalid input")

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// ValidAddress tells if s is a 0x prefixed 20 byte hex address.
func ValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// NewTxID returns a fresh relay transaction id.
func NewTxID() string {
	return uuid.NewString()
}

// Intent is the signed transfer intent accepted by the relay.
type Intent struct {
	TxID             string
	ChainID          int64
	Account          common.Address
	Owner            common.Address
	Recipient        common.Address
	Amount           string
	SessionKey       common.Address
	SessionSignature string
	OwnerSignature   string
	ValidUntil       int64
}

// IntentRequest is the raw intent as received from clients.
type IntentRequest struct {
	ChainID          int64
	Account          string
	Owner            string
	Recipient        string
	Amount           string
	SessionKey       string
	SessionSignature string
	OwnerSignature   string
	ValidUntil       int64
}

// NewIntent validates the request and creates the intent with a fresh transaction id.
func NewIntent(r IntentRequest) (Intent, error) {
	for name, v := range map[string]string{
		"safe address":        r.Account,
		"owner address":       r.Owner,
		"recipient address":   r.Recipient,
		"session key address": r.SessionKey,
	} {
		if !ValidAddress(v) {
			return Intent{}, errors.Join(ErrInvalidInput, fmt.Errorf("%s [ %s ] is not a valid address", name, v))
		}
	}
	switch {
	case r.ChainID <= 0:
		return Intent{}, errors.Join(ErrInvalidInput, errors.New("chain id is required"))
	case r.Amount == "":
		return Intent{}, errors.Join(ErrInvalidInput, errors.New("amount is required"))
	case r.SessionSignature == "":
		return Intent{}, errors.Join(ErrInvalidInput, errors.New("session key signature is required"))
	case r.OwnerSignature == "":
		return Intent{}, errors.Join(ErrInvalidInput, errors.New("owner signature is required"))
	case r.ValidUntil < 0:
		return Intent{}, errors.Join(ErrInvalidInput, errors.New("session key expiry must not be negative"))
	}
	return Intent{
		TxID:             NewTxID(),
		ChainID:          r.ChainID,
		Account:          common.HexToAddress(r.Account),
		Owner:            common.HexToAddress(r.Owner),
		Recipient:        common.HexToAddress(r.Recipient),
		Amount:           r.Amount,
		SessionKey:       common.HexToAddress(r.SessionKey),
		SessionSignature: r.SessionSignature,
		OwnerSignature:   r.OwnerSignature,
		ValidUntil:       r.ValidUntil,
	}, nil
}

// Transaction is the relay work item owned by a single pipeline run.
type Transaction struct {
	ID         string
	Phase      Phase
	Timestamps map[Phase]time.Time
	Hash       common.Hash
	Reason     Reason
	Detail     string
}

func newTransaction(id string, now time.Time) *Transaction {
	return &Transaction{
		ID:         id,
		Phase:      PhaseStarted,
		Timestamps: map[Phase]time.Time{PhaseStarted: now},
	}
}

// advance moves the transaction to the next phase, transitions out of terminal phases or back are ignored.
func (t *Transaction) advance(p Phase, now time.Time) bool {
	if t.Phase.Terminal() || !forward(t.Phase, p) {
		return false
	}
	t.Phase = p
	t.Timestamps[p] = now
	return true
}

func forward(from, to Phase) bool {
	switch from {
	case PhaseStarted:
		return to == PhaseVerified || to == PhaseFailed
	case PhaseVerified:
		return to == PhaseConfirmed || to == PhaseFailed
	default:
		return false
	}
}

// Elapsed returns seconds from Started to the phase.
func (t *Transaction) Elapsed(p Phase) float64 {
	at, ok := t.Timestamps[p]
	if !ok {
		return 0
	}
	return at.Sub(t.Timestamps[PhaseStarted]).Seconds()
}
