package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bartossh/Relayer/logger"
	"github.com/bartossh/Relayer/relay"
)

var (
	ErrInsertFailed    = errors.New("insert failed")
	ErrSelectFailed    = errors.New("select failed")
	ErrNotFound        = errors.New("not found")
	ErrUnmarshalFailed = errors.New("unmarshal failed")
	ErrMigrationFailed = errors.New("migration failed")
)

// Outcome is the terminal state of a relayed transaction.
type Outcome struct {
	TxID      string       `json:"txId" db:"tx_id"`
	ChainID   int64        `json:"chainId" db:"chain_id"`
	Account   string       `json:"from" db:"account"`
	Recipient string       `json:"recipientAddress" db:"recipient"`
	Amount    string       `json:"amount" db:"amount"`
	Phase     relay.Phase  `json:"status" db:"phase"`
	Reason    relay.Reason `json:"reason,omitempty" db:"reason"`
	TxHash    string       `json:"txHash,omitempty" db:"tx_hash"`
	Included  bool         `json:"included" db:"included"`
	Duration  float64      `json:"duration" db:"duration"`
	CreatedAt time.Time    `json:"createdAt" db:"created_at"`
}

// NewOutcome creates the outcome of the terminal update.
func NewOutcome(u relay.Update) Outcome {
	return Outcome{
		TxID:      u.TxID,
		ChainID:   u.ChainID,
		Account:   u.From,
		Recipient: u.Recipient,
		Amount:    u.Amount,
		Phase:     u.Phase,
		Reason:    u.Reason,
		TxHash:    u.TxHash,
		Included:  u.Included,
		Duration:  u.Duration,
		CreatedAt: u.Time().UTC(),
	}
}

// Activity is a client activity entry.
type Activity struct {
	Date      string    `json:"date" db:"date"`
	Browser   string    `json:"browser" db:"browser"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Journal persists outcomes and activity entries.
type Journal interface {
	RecordOutcome(ctx context.Context, o Outcome) error
	ReadOutcome(ctx context.Context, txID string) (Outcome, error)
	RecordActivity(ctx context.Context, a Activity) error
}

// Feed is a stream of relay updates.
type Feed interface {
	Channel() <-chan relay.Update
	Cancel()
}

// Run records terminal updates read from the feed until the context is done or the feed is closed.
func Run(ctx context.Context, feed Feed, j Journal, log logger.Logger) {
	defer feed.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-feed.Channel():
			if !ok {
				return
			}
			if !u.Phase.Terminal() {
				continue
			}
			if err := j.RecordOutcome(ctx, NewOutcome(u)); err != nil {
				log.Error(fmt.Sprintf("journal failed to record outcome of [ %s ]: %s", u.TxID, err))
			}
		}
	}
}

// Memory keeps the journal in memory, it is used when no database is configured.
type Memory struct {
	mux        sync.RWMutex
	outcomes   map[string]Outcome
	activities []Activity
}

// NewMemory creates the in memory journal.
func NewMemory() *Memory {
	return &Memory{outcomes: make(map[string]Outcome)}
}

// RecordOutcome stores the outcome, the latest outcome of a transaction wins.
func (m *Memory) RecordOutcome(_ context.Context, o Outcome) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.outcomes[o.TxID] = o
	return nil
}

// ReadOutcome reads the outcome of the transaction.
func (m *Memory) ReadOutcome(_ context.Context, txID string) (Outcome, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	o, ok := m.outcomes[txID]
	if !ok {
		return Outcome{}, errors.Join(ErrNotFound, fmt.Errorf("outcome of [ %s ]", txID))
	}
	return o, nil
}

// RecordActivity stores the activity entry.
func (m *Memory) RecordActivity(_ context.Context, a Activity) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.activities = append(m.activities, a)
	return nil
}

// Activities returns the stored activity entries.
func (m *Memory) Activities() []Activity {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return append([]Activity(nil), m.activities...)
}
