package policy

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DelegationModule is the address of the on-chain module enforcing session key policies.
const DelegationModule = "0x00000000008bDABA73cD9815d79069c247Eb4bDA"

// DefaultSpendingLimit is 42,000,000 tokens of 18 decimals.
var DefaultSpendingLimit = mustAmount("42000000000000000000000000")

var (
	ErrSessionExpired        = errors.New("session key expired")
	ErrInvalidAmount         = errors.New("amount must be a positive integer")
	ErrInsufficientFunds     = errors.New("insufficient token balance")
	ErrSpendingLimitExceeded = errors.New("spending limit exceeded")
	ErrInvalidRecipient      = errors.New("invalid recipient")
)

// SessionGrant is the delegated spending authority of a session key.
// ValidUntil of zero means the client did not declare an expiry.
type SessionGrant struct {
	SessionKey    common.Address
	ValidUntil    int64
	SpendingLimit *big.Int
}

// Expired tells if the grant expired at the given time.
func (g SessionGrant) Expired(now time.Time) bool {
	return g.ValidUntil > 0 && now.Unix() > g.ValidUntil
}

// Guard enforces spending, recipient, expiry, amount and balance rules.
type Guard struct {
	now func() time.Time
}

// New creates a Guard reading the wall clock from now, time.Now is used when nil.
func New(now func() time.Time) Guard {
	if now == nil {
		now = time.Now
	}
	return Guard{now: now}
}

// Admit checks the grant expiry and then the amount, returning the parsed amount.
func (g Guard) Admit(grant SessionGrant, amount string) (*big.Int, error) {
	if grant.Expired(g.now()) {
		return nil, errors.Join(ErrSessionExpired,
			fmt.Errorf("session key expired at [ %s ]", time.Unix(grant.ValidUntil, 0).UTC().Format(time.RFC3339)))
	}
	return ParseAmount(amount)
}

// CheckBalance checks the balance covers the amount.
func (g Guard) CheckBalance(balance, amount *big.Int) error {
	if balance == nil || balance.Cmp(amount) < 0 {
		return errors.Join(ErrInsufficientFunds,
			fmt.Errorf("balance [ %s ], required [ %s ]", balance, amount))
	}
	return nil
}

// CheckDelegation enforces the spending limit and the recipient policy when the delegation module is enabled.
// Without the module only signatures authorize the transfer.
func (g Guard) CheckDelegation(moduleEnabled bool, grant SessionGrant, amount *big.Int, recipient common.Address) error {
	if !moduleEnabled {
		return nil
	}
	limit := grant.SpendingLimit
	if limit == nil {
		limit = DefaultSpendingLimit
	}
	if amount.Cmp(limit) > 0 {
		return errors.Join(ErrSpendingLimitExceeded,
			fmt.Errorf("amount [ %s ] exceeds session key limit [ %s ]", amount, limit))
	}
	if recipient == (common.Address{}) {
		return errors.Join(ErrInvalidRecipient, errors.New("cannot send to zero address"))
	}
	return nil
}

// ParseAmount parses a positive integer amount in decimal or 0x prefixed hex.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, ok := new(big.Int).SetString(s, base)
	if !ok || v.Sign() <= 0 {
		return nil, errors.Join(ErrInvalidAmount, fmt.Errorf("received [ %s ]", s))
	}
	return v, nil
}

func mustAmount(s string) *big.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}
