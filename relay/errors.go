package relay

import (
	"errors"

	"github.com/bartossh/Relayer/chain"
	"github.com/bartossh/Relayer/policy"
	"github.com/bartossh/Relayer/safetx"
	"github.com/bartossh/Relayer/signature"
)

var (
	ErrOwnerNotInOwnerSet = errors.New("owner is not an owner of the account")
	ErrStaleSignature     = errors.New("account state changed since the owner signed")
)

var reasons = []struct {
	err    error
	reason Reason
}{
	{ErrInvalidInput, ReasonInvalidInput},
	{chain.ErrUnknownChain, ReasonInvalidInput},
	{safetx.ErrInvalidCall, ReasonInvalidInput},
	{policy.ErrSessionExpired, ReasonSessionExpired},
	{policy.ErrInvalidAmount, ReasonInvalidAmount},
	{policy.ErrInsufficientFunds, ReasonInsufficientFunds},
	{policy.ErrSpendingLimitExceeded, ReasonSpendingLimitExceeded},
	{policy.ErrInvalidRecipient, ReasonInvalidRecipient},
	{signature.ErrInvalidSignature, ReasonInvalidSignature},
	{ErrOwnerNotInOwnerSet, ReasonInvalidSignature},
	{safetx.ErrInsufficientSignatures, ReasonInsufficientSignatures},
	{ErrStaleSignature, ReasonStaleSignature},
	{chain.ErrSubmission, ReasonSubmissionFailed},
	{chain.ErrReverted, ReasonSubmissionFailed},
}

// Classify maps the error to the failure reason, unknown errors are internal.
func Classify(err error) Reason {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ReasonInternal
}

var messages = map[Reason]string{
	ReasonInvalidInput:           "Invalid request",
	ReasonSessionExpired:         "Session key expired",
	ReasonInvalidAmount:          "Amount must be greater than 0",
	ReasonInvalidSignature:       "Invalid signature",
	ReasonInsufficientFunds:      "Insufficient token balance",
	ReasonSpendingLimitExceeded:  "Spending limit exceeded",
	ReasonInvalidRecipient:       "Invalid recipient",
	ReasonInsufficientSignatures: "Insufficient signatures",
	ReasonStaleSignature:         "Owner signature no longer matches the account state",
	ReasonSubmissionFailed:       "Transaction submission failed",
	ReasonInternal:               "Failed to send transaction",
}

// Message returns the human readable description of the reason.
func (r Reason) Message() string {
	if m, ok := messages[r]; ok {
		return m
	}
	return messages[ReasonInternal]
}
