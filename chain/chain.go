package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bartossh/Relayer/safetx"
)

var (
	ErrUnknownChain     = errors.New("unknown chain")
	ErrNoEndpoints      = errors.New("no rpc endpoints available")
	ErrCallFailed       = errors.New("chain call failed")
	ErrSubmission       = errors.New("submission failed")
	ErrReverted         = errors.New("transaction reverted")
	ErrInclusionTimeout = errors.New("transaction inclusion not observed in time")
)

// Receipt is the inclusion result of a submitted transaction.
type Receipt struct {
	Hash        common.Hash
	BlockNumber uint64
	Success     bool
}

// Gateway abstracts the Safe account and the token contract on a single chain.
// Every call is blocking and honours the context.
type Gateway interface {
	Owners(ctx context.Context, account common.Address) ([]common.Address, error)
	Threshold(ctx context.Context, account common.Address) (uint64, error)
	IsModuleEnabled(ctx context.Context, account, module common.Address) (bool, error)
	Balance(ctx context.Context, token, account common.Address) (*big.Int, error)
	Digest(ctx context.Context, account common.Address, call safetx.Call) (safetx.Transaction, common.Hash, error)
	Submit(ctx context.Context, sub safetx.Submission) (common.Hash, error)
	AwaitInclusion(ctx context.Context, hash common.Hash) (Receipt, error)
}
