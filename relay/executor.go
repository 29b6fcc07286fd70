package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bartossh/Relayer/chain"
	"github.com/bartossh/Relayer/policy"
	"github.com/bartossh/Relayer/safetx"
	"github.com/bartossh/Relayer/signature"
)

// ExecuteRequest is an arbitrary account call authorized by one owner signature over its digest.
type ExecuteRequest struct {
	ChainID   int64
	Account   common.Address
	Owner     common.Address
	To        common.Address
	Value     *big.Int
	Data      []byte
	Signature string
}

// ExecuteResult is the outcome of an executed call.
type ExecuteResult struct {
	TxHash      common.Hash
	Included    bool
	BlockNumber uint64
	Owners      []common.Address
	Threshold   uint64
}

var noExpiry = policy.SessionGrant{}

// Prepared is the Safe transaction of a call with the digest owners must sign.
type Prepared struct {
	Tx     safetx.Transaction
	Digest common.Hash
}

// Prepare returns the Safe transaction and the digest the owner must sign for the call.
func (p *Pipeline) Prepare(ctx context.Context, chainID int64, account common.Address, call safetx.Call) (Prepared, error) {
	gw, err := p.chains.Gateway(ctx, chainID)
	if err != nil {
		return Prepared{}, err
	}
	cctx, cancel := p.call(ctx)
	defer cancel()
	tx, digest, err := gw.Digest(cctx, account, call)
	if err != nil {
		return Prepared{}, err
	}
	return Prepared{Tx: tx, Digest: digest}, nil
}

// PrepareTransfer builds the token transfer of the chain and prepares it.
func (p *Pipeline) PrepareTransfer(
	ctx context.Context, chainID int64, account, recipient common.Address, amount string,
) (Prepared, safetx.Call, error) {
	network, err := p.chains.Network(chainID)
	if err != nil {
		return Prepared{}, safetx.Call{}, err
	}
	v, err := p.guard.Admit(noExpiry, amount)
	if err != nil {
		return Prepared{}, safetx.Call{}, err
	}
	call, err := safetx.BuildCall(network.Token, recipient, v)
	if err != nil {
		return Prepared{}, safetx.Call{}, err
	}
	prepared, err := p.Prepare(ctx, chainID, account, call)
	return prepared, call, err
}

// Balance returns the token balance of the account on the chain.
func (p *Pipeline) Balance(ctx context.Context, chainID int64, account common.Address) (*big.Int, error) {
	network, err := p.chains.Network(chainID)
	if err != nil {
		return nil, err
	}
	gw, err := p.chains.Gateway(ctx, chainID)
	if err != nil {
		return nil, err
	}
	cctx, cancel := p.call(ctx)
	defer cancel()
	return gw.Balance(cctx, network.Token, account)
}

// Execute verifies the owner and its signature and executes the call, the relay pays the fee.
// Submission shares the serialization with transfer relays on the same chain.
func (p *Pipeline) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	ctx = context.WithoutCancel(ctx)
	gw, err := p.chains.Gateway(ctx, req.ChainID)
	if err != nil {
		return ExecuteResult{}, err
	}

	cctx, cancel := p.call(ctx)
	owners, err := gw.Owners(cctx, req.Account)
	cancel()
	if err != nil {
		return ExecuteResult{}, err
	}
	res := ExecuteResult{Owners: owners}
	if !isOwner(owners, req.Owner) {
		return res, errors.Join(ErrOwnerNotInOwnerSet,
			fmt.Errorf("[ %s ] is not an owner of [ %s ]", req.Owner.Hex(), req.Account.Hex()))
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	call := safetx.Call{To: req.To, Value: value, Data: req.Data, Operation: safetx.OperationCall}
	prepared, err := p.Prepare(ctx, req.ChainID, req.Account, call)
	if err != nil {
		return res, err
	}
	sig, err := signature.Decode(req.Signature)
	if err != nil {
		return res, err
	}
	if err := signature.VerifyDigest(prepared.Digest, sig, req.Owner); err != nil {
		return res, err
	}
	sub, err := safetx.AttachSignature(safetx.NewSubmission(prepared.Tx, prepared.Digest), req.Owner, sig)
	if err != nil {
		return res, err
	}

	hash, threshold, err := p.submit(ctx, req.ChainID, gw, sub, owners)
	res.Threshold = threshold
	res.TxHash = hash
	if err != nil {
		return res, err
	}
	p.log.Info(fmt.Sprintf("relay executed call of [ %s ] to [ %s ] with hash [ %s ]", req.Account.Hex(), req.To.Hex(), hash.Hex()))

	waitCtx, cancel := context.WithTimeout(ctx, p.inclusionTimeout)
	defer cancel()
	rec, err := gw.AwaitInclusion(waitCtx, hash)
	switch {
	case err == nil:
		res.Included, res.BlockNumber = true, rec.BlockNumber
	case errors.Is(err, chain.ErrReverted):
		return res, err
	default:
		p.log.Warn(fmt.Sprintf("relay execute inclusion of [ %s ] not observed: %s", hash.Hex(), err))
	}
	return res, nil
}
