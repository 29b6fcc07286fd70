package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/bartossh/Relayer/logger"
	"github.com/bartossh/Relayer/safetx"
)

const (
	defaultPollInterval  = time.Second
	gasEstimateMarginPct = 20
	baseFeeMultiplier    = 2
	fallbackExecGasLimit = 500_000
)

// TxSigner signs network transactions on behalf of the relay.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

type backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Ethereum is the Gateway talking to an EVM chain over JSON-RPC.
// The relay account nonce is tracked locally and re-read from the node after a failed send.
type Ethereum struct {
	client       backend
	closer       func()
	signer       TxSigner
	log          logger.Logger
	chainID      *big.Int
	gasLimit     uint64
	pollInterval time.Duration
	mux          sync.Mutex
	nonce        uint64
	nonceKnown   bool
}

// EthereumDialer returns a Dialer connecting to a random endpoint of the network.
func EthereumDialer(signer TxSigner, log logger.Logger) Dialer {
	return func(ctx context.Context, n Network) (Gateway, error) {
		url, err := RandomEndpoint(n.Endpoints)
		if err != nil {
			return nil, errors.Join(err, fmt.Errorf("chain id [ %s ]", n.ChainID))
		}
		c, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, errors.Join(ErrCallFailed, err)
		}
		log.Info(fmt.Sprintf("chain gateway connected to [ %s ] for chain [ %s ]", url, n.ChainID))
		e := newEthereum(c, n.ChainID, signer, log, n.GasLimit)
		e.closer = c.Close
		return e, nil
	}
}

func newEthereum(c backend, chainID *big.Int, signer TxSigner, log logger.Logger, gasLimit uint64) *Ethereum {
	return &Ethereum{
		client:       c,
		signer:       signer,
		log:          log,
		chainID:      chainID,
		gasLimit:     gasLimit,
		pollInterval: defaultPollInterval,
	}
}

// Close closes the rpc connection.
func (e *Ethereum) Close() {
	if e.closer != nil {
		e.closer()
	}
}

func (e *Ethereum) call(ctx context.Context, to common.Address, method string, args ...any) ([]any, error) {
	data, err := safetx.Safe.Pack(method, args...)
	if err != nil {
		return nil, errors.Join(ErrCallFailed, err)
	}
	raw, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, errors.Join(ErrCallFailed, fmt.Errorf("%s on [ %s ]", method, to.Hex()), err)
	}
	out, err := safetx.Safe.Unpack(method, raw)
	if err != nil || len(out) == 0 {
		return nil, errors.Join(ErrCallFailed, fmt.Errorf("unpack %s on [ %s ]", method, to.Hex()), err)
	}
	return out, nil
}

// Owners reads the current owner set of the account.
func (e *Ethereum) Owners(ctx context.Context, account common.Address) ([]common.Address, error) {
	out, err := e.call(ctx, account, "getOwners")
	if err != nil {
		return nil, err
	}
	owners, ok := out[0].([]common.Address)
	if !ok {
		return nil, errors.Join(ErrCallFailed, errors.New("unexpected getOwners result"))
	}
	return owners, nil
}

// Threshold reads the number of owner signatures the account requires.
func (e *Ethereum) Threshold(ctx context.Context, account common.Address) (uint64, error) {
	out, err := e.call(ctx, account, "getThreshold")
	if err != nil {
		return 0, err
	}
	v, ok := out[0].(*big.Int)
	if !ok || !v.IsUint64() {
		return 0, errors.Join(ErrCallFailed, errors.New("unexpected getThreshold result"))
	}
	return v.Uint64(), nil
}

// IsModuleEnabled tells if the module is enabled on the account.
func (e *Ethereum) IsModuleEnabled(ctx context.Context, account, module common.Address) (bool, error) {
	out, err := e.call(ctx, account, "isModuleEnabled", module)
	if err != nil {
		return false, err
	}
	v, ok := out[0].(bool)
	if !ok {
		return false, errors.Join(ErrCallFailed, errors.New("unexpected isModuleEnabled result"))
	}
	return v, nil
}

// Balance reads the token balance of the account.
func (e *Ethereum) Balance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	data, err := safetx.ERC20.Pack("balanceOf", account)
	if err != nil {
		return nil, errors.Join(ErrCallFailed, err)
	}
	raw, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, errors.Join(ErrCallFailed, fmt.Errorf("balanceOf [ %s ] on [ %s ]", account.Hex(), token.Hex()), err)
	}
	out, err := safetx.ERC20.Unpack("balanceOf", raw)
	if err != nil || len(out) == 0 {
		return nil, errors.Join(ErrCallFailed, errors.New("unpack balanceOf"), err)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.Join(ErrCallFailed, errors.New("unexpected balanceOf result"))
	}
	return v, nil
}

// Digest reads the account nonce and returns the Safe transaction of the call with the digest the account computes for it.
func (e *Ethereum) Digest(ctx context.Context, account common.Address, call safetx.Call) (safetx.Transaction, common.Hash, error) {
	out, err := e.call(ctx, account, "nonce")
	if err != nil {
		return safetx.Transaction{}, common.Hash{}, err
	}
	nonce, ok := out[0].(*big.Int)
	if !ok {
		return safetx.Transaction{}, common.Hash{}, errors.Join(ErrCallFailed, errors.New("unexpected nonce result"))
	}
	tx := safetx.NewTransaction(account, call, nonce)
	out, err = e.call(ctx, account, "getTransactionHash", tx.HashArgs()...)
	if err != nil {
		return safetx.Transaction{}, common.Hash{}, err
	}
	digest, ok := out[0].([32]byte)
	if !ok {
		return safetx.Transaction{}, common.Hash{}, errors.Join(ErrCallFailed, errors.New("unexpected getTransactionHash result"))
	}
	return tx, common.Hash(digest), nil
}

// Submit signs execTransaction of the submission with the relay key and sends it.
func (e *Ethereum) Submit(ctx context.Context, sub safetx.Submission) (common.Hash, error) {
	data, err := sub.ExecData()
	if err != nil {
		return common.Hash{}, errors.Join(ErrSubmission, err)
	}
	account := sub.Tx.Account
	from := e.signer.Address()

	e.mux.Lock()
	defer e.mux.Unlock()

	if !e.nonceKnown {
		n, err := e.client.PendingNonceAt(ctx, from)
		if err != nil {
			return common.Hash{}, errors.Join(ErrSubmission, err)
		}
		e.nonce, e.nonceKnown = n, true
	}

	tip, err := e.client.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, errors.Join(ErrSubmission, err)
	}
	head, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, errors.Join(ErrSubmission, err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(baseFeeMultiplier)))
	}

	gas := e.gasLimit
	if gas == 0 {
		estimated, err := e.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &account, Data: data})
		switch err {
		case nil:
			gas = estimated + estimated*gasEstimateMarginPct/100
		default:
			e.log.Warn(fmt.Sprintf("chain gateway gas estimation failed for [ %s ], using fallback limit: %s", account.Hex(), err))
			gas = fallbackExecGasLimit
		}
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   e.chainID,
		Nonce:     e.nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &account,
		Value:     new(big.Int),
		Data:      data,
	})
	signed, err := e.signer.SignTx(tx, e.chainID)
	if err != nil {
		return common.Hash{}, errors.Join(ErrSubmission, err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		e.nonceKnown = false
		return common.Hash{}, errors.Join(ErrSubmission, err)
	}
	e.nonce++
	e.log.Info(fmt.Sprintf("chain gateway sent [ %s ] with relay nonce [ %d ]", signed.Hash().Hex(), signed.Nonce()))
	return signed.Hash(), nil
}

// AwaitInclusion polls for the receipt until it is found or the context is done.
func (e *Ethereum) AwaitInclusion(ctx context.Context, hash common.Hash) (Receipt, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		r, err := e.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			rec := Receipt{Hash: hash, Success: r.Status == types.ReceiptStatusSuccessful}
			if r.BlockNumber != nil {
				rec.BlockNumber = r.BlockNumber.Uint64()
			}
			if !rec.Success {
				return rec, errors.Join(ErrReverted, fmt.Errorf("hash [ %s ]", hash.Hex()))
			}
			return rec, nil
		case errors.Is(err, ethereum.NotFound):
		case ctx.Err() != nil:
		default:
			e.log.Warn(fmt.Sprintf("chain gateway receipt lookup of [ %s ] failed: %s", hash.Hex(), err))
		}
		select {
		case <-ctx.Done():
			return Receipt{Hash: hash}, errors.Join(ErrInclusionTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}
