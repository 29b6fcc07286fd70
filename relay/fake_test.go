package relay

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/bartossh/Relayer/chain"
	"github.com/bartossh/Relayer/logging"
	"github.com/bartossh/Relayer/policy"
	"github.com/bartossh/Relayer/safetx"
)

const testChainID = 100

var (
	testToken     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testAccount   = common.HexToAddress("0x3333333333333333333333333333333333333333")
	testRecipient = common.HexToAddress("0x502fb0dFf6A2adbF43468C9888D1A26943eAC6D1")
)

type fakeGateway struct {
	mux           sync.Mutex
	chainID       *big.Int
	owners        []common.Address
	threshold     uint64
	moduleEnabled bool
	balance       *big.Int
	safeNonce     map[common.Address]*big.Int
	afterDigest   func(f *fakeGateway)
	submitDelay   time.Duration
	submitErr     error
	receiptErr    error
	blockReceipt  bool
	inFlight      atomic.Int32
	maxInFlight   atomic.Int32
	relayNonce    uint64
	submits       []safetx.Submission
	relayNonces   []uint64
	calls         map[string]int
}

func newFakeGateway(owners ...common.Address) *fakeGateway {
	return &fakeGateway{
		chainID:   big.NewInt(testChainID),
		owners:    owners,
		threshold: 1,
		balance:   big.NewInt(1000),
		safeNonce: make(map[common.Address]*big.Int),
		calls:     make(map[string]int),
	}
}

func (f *fakeGateway) count(name string) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.calls[name]++
}

func (f *fakeGateway) called(name string) int {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.calls[name]
}

func (f *fakeGateway) nonceOf(account common.Address) *big.Int {
	f.mux.Lock()
	defer f.mux.Unlock()
	n, ok := f.safeNonce[account]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(n)
}

func (f *fakeGateway) Owners(context.Context, common.Address) ([]common.Address, error) {
	f.count("owners")
	return f.owners, nil
}

func (f *fakeGateway) Threshold(context.Context, common.Address) (uint64, error) {
	f.count("threshold")
	return f.threshold, nil
}

func (f *fakeGateway) IsModuleEnabled(context.Context, common.Address, common.Address) (bool, error) {
	f.count("module")
	return f.moduleEnabled, nil
}

func (f *fakeGateway) Balance(context.Context, common.Address, common.Address) (*big.Int, error) {
	f.count("balance")
	return f.balance, nil
}

func (f *fakeGateway) Digest(_ context.Context, account common.Address, call safetx.Call) (safetx.Transaction, common.Hash, error) {
	f.count("digest")
	tx := safetx.NewTransaction(account, call, f.nonceOf(account))
	digest := tx.Digest(f.chainID)
	if f.afterDigest != nil {
		f.afterDigest(f)
	}
	return tx, digest, nil
}

func (f *fakeGateway) Submit(_ context.Context, sub safetx.Submission) (common.Hash, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(f.submitDelay)
	if f.submitErr != nil {
		return common.Hash{}, f.submitErr
	}
	f.mux.Lock()
	defer f.mux.Unlock()
	nonce := f.relayNonce
	f.relayNonce++
	f.submits = append(f.submits, sub)
	f.relayNonces = append(f.relayNonces, nonce)
	return crypto.Keccak256Hash(big.NewInt(int64(nonce)).Bytes(), sub.Digest[:]), nil
}

func (f *fakeGateway) AwaitInclusion(ctx context.Context, hash common.Hash) (chain.Receipt, error) {
	if f.blockReceipt {
		<-ctx.Done()
		return chain.Receipt{Hash: hash}, errors.Join(chain.ErrInclusionTimeout, ctx.Err())
	}
	if f.receiptErr != nil {
		return chain.Receipt{Hash: hash}, f.receiptErr
	}
	return chain.Receipt{Hash: hash, BlockNumber: 42, Success: true}, nil
}

type fakeChains struct {
	network chain.Network
	gw      chain.Gateway
}

func (c fakeChains) Network(chainID int64) (chain.Network, error) {
	if chainID != testChainID {
		return chain.Network{}, chain.ErrUnknownChain
	}
	return c.network, nil
}

func (c fakeChains) Gateway(_ context.Context, chainID int64) (chain.Gateway, error) {
	if chainID != testChainID {
		return nil, chain.ErrUnknownChain
	}
	return c.gw, nil
}

func testNetwork(limit *big.Int) chain.Network {
	if limit == nil {
		limit = policy.DefaultSpendingLimit
	}
	return chain.Network{
		ChainID:       big.NewInt(testChainID),
		Token:         testToken,
		Module:        common.HexToAddress(policy.DelegationModule),
		SpendingLimit: limit,
	}
}

type recorder struct {
	mux     sync.Mutex
	updates []Update
}

func (r *recorder) Notify(u Update) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) phases() []Phase {
	r.mux.Lock()
	defer r.mux.Unlock()
	out := make([]Phase, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.Phase)
	}
	return out
}

type signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newSigner(t *testing.T) signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s signer) personal(t *testing.T, msg []byte) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash(msg), s.key)
	require.NoError(t, err)
	sig[64] += 27
	return hexutil.Encode(sig)
}

func (s signer) digest(t *testing.T, d common.Hash) string {
	t.Helper()
	sig, err := crypto.Sign(d[:], s.key)
	require.NoError(t, err)
	sig[64] += 27
	return hexutil.Encode(sig)
}

type fixture struct {
	owner   signer
	session signer
	gw      *fakeGateway
	p       *Pipeline
}

func newFixture(t *testing.T, limit *big.Int, cfg Config) *fixture {
	t.Helper()
	owner := newSigner(t)
	gw := newFakeGateway(owner.addr)
	log := logging.New(func(error) {}, func(error) {})
	p := New(cfg, fakeChains{network: testNetwork(limit), gw: gw}, nil, log, nil)
	return &fixture{owner: owner, session: newSigner(t), gw: gw, p: p}
}

// intent builds an intent signed by the fixture session key and owner for the account state at the time of the call.
func (f *fixture) intent(t *testing.T, account, recipient common.Address, amount int64) Intent {
	t.Helper()
	call, err := safetx.BuildCall(testToken, recipient, big.NewInt(amount))
	require.NoError(t, err)
	digest := safetx.NewTransaction(account, call, f.gw.nonceOf(account)).Digest(big.NewInt(testChainID))
	return Intent{
		TxID:             NewTxID(),
		ChainID:          testChainID,
		Account:          account,
		Owner:            f.owner.addr,
		Recipient:        recipient,
		Amount:           big.NewInt(amount).String(),
		SessionKey:       f.session.addr,
		SessionSignature: f.session.personal(t, call.SessionPayload()),
		OwnerSignature:   f.owner.digest(t, digest),
	}
}
