package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bartossh/Relayer/chain"
	"github.com/bartossh/Relayer/logger"
	"github.com/bartossh/Relayer/policy"
	"github.com/bartossh/Relayer/providers"
	"github.com/bartossh/Relayer/safetx"
	"github.com/bartossh/Relayer/signature"
)

const (
	defaultInclusionTimeout = 60
	defaultCallTimeout      = 15
)

const (
	verifiedTelemetryHistogram  = "relay_verified_duration"
	confirmedTelemetryHistogram = "relay_confirmed_duration"
	failedTelemetryCounter      = "relay_failed_total"
	confirmedTelemetryCounter   = "relay_confirmed_total"
)

// Config contains configuration of the relay pipeline.
type Config struct {
	InclusionTimeout uint64 `yaml:"inclusion_timeout"` // Seconds to wait for inclusion before reporting the hash as pending.
	CallTimeout      uint64 `yaml:"call_timeout"`      // Seconds a single chain call may take.
}

// Chains resolves networks and their gateways.
type Chains interface {
	Network(chainID int64) (chain.Network, error)
	Gateway(ctx context.Context, chainID int64) (chain.Gateway, error)
}

// RelayKey is the relay signing key, it co-signs when it is an owner of the account.
type RelayKey interface {
	Address() common.Address
	SignHash(digest common.Hash) ([]byte, error)
}

// Pipeline relays transfer intents: guard, verify, build and execute.
// Sync and async callers share Run, they differ only in the Notifier.
type Pipeline struct {
	chains           Chains
	guard            policy.Guard
	key              RelayKey
	log              logger.Logger
	tele             providers.TelemetryProvider
	now              func() time.Time
	inclusionTimeout time.Duration
	callTimeout      time.Duration
	mux              sync.Mutex
	submitLocks      map[submitKey]*sync.Mutex
}

type submitKey struct {
	relay   common.Address
	chainID int64
}

// New creates the Pipeline. Telemetry is optional.
func New(cfg Config, chains Chains, key RelayKey, log logger.Logger, tele providers.TelemetryProvider) *Pipeline {
	if cfg.InclusionTimeout == 0 {
		cfg.InclusionTimeout = defaultInclusionTimeout
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	p := &Pipeline{
		chains:           chains,
		guard:            policy.New(nil),
		key:              key,
		log:              log,
		tele:             tele,
		now:              time.Now,
		inclusionTimeout: time.Duration(cfg.InclusionTimeout) * time.Second,
		callTimeout:      time.Duration(cfg.CallTimeout) * time.Second,
		submitLocks:      make(map[submitKey]*sync.Mutex),
	}
	if tele != nil {
		tele.CreateUpdateObservableHistogtram(verifiedTelemetryHistogram, "Time from started to verified on [ ms ].")
		tele.CreateUpdateObservableHistogtram(confirmedTelemetryHistogram, "Time from started to confirmed on [ ms ].")
		tele.CreateUpdateObservableCounter(failedTelemetryCounter, "Number of failed relay transactions.")
		tele.CreateUpdateObservableCounter(confirmedTelemetryCounter, "Number of confirmed relay transactions.")
	}
	return p
}

// WithClock replaces the wall clock of the pipeline and its guard.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	p.guard = policy.New(now)
	return p
}

func (p *Pipeline) submitLock(chainID int64) *sync.Mutex {
	k := submitKey{chainID: chainID}
	if p.key != nil {
		k.relay = p.key.Address()
	}
	p.mux.Lock()
	defer p.mux.Unlock()
	l, ok := p.submitLocks[k]
	if !ok {
		l = &sync.Mutex{}
		p.submitLocks[k] = l
	}
	return l
}

type run struct {
	p         *Pipeline
	in        Intent
	tx        *Transaction
	n         Notifier
	amount    *big.Int
	owners    []common.Address
	threshold uint64
}

func (r *run) base(phase Phase) Update {
	return Update{
		TxID:      r.in.TxID,
		Phase:     phase,
		Timestamp: r.tx.Timestamps[phase].UnixMilli(),
		Duration:  r.tx.Elapsed(phase),
		ChainID:   r.in.ChainID,
		From:      r.in.Account.Hex(),
		Recipient: r.in.Recipient.Hex(),
		Amount:    r.in.Amount,
	}
}

func (r *run) started() Update {
	u := r.base(PhaseStarted)
	u.Message = "Transaction started, verifying..."
	r.n.Notify(u)
	return u
}

func (r *run) verified() Update {
	r.tx.advance(PhaseVerified, r.p.now())
	u := r.base(PhaseVerified)
	u.Message = "Transaction verified, signing..."
	if r.p.tele != nil {
		r.p.tele.RecordHistogramValue(verifiedTelemetryHistogram, u.Duration*1000)
	}
	r.p.log.Info(fmt.Sprintf("relay [ %s ] verified in [ %.3f ] s", r.in.TxID, u.Duration))
	r.n.Notify(u)
	return u
}

func (r *run) confirmed(rec chain.Receipt, included bool) Update {
	r.tx.Hash = rec.Hash
	r.tx.advance(PhaseConfirmed, r.p.now())
	u := r.base(PhaseConfirmed)
	u.TxHash = rec.Hash.Hex()
	u.Included = included
	u.BlockNumber = rec.BlockNumber
	u.Message = "Transaction confirmed on-chain"
	if !included {
		u.Message = "Transaction accepted, inclusion pending"
	}
	if r.p.tele != nil {
		r.p.tele.RecordHistogramValue(confirmedTelemetryHistogram, u.Duration*1000)
		r.p.tele.IncrementCounter(confirmedTelemetryCounter)
	}
	r.p.log.Info(fmt.Sprintf("relay [ %s ] confirmed with hash [ %s ] in [ %.3f ] s, included [ %v ]",
		r.in.TxID, u.TxHash, u.Duration, included))
	r.n.Notify(u)
	return u
}

func (r *run) failed(err error, hash common.Hash) Update {
	pastVerified := r.tx.Phase == PhaseVerified
	r.tx.Reason = Classify(err)
	r.tx.Detail = err.Error()
	r.tx.Hash = hash
	r.tx.advance(PhaseFailed, r.p.now())

	u := r.base(PhaseFailed)
	u.Reason = r.tx.Reason
	u.Message = r.tx.Reason.Message()
	u.Detail = r.tx.Detail
	u.PastVerified = pastVerified
	if hash != (common.Hash{}) {
		u.TxHash = hash.Hex()
	}
	var te *safetx.ThresholdError
	if errors.As(err, &te) {
		r.owners, r.threshold = te.Owners, te.Threshold
	}
	for _, o := range r.owners {
		u.Owners = append(u.Owners, o.Hex())
	}
	u.Threshold = r.threshold
	if r.p.tele != nil {
		r.p.tele.IncrementCounter(failedTelemetryCounter)
	}
	switch u.Reason {
	case ReasonInternal, ReasonSubmissionFailed:
		r.p.log.Error(fmt.Sprintf("relay [ %s ] failed with [ %s ]: %s", r.in.TxID, u.Reason, u.Detail))
	default:
		r.p.log.Info(fmt.Sprintf("relay [ %s ] rejected with [ %s ]: %s", r.in.TxID, u.Reason, u.Detail))
	}
	r.n.Notify(u)
	return u
}

// Run relays the intent, notifying every transition and returning the terminal update.
// The run is not cancelled with the caller context, chain calls are bounded by the call timeout.
func (p *Pipeline) Run(ctx context.Context, in Intent, n Notifier) Update {
	if n == nil {
		n = Discard
	}
	ctx = context.WithoutCancel(ctx)
	if in.TxID == "" {
		in.TxID = NewTxID()
	}
	r := &run{p: p, in: in, tx: newTransaction(in.TxID, p.now()), n: n}
	r.started()

	sub, gw, err := p.verify(ctx, r)
	if err != nil {
		return r.failed(err, common.Hash{})
	}
	r.verified()

	hash, threshold, err := p.submit(ctx, in.ChainID, gw, sub, r.owners)
	r.threshold = threshold
	if err != nil {
		return r.failed(err, hash)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.inclusionTimeout)
	defer cancel()
	rec, err := gw.AwaitInclusion(waitCtx, hash)
	switch {
	case err == nil:
		return r.confirmed(rec, true)
	case errors.Is(err, chain.ErrReverted):
		return r.failed(err, hash)
	default:
		p.log.Warn(fmt.Sprintf("relay [ %s ] inclusion of [ %s ] not observed: %s", in.TxID, hash.Hex(), err))
		return r.confirmed(chain.Receipt{Hash: hash}, false)
	}
}

func (p *Pipeline) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.callTimeout)
}

// verify runs the guard and both signature checks, returning the submission signed by the owner.
func (p *Pipeline) verify(ctx context.Context, r *run) (safetx.Submission, chain.Gateway, error) {
	in := r.in
	network, err := p.chains.Network(in.ChainID)
	if err != nil {
		return safetx.Submission{}, nil, err
	}
	grant := policy.SessionGrant{
		SessionKey:    in.SessionKey,
		ValidUntil:    in.ValidUntil,
		SpendingLimit: network.SpendingLimit,
	}
	amount, err := p.guard.Admit(grant, in.Amount)
	if err != nil {
		return safetx.Submission{}, nil, err
	}
	r.amount = amount

	gw, err := p.chains.Gateway(ctx, in.ChainID)
	if err != nil {
		return safetx.Submission{}, nil, err
	}

	if err := p.checkBalance(ctx, gw, network.Token, in.Account, amount); err != nil {
		return safetx.Submission{}, nil, err
	}

	call, err := safetx.BuildCall(network.Token, in.Recipient, amount)
	if err != nil {
		return safetx.Submission{}, nil, err
	}
	sessionSig, err := signature.Decode(in.SessionSignature)
	if err != nil {
		return safetx.Submission{}, nil, err
	}
	if err := signature.VerifyPersonal(call.SessionPayload(), sessionSig, in.SessionKey); err != nil {
		return safetx.Submission{}, nil, errors.Join(err, errors.New("signature does not match session key address"))
	}

	cctx, cancel := p.call(ctx)
	enabled, err := gw.IsModuleEnabled(cctx, in.Account, network.Module)
	cancel()
	if err != nil {
		return safetx.Submission{}, nil, err
	}
	if err := p.guard.CheckDelegation(enabled, grant, amount, in.Recipient); err != nil {
		return safetx.Submission{}, nil, err
	}

	cctx, cancel = p.call(ctx)
	tx, digest, err := gw.Digest(cctx, in.Account, call)
	cancel()
	if err != nil {
		return safetx.Submission{}, nil, err
	}

	cctx, cancel = p.call(ctx)
	owners, err := gw.Owners(cctx, in.Account)
	cancel()
	if err != nil {
		return safetx.Submission{}, nil, err
	}
	r.owners = owners
	if !isOwner(owners, in.Owner) {
		return safetx.Submission{}, nil, errors.Join(ErrOwnerNotInOwnerSet,
			fmt.Errorf("[ %s ] is not an owner of [ %s ]", in.Owner.Hex(), in.Account.Hex()))
	}
	ownerSig, err := signature.Decode(in.OwnerSignature)
	if err != nil {
		return safetx.Submission{}, nil, err
	}
	if err := signature.VerifyDigest(digest, ownerSig, in.Owner); err != nil {
		return safetx.Submission{}, nil, err
	}

	if err := p.checkBalance(ctx, gw, network.Token, in.Account, amount); err != nil {
		return safetx.Submission{}, nil, err
	}

	sub, err := safetx.AttachSignature(safetx.NewSubmission(tx, digest), in.Owner, ownerSig)
	if err != nil {
		return safetx.Submission{}, nil, err
	}
	return sub, gw, nil
}

func (p *Pipeline) checkBalance(ctx context.Context, gw chain.Gateway, token, account common.Address, amount *big.Int) error {
	cctx, cancel := p.call(ctx)
	defer cancel()
	balance, err := gw.Balance(cctx, token, account)
	if err != nil {
		return err
	}
	return p.guard.CheckBalance(balance, amount)
}

// submit re-checks the digest and the threshold and sends the submission.
// Only this section is serialized per relay key and chain.
func (p *Pipeline) submit(
	ctx context.Context, chainID int64, gw chain.Gateway, sub safetx.Submission, owners []common.Address,
) (common.Hash, uint64, error) {
	l := p.submitLock(chainID)
	l.Lock()
	defer l.Unlock()

	cctx, cancel := p.call(ctx)
	_, current, err := gw.Digest(cctx, sub.Tx.Account, sub.Tx.Call)
	cancel()
	if err != nil {
		return common.Hash{}, 0, err
	}
	if current != sub.Digest {
		return common.Hash{}, 0, errors.Join(ErrStaleSignature,
			fmt.Errorf("signed digest [ %s ], current digest [ %s ]", sub.Digest.Hex(), current.Hex()))
	}

	cctx, cancel = p.call(ctx)
	threshold, err := gw.Threshold(cctx, sub.Tx.Account)
	cancel()
	if err != nil {
		return common.Hash{}, 0, err
	}

	sub, err = p.coSign(sub, owners, threshold)
	if err != nil {
		return common.Hash{}, threshold, err
	}
	if err := sub.Ready(owners, threshold); err != nil {
		return common.Hash{}, threshold, err
	}

	cctx, cancel = p.call(ctx)
	defer cancel()
	hash, err := gw.Submit(cctx, sub)
	return hash, threshold, err
}

// coSign adds the relay signature when the relay key is an owner and the threshold is not met yet.
func (p *Pipeline) coSign(sub safetx.Submission, owners []common.Address, threshold uint64) (safetx.Submission, error) {
	if p.key == nil || sub.Ready(owners, threshold) == nil {
		return sub, nil
	}
	relayAddr := p.key.Address()
	if !isOwner(owners, relayAddr) || sub.HasSignature(relayAddr) {
		return sub, nil
	}
	sig, err := signature.SignDigest(sub.Digest, p.key)
	if err != nil {
		return sub, err
	}
	return safetx.AttachSignature(sub, relayAddr, sig)
}

func isOwner(owners []common.Address, a common.Address) bool {
	for _, o := range owners {
		if o == a {
			return true
		}
	}
	return false
}
