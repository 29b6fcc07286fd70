package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/bartossh/Relayer/httpclient"
	"github.com/bartossh/Relayer/relay"
	"github.com/bartossh/Relayer/safetx"
	"github.com/bartossh/Relayer/server"
	"github.com/bartossh/Relayer/signature"
)

var (
	ErrApiVersionMismatch            = errors.New("api version mismatch")
	ErrApiHeaderMismatch             = errors.New("api header mismatch")
	ErrServerReturnsInconsistentData = errors.New("server returns inconsistent data")
	ErrRejectedByServer              = errors.New("rejected by server")
	ErrSigningFailed                 = errors.New("signing failed")
)

// Signer signs a 32 byte digest, wallet.Wallet is a Signer.
type Signer interface {
	Address() common.Address
	SignHash(digest common.Hash) ([]byte, error)
}

// Rest is a rest client for the relay API.
type Rest struct {
	apiRoot string
	timeout time.Duration
}

// NewRest creates a new rest client.
func NewRest(apiRoot string, timeout time.Duration) *Rest {
	return &Rest{apiRoot: strings.TrimSuffix(apiRoot, "/"), timeout: timeout}
}

// ValidateApiVersion makes a call to the API server and validates client and server API versions and header correctness.
func (r *Rest) ValidateApiVersion() error {
	var alive server.AliveResponse
	if err := httpclient.MakeGet(r.timeout, r.url(server.AliveURL), &alive); err != nil {
		return err
	}

	if alive.APIVersion != server.ApiVersion {
		return errors.Join(ErrApiVersionMismatch, fmt.Errorf("expected %s but got %s", server.ApiVersion, alive.APIVersion))
	}

	if alive.APIHeader != server.Header {
		return errors.Join(ErrApiHeaderMismatch, fmt.Errorf("expected %s but got %s", server.Header, alive.APIHeader))
	}

	return nil
}

func (r *Rest) url(path string) string {
	return r.apiRoot + path
}

// GetTxHash reads the digest of the token transfer the owner must sign.
func (r *Rest) GetTxHash(chainID int64, safe, to common.Address, amount string) (server.GetTxHashResponse, error) {
	req := server.GetTxHashRequest{
		SafeAddress: safe.Hex(),
		ChainID:     chainID,
		To:          to.Hex(),
		Amount:      server.Amount(amount),
	}
	var res server.GetTxHashResponse
	if err := httpclient.MakePost(r.timeout, r.url(server.GetTxHashURL), req, &res); err != nil {
		return res, errors.Join(ErrRejectedByServer, err)
	}
	if !res.Success {
		return res, errors.Join(ErrRejectedByServer, errors.New("failed to read transaction hash"))
	}
	return res, nil
}

// Balance reads the token balance of the Safe.
func (r *Rest) Balance(chainID int64, safe common.Address) (string, error) {
	var res server.BalanceResponse
	req := server.BalanceRequest{SafeAddress: safe.Hex(), ChainID: chainID}
	if err := httpclient.MakePost(r.timeout, r.url(server.BalanceURL), req, &res); err != nil {
		return "", errors.Join(ErrRejectedByServer, err)
	}
	return res.Balance, nil
}

// RPC returns an rpc endpoint of the chain.
func (r *Rest) RPC(chainID int64) (string, error) {
	var res server.GetRPCResponse
	if err := httpclient.MakePost(r.timeout, r.url(server.GetRPCURL), server.GetRPCRequest{ChainID: chainID}, &res); err != nil {
		return "", errors.Join(ErrRejectedByServer, err)
	}
	return res.RPCURL, nil
}

// ExecuteTx executes the call signed by a Safe owner over its digest.
func (r *Rest) ExecuteTx(req server.ExecuteTxRequest) (server.ExecuteTxResponse, error) {
	var res server.ExecuteTxResponse
	if err := httpclient.MakePost(r.timeout, r.url(server.ExecuteTxURL), req, &res); err != nil {
		return res, errors.Join(ErrRejectedByServer, err)
	}
	return res, nil
}

// SendTx relays the transfer and waits for the terminal update.
// A failed relay is returned as an error carrying the server reason.
func (r *Rest) SendTx(req server.SendTxRequest) (server.SendTxResult, error) {
	req.DeliveryMode = server.DeliverySync
	var res server.SendTxResult
	if err := httpclient.MakePost(r.timeout, r.url(server.SendTxURL), req, &res); err != nil {
		return res, errors.Join(ErrRejectedByServer, err)
	}
	return res, nil
}

// SendTxAsync relays the transfer and returns the transaction id once it is admitted.
func (r *Rest) SendTxAsync(req server.SendTxRequest) (string, error) {
	req.DeliveryMode = server.DeliveryAsync
	var res server.SendTxAccepted
	if err := httpclient.MakePost(r.timeout, r.url(server.SendTxURL), req, &res); err != nil {
		return "", errors.Join(ErrRejectedByServer, err)
	}
	if !res.Success || res.TxID == "" {
		return "", errors.Join(ErrServerReturnsInconsistentData, errors.New("no transaction id"))
	}
	return res.TxID, nil
}

// CreateWebhook registers the url notified about incoming transfers to the address.
func (r *Rest) CreateWebhook(address common.Address, url, token string) error {
	req := server.WebhookRequest{Address: address.Hex(), URL: url, Token: token}
	return httpclient.MakePost(r.timeout, r.url(server.WebhooksURL), req, nil)
}

// RemoveWebhook removes the webhook of the address.
func (r *Rest) RemoveWebhook(address common.Address, url string) error {
	req := server.WebhookRequest{Address: address.Hex(), URL: url}
	return httpclient.MakeDelete(r.timeout, r.url(server.WebhooksURL), req, nil)
}

// Transfer is a session key transfer to be signed and relayed.
type Transfer struct {
	ChainID    int64
	Safe       common.Address
	To         common.Address
	Amount     string
	ValidUntil int64
}

// SignTransfer reads the digest, signs it with the owner and the call with the session key.
func (r *Rest) SignTransfer(t Transfer, owner, session Signer) (server.SendTxRequest, error) {
	hash, err := r.GetTxHash(t.ChainID, t.Safe, t.To, t.Amount)
	if err != nil {
		return server.SendTxRequest{}, err
	}
	if !common.IsHexAddress(hash.To) {
		return server.SendTxRequest{}, errors.Join(ErrServerReturnsInconsistentData, fmt.Errorf("call target [ %s ]", hash.To))
	}
	data, err := hexutil.Decode(hash.Data)
	if err != nil {
		return server.SendTxRequest{}, errors.Join(ErrServerReturnsInconsistentData, err)
	}
	ownerSig, err := SignDigest(owner, common.HexToHash(hash.TxHash))
	if err != nil {
		return server.SendTxRequest{}, err
	}
	sessionSig, err := SignSession(session, safetx.Call{To: common.HexToAddress(hash.To), Data: data})
	if err != nil {
		return server.SendTxRequest{}, err
	}
	return server.SendTxRequest{
		OwnerAddress:         owner.Address().Hex(),
		SafeAddress:          t.Safe.Hex(),
		ChainID:              t.ChainID,
		To:                   t.To.Hex(),
		Amount:               server.Amount(t.Amount),
		SessionKeyAddress:    session.Address().Hex(),
		SessionKeySignature:  sessionSig,
		OwnerSignature:       ownerSig,
		SessionKeyValidUntil: t.ValidUntil,
	}, nil
}

// SignDigest signs the Safe digest without prefix.
func SignDigest(s Signer, digest common.Hash) (string, error) {
	sig, err := signature.SignDigest(digest, s)
	if err != nil {
		return "", errors.Join(ErrSigningFailed, err)
	}
	return hexutil.Encode(sig), nil
}

// SignSession signs the session payload of the call as a personal message.
func SignSession(s Signer, call safetx.Call) (string, error) {
	return SignDigest(s, common.BytesToHash(accounts.TextHash(call.SessionPayload())))
}

// Watch returns the stream of updates of the transactions and the incoming transfers of the recipients.
// The channel is closed when the server closes the stream or the context is done.
func (r *Rest) Watch(ctx context.Context, txIDs, recipients []string) (<-chan relay.Update, error) {
	return watch(ctx, r.apiRoot, txIDs, recipients, r.timeout)
}

// Wait blocks until the transaction reaches a terminal phase.
func (r *Rest) Wait(ctx context.Context, txID string) (relay.Update, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates, err := r.Watch(ctx, []string{txID}, nil)
	if err != nil {
		return relay.Update{}, err
	}
	var last relay.Update
	for u := range updates {
		last = u
		if u.Phase.Terminal() {
			return u, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return last, err
	}
	return last, errors.Join(ErrServerReturnsInconsistentData, fmt.Errorf("stream of [ %s ] closed before terminal phase", txID))
}
