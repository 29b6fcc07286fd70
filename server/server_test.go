package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	fws "github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartossh/Relayer/chain"
	"github.com/bartossh/Relayer/journal"
	"github.com/bartossh/Relayer/logging"
	"github.com/bartossh/Relayer/policy"
	"github.com/bartossh/Relayer/ratelimit"
	"github.com/bartossh/Relayer/relay"
	"github.com/bartossh/Relayer/safetx"
	"github.com/bartossh/Relayer/status"
	"github.com/bartossh/Relayer/webhooks"
)

const (
	safeAddr      = "0x3333333333333333333333333333333333333333"
	ownerAddr     = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
	recipientAddr = "0x502fb0dFf6A2adbF43468C9888D1A26943eAC6D1"
	sessionAddr   = "0x1111111111111111111111111111111111111111"
)

type fakeRelayer struct {
	mux      sync.Mutex
	intents  []relay.Intent
	terminal relay.Update
	executed relay.ExecuteResult
	execErr  error
	ran      chan relay.Intent
}

func (f *fakeRelayer) Run(_ context.Context, in relay.Intent, n relay.Notifier) relay.Update {
	f.mux.Lock()
	f.intents = append(f.intents, in)
	f.mux.Unlock()
	n.Notify(relay.Update{TxID: in.TxID, Phase: relay.PhaseStarted, Recipient: in.Recipient.Hex(), From: in.Account.Hex()})
	u := f.terminal
	u.TxID = in.TxID
	n.Notify(u)
	if f.ran != nil {
		f.ran <- in
	}
	return u
}

func (f *fakeRelayer) Prepare(_ context.Context, chainID int64, account common.Address, call safetx.Call) (relay.Prepared, error) {
	if chainID != 100 {
		return relay.Prepared{}, chain.ErrUnknownChain
	}
	tx := safetx.NewTransaction(account, call, big.NewInt(7))
	return relay.Prepared{Tx: tx, Digest: tx.Digest(big.NewInt(chainID))}, nil
}

func (f *fakeRelayer) PrepareTransfer(
	ctx context.Context, chainID int64, account, recipient common.Address, amount string,
) (relay.Prepared, safetx.Call, error) {
	v, err := policy.ParseAmount(amount)
	if err != nil {
		return relay.Prepared{}, safetx.Call{}, err
	}
	call, err := safetx.BuildCall(common.HexToAddress("0x4444444444444444444444444444444444444444"), recipient, v)
	if err != nil {
		return relay.Prepared{}, safetx.Call{}, err
	}
	p, err := f.Prepare(ctx, chainID, account, call)
	return p, call, err
}

func (f *fakeRelayer) Balance(_ context.Context, chainID int64, _ common.Address) (*big.Int, error) {
	if chainID != 100 {
		return nil, chain.ErrUnknownChain
	}
	return big.NewInt(1000), nil
}

func (f *fakeRelayer) Execute(_ context.Context, _ relay.ExecuteRequest) (relay.ExecuteResult, error) {
	return f.executed, f.execErr
}

func (f *fakeRelayer) last() relay.Intent {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.intents[len(f.intents)-1]
}

type fakeEndpoints map[int64]string

func (f fakeEndpoints) Endpoint(chainID int64) (string, error) {
	e, ok := f[chainID]
	if !ok {
		return "", chain.ErrUnknownChain
	}
	return e, nil
}

type testServer struct {
	app      *fiber.App
	relayer  *fakeRelayer
	hub      *status.Hub
	hooks    *webhooks.Service
	activity *journal.Memory
}

func newTestServer(t *testing.T, limit int) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	log := logging.New(func(error) {}, func(error) {})
	ts := &testServer{
		relayer: &fakeRelayer{terminal: relay.Update{
			Phase: relay.PhaseConfirmed, TxHash: "0xabc", Included: true, Recipient: recipientAddr,
		}},
		hub:      status.New(ctx, status.Config{}, log, nil),
		hooks:    webhooks.NewWithPoster(log, func(time.Duration, string, any, any) error { return nil }),
		activity: journal.NewMemory(),
	}
	s := &server{
		ctx: ctx,
		backend: Backend{
			Relayer:   ts.relayer,
			Endpoints: fakeEndpoints{100: "https://rpc.gnosischain.com"},
			Hub:       ts.hub,
			Limiter:   ratelimit.NewMemory(ratelimit.Config{Window: 60, Max: limit}),
			Webhooks:  ts.hooks,
			Activity:  ts.activity,
		},
		log: log,
		now: time.Now,
	}
	ts.app = s.router(Config{BodyLimit: defaultBodyLimit})
	return ts
}

func (ts *testServer) do(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, url, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m), string(out))
	return resp.StatusCode, m
}

func sendTxBody() map[string]any {
	return map[string]any{
		"ownerAddress":        ownerAddr,
		"safeAddress":         safeAddr,
		"chainId":             100,
		"to":                  recipientAddr,
		"amount":              "500",
		"sessionKeyAddress":   sessionAddr,
		"sessionKeySignature": "0x01",
		"ownerSignature":      "0x02",
	}
}

func TestAlive(t *testing.T) {
	ts := newTestServer(t, 10)
	code, body := ts.do(t, http.MethodGet, AliveURL, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["alive"])
	assert.Equal(t, ApiVersion, body["api_version"])
}

func TestSendTxSync(t *testing.T) {
	ts := newTestServer(t, 10)
	sub := ts.hub.Subscribe(nil, []string{recipientAddr})
	defer sub.Close()

	code, body := ts.do(t, http.MethodPost, SendTxURL, sendTxBody())

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "confirmed", body["status"])
	assert.Equal(t, "0xabc", body["txHash"])
	assert.NotEmpty(t, body["txId"])
	in := ts.relayer.last()
	assert.Equal(t, common.HexToAddress(safeAddr), in.Account)
	assert.Equal(t, "500", in.Amount)

	select {
	case u := <-sub.Channel():
		assert.Equal(t, relay.PhaseConfirmed, u.Phase)
		assert.True(t, u.Incoming)
	case <-time.After(time.Second):
		t.Fatal("recipient watcher not notified")
	}
}

func TestSendTxAliasesAndNumericAmount(t *testing.T) {
	ts := newTestServer(t, 10)
	body := sendTxBody()
	delete(body, "safeAddress")
	delete(body, "to")
	body["accountAddress"] = safeAddr
	body["recipient"] = recipientAddr
	body["amount"] = 1000000000000000000

	code, _ := ts.do(t, http.MethodPost, SendTxURL, body)

	assert.Equal(t, http.StatusOK, code)
	in := ts.relayer.last()
	assert.Equal(t, common.HexToAddress(recipientAddr), in.Recipient)
	assert.Equal(t, "1000000000000000000", in.Amount)
}

func TestSendTxSyncFailed(t *testing.T) {
	ts := newTestServer(t, 10)
	ts.relayer.terminal = relay.Update{Phase: relay.PhaseFailed, Reason: relay.ReasonInsufficientFunds, Detail: "balance [ 100 ], required [ 500 ]"}

	code, body := ts.do(t, http.MethodPost, SendTxURL, sendTxBody())

	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "insufficient_funds", body["reason"])
	assert.Equal(t, "Insufficient token balance", body["error"])
}

func TestSendTxInvalidInput(t *testing.T) {
	ts := newTestServer(t, 10)
	for name, mutate := range map[string]func(b map[string]any){
		"bad safe":          func(b map[string]any) { b["safeAddress"] = "0x12" },
		"no owner sig":      func(b map[string]any) { delete(b, "ownerSignature") },
		"no session sig":    func(b map[string]any) { delete(b, "sessionKeySignature") },
		"missing recipient": func(b map[string]any) { delete(b, "to") },
	} {
		t.Run(name, func(t *testing.T) {
			body := sendTxBody()
			mutate(body)
			code, res := ts.do(t, http.MethodPost, SendTxURL, body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, "invalid_input", res["reason"])
		})
	}
	assert.Empty(t, ts.relayer.intents)
}

func TestSendTxAsync(t *testing.T) {
	ts := newTestServer(t, 10)
	ts.relayer.ran = make(chan relay.Intent, 1)
	body := sendTxBody()
	body["useWebSocket"] = true

	code, res := ts.do(t, http.MethodPost, SendTxURL, body)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, res["useWebSocket"])
	txID, _ := res["txId"].(string)
	require.NotEmpty(t, txID)
	select {
	case in := <-ts.relayer.ran:
		assert.Equal(t, txID, in.TxID)
	case <-time.After(time.Second):
		t.Fatal("async relay not started")
	}

	sub := ts.hub.Subscribe([]string{txID}, nil)
	defer sub.Close()
	var phases []relay.Phase
	for len(phases) < 2 {
		select {
		case u := <-sub.Channel():
			phases = append(phases, u.Phase)
		case <-time.After(time.Second):
			t.Fatal("history not replayed")
		}
	}
	assert.Equal(t, []relay.Phase{relay.PhaseStarted, relay.PhaseConfirmed}, phases)
}

func TestSendTxRateLimited(t *testing.T) {
	ts := newTestServer(t, 1)

	code, _ := ts.do(t, http.MethodPost, SendTxURL, sendTxBody())
	assert.Equal(t, http.StatusOK, code)
	code, res := ts.do(t, http.MethodPost, SendTxURL, sendTxBody())
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "Too many requests", res["error"])
	assert.Len(t, ts.relayer.intents, 1)
}

func TestGetTxHash(t *testing.T) {
	ts := newTestServer(t, 10)

	code, res := ts.do(t, http.MethodPost, GetTxHashURL, map[string]any{
		"safeAddress": safeAddr, "chainId": 100, "to": recipientAddr, "amount": "0x1f4",
	})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "7", res["nonce"])
	assert.Equal(t, "0x4444444444444444444444444444444444444444", res["to"])
	assert.Len(t, res["txHash"], 66)

	code, res = ts.do(t, http.MethodPost, GetTxHashURL, map[string]any{
		"safeAddress": safeAddr, "chainId": 100, "to": recipientAddr, "data": "0xcafe", "value": "12",
	})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "0xcafe", res["data"])
	assert.Equal(t, "12", res["value"])

	code, res = ts.do(t, http.MethodPost, GetTxHashURL, map[string]any{
		"safeAddress": safeAddr, "chainId": 100, "to": recipientAddr, "data": "cafe",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_input", res["reason"])

	code, res = ts.do(t, http.MethodPost, GetTxHashURL, map[string]any{
		"safeAddress": safeAddr, "chainId": 100, "to": recipientAddr, "amount": "0",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_amount", res["reason"])
}

func TestBalanceAndRPC(t *testing.T) {
	ts := newTestServer(t, 10)

	code, res := ts.do(t, http.MethodPost, BalanceURL, map[string]any{"safeAddress": safeAddr, "chainId": 100})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1000", res["balance"])

	code, res = ts.do(t, http.MethodPost, BalanceURL, map[string]any{"safeAddress": safeAddr, "chainId": 5})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_input", res["reason"])

	code, res = ts.do(t, http.MethodPost, GetRPCURL, map[string]any{"chainId": 100})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "https://rpc.gnosischain.com", res["rpcUrl"])

	code, _ = ts.do(t, http.MethodPost, GetRPCURL, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func executeBody() map[string]any {
	return map[string]any{
		"safeAddress": safeAddr, "to": recipientAddr, "data": "0xcafe", "value": "0",
		"ownerAddress": ownerAddr, "signature": "0x01", "chainId": 100,
	}
}

func TestExecuteTx(t *testing.T) {
	ts := newTestServer(t, 10)

	ts.relayer.execErr = errors.Join(relay.ErrOwnerNotInOwnerSet, fmt.Errorf("not an owner"))
	code, res := ts.do(t, http.MethodPost, ExecuteTxURL, executeBody())
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Address is not a Safe owner", res["error"])

	ts.relayer.execErr = &safetx.ThresholdError{Threshold: 2, Signatures: 1}
	ts.relayer.executed = relay.ExecuteResult{
		Owners:    []common.Address{common.HexToAddress(ownerAddr), common.HexToAddress(sessionAddr)},
		Threshold: 2,
	}
	code, res = ts.do(t, http.MethodPost, ExecuteTxURL, executeBody())
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "insufficient_signatures", res["reason"])
	assert.Equal(t, float64(2), res["threshold"])
	assert.Len(t, res["owners"], 2)

	ts.relayer.execErr = nil
	ts.relayer.executed = relay.ExecuteResult{TxHash: common.HexToHash("0x01"), Included: true, BlockNumber: 9}
	code, res = ts.do(t, http.MethodPost, ExecuteTxURL, executeBody())
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, common.HexToHash("0x01").Hex(), res["txHash"])
	assert.Equal(t, true, res["included"])

	body := executeBody()
	delete(body, "data")
	code, _ = ts.do(t, http.MethodPost, ExecuteTxURL, body)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestActivity(t *testing.T) {
	ts := newTestServer(t, 10)

	code, _ := ts.do(t, http.MethodPost, ActivityURL, map[string]any{"date": "2024-05-01", "browser": "firefox", "status": "tx sent"})
	assert.Equal(t, http.StatusOK, code)
	code, _ = ts.do(t, http.MethodPost, ActivityURL, map[string]any{"date": "2024-05-01"})
	assert.Equal(t, http.StatusBadRequest, code)

	entries := ts.activity.Activities()
	require.Len(t, entries, 1)
	assert.Equal(t, "firefox", entries[0].Browser)
}

func TestWebhooks(t *testing.T) {
	ts := newTestServer(t, 10)

	code, _ := ts.do(t, http.MethodPost, WebhooksURL, map[string]any{"address": recipientAddr, "url": "https://example.com/hook", "token": "t"})
	assert.Equal(t, http.StatusCreated, code)
	assert.Len(t, ts.hooks.Hooks(recipientAddr), 1)

	code, _ = ts.do(t, http.MethodPost, WebhooksURL, map[string]any{"address": "0x1", "url": "https://example.com/hook"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodDelete, WebhooksURL, map[string]any{"address": recipientAddr, "url": "https://example.com/hook"})
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, ts.hooks.Hooks(recipientAddr))
}

func TestTxStatusRequiresUpgrade(t *testing.T) {
	ts := newTestServer(t, 10)
	req := httptest.NewRequest(http.MethodGet, TxStatusURL+"?txId=abc", nil)
	resp, err := ts.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestTxStatusStream(t *testing.T) {
	ts := newTestServer(t, 10)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go ts.app.Listener(ln) //nolint:errcheck
	t.Cleanup(func() { _ = ts.app.Shutdown() })

	ts.hub.Publish(relay.Update{TxID: "tx-1", Phase: relay.PhaseStarted})

	url := fmt.Sprintf("ws://%s%s?txId=tx-1", ln.Addr().String(), TxStatusURL)
	conn, _, err := fws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var u relay.Update
	require.NoError(t, conn.ReadJSON(&u))
	assert.Equal(t, relay.PhaseStarted, u.Phase)

	ts.hub.Publish(relay.Update{TxID: "tx-1", Phase: relay.PhaseVerified})
	ts.hub.Publish(relay.Update{TxID: "tx-1", Phase: relay.PhaseConfirmed, TxHash: "0x01"})
	require.NoError(t, conn.ReadJSON(&u))
	assert.Equal(t, relay.PhaseVerified, u.Phase)
	require.NoError(t, conn.ReadJSON(&u))
	assert.Equal(t, relay.PhaseConfirmed, u.Phase)

	_, _, err = conn.ReadMessage()
	assert.True(t, fws.IsCloseError(err, fws.CloseNormalClosure))
}
