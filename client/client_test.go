package client

import (
	"context"
	"encoding/json"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/bartossh/Relayer/relay"
	"github.com/bartossh/Relayer/safetx"
	"github.com/bartossh/Relayer/server"
	"github.com/bartossh/Relayer/signature"
	"github.com/bartossh/Relayer/wallet"
)

var (
	token  = common.HexToAddress("0x2a3684e9dc20b857375ea04235f2f7edbe818fa7")
	safe   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	to     = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	digest = common.HexToHash("0x0f0e0d0c0b0a09080706050403020100f0e0d0c0b0a090807060504030201000")
)

func serve(t *testing.T, h fasthttp.RequestHandler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &fasthttp.Server{Handler: h}
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { _ = srv.Shutdown() })
	return "http://" + ln.Addr().String()
}

func writeJSON(t *testing.T, ctx *fasthttp.RequestCtx, code int, v any) {
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	ctx.SetBody(raw)
}

func TestValidateApiVersion(t *testing.T) {
	version := server.ApiVersion
	root := serve(t, func(ctx *fasthttp.RequestCtx) {
		writeJSON(t, ctx, fasthttp.StatusOK, server.AliveResponse{Alive: true, APIVersion: version, APIHeader: server.Header})
	})
	c := NewRest(root, time.Second)
	require.NoError(t, c.ValidateApiVersion())

	version = "0.0.1"
	assert.ErrorIs(t, c.ValidateApiVersion(), ErrApiVersionMismatch)
}

func TestSignTransferProducesVerifiableSignatures(t *testing.T) {
	owner, err := wallet.New()
	require.NoError(t, err)
	session, err := wallet.New()
	require.NoError(t, err)

	call, err := safetx.BuildCall(token, to, big.NewInt(500))
	require.NoError(t, err)

	var sent server.SendTxRequest
	root := serve(t, func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case server.GetTxHashURL:
			var req server.GetTxHashRequest
			require.NoError(t, json.Unmarshal(ctx.PostBody(), &req))
			assert.Equal(t, server.Amount("500"), req.Amount)
			assert.Equal(t, safe.Hex(), req.SafeAddress)
			writeJSON(t, ctx, fasthttp.StatusOK, server.GetTxHashResponse{
				Success: true,
				TxHash:  digest.Hex(),
				Nonce:   "3",
				To:      token.Hex(),
				Value:   "0",
				Data:    hexutil.Encode(call.Data),
			})
		case server.SendTxURL:
			require.NoError(t, json.Unmarshal(ctx.PostBody(), &sent))
			writeJSON(t, ctx, fasthttp.StatusOK, server.SendTxResult{
				Success: true,
				Update:  relay.Update{TxID: "tx-1", Phase: relay.PhaseConfirmed, TxHash: "0xabc", Included: true},
			})
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	})

	c := NewRest(root, time.Second)
	req, err := c.SignTransfer(Transfer{ChainID: 100, Safe: safe, To: to, Amount: "500", ValidUntil: 1_900_000_000}, owner, session)
	require.NoError(t, err)

	ownerSig, err := signature.Decode(req.OwnerSignature)
	require.NoError(t, err)
	assert.NoError(t, signature.VerifyDigest(digest, ownerSig, owner.Address()))

	sessionSig, err := signature.Decode(req.SessionKeySignature)
	require.NoError(t, err)
	assert.NoError(t, signature.VerifyPersonal(call.SessionPayload(), sessionSig, session.Address()))

	res, err := c.SendTx(req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, relay.PhaseConfirmed, res.Phase)
	assert.Equal(t, server.DeliverySync, sent.DeliveryMode)
	assert.Equal(t, session.Address().Hex(), sent.SessionKeyAddress)
	assert.Equal(t, int64(1_900_000_000), sent.SessionKeyValidUntil)
}

func TestSendTxAsyncRejected(t *testing.T) {
	root := serve(t, func(ctx *fasthttp.RequestCtx) {
		writeJSON(t, ctx, fasthttp.StatusTooManyRequests, server.ErrorResponse{Error: "Too many requests"})
	})
	_, err := NewRest(root, time.Second).SendTxAsync(server.SendTxRequest{})
	assert.ErrorIs(t, err, ErrRejectedByServer)
}

func TestStatusURL(t *testing.T) {
	u, err := statusURL("https://relay.example.com/", []string{"a", "b"}, []string{"0xbb"})
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com/ws/tx-status?recipient=0xbb&txId=a%2Cb", u)

	_, err = statusURL("ftp://relay", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidApiRoot)
}

func TestWaitReadsUntilTerminal(t *testing.T) {
	upgrader := websocket.FastHTTPUpgrader{}
	root := serve(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, server.TxStatusURL, string(ctx.Path()))
		assert.Equal(t, "tx-1", string(ctx.QueryArgs().Peek("txId")))
		err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			defer conn.Close()
			for _, u := range []relay.Update{
				{TxID: "tx-1", Phase: relay.PhaseStarted},
				{TxID: "tx-1", Phase: relay.PhaseVerified},
				{TxID: "tx-1", Phase: relay.PhaseConfirmed, TxHash: "0xabc", Included: true},
			} {
				raw, _ := json.Marshal(u)
				if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					return
				}
			}
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "transaction finished"))
		})
		assert.NoError(t, err)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u, err := NewRest(root, time.Second).Wait(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, relay.PhaseConfirmed, u.Phase)
	assert.Equal(t, "0xabc", u.TxHash)
	assert.True(t, u.Included)
}

func TestRPCAndExecuteTx(t *testing.T) {
	root := serve(t, func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case server.GetRPCURL:
			writeJSON(t, ctx, fasthttp.StatusOK, server.GetRPCResponse{Success: true, RPCURL: "https://rpc-a"})
		case server.ExecuteTxURL:
			var req server.ExecuteTxRequest
			require.NoError(t, json.Unmarshal(ctx.PostBody(), &req))
			if req.OwnerAddress != safe.Hex() {
				writeJSON(t, ctx, fasthttp.StatusForbidden, server.ErrorResponse{Error: "Address is not a Safe owner"})
				return
			}
			writeJSON(t, ctx, fasthttp.StatusOK, server.ExecuteTxResponse{Success: true, TxHash: "0xabc", Included: true})
		}
	})
	c := NewRest(root, time.Second)

	rpc, err := c.RPC(100)
	require.NoError(t, err)
	assert.Equal(t, "https://rpc-a", rpc)

	res, err := c.ExecuteTx(server.ExecuteTxRequest{OwnerAddress: safe.Hex()})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", res.TxHash)

	_, err = c.ExecuteTx(server.ExecuteTxRequest{OwnerAddress: to.Hex()})
	assert.ErrorIs(t, err, ErrRejectedByServer)
}
