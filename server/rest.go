package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gofiber/fiber/v2"

	"github.com/bartossh/Relayer/journal"
	"github.com/bartossh/Relayer/relay"
	"github.com/bartossh/Relayer/safetx"
	"github.com/bartossh/Relayer/webhooks"
)

const (
	DeliverySync  = "sync"
	DeliveryAsync = "async"
)

// Amount is a base unit amount sent by clients either as a JSON string or a JSON number.
type Amount string

// UnmarshalJSON accepts a string or a number.
func (a *Amount) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		*a = Amount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return err
	}
	*a = Amount(n.String())
	return nil
}

// ErrorResponse is returned with every non successful status code.
type ErrorResponse struct {
	Success   bool         `json:"success"`
	Error     string       `json:"error"`
	Reason    relay.Reason `json:"reason,omitempty"`
	Details   string       `json:"details,omitempty"`
	Owners    []string     `json:"owners,omitempty"`
	Threshold uint64       `json:"threshold,omitempty"`
}

func statusFor(r relay.Reason) int {
	switch r {
	case relay.ReasonInternal:
		return fiber.StatusInternalServerError
	default:
		return fiber.StatusBadRequest
	}
}

func (s *server) fail(c *fiber.Ctx, err error) error {
	reason := relay.Classify(err)
	code := statusFor(reason)
	if code == fiber.StatusInternalServerError {
		s.log.Error(fmt.Sprintf("server [ %s ] failed: %s", c.Path(), err))
	}
	return c.Status(code).JSON(ErrorResponse{
		Error:   reason.Message(),
		Reason:  reason,
		Details: err.Error(),
	})
}

func (s *server) badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: msg, Reason: relay.ReasonInvalidInput})
}

// AliveResponse is the response of the alive endpoint.
type AliveResponse struct {
	Alive      bool   `json:"alive"`
	APIVersion string `json:"api_version"`
	APIHeader  string `json:"api_header"`
}

func (s *server) alive(c *fiber.Ctx) error {
	return c.JSON(AliveResponse{Alive: true, APIVersion: ApiVersion, APIHeader: Header})
}

// SendTxRequest is the transfer intent sent by the client.
// accountAddress and recipient are accepted as aliases of safeAddress and to.
type SendTxRequest struct {
	OwnerAddress         string `json:"ownerAddress"`
	SafeAddress          string `json:"safeAddress"`
	AccountAddress       string `json:"accountAddress"`
	ChainID              int64  `json:"chainId"`
	To                   string `json:"to"`
	Recipient            string `json:"recipient"`
	Amount               Amount `json:"amount"`
	SessionKeyAddress    string `json:"sessionKeyAddress"`
	SessionKeySignature  string `json:"sessionKeySignature"`
	OwnerSignature       string `json:"ownerSignature"`
	SessionKeyValidUntil int64  `json:"sessionKeyValidUntil,omitempty"`
	DeliveryMode         string `json:"deliveryMode,omitempty"`
	UseWebSocket         bool   `json:"useWebSocket,omitempty"`
}

func (r SendTxRequest) account() string {
	if r.SafeAddress != "" {
		return r.SafeAddress
	}
	return r.AccountAddress
}

func (r SendTxRequest) recipient() string {
	if r.To != "" {
		return r.To
	}
	return r.Recipient
}

func (r SendTxRequest) async() bool {
	switch strings.ToLower(r.DeliveryMode) {
	case DeliveryAsync:
		return true
	case DeliverySync:
		return false
	default:
		return r.UseWebSocket
	}
}

// SendTxAccepted is returned in async delivery mode once the intent is admitted.
type SendTxAccepted struct {
	Success      bool   `json:"success"`
	TxID         string `json:"txId"`
	UseWebSocket bool   `json:"useWebSocket"`
	Message      string `json:"message"`
}

// SendTxResult is the terminal update returned in sync delivery mode.
type SendTxResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	relay.Update
}

func (s *server) sendTx(c *fiber.Ctx) error {
	var req SendTxRequest
	if err := c.BodyParser(&req); err != nil {
		s.log.Info(fmt.Sprintf("server send-tx body parse failed: %s", err))
		return s.badRequest(c, "Invalid request body")
	}

	in, err := relay.NewIntent(relay.IntentRequest{
		ChainID:          req.ChainID,
		Account:          req.account(),
		Owner:            req.OwnerAddress,
		Recipient:        req.recipient(),
		Amount:           string(req.Amount),
		SessionKey:       req.SessionKeyAddress,
		SessionSignature: req.SessionKeySignature,
		OwnerSignature:   req.OwnerSignature,
		ValidUntil:       req.SessionKeyValidUntil,
	})
	if err != nil {
		return s.fail(c, err)
	}

	if s.backend.Limiter != nil && !s.backend.Limiter.Allow(c.Context(), req.SessionKeyAddress) {
		s.log.Warn(fmt.Sprintf("server send-tx rate limited session key [ %s ]", req.SessionKeyAddress))
		return c.Status(fiber.StatusTooManyRequests).JSON(ErrorResponse{Error: "Too many requests"})
	}

	if req.async() {
		go s.backend.Relayer.Run(s.ctx, in, s.backend.Hub)
		return c.JSON(SendTxAccepted{
			Success:      true,
			TxID:         in.TxID,
			UseWebSocket: true,
			Message:      "Transaction processing started. Connect to WebSocket for real-time updates.",
		})
	}

	u := s.backend.Relayer.Run(c.Context(), in, s.backend.Hub)
	res := SendTxResult{Success: u.Phase == relay.PhaseConfirmed, Update: u}
	if !res.Success {
		res.Error = u.Reason.Message()
		return c.Status(fiber.StatusBadRequest).JSON(res)
	}
	return c.JSON(res)
}

// GetTxHashRequest asks for the digest of a token transfer (to with amount) or of an arbitrary call (to with data and value).
type GetTxHashRequest struct {
	SafeAddress string `json:"safeAddress"`
	ChainID     int64  `json:"chainId"`
	To          string `json:"to"`
	Amount      Amount `json:"amount,omitempty"`
	Data        string `json:"data,omitempty"`
	Value       Amount `json:"value,omitempty"`
}

// GetTxHashResponse contains the digest the owner must sign and the Safe nonce it commits to.
type GetTxHashResponse struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash"`
	Nonce   string `json:"nonce"`
	To      string `json:"to"`
	Value   string `json:"value"`
	Data    string `json:"data"`
}

func parseValue(v Amount) (*big.Int, error) {
	if v == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(string(v), 0)
	if !ok || n.Sign() < 0 {
		return nil, errors.Join(relay.ErrInvalidInput, fmt.Errorf("value [ %s ] is not a non negative integer", v))
	}
	return n, nil
}

func parseData(d string) ([]byte, error) {
	if d == "" {
		return nil, nil
	}
	data, err := hexutil.Decode(d)
	if err != nil {
		return nil, errors.Join(relay.ErrInvalidInput, fmt.Errorf("data is not 0x prefixed hex: %w", err))
	}
	return data, nil
}

func (s *server) getTxHash(c *fiber.Ctx) error {
	var req GetTxHashRequest
	if err := c.BodyParser(&req); err != nil {
		return s.badRequest(c, "Invalid request body")
	}
	if !relay.ValidAddress(req.SafeAddress) || !relay.ValidAddress(req.To) {
		return s.badRequest(c, "Invalid Ethereum address")
	}
	if req.ChainID <= 0 || (req.Amount == "" && req.Data == "") {
		return s.badRequest(c, "Missing required fields: safeAddress, to, amount or data, chainId")
	}

	account, to := common.HexToAddress(req.SafeAddress), common.HexToAddress(req.To)
	var (
		prepared relay.Prepared
		call     safetx.Call
		err      error
	)
	if req.Amount != "" {
		prepared, call, err = s.backend.Relayer.PrepareTransfer(c.Context(), req.ChainID, account, to, string(req.Amount))
	} else {
		call.To, call.Operation = to, safetx.OperationCall
		if call.Value, err = parseValue(req.Value); err != nil {
			return s.fail(c, err)
		}
		if call.Data, err = parseData(req.Data); err != nil {
			return s.fail(c, err)
		}
		prepared, err = s.backend.Relayer.Prepare(c.Context(), req.ChainID, account, call)
	}
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(GetTxHashResponse{
		Success: true,
		TxHash:  prepared.Digest.Hex(),
		Nonce:   prepared.Tx.Nonce.String(),
		To:      call.To.Hex(),
		Value:   call.Value.String(),
		Data:    hexutil.Encode(call.Data),
	})
}

// BalanceRequest asks for the token balance of the Safe.
type BalanceRequest struct {
	SafeAddress string `json:"safeAddress"`
	ChainID     int64  `json:"chainId"`
}

// BalanceResponse contains the token balance in base units.
type BalanceResponse struct {
	Success     bool   `json:"success"`
	Balance     string `json:"balance"`
	SafeAddress string `json:"safeAddress"`
	ChainID     int64  `json:"chainId"`
}

func (s *server) balance(c *fiber.Ctx) error {
	var req BalanceRequest
	if err := c.BodyParser(&req); err != nil {
		return s.badRequest(c, "Invalid request body")
	}
	if req.SafeAddress == "" || req.ChainID <= 0 {
		return s.badRequest(c, "Missing required fields: safeAddress, chainId")
	}
	if !relay.ValidAddress(req.SafeAddress) {
		return s.badRequest(c, "Invalid Ethereum address")
	}
	b, err := s.backend.Relayer.Balance(c.Context(), req.ChainID, common.HexToAddress(req.SafeAddress))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(BalanceResponse{Success: true, Balance: b.String(), SafeAddress: req.SafeAddress, ChainID: req.ChainID})
}

// GetRPCRequest asks for an RPC endpoint of the chain.
type GetRPCRequest struct {
	ChainID int64 `json:"chainId"`
}

// GetRPCResponse contains the RPC endpoint.
type GetRPCResponse struct {
	Success bool   `json:"success"`
	RPCURL  string `json:"rpcUrl"`
}

func (s *server) getRPC(c *fiber.Ctx) error {
	var req GetRPCRequest
	if err := c.BodyParser(&req); err != nil || req.ChainID <= 0 {
		return s.badRequest(c, "Missing required field: chainId")
	}
	endpoint, err := s.backend.Endpoints.Endpoint(req.ChainID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(GetRPCResponse{Success: true, RPCURL: endpoint})
}

// ExecuteTxRequest is an arbitrary call signed by a Safe owner over its digest.
type ExecuteTxRequest struct {
	SafeAddress  string `json:"safeAddress"`
	To           string `json:"to"`
	Data         string `json:"data"`
	Value        Amount `json:"value,omitempty"`
	OwnerAddress string `json:"ownerAddress"`
	Signature    string `json:"signature"`
	ChainID      int64  `json:"chainId"`
}

// ExecuteTxResponse contains the hash of the executed call.
type ExecuteTxResponse struct {
	Success     bool   `json:"success"`
	TxHash      string `json:"txHash"`
	Included    bool   `json:"included"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	Message     string `json:"message"`
}

func (s *server) executeTx(c *fiber.Ctx) error {
	var req ExecuteTxRequest
	if err := c.BodyParser(&req); err != nil {
		return s.badRequest(c, "Invalid request body")
	}
	if req.SafeAddress == "" || req.To == "" || req.Data == "" || req.OwnerAddress == "" || req.Signature == "" || req.ChainID <= 0 {
		return s.badRequest(c, "Missing required fields: safeAddress, to, data, ownerAddress, signature, chainId")
	}
	if !relay.ValidAddress(req.SafeAddress) || !relay.ValidAddress(req.To) || !relay.ValidAddress(req.OwnerAddress) {
		return s.badRequest(c, "Invalid Ethereum address")
	}
	value, err := parseValue(req.Value)
	if err != nil {
		return s.fail(c, err)
	}
	data, err := parseData(req.Data)
	if err != nil {
		return s.fail(c, err)
	}

	res, err := s.backend.Relayer.Execute(c.Context(), relay.ExecuteRequest{
		ChainID:   req.ChainID,
		Account:   common.HexToAddress(req.SafeAddress),
		Owner:     common.HexToAddress(req.OwnerAddress),
		To:        common.HexToAddress(req.To),
		Value:     value,
		Data:      data,
		Signature: req.Signature,
	})
	switch {
	case errors.Is(err, relay.ErrOwnerNotInOwnerSet):
		return c.Status(fiber.StatusForbidden).JSON(ErrorResponse{
			Error:   "Address is not a Safe owner",
			Reason:  relay.ReasonInvalidSignature,
			Details: fmt.Sprintf("%s is not an owner of this Safe", req.OwnerAddress),
		})
	case relay.Classify(err) == relay.ReasonInsufficientSignatures:
		owners := make([]string, 0, len(res.Owners))
		for _, o := range res.Owners {
			owners = append(owners, o.Hex())
		}
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:     relay.ReasonInsufficientSignatures.Message(),
			Reason:    relay.ReasonInsufficientSignatures,
			Details:   err.Error(),
			Owners:    owners,
			Threshold: res.Threshold,
		})
	case err != nil:
		return s.fail(c, err)
	}

	return c.JSON(ExecuteTxResponse{
		Success:     true,
		TxHash:      res.TxHash.Hex(),
		Included:    res.Included,
		BlockNumber: res.BlockNumber,
		Message:     "Transaction executed successfully",
	})
}

// ActivityRequest is a client activity entry.
type ActivityRequest struct {
	Date    string `json:"date"`
	Browser string `json:"browser"`
	Status  string `json:"status"`
}

func (s *server) activity(c *fiber.Ctx) error {
	var req ActivityRequest
	if err := c.BodyParser(&req); err != nil || req.Date == "" || req.Browser == "" || req.Status == "" {
		return s.badRequest(c, "Missing required fields: date, browser, status")
	}
	err := s.backend.Activity.RecordActivity(c.Context(), journal.Activity{
		Date:      req.Date,
		Browser:   req.Browser,
		Status:    req.Status,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		s.log.Error(fmt.Sprintf("server failed to record activity: %s", err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "Failed to log activity"})
	}
	return c.JSON(map[string]bool{"success": true})
}

// WebhookRequest creates or removes a webhook notified about incoming transfers to the address.
type WebhookRequest struct {
	Address string `json:"address"`
	URL     string `json:"url"`
	Token   string `json:"token"`
}

func (s *server) createWebhook(c *fiber.Ctx) error {
	var req WebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return s.badRequest(c, "Invalid request body")
	}
	if err := s.backend.Webhooks.CreateWebhook(req.Address, webhooks.Hook{URL: req.URL, Token: req.Token}); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "Invalid webhook", Details: err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(map[string]bool{"success": true})
}

func (s *server) removeWebhook(c *fiber.Ctx) error {
	var req WebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return s.badRequest(c, "Invalid request body")
	}
	if err := s.backend.Webhooks.RemoveWebhook(req.Address, webhooks.Hook{URL: req.URL}); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "Invalid webhook", Details: err.Error()})
	}
	return c.JSON(map[string]bool{"success": true})
}
