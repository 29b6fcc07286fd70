package safetx

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Operation is the Safe call type.
type Operation uint8

const (
	OperationCall         Operation = 0
	OperationDelegateCall Operation = 1
)

var ErrInvalidCall = errors.New("invalid call")

// Call is a single call executed by the Safe account.
type Call struct {
	To        common.Address
	Value     *big.Int
	Data      []byte
	Operation Operation
}

// BuildCall builds the ERC-20 transfer of amount to the recipient addressed at the token contract.
// The result is deterministic for the same input.
func BuildCall(token, recipient common.Address, amount *big.Int) (Call, error) {
	if amount == nil || amount.Sign() <= 0 {
		return Call{}, errors.Join(ErrInvalidCall, errors.New("amount must be greater than zero"))
	}
	data, err := ERC20.Pack("transfer", recipient, amount)
	if err != nil {
		return Call{}, errors.Join(ErrInvalidCall, err)
	}
	return Call{
		To:        token,
		Value:     new(big.Int),
		Data:      data,
		Operation: OperationCall,
	}, nil
}

// DecodeTransfer returns recipient and amount of the ERC-20 transfer call.
func DecodeTransfer(c Call) (common.Address, *big.Int, error) {
	method, ok := ERC20.Methods["transfer"]
	if !ok || len(c.Data) < 4 || !bytes.Equal(c.Data[:4], method.ID) {
		return common.Address{}, nil, errors.Join(ErrInvalidCall, errors.New("not an ERC-20 transfer"))
	}
	args, err := method.Inputs.Unpack(c.Data[4:])
	if err != nil || len(args) != 2 {
		return common.Address{}, nil, errors.Join(ErrInvalidCall, err)
	}
	to, okTo := args[0].(common.Address)
	amount, okAmount := args[1].(*big.Int)
	if !okTo || !okAmount {
		return common.Address{}, nil, errors.Join(ErrInvalidCall, errors.New("unexpected transfer arguments"))
	}
	return to, amount, nil
}

type sessionPayload struct {
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data"`
}

// SessionPayload is the canonical message the session key signs for the call.
func (c Call) SessionPayload() []byte {
	value := "0"
	if c.Value != nil {
		value = c.Value.String()
	}
	raw, _ := json.Marshal(sessionPayload{
		To:    c.To.Hex(),
		Value: value,
		Data:  hexutil.Encode(c.Data),
	})
	return raw
}
