package safetx

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	domainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(uint256 chainId,address verifyingContract)"))
	safeTxTypeHash = crypto.Keccak256Hash([]byte(
		"SafeTx(address to,uint256 value,bytes data,uint8 operation,uint256 safeTxGas,uint256 baseGas," +
			"uint256 gasPrice,address gasToken,address refundReceiver,uint256 nonce)"))
)

// Transaction is the Safe transaction committing the call to the account nonce.
// Gas refund parameters are always zero, the relay pays the fee.
type Transaction struct {
	Account        common.Address
	Call           Call
	SafeTxGas      *big.Int
	BaseGas        *big.Int
	GasPrice       *big.Int
	GasToken       common.Address
	RefundReceiver common.Address
	Nonce          *big.Int
}

// NewTransaction creates a Safe transaction of the call at the given account nonce.
func NewTransaction(account common.Address, call Call, nonce *big.Int) Transaction {
	if call.Value == nil {
		call.Value = new(big.Int)
	}
	if nonce == nil {
		nonce = new(big.Int)
	}
	return Transaction{
		Account:   account,
		Call:      call,
		SafeTxGas: new(big.Int),
		BaseGas:   new(big.Int),
		GasPrice:  new(big.Int),
		Nonce:     new(big.Int).Set(nonce),
	}
}

// HashArgs returns arguments of the Safe getTransactionHash call.
func (t Transaction) HashArgs() []any {
	return []any{
		t.Call.To, t.Call.Value, t.Call.Data, uint8(t.Call.Operation),
		t.SafeTxGas, t.BaseGas, t.GasPrice, t.GasToken, t.RefundReceiver, t.Nonce,
	}
}

// Digest computes the EIP-712 Safe transaction hash for the chain the same way the account does.
func (t Transaction) Digest(chainID *big.Int) common.Hash {
	bytes32, _ := abi.NewType("bytes32", "", nil)
	uint256, _ := abi.NewType("uint256", "", nil)
	uint8T, _ := abi.NewType("uint8", "", nil)
	address, _ := abi.NewType("address", "", nil)

	domain, _ := abi.Arguments{{Type: bytes32}, {Type: uint256}, {Type: address}}.
		Pack(domainTypeHash, chainID, t.Account)
	domainSeparator := crypto.Keccak256Hash(domain)

	body, _ := abi.Arguments{
		{Type: bytes32}, {Type: address}, {Type: uint256}, {Type: bytes32}, {Type: uint8T},
		{Type: uint256}, {Type: uint256}, {Type: uint256}, {Type: address}, {Type: address}, {Type: uint256},
	}.Pack(
		safeTxTypeHash, t.Call.To, t.Call.Value, crypto.Keccak256Hash(t.Call.Data), uint8(t.Call.Operation),
		t.SafeTxGas, t.BaseGas, t.GasPrice, t.GasToken, t.RefundReceiver, t.Nonce,
	)
	structHash := crypto.Keccak256Hash(body)

	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator[:], structHash[:])
}
