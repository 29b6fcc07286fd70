package signature

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Length is the length of the r || s || v secp256k1 signature.
const Length = crypto.SignatureLength

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrSignerMismatch   = errors.New("recovered signer does not match expected address")
)

// Decode decodes 0x prefixed hex signature and normalizes the recovery byte to 0 or 1.
func Decode(sig string) ([]byte, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(sig))
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}
	return normalize(raw)
}

// RecoverDigest recovers the address that signed the 32 byte digest without any message prefix.
func RecoverDigest(digest common.Hash, sig []byte) (common.Address, error) {
	sig, err := normalize(sig)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, errors.Join(ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// RecoverPersonal recovers the address that signed the message under the personal message scheme.
func RecoverPersonal(message, sig []byte) (common.Address, error) {
	return RecoverDigest(common.BytesToHash(accounts.TextHash(message)), sig)
}

// VerifyDigest checks the digest is signed by the expected address.
func VerifyDigest(digest common.Hash, sig []byte, expected common.Address) error {
	addr, err := RecoverDigest(digest, sig)
	if err != nil {
		return err
	}
	return match(addr, expected)
}

// VerifyPersonal checks the personal message is signed by the expected address.
func VerifyPersonal(message, sig []byte, expected common.Address) error {
	addr, err := RecoverPersonal(message, sig)
	if err != nil {
		return err
	}
	return match(addr, expected)
}

// SignDigest signs the digest with the given key and returns the signature with recovery byte 27 or 28.
func SignDigest(digest common.Hash, key Signer) ([]byte, error) {
	sig, err := key.SignHash(digest)
	if err != nil {
		return nil, err
	}
	if len(sig) != Length {
		return nil, ErrInvalidSignature
	}
	out := make([]byte, Length)
	copy(out, sig)
	if out[64] < 27 {
		out[64] += 27
	}
	return out, nil
}

// Signer signs raw digests.
type Signer interface {
	SignHash(digest common.Hash) ([]byte, error)
}

func match(recovered, expected common.Address) error {
	if !strings.EqualFold(recovered.Hex(), expected.Hex()) {
		return errors.Join(ErrInvalidSignature, ErrSignerMismatch,
			fmt.Errorf("recovered [ %s ], expected [ %s ]", recovered.Hex(), expected.Hex()))
	}
	return nil
}

func normalize(raw []byte) ([]byte, error) {
	if len(raw) != Length {
		return nil, errors.Join(ErrInvalidSignature, fmt.Errorf("signature length [ %d ], expected [ %d ]", len(raw), Length))
	}
	sig := make([]byte, Length)
	copy(sig, raw)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return nil, errors.Join(ErrInvalidSignature, fmt.Errorf("recovery byte [ %d ] out of range", raw[64]))
	}
	return sig, nil
}
