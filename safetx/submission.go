package safetx

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bartossh/Relayer/signature"
)

var ErrInsufficientSignatures = errors.New("insufficient signatures")

// ThresholdError reports a submission that does not meet the account threshold.
type ThresholdError struct {
	Owners     []common.Address
	Threshold  uint64
	Signatures int
}

func (e *ThresholdError) Error() string {
	owners := make([]string, 0, len(e.Owners))
	for _, o := range e.Owners {
		owners = append(owners, o.Hex())
	}
	return fmt.Sprintf("%s: [ %d ] of [ %d ] required, owners [ %s ]",
		ErrInsufficientSignatures, e.Signatures, e.Threshold, strings.Join(owners, ", "))
}

func (e *ThresholdError) Unwrap() error {
	return ErrInsufficientSignatures
}

// Submission is a Safe transaction with the digest it commits to and the collected owner signatures.
type Submission struct {
	Tx         Transaction
	Digest     common.Hash
	signatures map[common.Address][]byte
}

// NewSubmission creates submission without signatures.
func NewSubmission(tx Transaction, digest common.Hash) Submission {
	return Submission{Tx: tx, Digest: digest, signatures: make(map[common.Address][]byte)}
}

// AttachSignature returns the submission extended with the signer signature.
// Signatures already attached are kept, the signature is stored with recovery byte 27 or 28.
func AttachSignature(s Submission, signer common.Address, sig []byte) (Submission, error) {
	if len(sig) != signature.Length {
		return s, errors.Join(signature.ErrInvalidSignature, fmt.Errorf("signer [ %s ]", signer.Hex()))
	}
	next := Submission{Tx: s.Tx, Digest: s.Digest, signatures: make(map[common.Address][]byte, len(s.signatures)+1)}
	for k, v := range s.signatures {
		next.signatures[k] = v
	}
	raw := bytes.Clone(sig)
	if raw[64] < 27 {
		raw[64] += 27
	}
	next.signatures[signer] = raw
	return next, nil
}

// Signers returns signers in ascending address order.
func (s Submission) Signers() []common.Address {
	signers := make([]common.Address, 0, len(s.signatures))
	for k := range s.signatures {
		signers = append(signers, k)
	}
	slices.SortFunc(signers, func(a, b common.Address) int { return bytes.Compare(a[:], b[:]) })
	return signers
}

// HasSignature tells if signer already signed the submission.
func (s Submission) HasSignature(signer common.Address) bool {
	_, ok := s.signatures[signer]
	return ok
}

// EncodeSignatures concatenates signatures in ascending signer order as the Safe account requires.
func (s Submission) EncodeSignatures() []byte {
	out := make([]byte, 0, len(s.signatures)*signature.Length)
	for _, signer := range s.Signers() {
		out = append(out, s.signatures[signer]...)
	}
	return out
}

// Ready checks that signatures of distinct owners reach the threshold.
func (s Submission) Ready(owners []common.Address, threshold uint64) error {
	var count int
	for _, o := range owners {
		if s.HasSignature(o) {
			count++
		}
	}
	if threshold == 0 || uint64(count) < threshold {
		return &ThresholdError{Owners: slices.Clone(owners), Threshold: threshold, Signatures: count}
	}
	return nil
}

// ExecData packs the execTransaction call data of the submission.
func (s Submission) ExecData() ([]byte, error) {
	t := s.Tx
	return Safe.Pack("execTransaction",
		t.Call.To, t.Call.Value, t.Call.Data, uint8(t.Call.Operation),
		t.SafeTxGas, t.BaseGas, t.GasPrice, t.GasToken, t.RefundReceiver, s.EncodeSignatures())
}
