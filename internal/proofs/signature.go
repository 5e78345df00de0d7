package proofs

import (
	"crypto/ecdsa"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "BioScholar-Vault/internal/errors"
)

const (
	CodeInvalidSignature xerrors.Code = "INVALID_SIGNATURE"

	signatureLength = crypto.SignatureLength
	messageHeader   = "BioScholar grant release"
)

// ErrInvalidSignature is returned when a signature cannot be decoded or recovered.
var ErrInvalidSignature = xerrors.New(CodeInvalidSignature, "invalid signature")

func init() {
	xerrors.Register(CodeInvalidSignature, xerrors.Attributes{
		Message:   "invalid signature",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Caller is a signer identity that the boundary has already proven. The zero
// value is not verified.
type Caller struct {
	address  common.Address
	verified bool
}

// TrustedCaller marks an address as verified by a host that checked the
// signature itself.
func TrustedCaller(addr common.Address) Caller {
	return Caller{address: addr, verified: true}
}

// Address returns the signer address.
func (c Caller) Address() common.Address { return c.address }

// Verified reports whether the caller came from a verification step.
func (c Caller) Verified() bool { return c.verified }

func (c Caller) String() string {
	if !c.verified {
		return "unverified:" + c.address.Hex()
	}
	return c.address.Hex()
}

// ReleaseMessage is the payload a scholar agent signs to request a release.
type ReleaseMessage struct {
	ChainTag         string
	Vault            common.Address
	Researcher       common.Address
	ScholarAgent     common.Address
	Amount           uint64
	VerificationHash string
	Nonce            string
}

// Bytes returns the canonical text encoding of the message.
func (m ReleaseMessage) Bytes() []byte {
	var b strings.Builder
	b.WriteString(messageHeader)
	b.WriteString("\nchain: ")
	b.WriteString(m.ChainTag)
	b.WriteString("\nvault: ")
	b.WriteString(m.Vault.Hex())
	b.WriteString("\nresearcher: ")
	b.WriteString(m.Researcher.Hex())
	b.WriteString("\nscholar_agent: ")
	b.WriteString(m.ScholarAgent.Hex())
	b.WriteString("\namount: ")
	b.WriteString(strconv.FormatUint(m.Amount, 10))
	b.WriteString("\nverification_hash: ")
	b.WriteString(m.VerificationHash)
	b.WriteString("\nnonce: ")
	b.WriteString(m.Nonce)
	return []byte(b.String())
}

// Hash returns the EIP-191 personal message hash of the canonical encoding.
func (m ReleaseMessage) Hash() []byte {
	return accounts.TextHash(m.Bytes())
}

// SignRelease signs the message with key and returns a 65 byte [R || S || V]
// signature where V is 27 or 28, matching wallet personal_sign output.
func SignRelease(key *ecdsa.PrivateKey, msg ReleaseMessage) ([]byte, error) {
	if key == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "signing key is required")
	}
	sig, err := crypto.Sign(msg.Hash(), key)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidSignature, err, "sign release message")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// VerifyRelease recovers the signer of msg and returns it as a verified Caller.
func VerifyRelease(msg ReleaseMessage, sig []byte) (Caller, error) {
	if len(sig) != signatureLength {
		return Caller{}, xerrors.New(CodeInvalidSignature,
			fmt.Sprintf("signature must be %d bytes, got %d", signatureLength, len(sig)))
	}
	normalised := make([]byte, signatureLength)
	copy(normalised, sig)
	switch v := normalised[crypto.RecoveryIDOffset]; v {
	case 0, 1:
	case 27, 28:
		normalised[crypto.RecoveryIDOffset] = v - 27
	default:
		return Caller{}, xerrors.New(CodeInvalidSignature, fmt.Sprintf("unsupported recovery id %d", v))
	}
	pub, err := crypto.SigToPub(msg.Hash(), normalised)
	if err != nil {
		return Caller{}, xerrors.Wrap(CodeInvalidSignature, err, "recover signer")
	}
	return Caller{address: crypto.PubkeyToAddress(*pub), verified: true}, nil
}

// DecodeSignature parses a 0x-prefixed hex signature.
func DecodeSignature(raw string) ([]byte, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidSignature, err, "decode signature")
	}
	return sig, nil
}
