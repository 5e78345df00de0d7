package proofs

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

func sampleMessage(agent common.Address) ReleaseMessage {
	return ReleaseMessage{
		ChainTag:         "local",
		Vault:            common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		Researcher:       common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		ScholarAgent:     agent,
		Amount:           40,
		VerificationHash: "h1",
		Nonce:            "n-1",
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)
	msg := sampleMessage(signer)

	sig, err := SignRelease(key, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if v := sig[crypto.RecoveryIDOffset]; v != 27 && v != 28 {
		t.Fatalf("expected wallet style recovery id, got %d", v)
	}

	caller, err := VerifyRelease(msg, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !caller.Verified() || caller.Address() != signer {
		t.Fatalf("unexpected caller %s, want %s", caller, signer.Hex())
	}

	raw := make([]byte, len(sig))
	copy(raw, sig)
	raw[crypto.RecoveryIDOffset] -= 27
	caller, err = VerifyRelease(msg, raw)
	if err != nil || caller.Address() != signer {
		t.Fatalf("raw recovery id should verify too: %v %s", err, caller)
	}

	decoded, err := DecodeSignature(hexutil.Encode(sig))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if _, err := VerifyRelease(msg, decoded); err != nil {
		t.Fatalf("verify decoded signature: %v", err)
	}
}

func TestVerifyTamperedMessageYieldsDifferentSigner(t *testing.T) {
	key, _ := crypto.GenerateKey()
	signer := crypto.PubkeyToAddress(key.PublicKey)
	msg := sampleMessage(signer)
	sig, err := SignRelease(key, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tampered := msg
	tampered.Amount = 4000
	caller, err := VerifyRelease(tampered, sig)
	if err == nil && caller.Address() == signer {
		t.Fatalf("tampered message must not recover the original signer")
	}
}

func TestVerifyRejectsMalformedSignatures(t *testing.T) {
	msg := sampleMessage(common.Address{})

	if _, err := VerifyRelease(msg, []byte{1, 2, 3}); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for short signature, got %v", err)
	}
	bad := make([]byte, 65)
	bad[64] = 9
	if _, err := VerifyRelease(msg, bad); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for bad recovery id, got %v", err)
	}
	if _, err := DecodeSignature("not-hex"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for bad hex, got %v", err)
	}
}

func TestCallerZeroValueIsUnverified(t *testing.T) {
	var c Caller
	if c.Verified() {
		t.Fatalf("zero Caller must not be verified")
	}
	trusted := TrustedCaller(common.HexToAddress("0x01"))
	if !trusted.Verified() {
		t.Fatalf("TrustedCaller must be verified")
	}
}

func TestMessageEncodingIsStable(t *testing.T) {
	msg := sampleMessage(common.HexToAddress("0x00000000000000000000000000000000000000c3"))
	want := "BioScholar grant release\n" +
		"chain: local\n" +
		"vault: " + msg.Vault.Hex() + "\n" +
		"researcher: " + msg.Researcher.Hex() + "\n" +
		"scholar_agent: " + msg.ScholarAgent.Hex() + "\n" +
		"amount: 40\n" +
		"verification_hash: h1\n" +
		"nonce: n-1"
	if got := string(msg.Bytes()); got != want {
		t.Fatalf("unexpected encoding:\n%s\nwant:\n%s", got, want)
	}
}
