package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"BioScholar-Vault/internal/proofs"
	"BioScholar-Vault/sdk/go/scholarvault"
)

// 演示 scholar agent 如何签名并提交一次放款。私钥从 SCHOLAR_AGENT_KEY 读取。
func main() {
	var (
		baseURL    = flag.String("url", "http://127.0.0.1:8080", "vault API base url")
		chainTag   = flag.String("chain", "memory", "ledger chain tag configured on the server")
		vault      = flag.String("vault", "0x00000000000000000000000000000000000000a1", "vault address")
		researcher = flag.String("researcher", "0x00000000000000000000000000000000000000b2", "researcher address")
		amount     = flag.Uint64("amount", 10, "amount to release")
		artifact   = flag.String("artifact", "sha256:demo-paper", "verification hash of the reviewed work")
	)
	flag.Parse()

	key, err := crypto.HexToECDSA(strings.TrimPrefix(os.Getenv("SCHOLAR_AGENT_KEY"), "0x"))
	if err != nil {
		log.Fatalf("SCHOLAR_AGENT_KEY: %v", err)
	}
	agent := crypto.PubkeyToAddress(key.PublicKey)

	msg := proofs.ReleaseMessage{
		ChainTag:         *chainTag,
		Vault:            common.HexToAddress(*vault),
		Researcher:       common.HexToAddress(*researcher),
		ScholarAgent:     agent,
		Amount:           *amount,
		VerificationHash: *artifact,
		Nonce:            uuid.NewString(),
	}
	sig, err := proofs.SignRelease(key, msg)
	if err != nil {
		log.Fatalf("sign release: %v", err)
	}

	client, err := scholarvault.NewClient(*baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	release, err := client.SubmitRelease(ctx, scholarvault.ReleaseSubmission{
		Vault:            msg.Vault.Hex(),
		Researcher:       msg.Researcher.Hex(),
		ScholarAgent:     agent.Hex(),
		Amount:           msg.Amount,
		VerificationHash: msg.VerificationHash,
		Nonce:            msg.Nonce,
		Signature:        hexutil.Encode(sig),
	}, true)
	if err != nil {
		log.Fatalf("submit release: %v", err)
	}
	fmt.Printf("release %s status=%s attempts=%d\n", release.ID, release.Status, release.Attempts)
	if release.Receipt != nil {
		fmt.Printf("paid via %s reference %s\n", release.Receipt.Substrate, release.Receipt.Reference)
	}
}
