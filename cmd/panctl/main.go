// Command panctl is the operator-facing companion to pannode: it manages
// the long-term Ed25519 signing identity an issuer uses to mint bearer
// tokens, and issues tokens against it.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/panrelay/pannode/internal/crypto"
	"github.com/panrelay/pannode/pkg/token"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "issue-token":
		issueToken(os.Args[2:])
	case "show-pubkey":
		showPubkey(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: panctl <issue-token|show-pubkey> [flags]")
}

func loadOrCreateIdentity(path string) (*crypto.Identity, error) {
	id, err := crypto.LoadIdentity(path)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if id != nil {
		return id, nil
	}
	id, err = crypto.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := crypto.SaveIdentity(path, id); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	return id, nil
}

func issueToken(args []string) {
	fs := flag.NewFlagSet("issue-token", flag.ExitOnError)
	identityPath := fs.String("identity", "panctl-identity.json", "path to this issuer's persisted Ed25519 identity (created if missing)")
	issuer := fs.String("issuer", "", "issuer URN embedded in the token (required)")
	subject := fs.String("subject", "", "subject URN, for a token meant to vouch for another issuer")
	identifier := fs.String("identifier", "", "human-readable agent/peer name carried in the token")
	purposes := fs.String("purposes", "agent-connect", "comma-separated purposes granted to the bearer")
	fs.Parse(args)

	if *issuer == "" {
		fmt.Fprintln(os.Stderr, "issue-token: -issuer is required")
		os.Exit(1)
	}

	id, err := loadOrCreateIdentity(*identityPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	raw, err := token.Issue(token.Claims{
		Issuer:     *issuer,
		Subject:    *subject,
		Identifier: *identifier,
		Purposes:   splitCSV(*purposes),
	}, id.PrivateKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue-token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(raw)
}

func showPubkey(args []string) {
	fs := flag.NewFlagSet("show-pubkey", flag.ExitOnError)
	identityPath := fs.String("identity", "panctl-identity.json", "path to this issuer's persisted Ed25519 identity (created if missing)")
	fs.Parse(args)

	id, err := loadOrCreateIdentity(*identityPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(crypto.EncodePublicKey(id.PublicKey))
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
