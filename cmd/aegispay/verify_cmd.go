package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Aegis-Labs/aegispay/pkg/canonical"
	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/identity"
	"github.com/Aegis-Labs/aegispay/pkg/mandate"
	"github.com/Aegis-Labs/aegispay/pkg/replay"
	"github.com/Aegis-Labs/aegispay/pkg/velocity"
	"github.com/Aegis-Labs/aegispay/pkg/verify"
)

// chainFile is the on-disk form of one mandate chain submission.
type chainFile struct {
	Intent  *mandate.IntentMandate  `json:"intent"`
	Cart    *mandate.CartMandate    `json:"cart"`
	Payment *mandate.PaymentMandate `json:"payment"`
	Mode    string                  `json:"mode,omitempty"`
}

// bindingEntry registers one verification key: the method string is the
// "<alg>:<base64url-key>" form the platform uses everywhere.
type bindingEntry struct {
	AgentID string `json:"agent_id"`
	Domain  string `json:"domain"`
	Method  string `json:"method"`
}

// runVerifyCmd verifies a mandate chain file against a bindings file
// without a running service. Replay and velocity state are per-invocation,
// so this checks signatures, expiry, amounts, and domain rules only.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		chainPath    = fs.String("chain", "", "path to the mandate chain JSON (required)")
		bindingsPath = fs.String("bindings", "", "path to the key bindings JSON (required)")
		domains      = fs.String("domains", "", "comma-separated merchant allow-list; defaults to the cart's domain")
		allProofs    = fs.Bool("all-proofs", true, "verify intent and cart proofs in addition to the payment proof")
		jsonOut      = fs.Bool("json", false, "print the receipt as JSON")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *chainPath == "" || *bindingsPath == "" {
		fmt.Fprintln(stderr, "verify: --chain and --bindings are required")
		fs.Usage()
		return 2
	}

	cf, err := readChainFile(*chainPath)
	if err != nil {
		return fail(stderr, err, "read chain")
	}
	mode, err := canonical.ParseMode(cf.Mode)
	if err != nil {
		return fail(stderr, err, "canonicalization mode")
	}

	registry, err := readBindings(*bindingsPath)
	if err != nil {
		return fail(stderr, err, "read bindings")
	}

	allow := splitDomains(*domains)
	if len(allow) == 0 && cf.Cart != nil {
		allow = []string{cf.Cart.MerchantDomain}
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	verifier := verify.New(verify.Config{
		AllowedDomains:   allow,
		Mode:             mode,
		RequireAllProofs: *allProofs,
	}, replay.NewMemoryStore(), velocity.NewMemoryGovernor(velocity.Limits{}), registry, verify.NewMemoryArchive(), quiet)

	receipt, err := verifier.VerifyChain(context.Background(), &verify.Request{
		Intent:  cf.Intent,
		Cart:    cf.Cart,
		Payment: cf.Payment,
		Mode:    mode,
	})
	if err != nil {
		return fail(stderr, err, "verify chain")
	}

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(receipt); err != nil {
			return fail(stderr, err, "encode receipt")
		}
		return 0
	}
	fmt.Fprintf(stdout, "VERIFIED %s\n", receipt.PaymentMandateID)
	fmt.Fprintf(stdout, "  subject: %s\n", receipt.Subject)
	fmt.Fprintf(stdout, "  amount_minor: %d\n", receipt.AmountMinor)
	fmt.Fprintf(stdout, "  mode: %s\n", receipt.Mode)
	fmt.Fprintf(stdout, "  verified_at: %s\n", receipt.VerifiedAt)
	return 0
}

func readChainFile(path string) (*chainFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cf chainFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, errs.Wrap(err, errs.KindValidation, errs.CodeInvalidJSON, "parse chain file")
	}
	return &cf, nil
}

func readBindings(path string) (*identity.MemoryRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []bindingEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errs.Wrap(err, errs.KindValidation, errs.CodeInvalidJSON, "parse bindings file")
	}
	registry := identity.NewMemoryRegistry()
	for i, e := range entries {
		if e.AgentID == "" || e.Domain == "" || e.Method == "" {
			return nil, errs.Newf(errs.KindValidation, "invalid_binding", "binding %d needs agent_id, domain and method", i)
		}
		m, err := identity.ParseMethod(e.Method)
		if err != nil {
			return nil, fmt.Errorf("binding %d: %w", i, err)
		}
		registry.Bind(e.AgentID, e.Domain, m)
	}
	return registry, nil
}

func splitDomains(s string) []string {
	var out []string
	for _, d := range strings.Split(s, ",") {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}
