// Package tap validates Trusted Agent Protocol request signatures: an RFC
// 9421-style subset covering the two agent tags, a bounded created/expires
// window, nonce replay protection and required derived components.
package tap

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/identity"
	"github.com/Aegis-Labs/aegispay/pkg/replay"
)

// Failure codes. All TAP rejections share the tap_ prefix.
const (
	CodeMissingSignature   = "tap_missing_signature"
	CodeMalformedSignature = "tap_malformed_signature"
	CodeInvalidTag         = "tap_invalid_tag"
	CodeNotYetValid        = "tap_not_yet_valid"
	CodeExpired            = "tap_expired"
	CodeWindowExceeded     = "tap_window_exceeded"
	CodeNonceReplayed      = "tap_nonce_replayed"
	CodeMissingComponent   = "tap_missing_component"
	CodeUnknownKey         = "tap_unknown_key"
	CodeVerificationFailed = "tap_signature_verification_failed"
	CodeVersionUnsupported = "tap_version_unsupported"
)

// Tags accepted on agent requests.
const (
	TagBrowserAuth = "agent-browser-auth"
	TagPayerAuth   = "agent-payer-auth"
)

// MaxWindow bounds expires − created.
const MaxWindow = 480 * time.Second

// SignatureInput is one parsed Signature-Input member.
type SignatureInput struct {
	Label      string
	Components []string
	Created    time.Time
	Expires    time.Time
	KeyID      string
	Alg        string
	Nonce      string
	Tag        string

	// raw is the member value exactly as received; the signature base's
	// @signature-params line must reproduce it byte for byte.
	raw string
}

// KeyResolver maps a TAP keyid to a verification method.
type KeyResolver func(ctx context.Context, keyID string) (*identity.Method, error)

// Validator checks TAP headers on merchant-facing requests.
type Validator struct {
	Resolve KeyResolver
	Nonces  replay.Store
	Now     func() time.Time
}

// NewValidator wires a resolver and nonce store with the wall clock.
func NewValidator(resolve KeyResolver, nonces replay.Store) *Validator {
	return &Validator{Resolve: resolve, Nonces: nonces, Now: time.Now}
}

// Verify validates the first signature member on the request. The order is
// fixed: structure, tag, time window, required components, nonce replay,
// key resolution, signature.
func (v *Validator) Verify(ctx context.Context, req *http.Request) (*SignatureInput, error) {
	inputHeader := req.Header.Get("Signature-Input")
	sigHeader := req.Header.Get("Signature")
	if inputHeader == "" || sigHeader == "" {
		return nil, errs.Validation(CodeMissingSignature, "Signature-Input and Signature headers are required")
	}
	in, err := ParseSignatureInput(inputHeader)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindValidation, CodeMalformedSignature, "Signature-Input is malformed")
	}
	sig, err := ParseSignature(sigHeader, in.Label)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindValidation, CodeMalformedSignature, "Signature is malformed")
	}

	if in.Tag != TagBrowserAuth && in.Tag != TagPayerAuth {
		return nil, errs.Validation(CodeInvalidTag, fmt.Sprintf("tag %q is not an agent auth tag", in.Tag))
	}

	now := v.Now()
	if in.Created.IsZero() || in.Expires.IsZero() {
		return nil, errs.Validation(CodeMalformedSignature, "created and expires are required")
	}
	if !in.Created.Before(now) {
		return nil, errs.Validation(CodeNotYetValid, "created is not in the past")
	}
	if !in.Expires.After(now) {
		return nil, errs.Validation(CodeExpired, "signature has expired")
	}
	if in.Expires.Sub(in.Created) > MaxWindow {
		return nil, errs.Validation(CodeWindowExceeded,
			fmt.Sprintf("validity window exceeds %s", MaxWindow))
	}

	if !hasComponent(in.Components, "@authority") || !hasComponent(in.Components, "@path") {
		return nil, errs.Validation(CodeMissingComponent, "@authority and @path must be signed")
	}

	if in.Nonce == "" {
		return nil, errs.Validation(CodeMalformedSignature, "nonce is required")
	}
	fresh, err := v.Nonces.CheckAndStore(ctx, "tap:"+in.Nonce, in.Expires)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindService, errs.CodeServiceUnavailable, "nonce store unavailable")
	}
	if !fresh {
		return nil, errs.New(errs.KindState, CodeNonceReplayed, "nonce was already used")
	}

	method, err := v.Resolve(ctx, in.KeyID)
	if err != nil || method == nil {
		return nil, errs.New(errs.KindCrypto, CodeUnknownKey, fmt.Sprintf("keyid %q is not registered", in.KeyID))
	}

	base, err := signatureBase(req, in)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindValidation, CodeMissingComponent, "signature base could not be built")
	}
	if err := method.Verify(base, sig); err != nil {
		return nil, errs.New(errs.KindCrypto, CodeVerificationFailed, "request signature rejected")
	}
	return in, nil
}

func hasComponent(components []string, name string) bool {
	for _, c := range components {
		if c == name {
			return true
		}
	}
	return false
}

// signatureBase builds the RFC 9421 base string: one line per covered
// component, then the @signature-params line carrying the raw input value.
func signatureBase(req *http.Request, in *SignatureInput) ([]byte, error) {
	var b strings.Builder
	for _, comp := range in.Components {
		value, err := componentValue(req, comp)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "%q: %s\n", comp, value)
	}
	fmt.Fprintf(&b, "%q: %s", "@signature-params", in.raw)
	return []byte(b.String()), nil
}

func componentValue(req *http.Request, comp string) (string, error) {
	switch comp {
	case "@method":
		return req.Method, nil
	case "@authority":
		return strings.ToLower(req.Host), nil
	case "@path":
		return req.URL.Path, nil
	case "@query":
		return "?" + req.URL.RawQuery, nil
	case "@target-uri":
		return req.URL.String(), nil
	default:
		if strings.HasPrefix(comp, "@") {
			return "", fmt.Errorf("derived component %q is not supported", comp)
		}
		values := req.Header.Values(http.CanonicalHeaderKey(comp))
		if len(values) == 0 {
			return "", fmt.Errorf("covered header %q is absent", comp)
		}
		trimmed := make([]string, len(values))
		for i, v := range values {
			trimmed[i] = strings.TrimSpace(v)
		}
		return strings.Join(trimmed, ", "), nil
	}
}

// ParseSignatureInput parses the first member of a Signature-Input header:
//
//	label=("@method" "@authority" "@path");created=1618884473;keyid="k";tag="agent-payer-auth"
func ParseSignatureInput(header string) (*SignatureInput, error) {
	label, rest, ok := strings.Cut(strings.TrimSpace(header), "=")
	if !ok || label == "" {
		return nil, fmt.Errorf("missing label")
	}
	if !strings.HasPrefix(rest, "(") {
		return nil, fmt.Errorf("missing component list")
	}
	end := strings.Index(rest, ")")
	if end < 0 {
		return nil, fmt.Errorf("unterminated component list")
	}
	in := &SignatureInput{Label: strings.TrimSpace(label), raw: rest}

	for _, item := range strings.Fields(rest[1:end]) {
		comp, err := strconv.Unquote(item)
		if err != nil {
			return nil, fmt.Errorf("component %q is not a quoted string", item)
		}
		in.Components = append(in.Components, strings.ToLower(comp))
	}

	for _, param := range strings.Split(rest[end+1:], ";") {
		param = strings.TrimSpace(param)
		if param == "" {
			continue
		}
		name, value, ok := strings.Cut(param, "=")
		if !ok {
			return nil, fmt.Errorf("parameter %q has no value", param)
		}
		if unquoted, err := strconv.Unquote(value); err == nil {
			value = unquoted
		}
		switch name {
		case "created":
			sec, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("created: %w", err)
			}
			in.Created = time.Unix(sec, 0)
		case "expires":
			sec, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("expires: %w", err)
			}
			in.Expires = time.Unix(sec, 0)
		case "keyid":
			in.KeyID = value
		case "alg":
			in.Alg = value
		case "nonce":
			in.Nonce = value
		case "tag":
			in.Tag = value
		}
	}
	return in, nil
}

// ParseSignature extracts the named member's bytes from a Signature header:
//
//	label=:base64bytes:
func ParseSignature(header, label string) ([]byte, error) {
	for _, member := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(member), "=")
		if !ok || name != label {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) < 2 || value[0] != ':' || value[len(value)-1] != ':' {
			return nil, fmt.Errorf("signature value is not a byte sequence")
		}
		sig, err := decodeB64(value[1 : len(value)-1])
		if err != nil {
			return nil, fmt.Errorf("signature is not base64: %w", err)
		}
		return sig, nil
	}
	return nil, fmt.Errorf("no signature member %q", label)
}
