package tap

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/Aegis-Labs/aegispay/pkg/canonical"
	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// LinkedObject is an agentic-consumer or agentic-payment object attached to
// a TAP request. The signature base is the compact-JSON canonicalization of
// the object with the signature field removed; PS256 and RS256 are
// permitted here in addition to the message algorithms.
type LinkedObject struct {
	Nonce     string `json:"nonce"`
	KeyID     string `json:"kid"`
	Alg       string `json:"alg"`
	Signature string `json:"signature"`
}

// VerifyLinkedObject checks the detached signature on raw, a JSON object
// carrying nonce/kid/alg/signature alongside its payload fields.
func (v *Validator) VerifyLinkedObject(ctx context.Context, raw []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return errs.Wrap(err, errs.KindValidation, errs.CodeInvalidJSON, "linked object is not valid JSON")
	}
	sigField, _ := obj["signature"].(string)
	kid, _ := obj["kid"].(string)
	if sigField == "" || kid == "" {
		return errs.Validation(CodeMalformedSignature, "linked object needs kid and signature")
	}
	sig, err := decodeB64(sigField)
	if err != nil {
		return errs.Validation(CodeMalformedSignature, "linked object signature is not base64")
	}

	method, err := v.Resolve(ctx, kid)
	if err != nil || method == nil {
		return errs.New(errs.KindCrypto, CodeUnknownKey, fmt.Sprintf("keyid %q is not registered", kid))
	}

	delete(obj, "signature")
	base, err := canonical.Compact(obj)
	if err != nil {
		return errs.Wrap(err, errs.KindValidation, errs.CodeInvalidJSON, "linked object could not be canonicalized")
	}
	if err := method.Verify(base, sig); err != nil {
		return errs.New(errs.KindCrypto, CodeVerificationFailed, "linked object signature rejected")
	}
	return nil
}

func decodeB64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}
