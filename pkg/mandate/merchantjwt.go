package mandate

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// MerchantClaims binds a cart digest to the merchant identity. The claim
// travels inside CartMandate.MerchantAuthorization alongside the mandate
// proof, so a cart cannot be replayed under a different merchant key.
type MerchantClaims struct {
	jwt.RegisteredClaims
	CartHash       string `json:"cart_hash"`
	MerchantDomain string `json:"merchant_domain"`
}

// IssueMerchantAuthorization signs a PS256 token over the cart digest.
func IssueMerchantAuthorization(key *rsa.PrivateKey, cart *CartMandate, ttl time.Duration, now time.Time) (string, error) {
	hash, err := CartHash(cart)
	if err != nil {
		return "", fmt.Errorf("hash cart: %w", err)
	}
	claims := MerchantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        cart.MandateID,
			Subject:   cart.Subject,
			Issuer:    cart.MerchantDomain,
			IssuedAt:  jwt.NewNumericDate(now.UTC()),
			ExpiresAt: jwt.NewNumericDate(now.UTC().Add(ttl)),
		},
		CartHash:       hash,
		MerchantDomain: cart.MerchantDomain,
	}
	return jwt.NewWithClaims(jwt.SigningMethodPS256, claims).SignedString(key)
}

// VerifyMerchantAuthorization validates the token on a cart against the
// merchant public key and checks the embedded digest matches the cart.
// PS256 and RS256 are accepted.
func VerifyMerchantAuthorization(pub *rsa.PublicKey, cart *CartMandate, now time.Time) error {
	if cart.MerchantAuthorization == "" {
		return errs.Validation(CodeMissingProof, "cart has no merchant authorization")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"PS256", "RS256"}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	token, err := parser.ParseWithClaims(cart.MerchantAuthorization, &MerchantClaims{}, func(*jwt.Token) (any, error) {
		return pub, nil
	})
	if err != nil {
		return errs.Wrap(err, errs.KindCrypto, "signature_invalid", "merchant authorization rejected")
	}
	claims, ok := token.Claims.(*MerchantClaims)
	if !ok || !token.Valid {
		return errs.New(errs.KindCrypto, "signature_invalid", "merchant authorization rejected")
	}
	if claims.MerchantDomain != cart.MerchantDomain {
		return errs.New(errs.KindCrypto, "signature_invalid", "merchant authorization issued for a different domain")
	}
	hash, err := CartHash(cart)
	if err != nil {
		return fmt.Errorf("hash cart: %w", err)
	}
	if claims.CartHash != hash {
		return errs.New(errs.KindCrypto, "signature_invalid", "merchant authorization does not match cart contents")
	}
	return nil
}
