package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/ports"
)

const leeway = 30 * time.Second

type serviceJWTClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier checks RS256 service tokens presented on internal routes.
type JWTVerifier struct {
	kid       string
	publicKey *rsa.PublicKey
	now       func() time.Time
}

// NewJWTVerifier builds a verifier from a PEM encoded RSA public key.
func NewJWTVerifier(kid, publicKeyPEM string) (*JWTVerifier, error) {
	if publicKeyPEM == "" {
		return nil, errors.New("jwt public key is required")
	}
	pub, err := parseRSAPublic(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return &JWTVerifier{kid: kid, publicKey: pub, now: time.Now}, nil
}

func (v *JWTVerifier) Verify(raw string) (ports.ServiceClaims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &serviceJWTClaims{}, func(token *jwt.Token) (any, error) {
		if kid, _ := token.Header["kid"].(string); v.kid != "" && kid != v.kid {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return v.publicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return ports.ServiceClaims{}, err
	}
	claims, ok := parsed.Claims.(*serviceJWTClaims)
	if !ok || !parsed.Valid {
		return ports.ServiceClaims{}, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return ports.ServiceClaims{}, errors.New("token subject is required")
	}

	out := ports.ServiceClaims{
		Subject: claims.Subject,
		Role:    claims.Role,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	out.KeyID, _ = parsed.Header["kid"].(string)
	return out, nil
}

// JWTSigner mints service tokens. Production callers bring their own
// issuer; this one backs local runs and tests.
type JWTSigner struct {
	kid        string
	privateKey *rsa.PrivateKey
}

// NewEphemeralJWTSigner creates an in-memory keypair.
func NewEphemeralJWTSigner(kid string) (*JWTSigner, error) {
	if kid == "" {
		kid = "ephemeral-key-1"
	}
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return &JWTSigner{kid: kid, privateKey: privateKey}, nil
}

func (s *JWTSigner) Sign(claims ports.ServiceClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, serviceJWTClaims{
		Role: claims.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
	})
	token.Header["kid"] = s.kid
	return token.SignedString(s.privateKey)
}

// Verifier returns a verifier bound to the signer's public key.
func (s *JWTSigner) Verifier() *JWTVerifier {
	return &JWTVerifier{kid: s.kid, publicKey: &s.privateKey.PublicKey, now: time.Now}
}

// PublicKeyPEM encodes the signer's public key for handing to other processes.
func (s *JWTSigner) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&s.privateKey.PublicKey)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func parseRSAPublic(raw string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, errors.New("invalid public PEM")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := keyAny.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return key, nil
}
