package security

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/codesalvage/transaction-escrow-service/internal/ports"
)

// JWTVerifier validates bearer tokens minted by the authentication service.
// RS256 is used when a public key is configured, HS256 with a shared secret
// otherwise.
type JWTVerifier struct {
	publicKey  *rsa.PublicKey
	hmacSecret []byte
	issuer     string
}

func NewJWTVerifier(publicKeyPEM, hmacSecret, issuer string) (*JWTVerifier, error) {
	v := &JWTVerifier{issuer: issuer}
	switch {
	case strings.TrimSpace(publicKeyPEM) != "":
		pub, err := parseRSAPublic(publicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		v.publicKey = pub
	case hmacSecret != "":
		v.hmacSecret = []byte(hmacSecret)
	default:
		return nil, errors.New("jwt public key or hmac secret is required")
	}
	return v, nil
}

type escrowClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

func (v *JWTVerifier) Verify(raw string) (ports.AuthClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.method().Alg()}),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(raw, &escrowClaims{}, func(token *jwt.Token) (any, error) {
		if v.publicKey != nil {
			return v.publicKey, nil
		}
		return v.hmacSecret, nil
	}, opts...)
	if err != nil {
		return ports.AuthClaims{}, err
	}
	claims, ok := parsed.Claims.(*escrowClaims)
	if !ok || !parsed.Valid {
		return ports.AuthClaims{}, errors.New("invalid token claims")
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if strings.TrimSpace(userID) == "" {
		return ports.AuthClaims{}, errors.New("token has no user_id")
	}
	return ports.AuthClaims{UserID: userID, Role: claims.Role}, nil
}

// Issue mints an HS256 token. Only available with a shared secret.
func (v *JWTVerifier) Issue(claims ports.AuthClaims, ttl time.Duration) (string, error) {
	if v.hmacSecret == nil {
		return "", errors.New("token issuing requires an hmac secret")
	}
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, escrowClaims{
		UserID: claims.UserID,
		Role:   claims.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(v.hmacSecret)
}

func (v *JWTVerifier) method() jwt.SigningMethod {
	if v.publicKey != nil {
		return jwt.SigningMethodRS256
	}
	return jwt.SigningMethodHS256
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
