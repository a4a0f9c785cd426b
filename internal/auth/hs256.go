package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrUnsupportedAlg   = errors.New("unsupported token algorithm")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenNotYetValid = errors.New("token not yet valid")
)

// tokenClaims is the subset of ID-token claims this system reads.
type tokenClaims struct {
	Sub           string `json:"sub"`
	UserID        string `json:"user_id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Exp           int64  `json:"exp"`
	Nbf           int64  `json:"nbf"`
}

// HS256Provider verifies compact HS256-signed ID tokens against a
// shared secret.
type HS256Provider struct {
	secret []byte
	now    func() time.Time
}

func NewHS256Provider(secret string) *HS256Provider {
	return &HS256Provider{secret: []byte(secret), now: time.Now}
}

func (p *HS256Provider) VerifyIDToken(_ context.Context, token string) (IDToken, error) {
	headerB64, payloadB64, sigB64, ok := splitToken(token)
	if !ok {
		return IDToken{}, ErrInvalidToken
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return IDToken{}, ErrInvalidToken
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return IDToken{}, ErrInvalidToken
	}
	if header.Alg != "HS256" {
		return IDToken{}, ErrUnsupportedAlg
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return IDToken{}, ErrInvalidToken
	}
	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(headerB64))
	mac.Write([]byte{'.'})
	mac.Write([]byte(payloadB64))
	if !hmac.Equal(gotSig, mac.Sum(nil)) {
		return IDToken{}, ErrInvalidToken
	}

	claims, err := decodeClaims(payloadB64)
	if err != nil {
		return IDToken{}, err
	}
	now := p.now().Unix()
	if claims.Exp != 0 && now >= claims.Exp {
		return IDToken{}, ErrTokenExpired
	}
	if claims.Nbf != 0 && now < claims.Nbf {
		return IDToken{}, ErrTokenNotYetValid
	}
	return claims.idToken()
}

func (c tokenClaims) idToken() (IDToken, error) {
	uid := c.UserID
	if uid == "" {
		uid = c.Sub
	}
	if uid == "" {
		return IDToken{}, ErrInvalidToken
	}
	return IDToken{UID: uid, Email: c.Email, EmailVerified: c.EmailVerified}, nil
}

func decodeClaims(payloadB64 string) (tokenClaims, error) {
	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return tokenClaims{}, ErrInvalidToken
	}
	var claims tokenClaims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return tokenClaims{}, ErrInvalidToken
	}
	return claims, nil
}

func splitToken(token string) (header, payload, sig string, ok bool) {
	first := strings.IndexByte(token, '.')
	if first <= 0 {
		return "", "", "", false
	}
	last := strings.LastIndexByte(token, '.')
	if last <= first || last == len(token)-1 {
		return "", "", "", false
	}
	header = token[:first]
	payload = token[first+1 : last]
	sig = token[last+1:]
	if strings.ContainsRune(payload, '.') {
		return "", "", "", false
	}
	return header, payload, sig, true
}
