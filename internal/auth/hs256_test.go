package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	return signTokenAlg(t, secret, "HS256", claims)
}

func signTokenAlg(t *testing.T, secret, alg string, claims map[string]any) string {
	t.Helper()
	header, err := json.Marshal(map[string]string{"alg": alg, "typ": "JWT"})
	if err != nil {
		t.Fatal(err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	h := base64.RawURLEncoding.EncodeToString(header)
	p := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(h + "." + p))
	return h + "." + p + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func fixedProvider(secret string, at time.Time) *HS256Provider {
	p := NewHS256Provider(secret)
	p.now = func() time.Time { return at }
	return p
}

func TestHS256_ValidToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token := signToken(t, testSecret, map[string]any{
		"sub":            "user-1",
		"email":          "u@example.com",
		"email_verified": true,
		"exp":            now.Add(time.Hour).Unix(),
	})

	got, err := fixedProvider(testSecret, now).VerifyIDToken(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.UID != "user-1" || got.Email != "u@example.com" || !got.EmailVerified {
		t.Fatalf("claims mismatch: %+v", got)
	}
}

func TestHS256_UserIDClaimWinsOverSub(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token := signToken(t, testSecret, map[string]any{
		"sub":     "sub-id",
		"user_id": "explicit-id",
	})

	got, err := fixedProvider(testSecret, now).VerifyIDToken(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.UID != "explicit-id" {
		t.Fatalf("want user_id claim to win, got %s", got.UID)
	}
}

func TestHS256_WrongSecretRejected(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token := signToken(t, "other-secret", map[string]any{"sub": "user-1"})

	_, err := fixedProvider(testSecret, now).VerifyIDToken(context.Background(), token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken, got %v", err)
	}
}

func TestHS256_TamperedPayloadRejected(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token := signToken(t, testSecret, map[string]any{"sub": "user-1", "email_verified": false})

	forged, err := json.Marshal(map[string]any{"sub": "user-1", "email_verified": true})
	if err != nil {
		t.Fatal(err)
	}
	h, _, _, _ := splitToken(token)
	sig := token[len(token)-43:]
	tampered := h + "." + base64.RawURLEncoding.EncodeToString(forged) + "." + sig

	if _, err := fixedProvider(testSecret, now).VerifyIDToken(context.Background(), tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken, got %v", err)
	}
}

func TestHS256_ExpiredToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token := signToken(t, testSecret, map[string]any{
		"sub": "user-1",
		"exp": now.Add(-time.Minute).Unix(),
	})

	_, err := fixedProvider(testSecret, now).VerifyIDToken(context.Background(), token)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("want ErrTokenExpired, got %v", err)
	}
}

func TestHS256_NotYetValidToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token := signToken(t, testSecret, map[string]any{
		"sub": "user-1",
		"nbf": now.Add(time.Minute).Unix(),
	})

	_, err := fixedProvider(testSecret, now).VerifyIDToken(context.Background(), token)
	if !errors.Is(err, ErrTokenNotYetValid) {
		t.Fatalf("want ErrTokenNotYetValid, got %v", err)
	}
}

func TestHS256_UnsupportedAlg(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token := signTokenAlg(t, testSecret, "none", map[string]any{"sub": "user-1"})

	_, err := fixedProvider(testSecret, now).VerifyIDToken(context.Background(), token)
	if !errors.Is(err, ErrUnsupportedAlg) {
		t.Fatalf("want ErrUnsupportedAlg, got %v", err)
	}
}

func TestHS256_MalformedTokens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := fixedProvider(testSecret, now)
	for _, token := range []string{
		"",
		"nodots",
		"one.dot",
		"trailing.dot.",
		".leading.dot",
		"!!!.???.***",
	} {
		if _, err := p.VerifyIDToken(context.Background(), token); err == nil {
			t.Fatalf("token %q must be rejected", token)
		}
	}
}

func TestHS256_MissingSubjectRejected(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token := signToken(t, testSecret, map[string]any{"email": "x@example.com"})

	_, err := fixedProvider(testSecret, now).VerifyIDToken(context.Background(), token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken for missing subject, got %v", err)
	}
}

func TestInsecureProvider_DecodesWithoutSignature(t *testing.T) {
	payload, err := json.Marshal(map[string]any{"sub": "user-1", "email_verified": true})
	if err != nil {
		t.Fatal(err)
	}
	token := "eyJhbGciOiJub25lIn0." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"

	got, err := NewInsecureProvider().VerifyIDToken(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.UID != "user-1" || !got.EmailVerified {
		t.Fatalf("claims mismatch: %+v", got)
	}
}
