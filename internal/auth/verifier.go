// Package auth validates presented credentials and yields the
// authenticated identity used for room membership and relay stamping.
package auth

import (
	"context"
	"strings"

	"github.com/famcall/famcall/internal/domain"
)

// DependentTokenPrefix marks the low-assurance pseudo-credential of a
// dependent identity without a full account. It is accepted verbatim
// and never cryptographically verified; callers must not grant it
// anything beyond dependent authority.
const DependentTokenPrefix = "dependent-token-"

type Identity struct {
	UserID domain.UserID
	Role   domain.Role
	Email  string
}

// IDToken is the claim set an identity provider yields for a full
// account credential.
type IDToken struct {
	UID           string
	Email         string
	EmailVerified bool
}

// IdentityProvider verifies a full-account credential. The production
// strategy checks the signature; the insecure strategy does not and
// must only ever be selected by explicit configuration.
type IdentityProvider interface {
	VerifyIDToken(ctx context.Context, token string) (IDToken, error)
}

// Verifier resolves any presented token to (userId, role).
type Verifier struct {
	provider IdentityProvider
}

func NewVerifier(provider IdentityProvider) *Verifier {
	return &Verifier{provider: provider}
}

func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, &domain.AuthError{Reason: "missing token"}
	}

	if rest, ok := strings.CutPrefix(token, DependentTokenPrefix); ok {
		uid := strings.TrimSpace(rest)
		if uid == "" {
			return Identity{}, &domain.AuthError{Reason: "empty dependent token suffix"}
		}
		return Identity{UserID: domain.UserID(uid), Role: domain.RoleDependent}, nil
	}

	claims, err := v.provider.VerifyIDToken(ctx, token)
	if err != nil {
		return Identity{}, &domain.AuthError{Reason: "token verification failed", Err: err}
	}
	id := Identity{UserID: domain.UserID(claims.UID), Email: claims.Email}
	// A confirmed contact method is what elevates an account to
	// guardian authority.
	if claims.EmailVerified {
		id.Role = domain.RoleGuardian
	} else {
		id.Role = domain.RoleDependent
	}
	return id, nil
}
