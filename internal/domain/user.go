// Package domain contains entities without logic, just meta-data
// shared by the server and the client.
package domain

type UserID string

// Role carries the call-authority level of an identity.
// A guardian can always end an active call; a dependent cannot end
// an active call with a guardian.
type Role string

const (
	RoleGuardian  Role = "guardian"
	RoleDependent Role = "dependent"
)

func (r Role) Valid() bool {
	return r == RoleGuardian || r == RoleDependent
}

type User struct {
	ID    UserID `json:"id"`
	Role  Role   `json:"role"`
	Email string `json:"email,omitempty"`
}
