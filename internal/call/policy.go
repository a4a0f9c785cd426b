package call

import "github.com/famcall/famcall/internal/domain"

// Permissions is the set of user-initiated actions currently allowed
// on a call, with a user-facing reason when ending is denied.
type Permissions struct {
	CanCancel bool
	CanEnd    bool
	Reason    string
}

// DenyDependentHangup is shown when a dependent tries to end an
// active call with a guardian.
const DenyDependentHangup = "an active call with a guardian can only be ended by the guardian"

// DerivePermissions is the single decision point for cancel/end
// authority. Every call site that sends cancel or hangup must route
// through it; there are no role checks anywhere else.
//
// Cancel is allowed before any answer, for either party. End is
// allowed everywhere except the one case the safety invariant forbids:
// a dependent ending an active call with a guardian.
func DerivePermissions(direction domain.Direction, state domain.CallState, localRole, remoteRole domain.Role) Permissions {
	_ = direction // part of the contract; the rule set today is direction-independent

	p := Permissions{
		CanCancel: state.PreAnswer(),
		CanEnd:    true,
	}
	if localRole == domain.RoleDependent && remoteRole == domain.RoleGuardian && state == domain.CallActive {
		p.CanEnd = false
		p.Reason = DenyDependentHangup
	}
	return p
}
