package market

// Action identifies a guarded transition for authorization purposes.
type Action uint8

const (
	ActionBid Action = iota
	ActionMarkPurchased
	ActionSetPrice
	ActionUpdateStatus
	ActionRaiseDispute
	ActionResolveDispute
	ActionRelease
	ActionAddFunds
	ActionCancel
)

// Authorize applies the identity rules for a single action against the given
// record. Keeping the who-may-call-what table in one place keeps the state
// machine and the authorization layer independently testable. State guards
// (buyer present, dispute active, deadline elapsed) stay in the engine; this
// function only answers whether the caller identity is acceptable.
func Authorize(action Action, c *Credit, caller [20]byte) error {
	if c == nil {
		return ErrNotFound
	}
	switch action {
	case ActionBid:
		if caller == c.Owner {
			return ErrSelfTransaction
		}
	case ActionMarkPurchased:
		// Any caller; the engine requires an associated buyer.
	case ActionSetPrice, ActionUpdateStatus:
		if caller != c.Owner {
			return ErrNotParticipant
		}
	case ActionRaiseDispute, ActionResolveDispute, ActionRelease, ActionAddFunds:
		if caller != c.Owner {
			return ErrUnauthorized
		}
	case ActionCancel:
		if caller == c.Owner {
			return nil
		}
		if c.Buyer != nil && caller == *c.Buyer {
			return nil
		}
		return ErrUnauthorized
	}
	return nil
}
