package common

import "poolledger/crypto"

// Capability names consulted by the engines. Each maps to a pool-scoped role.
const (
	CapGovernance = "GOVERNANCE"
	CapStaker     = "STAKER"
	CapTreasury   = "TREASURY"
	CapPauser     = "PAUSER"
)

// CapabilityView answers whether principal may exercise capability.
type CapabilityView interface {
	HasCapability(principal crypto.Address, capability string) bool
}

// IsUser reports whether addr holds none of the privileged capabilities.
// Lenders and borrowers must be plain users.
func IsUser(view CapabilityView, addr crypto.Address) bool {
	if view == nil {
		return true
	}
	for _, capability := range []string{CapGovernance, CapStaker, CapTreasury, CapPauser} {
		if view.HasCapability(addr, capability) {
			return false
		}
	}
	return true
}

// Require returns denied unless principal holds capability.
func Require(view CapabilityView, principal crypto.Address, capability string, denied error) error {
	if view == nil || !view.HasCapability(principal, capability) {
		return denied
	}
	return nil
}
