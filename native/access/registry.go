package access

import (
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/text/unicode/norm"

	"poolledger/crypto"
	nativecommon "poolledger/native/common"
)

var (
	errNilState      = errors.New("access: state not configured")
	errUnknownRole   = nativecommon.NewError(nativecommon.ErrOutOfBounds, "access: unknown role")
	errUnknownModule = nativecommon.NewError(nativecommon.ErrOutOfBounds, "access: unknown module")
	errZeroAddress   = nativecommon.NewError(nativecommon.ErrOutOfBounds, "access: zero address")
	errNotGovernance = nativecommon.NewError(nativecommon.ErrUnauthorized, "access: caller lacks governance role")
	errNotPauser     = nativecommon.NewError(nativecommon.ErrUnauthorized, "access: caller lacks pauser role")
)

var knownRoles = map[string]struct{}{
	nativecommon.CapGovernance: {},
	nativecommon.CapStaker:     {},
	nativecommon.CapTreasury:   {},
	nativecommon.CapPauser:     {},
}

var knownModules = map[string]struct{}{
	nativecommon.ModulePool:     {},
	nativecommon.ModuleLoanDesk: {},
}

type registryState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Registry stores pool-scoped role membership and the per-module pause flags.
type Registry struct {
	state  registryState
	poolID string
}

// NewRegistry returns a registry scoped to poolID.
func NewRegistry(poolID string) *Registry {
	return &Registry{poolID: strings.TrimSpace(poolID)}
}

// SetState wires the registry to the persistence layer.
func (r *Registry) SetState(state registryState) { r.state = state }

// PoolID returns the scope used when hashing role names.
func (r *Registry) PoolID() string { return r.poolID }

// RoleID hashes the pool-scoped role name into its 32-byte identifier.
func (r *Registry) RoleID(role string) [32]byte {
	name := norm.NFKC.String(strings.ToUpper(strings.TrimSpace(r.poolID + "." + role)))
	var id [32]byte
	copy(id[:], ethcrypto.Keccak256([]byte(name)))
	return id
}

func normaliseRole(role string) (string, error) {
	name := norm.NFKC.String(strings.ToUpper(strings.TrimSpace(role)))
	if _, ok := knownRoles[name]; !ok {
		return "", fmt.Errorf("%w: %q", errUnknownRole, role)
	}
	return name, nil
}

func (r *Registry) memberKey(role string, addr crypto.Address) []byte {
	id := r.RoleID(role)
	return []byte(fmt.Sprintf("access/role/%x/member/%x", id[:], addr.Bytes()))
}

func (r *Registry) membersKey(role string) []byte {
	id := r.RoleID(role)
	return []byte(fmt.Sprintf("access/role/%x/members", id[:]))
}

func (r *Registry) pauseKey(module string) []byte {
	return []byte(fmt.Sprintf("access/%s/paused/%s", r.poolID, module))
}

// Seed grants role to addr without an authority check. It is used when a pool
// is bootstrapped from configuration.
func (r *Registry) Seed(role string, addr crypto.Address) error {
	name, err := normaliseRole(role)
	if err != nil {
		return err
	}
	return r.setMember(name, addr, true)
}

// Grant gives addr the role. Only governance may grant.
func (r *Registry) Grant(caller crypto.Address, role string, addr crypto.Address) error {
	name, err := normaliseRole(role)
	if err != nil {
		return err
	}
	if !r.HasCapability(caller, nativecommon.CapGovernance) {
		return errNotGovernance
	}
	return r.setMember(name, addr, true)
}

// Revoke removes the role from addr. Only governance may revoke.
func (r *Registry) Revoke(caller crypto.Address, role string, addr crypto.Address) error {
	name, err := normaliseRole(role)
	if err != nil {
		return err
	}
	if !r.HasCapability(caller, nativecommon.CapGovernance) {
		return errNotGovernance
	}
	return r.setMember(name, addr, false)
}

func (r *Registry) setMember(role string, addr crypto.Address, member bool) error {
	if r.state == nil {
		return errNilState
	}
	if addr.IsZero() {
		return errZeroAddress
	}
	members, err := r.loadMembers(role)
	if err != nil {
		return err
	}
	raw := addr.Raw()
	idx := -1
	for i, existing := range members {
		if existing == raw {
			idx = i
			break
		}
	}
	switch {
	case member && idx < 0:
		members = append(members, raw)
	case !member && idx >= 0:
		members = append(members[:idx], members[idx+1:]...)
	}
	if err := r.state.KVPut(r.membersKey(role), members); err != nil {
		return err
	}
	return r.state.KVPut(r.memberKey(role, addr), member)
}

func (r *Registry) loadMembers(role string) ([][20]byte, error) {
	var members [][20]byte
	if _, err := r.state.KVGet(r.membersKey(role), &members); err != nil {
		return nil, err
	}
	return members, nil
}

// HasRole reports whether addr currently holds role.
func (r *Registry) HasRole(role string, addr crypto.Address) (bool, error) {
	if r.state == nil {
		return false, errNilState
	}
	name, err := normaliseRole(role)
	if err != nil {
		return false, err
	}
	var member bool
	ok, err := r.state.KVGet(r.memberKey(name, addr), &member)
	if err != nil {
		return false, err
	}
	return ok && member, nil
}

// HasCapability implements common.CapabilityView. Lookup failures deny.
func (r *Registry) HasCapability(principal crypto.Address, capability string) bool {
	ok, err := r.HasRole(capability, principal)
	return err == nil && ok
}

// Members lists the holders of role in grant order.
func (r *Registry) Members(role string) ([]crypto.Address, error) {
	if r.state == nil {
		return nil, errNilState
	}
	name, err := normaliseRole(role)
	if err != nil {
		return nil, err
	}
	raw, err := r.loadMembers(name)
	if err != nil {
		return nil, err
	}
	out := make([]crypto.Address, 0, len(raw))
	for _, member := range raw {
		out = append(out, crypto.FromRaw(crypto.PoolPrefix, member))
	}
	return out, nil
}

// SetPaused toggles the pause flag for module. Only pausers may toggle.
func (r *Registry) SetPaused(caller crypto.Address, module string, paused bool) error {
	if r.state == nil {
		return errNilState
	}
	module = strings.ToLower(strings.TrimSpace(module))
	if _, ok := knownModules[module]; !ok {
		return fmt.Errorf("%w: %q", errUnknownModule, module)
	}
	if !r.HasCapability(caller, nativecommon.CapPauser) {
		return errNotPauser
	}
	return r.state.KVPut(r.pauseKey(module), paused)
}

// IsPaused implements common.PauseView. A state read failure reports paused.
func (r *Registry) IsPaused(module string) bool {
	if r.state == nil {
		return false
	}
	var paused bool
	ok, err := r.state.KVGet(r.pauseKey(strings.ToLower(module)), &paused)
	if err != nil {
		return true
	}
	return ok && paused
}
