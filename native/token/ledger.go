package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"poolledger/crypto"
	nativecommon "poolledger/native/common"
)

var (
	errNilState          = errors.New("token: state not configured")
	errInvalidAmount     = nativecommon.NewError(nativecommon.ErrOutOfBounds, "token: amount must not be negative")
	errZeroAddress       = nativecommon.NewError(nativecommon.ErrOutOfBounds, "token: zero address")
	errInsufficientFunds = nativecommon.NewError(nativecommon.ErrInsufficient, "token: insufficient balance")
	errAllowance         = nativecommon.NewError(nativecommon.ErrInsufficient, "token: insufficient allowance")
	errNotOwner          = nativecommon.NewError(nativecommon.ErrUnauthorized, "token: caller is not the token owner")
)

type ledgerState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// TransferHook observes value leaving the ledger after balances are updated.
// The pool engine service installs one to surface transfers; tests use it to
// simulate a recipient that calls back into the ledger.
type TransferHook func(from, to crypto.Address, amount *big.Int)

// Ledger is a fungible token whose balances live in ledger state. Mint and
// burn are restricted to the configured owner.
type Ledger struct {
	state  ledgerState
	symbol string
	owner  crypto.Address
	hook   TransferHook
}

// NewLedger creates a token identified by symbol and owned by owner.
func NewLedger(symbol string, owner crypto.Address) *Ledger {
	return &Ledger{symbol: strings.ToUpper(strings.TrimSpace(symbol)), owner: owner}
}

// SetState wires the ledger to the persistence layer.
func (l *Ledger) SetState(state ledgerState) { l.state = state }

// SetTransferHook installs fn to be invoked after each successful transfer.
func (l *Ledger) SetTransferHook(fn TransferHook) { l.hook = fn }

// Symbol returns the normalised ticker.
func (l *Ledger) Symbol() string { return l.symbol }

// Owner returns the address permitted to mint and burn.
func (l *Ledger) Owner() crypto.Address { return l.owner }

func (l *Ledger) balanceKey(addr crypto.Address) []byte {
	return []byte(fmt.Sprintf("token/%s/balance/%x", l.symbol, addr.Bytes()))
}

func (l *Ledger) allowanceKey(owner, spender crypto.Address) []byte {
	return []byte(fmt.Sprintf("token/%s/allowance/%x/%x", l.symbol, owner.Bytes(), spender.Bytes()))
}

func (l *Ledger) supplyKey() []byte {
	return []byte(fmt.Sprintf("token/%s/supply", l.symbol))
}

func (l *Ledger) readAmount(key []byte) (*big.Int, error) {
	if l.state == nil {
		return nil, errNilState
	}
	value := new(big.Int)
	ok, err := l.state.KVGet(key, value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return value, nil
}

func (l *Ledger) writeAmount(key []byte, amount *big.Int) error {
	if l.state == nil {
		return errNilState
	}
	return l.state.KVPut(key, amount)
}

// BalanceOf returns the balance held by addr.
func (l *Ledger) BalanceOf(addr crypto.Address) (*big.Int, error) {
	return l.readAmount(l.balanceKey(addr))
}

// TotalSupply returns the amount minted minus the amount burned.
func (l *Ledger) TotalSupply() (*big.Int, error) {
	return l.readAmount(l.supplyKey())
}

// Allowance returns how much spender may move on behalf of owner.
func (l *Ledger) Allowance(owner, spender crypto.Address) (*big.Int, error) {
	return l.readAmount(l.allowanceKey(owner, spender))
}

// Approve sets the allowance of spender over owner's balance.
func (l *Ledger) Approve(owner, spender crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	if owner.IsZero() || spender.IsZero() {
		return errZeroAddress
	}
	return l.writeAmount(l.allowanceKey(owner, spender), amount)
}

// Transfer moves amount from one address to another.
func (l *Ledger) Transfer(from, to crypto.Address, amount *big.Int) error {
	if err := l.move(from, to, amount); err != nil {
		return err
	}
	if l.hook != nil && amount.Sign() > 0 {
		l.hook(from, to, new(big.Int).Set(amount))
	}
	return nil
}

// TransferFrom moves amount out of from's balance, consuming spender's
// allowance.
func (l *Ledger) TransferFrom(spender, from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	allowance, err := l.Allowance(from, spender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return errAllowance
	}
	balance, err := l.BalanceOf(from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return errInsufficientFunds
	}
	if err := l.writeAmount(l.allowanceKey(from, spender), new(big.Int).Sub(allowance, amount)); err != nil {
		return err
	}
	return l.Transfer(from, to, amount)
}

// Mint credits amount to to and grows the supply. Owner only.
func (l *Ledger) Mint(caller, to crypto.Address, amount *big.Int) error {
	if !caller.Equal(l.owner) {
		return errNotOwner
	}
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	if to.IsZero() {
		return errZeroAddress
	}
	supply, err := l.TotalSupply()
	if err != nil {
		return err
	}
	nextSupply, err := nativecommon.CheckedAdd(supply, amount)
	if err != nil {
		return err
	}
	balance, err := l.BalanceOf(to)
	if err != nil {
		return err
	}
	if err := l.writeAmount(l.balanceKey(to), new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	return l.writeAmount(l.supplyKey(), nextSupply)
}

// Burn destroys amount held by from. Owner only.
func (l *Ledger) Burn(caller, from crypto.Address, amount *big.Int) error {
	if !caller.Equal(l.owner) {
		return errNotOwner
	}
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	balance, err := l.BalanceOf(from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return errInsufficientFunds
	}
	supply, err := l.TotalSupply()
	if err != nil {
		return err
	}
	if supply.Cmp(amount) < 0 {
		return nativecommon.NewError(nativecommon.ErrInvariant, "token: burn exceeds supply")
	}
	if err := l.writeAmount(l.balanceKey(from), new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	return l.writeAmount(l.supplyKey(), new(big.Int).Sub(supply, amount))
}

func (l *Ledger) move(from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	if to.IsZero() {
		return errZeroAddress
	}
	if amount.Sign() == 0 || from.Equal(to) {
		_, err := l.BalanceOf(from)
		return err
	}
	fromBalance, err := l.BalanceOf(from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return errInsufficientFunds
	}
	toBalance, err := l.BalanceOf(to)
	if err != nil {
		return err
	}
	credited, err := nativecommon.CheckedAdd(toBalance, amount)
	if err != nil {
		return err
	}
	if err := l.writeAmount(l.balanceKey(from), new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return l.writeAmount(l.balanceKey(to), credited)
}
