package engine

import (
	"context"
	"math/big"

	"poolledger/core/state"
	"poolledger/crypto"
	"poolledger/native/lending"
	"poolledger/native/loandesk"
)

type empty = struct{}

func exec(s *Service, ctx context.Context, op string, fn func() error) error {
	_, err := run(s, ctx, op, func(*state.Tx) (empty, error) { return empty{}, fn() })
	return err
}

// Deposit adds lender liquidity and returns the shares minted.
func (s *Service) Deposit(ctx context.Context, lender crypto.Address, amount *big.Int) (*big.Int, error) {
	return run(s, ctx, "deposit", func(*state.Tx) (*big.Int, error) { return s.pool.Deposit(lender, amount) })
}

// Stake adds first-loss capital on behalf of the staker.
func (s *Service) Stake(ctx context.Context, staker crypto.Address, amount *big.Int) (*big.Int, error) {
	return run(s, ctx, "stake", func(*state.Tx) (*big.Int, error) { return s.pool.Stake(staker, amount) })
}

// Unstake burns staked shares worth amount and returns the shares burned.
func (s *Service) Unstake(ctx context.Context, staker crypto.Address, amount *big.Int) (*big.Int, error) {
	return run(s, ctx, "unstake", func(*state.Tx) (*big.Int, error) { return s.pool.Unstake(staker, amount) })
}

// Open opens the pool for lending.
func (s *Service) Open(ctx context.Context, staker crypto.Address) error {
	return exec(s, ctx, "open", func() error { return s.pool.Open(staker) })
}

// Close closes the pool permanently.
func (s *Service) Close(ctx context.Context, staker crypto.Address) error {
	return exec(s, ctx, "close", func() error { return s.pool.Close(staker) })
}

// WithdrawRevenue pays the caller's accrued revenue.
func (s *Service) WithdrawRevenue(ctx context.Context, caller crypto.Address) (*big.Int, error) {
	return run(s, ctx, "withdraw_revenue", func(*state.Tx) (*big.Int, error) { return s.pool.WithdrawRevenue(caller) })
}

// UpdateParams replaces the pool parameters.
func (s *Service) UpdateParams(ctx context.Context, caller crypto.Address, params lending.Params) error {
	return exec(s, ctx, "update_params", func() error { return s.pool.UpdateParams(caller, params) })
}

// RequestWithdrawal queues shares for withdrawal. The boolean reports whether
// the request was fulfilled immediately.
func (s *Service) RequestWithdrawal(ctx context.Context, lender crypto.Address, shares *big.Int) (uint64, bool, error) {
	type result struct {
		id        uint64
		fulfilled bool
	}
	out, err := run(s, ctx, "request_withdrawal", func(*state.Tx) (result, error) {
		id, fulfilled, err := s.pool.RequestWithdrawal(lender, shares)
		return result{id, fulfilled}, err
	})
	return out.id, out.fulfilled, err
}

// FulfillWithdrawalRequests processes up to max pending requests.
func (s *Service) FulfillWithdrawalRequests(ctx context.Context, max uint64) (uint64, error) {
	return run(s, ctx, "fulfill_withdrawals", func(*state.Tx) (uint64, error) { return s.pool.FulfillWithdrawalRequests(max) })
}

// CancelWithdrawalRequest cancels a pending request.
func (s *Service) CancelWithdrawalRequest(ctx context.Context, lender crypto.Address, id uint64) error {
	return exec(s, ctx, "cancel_withdrawal", func() error { return s.pool.CancelWithdrawalRequest(lender, id) })
}

// UpdateWithdrawalRequest changes the shares of a pending request.
func (s *Service) UpdateWithdrawalRequest(ctx context.Context, lender crypto.Address, id uint64, shares *big.Int) error {
	return exec(s, ctx, "update_withdrawal", func() error { return s.pool.UpdateWithdrawalRequest(lender, id, shares) })
}

// RequestLoan files a loan application.
func (s *Service) RequestLoan(ctx context.Context, borrower crypto.Address, amount *big.Int, duration uint64, reference string, digest [32]byte) (uint64, error) {
	return run(s, ctx, "request_loan", func(*state.Tx) (uint64, error) {
		return s.desk.RequestLoan(borrower, amount, duration, reference, digest)
	})
}

// DenyLoan rejects an application.
func (s *Service) DenyLoan(ctx context.Context, staker crypto.Address, id uint64) error {
	return exec(s, ctx, "deny_loan", func() error { return s.desk.DenyLoan(staker, id) })
}

// DraftOffer drafts offer terms for an application.
func (s *Service) DraftOffer(ctx context.Context, staker crypto.Address, id uint64, terms loandesk.OfferTerms) error {
	return exec(s, ctx, "draft_offer", func() error { return s.desk.DraftOffer(staker, id, terms) })
}

// UpdateDraftOffer replaces drafted terms.
func (s *Service) UpdateDraftOffer(ctx context.Context, staker crypto.Address, id uint64, terms loandesk.OfferTerms) error {
	return exec(s, ctx, "update_draft_offer", func() error { return s.desk.UpdateDraftOffer(staker, id, terms) })
}

// LockDraftOffer freezes drafted terms.
func (s *Service) LockDraftOffer(ctx context.Context, staker crypto.Address, id uint64) error {
	return exec(s, ctx, "lock_draft_offer", func() error { return s.desk.LockDraftOffer(staker, id) })
}

// OfferLoan publishes a locked offer to the borrower.
func (s *Service) OfferLoan(ctx context.Context, staker crypto.Address, id uint64) error {
	return exec(s, ctx, "offer_loan", func() error { return s.desk.OfferLoan(staker, id) })
}

// CancelOffer withdraws an offer and releases its reservation.
func (s *Service) CancelOffer(ctx context.Context, staker crypto.Address, id uint64) error {
	return exec(s, ctx, "cancel_offer", func() error { return s.desk.CancelOffer(staker, id) })
}

// CancelLoan withdraws an application on behalf of its borrower.
func (s *Service) CancelLoan(ctx context.Context, borrower crypto.Address, id uint64) error {
	return exec(s, ctx, "cancel_loan", func() error { return s.desk.CancelLoan(borrower, id) })
}

// Borrow accepts an offer and returns the new loan id.
func (s *Service) Borrow(ctx context.Context, borrower crypto.Address, id uint64) (uint64, error) {
	return run(s, ctx, "borrow", func(*state.Tx) (uint64, error) { return s.desk.Borrow(borrower, id) })
}

// Repay applies a payment to a loan.
func (s *Service) Repay(ctx context.Context, payer crypto.Address, loanID uint64, amount *big.Int) (*loandesk.Repayment, error) {
	return run(s, ctx, "repay", func(*state.Tx) (*loandesk.Repayment, error) { return s.desk.Repay(payer, loanID, amount) })
}

// DefaultLoan writes a loan off and returns the principal lost.
func (s *Service) DefaultLoan(ctx context.Context, caller crypto.Address, loanID uint64) (*big.Int, error) {
	loss, err := run(s, ctx, "default_loan", func(*state.Tx) (*big.Int, error) { return s.desk.DefaultLoan(caller, loanID) })
	if err == nil {
		s.logger.Warn("loan defaulted", "loan", loanID, "loss", loss.String(), "caller", caller.String())
	}
	return loss, err
}

// UpdateTemplate replaces the loan template.
func (s *Service) UpdateTemplate(ctx context.Context, staker crypto.Address, tmpl loandesk.LoanTemplate) error {
	return exec(s, ctx, "update_template", func() error { return s.desk.UpdateTemplate(staker, tmpl) })
}

// Snapshot returns the pool state with derived figures.
func (s *Service) Snapshot() (*lending.Snapshot, error) {
	return view(s, s.pool.Snapshot)
}

// Params returns the pool parameters.
func (s *Service) Params() (lending.Params, error) {
	return view(s, s.pool.Params)
}

// WithdrawalRequest looks up a withdrawal request.
func (s *Service) WithdrawalRequest(id uint64) (*lending.WithdrawalRequest, error) {
	return view(s, func() (*lending.WithdrawalRequest, error) { return s.pool.WithdrawalRequest(id) })
}

// PendingWithdrawals lists up to limit queued requests in order.
func (s *Service) PendingWithdrawals(limit int) ([]*lending.WithdrawalRequest, error) {
	return view(s, func() ([]*lending.WithdrawalRequest, error) { return s.pool.PendingWithdrawals(limit) })
}

// Conversion returns the share value of amount and the asset value of shares
// at the current rate. Either argument may be nil.
func (s *Service) Conversion(amount, shares *big.Int) (toShares, toFunds *big.Int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amount != nil {
		if toShares, err = s.pool.FundsToShares(amount); err != nil {
			return nil, nil, err
		}
	}
	if shares != nil {
		if toFunds, err = s.pool.SharesToFunds(shares); err != nil {
			return nil, nil, err
		}
	}
	return toShares, toFunds, nil
}

// AmountUnstakable reports how much stake may currently be withdrawn.
func (s *Service) AmountUnstakable() (*big.Int, error) {
	return view(s, s.pool.AmountUnstakable)
}

// Application looks up a loan application.
func (s *Service) Application(id uint64) (*loandesk.Application, error) {
	return view(s, func() (*loandesk.Application, error) { return s.desk.Application(id) })
}

// RecentApplicationOf returns the latest application filed by borrower.
func (s *Service) RecentApplicationOf(borrower crypto.Address) (*loandesk.Application, error) {
	return view(s, func() (*loandesk.Application, error) { return s.desk.RecentApplicationOf(borrower) })
}

// OfferExpired reports whether the offer on an application has lapsed.
func (s *Service) OfferExpired(id uint64) (bool, error) {
	return view(s, func() (bool, error) { return s.desk.OfferExpired(id) })
}

// Loan looks up a loan.
func (s *Service) Loan(id uint64) (*loandesk.Loan, error) {
	return view(s, func() (*loandesk.Loan, error) { return s.desk.Loan(id) })
}

// LoanBalanceDue values a loan now.
func (s *Service) LoanBalanceDue(id uint64) (*loandesk.BalanceDue, error) {
	return view(s, func() (*loandesk.BalanceDue, error) { return s.desk.LoanBalanceDue(id) })
}

// CanDefault reports whether caller may default the loan now.
func (s *Service) CanDefault(id uint64, caller crypto.Address) (bool, error) {
	return view(s, func() (bool, error) { return s.desk.CanDefault(id, caller) })
}

// Template returns the loan template.
func (s *Service) Template() (loandesk.LoanTemplate, error) {
	return view(s, s.desk.Template)
}
