package server

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"poolledger/crypto"
	nativecommon "poolledger/native/common"
	"poolledger/native/lending"
	"poolledger/native/loandesk"
	"poolledger/services/pool/engine"
)

// Amount renders a base-unit quantity together with its decimal form.
type Amount struct {
	Raw     string `json:"raw"`
	Display string `json:"display"`
}

type renderer struct {
	decimals int32
}

func (r renderer) amount(v *big.Int) Amount {
	if v == nil {
		v = big.NewInt(0)
	}
	return Amount{Raw: v.String(), Display: decimal.NewFromBigInt(v, -r.decimals).String()}
}

func parseAmountField(name, raw string) (*big.Int, error) {
	amount, err := nativecommon.ParseAmount(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return amount, nil
}

func parsePercentField(name, raw string) (nativecommon.Percent, error) {
	p, err := nativecommon.ParsePercent(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return p, nil
}

func parseAddressField(name, raw string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%s: %w", name, err)
	}
	return addr, nil
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type sharesRequest struct {
	Shares string `json:"shares"`
}

type approveRequest struct {
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

type transferRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type fulfillRequest struct {
	Max uint64 `json:"max"`
}

type addressRequest struct {
	Address string `json:"address"`
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

type paramsRequest struct {
	TargetStake          string `json:"targetStake"`
	TargetLiquidity      string `json:"targetLiquidity"`
	ProtocolFee          string `json:"protocolFee"`
	EarnFactor           string `json:"earnFactor"`
	ExitFee              string `json:"exitFee"`
	ExitFeeCooldownSecs  uint64 `json:"exitFeeCooldownSecs"`
	MinInitialStake      string `json:"minInitialStake"`
	StakerInactivitySecs uint64 `json:"stakerInactivitySecs"`
}

func (p paramsRequest) decode() (lending.Params, error) {
	var (
		out lending.Params
		err error
	)
	fields := []struct {
		name string
		raw  string
		dst  *nativecommon.Percent
	}{
		{"targetStake", p.TargetStake, &out.TargetStakePercent},
		{"targetLiquidity", p.TargetLiquidity, &out.TargetLiquidityPercent},
		{"protocolFee", p.ProtocolFee, &out.ProtocolFeePercent},
		{"earnFactor", p.EarnFactor, &out.EarnFactor},
		{"exitFee", p.ExitFee, &out.ExitFeePercent},
	}
	for _, f := range fields {
		if *f.dst, err = parsePercentField(f.name, f.raw); err != nil {
			return lending.Params{}, err
		}
	}
	if out.MinInitialStake, err = parseAmountField("minInitialStake", p.MinInitialStake); err != nil {
		return lending.Params{}, err
	}
	out.ExitFeeCooldown = p.ExitFeeCooldownSecs
	out.StakerInactivityPeriod = p.StakerInactivitySecs
	return out, nil
}

type loanRequest struct {
	Amount       string `json:"amount"`
	DurationSecs uint64 `json:"durationSecs"`
	Reference    string `json:"reference"`
	// Digest is the hex BLAKE3 digest of the off-ledger application document.
	Digest string `json:"digest"`
}

func (l loanRequest) decodeDigest() ([32]byte, error) {
	var digest [32]byte
	raw := strings.TrimPrefix(strings.TrimSpace(l.Digest), "0x")
	if raw == "" {
		return digest, nil
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != len(digest) {
		return digest, fmt.Errorf("digest: expected 32 hex-encoded bytes")
	}
	copy(digest[:], decoded)
	return digest, nil
}

type termsRequest struct {
	Amount          string `json:"amount"`
	DurationSecs    uint64 `json:"durationSecs"`
	GracePeriodSecs uint64 `json:"gracePeriodSecs"`
	Installments    uint32 `json:"installments"`
	APR             string `json:"apr"`
	LateAPRDelta    string `json:"lateAprDelta"`
}

func (t termsRequest) decode() (loandesk.OfferTerms, error) {
	amount, err := parseAmountField("amount", t.Amount)
	if err != nil {
		return loandesk.OfferTerms{}, err
	}
	apr, err := parsePercentField("apr", t.APR)
	if err != nil {
		return loandesk.OfferTerms{}, err
	}
	late, err := parsePercentField("lateAprDelta", t.LateAPRDelta)
	if err != nil {
		return loandesk.OfferTerms{}, err
	}
	return loandesk.OfferTerms{
		Amount:       amount,
		Duration:     t.DurationSecs,
		GracePeriod:  t.GracePeriodSecs,
		Installments: t.Installments,
		APR:          apr,
		LateAPRDelta: late,
	}, nil
}

type templateRequest struct {
	MinAmount           string `json:"minAmount"`
	MinDurationSecs     uint64 `json:"minDurationSecs"`
	MaxDurationSecs     uint64 `json:"maxDurationSecs"`
	GracePeriodSecs     uint64 `json:"gracePeriodSecs"`
	APR                 string `json:"apr"`
	LateAPRDelta        string `json:"lateAprDelta"`
	OfferExpirationSecs uint64 `json:"offerExpirationSecs"`
}

func (t templateRequest) decode() (loandesk.LoanTemplate, error) {
	minAmount, err := parseAmountField("minAmount", t.MinAmount)
	if err != nil {
		return loandesk.LoanTemplate{}, err
	}
	apr, err := parsePercentField("apr", t.APR)
	if err != nil {
		return loandesk.LoanTemplate{}, err
	}
	late, err := parsePercentField("lateAprDelta", t.LateAPRDelta)
	if err != nil {
		return loandesk.LoanTemplate{}, err
	}
	return loandesk.LoanTemplate{
		MinAmount:       minAmount,
		MinDuration:     t.MinDurationSecs,
		MaxDuration:     t.MaxDurationSecs,
		GracePeriod:     t.GracePeriodSecs,
		APR:             apr,
		LateAPRDelta:    late,
		OfferExpiration: t.OfferExpirationSecs,
	}, nil
}

type poolResponse struct {
	PoolID             string         `json:"poolId"`
	PoolAddress        string         `json:"poolAddress"`
	DeskAddress        string         `json:"deskAddress"`
	Opened             bool           `json:"opened"`
	Closed             bool           `json:"closed"`
	TotalFunds         Amount         `json:"totalFunds"`
	TotalShares        string         `json:"totalShares"`
	StakedShares       string         `json:"stakedShares"`
	LockedShares       string         `json:"lockedShares"`
	StakedFunds        Amount         `json:"stakedFunds"`
	BorrowedFunds      Amount         `json:"borrowedFunds"`
	AllocatedFunds     Amount         `json:"allocatedFunds"`
	StakerRevenue      Amount         `json:"stakerRevenue"`
	ProtocolRevenue    Amount         `json:"protocolRevenue"`
	Liquidity          Amount         `json:"liquidity"`
	Lendable           Amount         `json:"lendable"`
	FundingLimit       Amount         `json:"fundingLimit"`
	AssetBalance       Amount         `json:"assetBalance"`
	PendingRequests    uint64         `json:"pendingRequests"`
	LastStakerActivity uint64         `json:"lastStakerActivity"`
	Params             paramsResponse `json:"params"`
}

type paramsResponse struct {
	TargetStake          string `json:"targetStake"`
	TargetLiquidity      string `json:"targetLiquidity"`
	ProtocolFee          string `json:"protocolFee"`
	EarnFactor           string `json:"earnFactor"`
	ExitFee              string `json:"exitFee"`
	ExitFeeCooldownSecs  uint64 `json:"exitFeeCooldownSecs"`
	MinInitialStake      Amount `json:"minInitialStake"`
	StakerInactivitySecs uint64 `json:"stakerInactivitySecs"`
}

func (r renderer) params(p lending.Params) paramsResponse {
	return paramsResponse{
		TargetStake:          p.TargetStakePercent.Decimal().String(),
		TargetLiquidity:      p.TargetLiquidityPercent.Decimal().String(),
		ProtocolFee:          p.ProtocolFeePercent.Decimal().String(),
		EarnFactor:           p.EarnFactor.Decimal().String(),
		ExitFee:              p.ExitFeePercent.Decimal().String(),
		ExitFeeCooldownSecs:  p.ExitFeeCooldown,
		MinInitialStake:      r.amount(p.MinInitialStake),
		StakerInactivitySecs: p.StakerInactivityPeriod,
	}
}

func (r renderer) pool(snap *lending.Snapshot, addrs engine.Addresses) poolResponse {
	p := snap.Pool
	return poolResponse{
		PoolID:             snap.PoolID,
		PoolAddress:        addrs.Pool.String(),
		DeskAddress:        addrs.Desk.String(),
		Opened:             p.Opened,
		Closed:             p.Closed,
		TotalFunds:         r.amount(p.TotalFunds),
		TotalShares:        p.TotalShares.String(),
		StakedShares:       p.StakedShares.String(),
		LockedShares:       p.LockedShares.String(),
		StakedFunds:        r.amount(snap.StakedFunds),
		BorrowedFunds:      r.amount(p.BorrowedFunds),
		AllocatedFunds:     r.amount(p.AllocatedFunds),
		StakerRevenue:      r.amount(p.StakerRevenue),
		ProtocolRevenue:    r.amount(p.ProtocolRevenue),
		Liquidity:          r.amount(snap.Liquidity),
		Lendable:           r.amount(snap.Lendable),
		FundingLimit:       r.amount(snap.FundingLimit),
		AssetBalance:       r.amount(snap.AssetBalance),
		PendingRequests:    snap.PendingRequests,
		LastStakerActivity: p.LastStakerActivity,
		Params:             r.params(snap.Params),
	}
}

type accountResponse struct {
	Address           string `json:"address"`
	AssetSymbol       string `json:"assetSymbol"`
	ShareSymbol       string `json:"shareSymbol"`
	Asset             Amount `json:"asset"`
	Shares            string `json:"shares"`
	PoolAllowance     Amount `json:"poolAllowance"`
	Withdrawable      Amount `json:"withdrawable"`
	SharesLocked      string `json:"sharesLocked"`
	OpenWithdrawals   uint64 `json:"openWithdrawals"`
	LastDepositTime   uint64 `json:"lastDepositTime"`
	RecentApplication uint64 `json:"recentApplication,omitempty"`
}

func (r renderer) account(b *engine.Balances, recent *loandesk.Application) accountResponse {
	out := accountResponse{
		Address:       b.AccountAddress.String(),
		AssetSymbol:   b.AssetSymbol,
		ShareSymbol:   b.ShareSymbol,
		Asset:         r.amount(b.Asset),
		Shares:        b.Shares.String(),
		PoolAllowance: r.amount(b.PoolAllowance),
		Withdrawable:  r.amount(b.Withdrawable),
		SharesLocked:  "0",
	}
	if b.LenderState != nil {
		if b.LenderState.SharesLocked != nil {
			out.SharesLocked = b.LenderState.SharesLocked.String()
		}
		out.OpenWithdrawals = b.LenderState.CountOutstanding
		out.LastDepositTime = b.LenderState.LastDepositTime
	}
	if recent != nil {
		out.RecentApplication = recent.ID
	}
	return out
}

type withdrawalResponse struct {
	ID          uint64  `json:"id"`
	Lender      string  `json:"lender"`
	Shares      string  `json:"shares"`
	Status      string  `json:"status"`
	CreatedAt   uint64  `json:"createdAt"`
	FulfilledAt uint64  `json:"fulfilledAt,omitempty"`
	Paid        *Amount `json:"paid,omitempty"`
	Fee         *Amount `json:"fee,omitempty"`
}

func (r renderer) withdrawal(req *lending.WithdrawalRequest) withdrawalResponse {
	out := withdrawalResponse{
		ID:          req.ID,
		Lender:      crypto.FromRaw(crypto.PoolPrefix, req.Lender).String(),
		Shares:      req.Shares.String(),
		Status:      req.Status.String(),
		CreatedAt:   req.CreatedAt,
		FulfilledAt: req.FulfilledAt,
	}
	if req.Paid != nil {
		paid := r.amount(req.Paid)
		out.Paid = &paid
	}
	if req.Fee != nil {
		fee := r.amount(req.Fee)
		out.Fee = &fee
	}
	return out
}

type termsResponse struct {
	Amount          Amount `json:"amount"`
	DurationSecs    uint64 `json:"durationSecs"`
	GracePeriodSecs uint64 `json:"gracePeriodSecs"`
	Installments    uint32 `json:"installments"`
	APR             string `json:"apr"`
	LateAPRDelta    string `json:"lateAprDelta"`
	DraftedAt       uint64 `json:"draftedAt,omitempty"`
	LockedAt        uint64 `json:"lockedAt,omitempty"`
	OfferedAt       uint64 `json:"offeredAt,omitempty"`
	ExpiresAt       uint64 `json:"expiresAt,omitempty"`
}

type applicationResponse struct {
	ID           uint64         `json:"id"`
	Borrower     string         `json:"borrower"`
	Status       string         `json:"status"`
	Amount       Amount         `json:"amount"`
	DurationSecs uint64         `json:"durationSecs"`
	Reference    string         `json:"reference"`
	Digest       string         `json:"digest"`
	CreatedAt    uint64         `json:"createdAt"`
	Offer        *termsResponse `json:"offer,omitempty"`
	LoanID       uint64         `json:"loanId,omitempty"`
}

func (r renderer) application(app *loandesk.Application) applicationResponse {
	out := applicationResponse{
		ID:           app.ID,
		Borrower:     crypto.FromRaw(crypto.PoolPrefix, app.Borrower).String(),
		Status:       app.Status.String(),
		Amount:       r.amount(app.Amount),
		DurationSecs: app.Duration,
		Reference:    app.ReferenceUUID,
		Digest:       hex.EncodeToString(app.ReferenceDigest[:]),
		CreatedAt:    app.CreatedAt,
		LoanID:       app.LoanID,
	}
	if app.Offer.Amount != nil {
		o := app.Offer
		out.Offer = &termsResponse{
			Amount:          r.amount(o.Amount),
			DurationSecs:    o.Duration,
			GracePeriodSecs: o.GracePeriod,
			Installments:    o.Installments,
			APR:             o.APR.Decimal().String(),
			LateAPRDelta:    o.LateAPRDelta.Decimal().String(),
			DraftedAt:       o.DraftedAt,
			LockedAt:        o.LockedAt,
			OfferedAt:       o.OfferedAt,
			ExpiresAt:       o.ExpiresAt,
		}
	}
	return out
}

type loanResponse struct {
	ID               uint64 `json:"id"`
	ApplicationID    uint64 `json:"applicationId"`
	Borrower         string `json:"borrower"`
	Status           string `json:"status"`
	Amount           Amount `json:"amount"`
	PrincipalRepaid  Amount `json:"principalRepaid"`
	InterestPaid     Amount `json:"interestPaid"`
	TotalRepaid      Amount `json:"totalRepaid"`
	APR              string `json:"apr"`
	LateAPRDelta     string `json:"lateAprDelta"`
	BorrowedAt       uint64 `json:"borrowedAt"`
	DurationSecs     uint64 `json:"durationSecs"`
	GracePeriodSecs  uint64 `json:"gracePeriodSecs"`
	DefaultableAt    uint64 `json:"defaultableAt"`
	BalancePrincipal Amount `json:"balancePrincipal"`
	BalanceInterest  Amount `json:"balanceInterest"`
	BalanceTotal     Amount `json:"balanceTotal"`
}

func (r renderer) loan(loan *loandesk.Loan, due *loandesk.BalanceDue) loanResponse {
	return loanResponse{
		ID:               loan.ID,
		ApplicationID:    loan.ApplicationID,
		Borrower:         crypto.FromRaw(crypto.PoolPrefix, loan.Borrower).String(),
		Status:           loan.Status.String(),
		Amount:           r.amount(loan.Amount),
		PrincipalRepaid:  r.amount(loan.PrincipalRepaid),
		InterestPaid:     r.amount(loan.InterestPaid),
		TotalRepaid:      r.amount(loan.TotalRepaid),
		APR:              loan.APR.Decimal().String(),
		LateAPRDelta:     loan.LateAPRDelta.Decimal().String(),
		BorrowedAt:       loan.BorrowedAt,
		DurationSecs:     loan.Duration,
		GracePeriodSecs:  loan.GracePeriod,
		DefaultableAt:    loan.DefaultableAt(),
		BalancePrincipal: r.amount(due.Principal),
		BalanceInterest:  r.amount(due.Interest),
		BalanceTotal:     r.amount(due.Total),
	}
}

type templateResponse struct {
	MinAmount           Amount `json:"minAmount"`
	MinDurationSecs     uint64 `json:"minDurationSecs"`
	MaxDurationSecs     uint64 `json:"maxDurationSecs"`
	GracePeriodSecs     uint64 `json:"gracePeriodSecs"`
	APR                 string `json:"apr"`
	LateAPRDelta        string `json:"lateAprDelta"`
	OfferExpirationSecs uint64 `json:"offerExpirationSecs"`
}

func (r renderer) template(t loandesk.LoanTemplate) templateResponse {
	return templateResponse{
		MinAmount:           r.amount(t.MinAmount),
		MinDurationSecs:     t.MinDuration,
		MaxDurationSecs:     t.MaxDuration,
		GracePeriodSecs:     t.GracePeriod,
		APR:                 t.APR.Decimal().String(),
		LateAPRDelta:        t.LateAPRDelta.Decimal().String(),
		OfferExpirationSecs: t.OfferExpiration,
	}
}

type repaymentResponse struct {
	Paid      Amount `json:"paid"`
	Principal Amount `json:"principal"`
	Interest  Amount `json:"interest"`
	Status    string `json:"status"`
}
