package lending

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"poolledger/core/events"
	"poolledger/core/types"
	"poolledger/crypto"
	nativecommon "poolledger/native/common"
)

var (
	errNilState              = errors.New("pool: state not configured")
	errNilTokens             = errors.New("pool: tokens not configured")
	errNotInitialised        = nativecommon.NewError(nativecommon.ErrInvalidState, "pool: not initialised")
	errAlreadyInitialised    = nativecommon.NewError(nativecommon.ErrInvalidState, "pool: already initialised")
	errReentrant             = nativecommon.NewError(nativecommon.ErrInvalidState, "pool: reentrant call")
	errInvalidAmount         = nativecommon.NewError(nativecommon.ErrOutOfBounds, "pool: amount must be positive")
	errNotUser               = nativecommon.NewError(nativecommon.ErrUnauthorized, "pool: caller holds a privileged role")
	errNotStaker             = nativecommon.NewError(nativecommon.ErrUnauthorized, "pool: caller lacks staker role")
	errNotGovernance         = nativecommon.NewError(nativecommon.ErrUnauthorized, "pool: caller lacks governance role")
	errNotLoanDesk           = nativecommon.NewError(nativecommon.ErrUnauthorized, "pool: caller is not the loan desk")
	errNoRevenueRole         = nativecommon.NewError(nativecommon.ErrUnauthorized, "pool: caller holds no revenue role")
	errPoolNotOpen           = nativecommon.NewError(nativecommon.ErrInvalidState, "pool: not open")
	errPoolClosed            = nativecommon.NewError(nativecommon.ErrInvalidState, "pool: closed")
	errAlreadyOpen           = nativecommon.NewError(nativecommon.ErrInvalidState, "pool: already open")
	errUnpriced              = nativecommon.NewError(nativecommon.ErrInvalidState, "pool: shares have no backing funds")
	errZeroShares            = nativecommon.NewError(nativecommon.ErrOutOfBounds, "pool: amount too small to mint shares")
	errFundingLimit          = nativecommon.NewError(nativecommon.ErrOutOfBounds, "pool: deposit exceeds funding limit")
	errInitialStake          = nativecommon.NewError(nativecommon.ErrOutOfBounds, "pool: initial stake below minimum")
	errOpenStake             = nativecommon.NewError(nativecommon.ErrInsufficient, "pool: stake below minimum to open")
	errUnstakeLimit          = nativecommon.NewError(nativecommon.ErrInsufficient, "pool: amount exceeds unstakable funds")
	errOutstandingLoans      = nativecommon.NewError(nativecommon.ErrInvalidState, "pool: borrowed or allocated funds outstanding")
	errInsufficientShares    = nativecommon.NewError(nativecommon.ErrInsufficient, "pool: insufficient free shares")
	errInsufficientLiquidity = nativecommon.NewError(nativecommon.ErrInsufficient, "pool: insufficient liquidity")
	errNoRevenue             = nativecommon.NewError(nativecommon.ErrInsufficient, "pool: no revenue to withdraw")
	errAllocationUnderflow   = nativecommon.NewError(nativecommon.ErrInvariant, "pool: amount exceeds allocated funds")
	errBorrowUnderflow       = nativecommon.NewError(nativecommon.ErrInvariant, "pool: amount exceeds borrowed funds")
	errParamBounds           = nativecommon.NewError(nativecommon.ErrOutOfBounds, "pool: parameter out of bounds")
	errInvariantBroken       = nativecommon.NewError(nativecommon.ErrInvariant, "pool: accounting invariant violated")
)

const moduleName = nativecommon.ModulePool

var hundredPercent = nativecommon.HundredPercent.Big()

type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

type assetToken interface {
	BalanceOf(addr crypto.Address) (*big.Int, error)
	Transfer(from, to crypto.Address, amount *big.Int) error
	TransferFrom(spender, from, to crypto.Address, amount *big.Int) error
}

type shareToken interface {
	BalanceOf(addr crypto.Address) (*big.Int, error)
	TotalSupply() (*big.Int, error)
	Transfer(from, to crypto.Address, amount *big.Int) error
	Mint(caller, to crypto.Address, amount *big.Int) error
	Burn(caller, from crypto.Address, amount *big.Int) error
}

// Engine implements the pool ledger: share accounting, staking, the FIFO
// withdrawal queue and the hooks through which the loan desk lends and
// recovers funds. Asset and share tokens are held by the pool address.
type Engine struct {
	state       engineState
	poolID      string
	poolAddress crypto.Address
	loanDesk    crypto.Address
	asset       assetToken
	shares      shareToken
	caps        nativecommon.CapabilityView
	pauses      nativecommon.PauseView
	emitter     events.Emitter
	nowFn       func() int64
	inProgress  bool
}

// NewEngine creates a pool ledger for poolID whose funds are held at
// poolAddress. The share token must be owned by poolAddress.
func NewEngine(poolID string, poolAddress crypto.Address, asset assetToken, shares shareToken) *Engine {
	return &Engine{
		poolID:      poolID,
		poolAddress: poolAddress,
		asset:       asset,
		shares:      shares,
		emitter:     events.NoopEmitter{},
		nowFn:       func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

func (e *Engine) SetCapabilities(caps nativecommon.CapabilityView) { e.caps = caps }

func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetLoanDesk authorises addr to call the lending hooks.
func (e *Engine) SetLoanDesk(addr crypto.Address) { e.loanDesk = addr }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the clock. Passing nil restores wall time.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) PoolID() string { return e.poolID }

func (e *Engine) PoolAddress() crypto.Address { return e.poolAddress }

func (e *Engine) now() uint64 {
	if e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	ts := e.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (e *Engine) emit(event *types.Event) {
	if e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(events.Structured{Evt: event})
}

func (e *Engine) enter() error {
	if e.state == nil {
		return errNilState
	}
	if e.asset == nil || e.shares == nil {
		return errNilTokens
	}
	if e.inProgress {
		return errReentrant
	}
	e.inProgress = true
	return nil
}

func (e *Engine) exit() { e.inProgress = false }

func (e *Engine) poolKey() []byte { return []byte(fmt.Sprintf("lending/%s/pool", e.poolID)) }

func (e *Engine) paramsKey() []byte { return []byte(fmt.Sprintf("lending/%s/params", e.poolID)) }

func (e *Engine) requestKey(id uint64) []byte {
	return []byte(fmt.Sprintf("lending/%s/withdrawal/%d", e.poolID, id))
}

func (e *Engine) lenderKey(addr [20]byte) []byte {
	return []byte(fmt.Sprintf("lending/%s/lender/%x", e.poolID, addr[:]))
}

// Initialize persists an empty pool with params. It fails if the pool exists.
func (e *Engine) Initialize(params Params) error {
	if e.state == nil {
		return errNilState
	}
	if err := params.Validate(); err != nil {
		return err
	}
	var existing Pool
	ok, err := e.state.KVGet(e.poolKey(), &existing)
	if err != nil {
		return err
	}
	if ok {
		return errAlreadyInitialised
	}
	if err := e.state.KVPut(e.paramsKey(), params.Clone()); err != nil {
		return err
	}
	return e.state.KVPut(e.poolKey(), newPool())
}

func (e *Engine) load() (*Pool, Params, error) {
	if e.state == nil {
		return nil, Params{}, errNilState
	}
	pool := new(Pool)
	ok, err := e.state.KVGet(e.poolKey(), pool)
	if err != nil {
		return nil, Params{}, err
	}
	if !ok {
		return nil, Params{}, errNotInitialised
	}
	pool.normalise()
	var params Params
	if _, err := e.state.KVGet(e.paramsKey(), &params); err != nil {
		return nil, Params{}, err
	}
	params.MinInitialStake = nativecommon.Clone(params.MinInitialStake)
	return pool, params, nil
}

func (e *Engine) storePool(pool *Pool) error {
	return e.state.KVPut(e.poolKey(), pool)
}

func (e *Engine) loadLender(addr crypto.Address) (*LenderState, error) {
	lender := new(LenderState)
	if _, err := e.state.KVGet(e.lenderKey(addr.Raw()), lender); err != nil {
		return nil, err
	}
	lender.SharesLocked = nativecommon.Clone(lender.SharesLocked)
	return lender, nil
}

func (e *Engine) storeLender(addr crypto.Address, lender *LenderState) error {
	return e.state.KVPut(e.lenderKey(addr.Raw()), lender)
}

func (e *Engine) loadRequest(id uint64) (*WithdrawalRequest, error) {
	req := new(WithdrawalRequest)
	ok, err := e.state.KVGet(e.requestKey(id), req)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errRequestNotFound
	}
	req.Shares = nativecommon.Clone(req.Shares)
	req.Paid = nativecommon.Clone(req.Paid)
	req.Fee = nativecommon.Clone(req.Fee)
	return req, nil
}

func (e *Engine) storeRequest(req *WithdrawalRequest) error {
	return e.state.KVPut(e.requestKey(req.ID), req)
}

func (e *Engine) assetBalance() (*big.Int, error) {
	return e.asset.BalanceOf(e.poolAddress)
}

func liquidityOf(pool *Pool, balance *big.Int) *big.Int {
	reserved := new(big.Int).Add(pool.StakerRevenue, pool.ProtocolRevenue)
	reserved.Add(reserved, pool.AllocatedFunds)
	return nativecommon.SubFloor(balance, reserved)
}

func stakedFundsOf(pool *Pool) *big.Int {
	return nativecommon.SharesToFunds(pool.StakedShares, pool.TotalFunds, pool.TotalShares)
}

func fundingLimitOf(pool *Pool, params Params) *big.Int {
	if params.TargetStakePercent == 0 {
		return big.NewInt(0)
	}
	return nativecommon.MulDiv(stakedFundsOf(pool), hundredPercent, params.TargetStakePercent.Big())
}

func lendableOf(pool *Pool, params Params, balance *big.Int) *big.Int {
	buffer := nativecommon.MulPercent(pool.TotalFunds, params.TargetLiquidityPercent)
	return nativecommon.SubFloor(liquidityOf(pool, balance), buffer)
}

func unstakableOf(pool *Pool, params Params, balance *big.Int) *big.Int {
	liquidity := liquidityOf(pool, balance)
	staked := stakedFundsOf(pool)
	if pool.Closed && pool.BorrowedFunds.Sign() == 0 && pool.AllocatedFunds.Sign() == 0 {
		return nativecommon.Min(staked, liquidity)
	}
	// stakedFunds - x >= target * (totalFunds - x)
	target := params.TargetStakePercent.Big()
	slack := new(big.Int).Mul(staked, hundredPercent)
	slack.Sub(slack, new(big.Int).Mul(target, pool.TotalFunds))
	if slack.Sign() < 0 {
		return big.NewInt(0)
	}
	var bound *big.Int
	if params.TargetStakePercent >= nativecommon.HundredPercent {
		bound = nativecommon.Clone(staked)
	} else {
		bound = slack.Quo(slack, new(big.Int).Sub(hundredPercent, target))
	}
	return nativecommon.Min(nativecommon.Min(bound, staked), liquidity)
}

func (e *Engine) exitFee(params Params, lender *LenderState, value *big.Int, now uint64) *big.Int {
	if params.ExitFeePercent == 0 || now >= lender.LastDepositTime+params.ExitFeeCooldown {
		return big.NewInt(0)
	}
	return nativecommon.MulPercent(value, params.ExitFeePercent)
}

// checkInvariants verifies the structural accounting identities after a
// mutation. Any violation aborts the surrounding operation.
func (e *Engine) checkInvariants(pool *Pool) error {
	supply, err := e.shares.TotalSupply()
	if err != nil {
		return err
	}
	if supply.Cmp(pool.TotalShares) != 0 {
		return fmt.Errorf("%w: share supply %s != total shares %s", errInvariantBroken, supply, pool.TotalShares)
	}
	held, err := e.shares.BalanceOf(e.poolAddress)
	if err != nil {
		return err
	}
	custody := new(big.Int).Add(pool.StakedShares, pool.LockedShares)
	if held.Cmp(custody) != 0 {
		return fmt.Errorf("%w: pool holds %s shares, expected %s", errInvariantBroken, held, custody)
	}
	balance, err := e.assetBalance()
	if err != nil {
		return err
	}
	reserved := new(big.Int).Add(pool.StakerRevenue, pool.ProtocolRevenue)
	reserved.Add(reserved, pool.AllocatedFunds)
	if balance.Cmp(reserved) < 0 {
		return fmt.Errorf("%w: asset balance %s below reserved %s", errInvariantBroken, balance, reserved)
	}
	accounted := new(big.Int).Sub(balance, pool.StakerRevenue)
	accounted.Sub(accounted, pool.ProtocolRevenue)
	accounted.Add(accounted, pool.BorrowedFunds)
	if accounted.Cmp(pool.TotalFunds) < 0 {
		return fmt.Errorf("%w: accounted funds %s below total funds %s", errInvariantBroken, accounted, pool.TotalFunds)
	}
	return nil
}

func positive(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0
}

// Deposit pulls amount from lender and mints shares at the current valuation.
// The lender must have approved the pool address.
func (e *Engine) Deposit(lender crypto.Address, amount *big.Int) (*big.Int, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	if !nativecommon.IsUser(e.caps, lender) {
		return nil, errNotUser
	}
	if !positive(amount) {
		return nil, errInvalidAmount
	}
	pool, params, err := e.load()
	if err != nil {
		return nil, err
	}
	if pool.Closed {
		return nil, errPoolClosed
	}
	if !pool.Opened {
		return nil, errPoolNotOpen
	}
	if pool.TotalShares.Sign() > 0 && pool.TotalFunds.Sign() == 0 {
		return nil, errUnpriced
	}
	minted := nativecommon.FundsToShares(amount, pool.TotalFunds, pool.TotalShares)
	if minted.Sign() == 0 {
		return nil, errZeroShares
	}
	if new(big.Int).Add(pool.TotalFunds, amount).Cmp(fundingLimitOf(pool, params)) > 0 {
		return nil, errFundingLimit
	}
	lenderState, err := e.loadLender(lender)
	if err != nil {
		return nil, err
	}
	pool.TotalFunds.Add(pool.TotalFunds, amount)
	pool.TotalShares.Add(pool.TotalShares, minted)
	lenderState.LastDepositTime = e.now()
	if err := e.storePool(pool); err != nil {
		return nil, err
	}
	if err := e.storeLender(lender, lenderState); err != nil {
		return nil, err
	}
	if err := e.asset.TransferFrom(e.poolAddress, lender, e.poolAddress, amount); err != nil {
		return nil, err
	}
	if err := e.shares.Mint(e.poolAddress, lender, minted); err != nil {
		return nil, err
	}
	if err := e.checkInvariants(pool); err != nil {
		return nil, err
	}
	e.emit(newDepositedEvent(e.poolID, lender, amount, minted))
	return minted, nil
}

// Stake adds first-loss capital. The first stake mints the initial shares and
// must meet MinInitialStake.
func (e *Engine) Stake(staker crypto.Address, amount *big.Int) (*big.Int, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	if err := nativecommon.Require(e.caps, staker, nativecommon.CapStaker, errNotStaker); err != nil {
		return nil, err
	}
	if !positive(amount) {
		return nil, errInvalidAmount
	}
	pool, params, err := e.load()
	if err != nil {
		return nil, err
	}
	if pool.TotalShares.Sign() == 0 && amount.Cmp(params.MinInitialStake) < 0 {
		return nil, errInitialStake
	}
	if pool.TotalShares.Sign() > 0 && pool.TotalFunds.Sign() == 0 {
		return nil, errUnpriced
	}
	minted := nativecommon.FundsToShares(amount, pool.TotalFunds, pool.TotalShares)
	if minted.Sign() == 0 {
		return nil, errZeroShares
	}
	pool.TotalFunds.Add(pool.TotalFunds, amount)
	pool.TotalShares.Add(pool.TotalShares, minted)
	pool.StakedShares.Add(pool.StakedShares, minted)
	pool.LastStakerActivity = e.now()
	if err := e.storePool(pool); err != nil {
		return nil, err
	}
	if err := e.asset.TransferFrom(e.poolAddress, staker, e.poolAddress, amount); err != nil {
		return nil, err
	}
	if err := e.shares.Mint(e.poolAddress, e.poolAddress, minted); err != nil {
		return nil, err
	}
	if err := e.checkInvariants(pool); err != nil {
		return nil, err
	}
	e.emit(newStakedEvent(e.poolID, staker, amount, minted))
	return minted, nil
}

// Unstake returns amount of staked value to the staker, bounded by
// AmountUnstakable.
func (e *Engine) Unstake(staker crypto.Address, amount *big.Int) (*big.Int, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	if err := nativecommon.Require(e.caps, staker, nativecommon.CapStaker, errNotStaker); err != nil {
		return nil, err
	}
	if !positive(amount) {
		return nil, errInvalidAmount
	}
	pool, params, err := e.load()
	if err != nil {
		return nil, err
	}
	balance, err := e.assetBalance()
	if err != nil {
		return nil, err
	}
	if amount.Cmp(unstakableOf(pool, params, balance)) > 0 {
		return nil, errUnstakeLimit
	}
	burned := nativecommon.MulDivUp(amount, pool.TotalShares, pool.TotalFunds)
	if burned.Cmp(pool.StakedShares) > 0 {
		burned = nativecommon.Clone(pool.StakedShares)
	}
	pool.TotalFunds.Sub(pool.TotalFunds, amount)
	pool.TotalShares.Sub(pool.TotalShares, burned)
	pool.StakedShares.Sub(pool.StakedShares, burned)
	pool.LastStakerActivity = e.now()
	if err := e.storePool(pool); err != nil {
		return nil, err
	}
	if burned.Sign() > 0 {
		if err := e.shares.Burn(e.poolAddress, e.poolAddress, burned); err != nil {
			return nil, err
		}
	}
	if err := e.asset.Transfer(e.poolAddress, staker, amount); err != nil {
		return nil, err
	}
	if err := e.checkInvariants(pool); err != nil {
		return nil, err
	}
	e.emit(newUnstakedEvent(e.poolID, staker, amount, burned))
	return burned, nil
}

// Open enables deposits and loan requests once the stake meets the minimum.
func (e *Engine) Open(staker crypto.Address) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := nativecommon.Require(e.caps, staker, nativecommon.CapStaker, errNotStaker); err != nil {
		return err
	}
	pool, params, err := e.load()
	if err != nil {
		return err
	}
	if pool.Closed {
		return errPoolClosed
	}
	if pool.Opened {
		return errAlreadyOpen
	}
	if stakedFundsOf(pool).Cmp(params.MinInitialStake) < 0 {
		return errOpenStake
	}
	pool.Opened = true
	pool.LastStakerActivity = e.now()
	if err := e.storePool(pool); err != nil {
		return err
	}
	e.emit(newLifecycleEvent(EventTypePoolOpened, e.poolID, staker))
	return nil
}

// Close stops new deposits and loans. It requires that nothing is lent out or
// reserved, and lets the staker withdraw the full stake afterwards.
func (e *Engine) Close(staker crypto.Address) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := nativecommon.Require(e.caps, staker, nativecommon.CapStaker, errNotStaker); err != nil {
		return err
	}
	pool, _, err := e.load()
	if err != nil {
		return err
	}
	if pool.Closed {
		return errPoolClosed
	}
	if !pool.Opened {
		return errPoolNotOpen
	}
	if pool.BorrowedFunds.Sign() > 0 || pool.AllocatedFunds.Sign() > 0 {
		return errOutstandingLoans
	}
	pool.Closed = true
	pool.LastStakerActivity = e.now()
	if err := e.storePool(pool); err != nil {
		return err
	}
	e.emit(newLifecycleEvent(EventTypePoolClosed, e.poolID, staker))
	return nil
}

// WithdrawRevenue pays out the staker revenue to a staker and the protocol
// revenue to a treasury member. A caller holding both roles receives both.
func (e *Engine) WithdrawRevenue(caller crypto.Address) (*big.Int, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	isStaker := e.caps != nil && e.caps.HasCapability(caller, nativecommon.CapStaker)
	isTreasury := e.caps != nil && e.caps.HasCapability(caller, nativecommon.CapTreasury)
	if !isStaker && !isTreasury {
		return nil, errNoRevenueRole
	}
	pool, _, err := e.load()
	if err != nil {
		return nil, err
	}
	stakerPart, protocolPart := big.NewInt(0), big.NewInt(0)
	if isStaker {
		stakerPart = nativecommon.Clone(pool.StakerRevenue)
		pool.StakerRevenue.SetInt64(0)
		pool.LastStakerActivity = e.now()
	}
	if isTreasury {
		protocolPart = nativecommon.Clone(pool.ProtocolRevenue)
		pool.ProtocolRevenue.SetInt64(0)
	}
	total := new(big.Int).Add(stakerPart, protocolPart)
	if total.Sign() == 0 {
		return nil, errNoRevenue
	}
	if err := e.storePool(pool); err != nil {
		return nil, err
	}
	if err := e.asset.Transfer(e.poolAddress, caller, total); err != nil {
		return nil, err
	}
	if err := e.checkInvariants(pool); err != nil {
		return nil, err
	}
	e.emit(newRevenueWithdrawnEvent(e.poolID, caller, stakerPart, protocolPart))
	return total, nil
}

// UpdateParams replaces the pool parameters. Governance only.
func (e *Engine) UpdateParams(caller crypto.Address, params Params) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := nativecommon.Require(e.caps, caller, nativecommon.CapGovernance, errNotGovernance); err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}
	if _, _, err := e.load(); err != nil {
		return err
	}
	if err := e.state.KVPut(e.paramsKey(), params.Clone()); err != nil {
		return err
	}
	e.emit(newParamsUpdatedEvent(e.poolID, caller, params))
	return nil
}
