package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"poolledger/config"
	"poolledger/core/events"
	"poolledger/core/state"
	"poolledger/crypto"
	"poolledger/native/access"
	nativecommon "poolledger/native/common"
	"poolledger/native/lending"
	"poolledger/native/loandesk"
	"poolledger/native/token"
	"poolledger/observability"
	"poolledger/storage"
)

// Options tune a Service. Zero values select production defaults.
type Options struct {
	Logger  *slog.Logger
	Emitter events.Emitter
	Now     func() int64
	// Faucet enables minting of the pool asset through the issuer account.
	Faucet bool
}

// Addresses lists the module accounts derived for a pool.
type Addresses struct {
	Pool   crypto.Address
	Desk   crypto.Address
	Issuer crypto.Address
}

// Balances is an account's view of the pool tokens.
type Balances struct {
	Asset          *big.Int
	Shares         *big.Int
	PoolAllowance  *big.Int
	Withdrawable   *big.Int
	LenderState    *lending.LenderState
	AssetSymbol    string
	ShareSymbol    string
	AssetDecimals  uint8
	AccountAddress crypto.Address
}

// Service runs every ledger operation atomically. Each mutation executes
// against a fresh state transaction and its events are published only after
// the transaction commits.
type Service struct {
	mu sync.Mutex

	cfg      *config.Config
	addrs    Addresses
	state    *state.Manager
	asset    *token.Ledger
	shares   *token.Ledger
	registry *access.Registry
	pool     *lending.Engine
	desk     *loandesk.Engine
	buffer   *events.Buffer
	sink     events.Emitter
	logger   *slog.Logger
	metrics  *observability.PoolMetrics
	faucet   bool
}

// DeriveAddresses returns the module accounts for poolID.
func DeriveAddresses(poolID string) Addresses {
	return Addresses{
		Pool:   crypto.ModuleAddress(fmt.Sprintf("pool/%s/vault", poolID)),
		Desk:   crypto.ModuleAddress(fmt.Sprintf("pool/%s/desk", poolID)),
		Issuer: crypto.ModuleAddress(fmt.Sprintf("pool/%s/issuer", poolID)),
	}
}

// New wires the ledger components over db and applies genesis from cfg on
// first start.
func New(db storage.Database, cfg *config.Config, opts Options) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("pool service: database required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("pool service: config required")
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addrs := DeriveAddresses(cfg.PoolID)
	s := &Service{
		cfg:      cfg,
		addrs:    addrs,
		state:    state.NewManager(db),
		asset:    token.NewLedger(cfg.AssetSymbol, addrs.Issuer),
		shares:   token.NewLedger(cfg.ShareSymbol, addrs.Pool),
		registry: access.NewRegistry(cfg.PoolID),
		buffer:   &events.Buffer{},
		sink:     opts.Emitter,
		logger:   logger.With("component", "pool-service", "pool", cfg.PoolID),
		metrics:  observability.Pool(),
		faucet:   opts.Faucet,
	}
	if s.sink == nil {
		s.sink = events.NoopEmitter{}
	}
	s.pool = lending.NewEngine(cfg.PoolID, addrs.Pool, s.asset, s.shares)
	s.desk = loandesk.NewEngine(cfg.PoolID, addrs.Desk, s.pool, cfg.AssetUnit())
	s.pool.SetLoanDesk(addrs.Desk)
	for _, engine := range []interface {
		SetCapabilities(nativecommon.CapabilityView)
		SetPauses(nativecommon.PauseView)
		SetEmitter(events.Emitter)
	}{s.pool, s.desk} {
		engine.SetCapabilities(s.registry)
		engine.SetPauses(s.registry)
		engine.SetEmitter(s.buffer)
	}
	if opts.Now != nil {
		s.pool.SetNowFunc(opts.Now)
		s.desk.SetNowFunc(opts.Now)
	}
	symbol := s.asset.Symbol()
	s.asset.SetTransferHook(func(_, _ crypto.Address, amount *big.Int) {
		observability.Events().RecordTransfer(symbol, amount)
	})
	s.bind(s.state)

	if err := s.genesis(); err != nil {
		return nil, err
	}
	return s, nil
}

type kvState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

func (s *Service) bind(st kvState) {
	s.asset.SetState(st)
	s.shares.SetState(st)
	s.registry.SetState(st)
	s.pool.SetState(st)
	s.desk.SetState(st)
}

func (s *Service) genesisKey() []byte {
	return []byte(fmt.Sprintf("service/%s/genesis", s.cfg.PoolID))
}

func (s *Service) genesis() error {
	var applied bool
	ok, err := s.state.KVGet(s.genesisKey(), &applied)
	if err != nil {
		return err
	}
	if ok && applied {
		s.logger.Info("pool state loaded")
		s.recordGauges()
		return nil
	}
	_, err = run(s, context.Background(), "genesis", func(tx *state.Tx) (struct{}, error) {
		roles, err := s.cfg.RoleAssignments()
		if err != nil {
			return struct{}{}, err
		}
		for role, members := range roles {
			for _, addr := range members {
				if err := s.registry.Seed(role, addr); err != nil {
					return struct{}{}, fmt.Errorf("seed %s: %w", role, err)
				}
			}
		}
		params, err := s.cfg.PoolParams()
		if err != nil {
			return struct{}{}, err
		}
		if err := s.pool.Initialize(params); err != nil {
			return struct{}{}, err
		}
		tmpl, err := s.cfg.LoanTemplate()
		if err != nil {
			return struct{}{}, err
		}
		if err := s.desk.Initialize(tmpl); err != nil {
			return struct{}{}, err
		}
		if s.cfg.Pauses.Pool || s.cfg.Pauses.LoanDesk {
			pausers := roles[nativecommon.CapPauser]
			if len(pausers) == 0 {
				return struct{}{}, errPauserRequired
			}
			if err := s.registry.SetPaused(pausers[0], nativecommon.ModulePool, s.cfg.Pauses.Pool); err != nil {
				return struct{}{}, err
			}
			if err := s.registry.SetPaused(pausers[0], nativecommon.ModuleLoanDesk, s.cfg.Pauses.LoanDesk); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, tx.KVPut(s.genesisKey(), true)
	})
	if err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	s.logger.Info("genesis applied", "pool_address", s.addrs.Pool.String(), "desk_address", s.addrs.Desk.String())
	return nil
}

// run executes fn inside a state transaction. On success the transaction is
// committed and buffered events are published; on failure both are dropped.
func run[T any](s *Service, ctx context.Context, op string, fn func(tx *state.Tx) (T, error)) (T, error) {
	var zero T
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
	}
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.state.Begin()
	s.bind(tx)
	defer s.bind(s.state)

	result, err := fn(tx)
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		tx.Discard()
		s.buffer.Reset()
		kind := Classify(err)
		s.metrics.Observe(op, time.Since(start), string(kind))
		if kind == KindInternal || kind == KindInvariant {
			s.logger.Error("operation failed", "operation", op, "error", err)
		} else {
			s.logger.Debug("operation rejected", "operation", op, "reason", string(kind), "error", err)
		}
		return zero, err
	}
	s.bind(s.state)
	published := s.buffer.Flush(events.Multi{countingEmitter{}, s.sink})
	s.metrics.Observe(op, time.Since(start), "")
	s.recordGauges()
	s.logger.Debug("operation committed", "operation", op, "events", published)
	return result, nil
}

// view runs a read-only query against committed state.
func view[T any](s *Service, fn func() (T, error)) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

type countingEmitter struct{}

func (countingEmitter) Emit(evt events.Event) {
	observability.Events().RecordEvent(evt.EventType())
}

func (s *Service) recordGauges() {
	snap, err := s.pool.Snapshot()
	if err != nil {
		return
	}
	id := s.cfg.PoolID
	s.metrics.RecordBalance(id, "total_funds", snap.Pool.TotalFunds)
	s.metrics.RecordBalance(id, "total_shares", snap.Pool.TotalShares)
	s.metrics.RecordBalance(id, "borrowed_funds", snap.Pool.BorrowedFunds)
	s.metrics.RecordBalance(id, "allocated_funds", snap.Pool.AllocatedFunds)
	s.metrics.RecordBalance(id, "liquidity", snap.Liquidity)
	s.metrics.RecordBalance(id, "staked_funds", snap.StakedFunds)
	s.metrics.SetPause(id, nativecommon.ModulePool, s.registry.IsPaused(nativecommon.ModulePool))
	s.metrics.SetPause(id, nativecommon.ModuleLoanDesk, s.registry.IsPaused(nativecommon.ModuleLoanDesk))
}

// PoolID returns the configured pool identifier.
func (s *Service) PoolID() string { return s.cfg.PoolID }

// Addresses returns the derived module accounts.
func (s *Service) Addresses() Addresses { return s.addrs }

// Config returns the configuration the service was built from.
func (s *Service) Config() *config.Config { return s.cfg }

// Faucet mints amount of the pool asset to addr. It is only available when
// the service was started with Options.Faucet.
func (s *Service) Faucet(ctx context.Context, to crypto.Address, amount *big.Int) error {
	if !s.faucet {
		return ErrFaucetDisabled
	}
	_, err := run(s, ctx, "faucet", func(*state.Tx) (struct{}, error) {
		return struct{}{}, s.asset.Mint(s.addrs.Issuer, to, amount)
	})
	return err
}

// Approve sets the pool asset allowance granted by owner to spender.
func (s *Service) Approve(ctx context.Context, owner, spender crypto.Address, amount *big.Int) error {
	_, err := run(s, ctx, "approve", func(*state.Tx) (struct{}, error) {
		return struct{}{}, s.asset.Approve(owner, spender, amount)
	})
	return err
}

// ApproveShares sets the share token allowance granted by owner to spender.
func (s *Service) ApproveShares(ctx context.Context, owner, spender crypto.Address, amount *big.Int) error {
	_, err := run(s, ctx, "approve_shares", func(*state.Tx) (struct{}, error) {
		return struct{}{}, s.shares.Approve(owner, spender, amount)
	})
	return err
}

// Transfer moves pool asset between accounts.
func (s *Service) Transfer(ctx context.Context, from, to crypto.Address, amount *big.Int) error {
	_, err := run(s, ctx, "transfer", func(*state.Tx) (struct{}, error) {
		return struct{}{}, s.asset.Transfer(from, to, amount)
	})
	return err
}

// Grant adds addr to role on behalf of a governance caller.
func (s *Service) Grant(ctx context.Context, caller crypto.Address, role string, addr crypto.Address) error {
	_, err := run(s, ctx, "grant", func(*state.Tx) (struct{}, error) {
		return struct{}{}, s.registry.Grant(caller, role, addr)
	})
	return err
}

// Revoke removes addr from role on behalf of a governance caller.
func (s *Service) Revoke(ctx context.Context, caller crypto.Address, role string, addr crypto.Address) error {
	_, err := run(s, ctx, "revoke", func(*state.Tx) (struct{}, error) {
		return struct{}{}, s.registry.Revoke(caller, role, addr)
	})
	return err
}

// SetPaused toggles the pause switch for module.
func (s *Service) SetPaused(ctx context.Context, caller crypto.Address, module string, paused bool) error {
	_, err := run(s, ctx, "set_paused", func(*state.Tx) (struct{}, error) {
		return struct{}{}, s.registry.SetPaused(caller, module, paused)
	})
	if err == nil {
		s.logger.Info("pause switch updated", "module", module, "paused", paused, "caller", caller.String())
	}
	return err
}

// Members lists the holders of role.
func (s *Service) Members(role string) ([]crypto.Address, error) {
	return view(s, func() ([]crypto.Address, error) { return s.registry.Members(role) })
}

// IsPaused reports the pause switch for module.
func (s *Service) IsPaused(module string) bool {
	paused, _ := view(s, func() (bool, error) { return s.registry.IsPaused(module), nil })
	return paused
}

// Balances reports the token positions of addr.
func (s *Service) Balances(addr crypto.Address) (*Balances, error) {
	return view(s, func() (*Balances, error) {
		asset, err := s.asset.BalanceOf(addr)
		if err != nil {
			return nil, err
		}
		shares, err := s.shares.BalanceOf(addr)
		if err != nil {
			return nil, err
		}
		allowance, err := s.asset.Allowance(addr, s.addrs.Pool)
		if err != nil {
			return nil, err
		}
		withdrawable, err := s.pool.AmountWithdrawable(addr)
		if err != nil {
			return nil, err
		}
		lender, err := s.pool.WithdrawalState(addr)
		if err != nil {
			return nil, err
		}
		return &Balances{
			Asset:          asset,
			Shares:         shares,
			PoolAllowance:  allowance,
			Withdrawable:   withdrawable,
			LenderState:    lender,
			AssetSymbol:    s.asset.Symbol(),
			ShareSymbol:    s.shares.Symbol(),
			AssetDecimals:  s.cfg.AssetDecimals,
			AccountAddress: addr,
		}, nil
	})
}
