package core

import (
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/observability"
	"LendLedger/internal/state"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Engine is the external interface of the risk and batch execution core.
// Every method is serialised by one mutex: there is a single logical
// execution context.
type Engine struct {
	mu sync.Mutex

	store      *ledger.Store
	prices     *state.PriceBook
	config     state.RiskConfig
	registry   *Registry
	guard      *Guard
	dispatcher *Dispatcher
	validator  *ledger.InvariantValidator
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

// NewEngine creates an empty engine. metrics may be nil.
func NewEngine(config state.RiskConfig, metrics *observability.Metrics, logger zerolog.Logger) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	store := ledger.NewStore()
	prices := state.NewPriceBook()
	registry := NewRegistry()
	for _, m := range DefaultModules() {
		registry.Install(m)
	}
	guard := NewGuard()

	return &Engine{
		store:      store,
		prices:     prices,
		config:     config,
		registry:   registry,
		guard:      guard,
		dispatcher: NewDispatcher(store, prices, config, registry, guard, metrics, logger),
		validator:  ledger.NewInvariantValidator(store),
		metrics:    metrics,
		logger:     logger,
	}, nil
}

// Config returns the protocol-wide risk constants.
func (e *Engine) Config() state.RiskConfig { return e.config }

// --- Governance ---

// ActivateAsset creates the market of asset and its etoken/dtoken proxies.
func (e *Engine) ActivateAsset(asset common.Address, symbol string, cfg ledger.AssetConfig, policy ledger.AssetPolicy, now int64) (Delta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delta, err := e.commit(func(tx *ledger.Tx) error {
		return state.ActivateAsset(tx, asset, symbol, cfg, policy, now)
	})
	if err != nil {
		return Delta{}, err
	}
	e.registry.RegisterAsset(asset)
	e.logger.Info().Str("asset", asset.Hex()).Str("symbol", symbol).Msg("asset activated")
	return delta, nil
}

// ConfigureAsset replaces the risk parameters of an activated asset.
func (e *Engine) ConfigureAsset(asset common.Address, cfg ledger.AssetConfig, now int64) (Delta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.commit(func(tx *ledger.Tx) error {
		return state.UpdateAssetConfig(tx, asset, cfg, now)
	})
}

// SetAssetPolicy replaces caps and the pause bitmask of an asset.
func (e *Engine) SetAssetPolicy(asset common.Address, policy ledger.AssetPolicy) (Delta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.commit(func(tx *ledger.Tx) error {
		return state.SetAssetPolicy(tx, asset, policy)
	})
}

// SetOverride sets the collateral factor override of (liability, collateral).
func (e *Engine) SetOverride(liability, collateral common.Address, o ledger.Override) (Delta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.commit(func(tx *ledger.Tx) error {
		return state.SetOverride(tx, ledger.OverrideKey{Liability: liability, Collateral: collateral}, o)
	})
}

// UpdatePrice feeds the oracle. Stale sequences are ignored.
func (e *Engine) UpdatePrice(asset common.Address, price decimal.Decimal, sequence, timestamp int64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.store.Asset(asset); !ok {
		return false, fmt.Errorf("%w: %s", ledger.ErrAssetNotActivated, asset.Hex())
	}
	return e.prices.UpdatePrice(asset, price, sequence, timestamp)
}

func (e *Engine) commit(fn func(tx *ledger.Tx) error) (Delta, error) {
	tx := e.store.Begin()
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return Delta{}, err
	}
	delta := deltaOf(tx)
	if err := tx.Commit(); err != nil {
		return Delta{}, err
	}
	return delta, nil
}

// --- Execution ---

// DispatchBatch executes a batch atomically. See Dispatcher.Dispatch.
func (e *Engine) DispatchBatch(req BatchRequest) (*BatchResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.dispatcher.Dispatch(req)
}

// Liquidate executes req as a single-item batch by the liquidator. The
// liquidator's liquidity is checked right after.
func (e *Engine) Liquidate(req state.LiquidationRequest, now int64) (*BatchResult, error) {
	return e.DispatchBatch(BatchRequest{
		Caller: req.Liquidator,
		Items: []Item{{
			Target: ModuleProxy(ModuleLiquidation),
			Call: Call{
				Op:         OpLiquidate,
				Asset:      req.Liability,
				Violator:   req.Violator,
				Collateral: req.Collateral,
				Amount:     req.Repay,
				MinYield:   req.MinYield,
			},
		}},
		Now: now,
	})
}

// --- Views ---

// ComputeLiquidity returns account's risk-adjusted totals as of now.
func (e *Engine) ComputeLiquidity(account common.Address, now int64) (state.LiquidityStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return state.NewRiskEngine(e.store, e.prices, e.config, now).ComputeLiquidity(account)
}

// ComputeAssetLiquidity returns the per-asset breakdown of account's liquidity.
func (e *Engine) ComputeAssetLiquidity(account common.Address, now int64) ([]state.AssetLiquidity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return state.NewRiskEngine(e.store, e.prices, e.config, now).ComputeAssetLiquidity(account)
}

// CheckLiquidity fails when account is undercollateralised or breaks borrow
// isolation. No side effects.
func (e *Engine) CheckLiquidity(account common.Address, now int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return state.NewRiskEngine(e.store, e.prices, e.config, now).CheckLiquidity(account)
}

// CheckLiquidation prices a liquidation of violator without executing it.
func (e *Engine) CheckLiquidation(liquidator, violator, liability, collateral common.Address, now int64) (state.LiquidationOpportunity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return state.NewLiquidationEngine(e.store, e.prices, e.config, now).
		CheckLiquidation(liquidator, violator, liability, collateral)
}

// InterestRate returns the per-second borrow rate of asset at its
// utilisation as of now.
func (e *Engine) InterestRate(asset common.Address, now int64) (decimal.Decimal, error) {
	rec, err := e.MarketStatus(asset, now)
	if err != nil {
		return decimal.Zero, err
	}
	return ledger.InterestRate(rec), nil
}

// HasAsset reports whether asset has been activated.
func (e *Engine) HasAsset(asset common.Address) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.store.Asset(asset)
	return ok
}

// MarketStatus returns the asset's record with interest accrued to now.
func (e *Engine) MarketStatus(asset common.Address, now int64) (ledger.AssetRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.store.Asset(asset)
	if !ok {
		return ledger.AssetRecord{}, fmt.Errorf("%w: %s", ledger.ErrAssetNotActivated, asset.Hex())
	}
	rec, _ = ledger.Accrued(rec, now)
	return rec, nil
}

// Assets returns every activated asset accrued to now, in address order.
func (e *Engine) Assets(now int64) []ledger.AssetRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	addrs := e.store.AssetAddresses()
	out := make([]ledger.AssetRecord, 0, len(addrs))
	for _, a := range addrs {
		rec, _ := e.store.Asset(a)
		rec, _ = ledger.Accrued(rec, now)
		out = append(out, rec)
	}
	return out
}

// PositionView is an account's current balance and debt in one asset.
type PositionView struct {
	Asset   common.Address  `json:"asset"`
	Balance decimal.Decimal `json:"balance"`
	Owed    decimal.Decimal `json:"owed"`
}

// AccountView is the persisted account state plus its current positions.
type AccountView struct {
	Account        common.Address   `json:"account"`
	EnteredMarkets []common.Address `json:"entered_markets"`
	LastActivity   int64            `json:"last_activity"`
	Positions      []PositionView   `json:"positions"`
}

// Account returns account's state with positions grown to now.
func (e *Engine) Account(account common.Address, now int64) AccountView {
	e.mu.Lock()
	defer e.mu.Unlock()

	return accountView(e.store, account, now)
}

func accountView(view ledger.View, account common.Address, now int64) AccountView {
	st, _ := view.Account(account)
	out := AccountView{
		Account:        account,
		EnteredMarkets: st.EnteredMarkets,
		LastActivity:   st.LastActivity,
	}
	for _, asset := range view.AssetAddresses() {
		_, balance, owed, ok := ledger.CurrentBalances(view, account, asset, now)
		if !ok || (fpmath.IsDust(balance) && fpmath.IsDust(owed)) {
			continue
		}
		out.Positions = append(out.Positions, PositionView{Asset: asset, Balance: balance, Owed: owed})
	}
	return out
}

// Proxies returns the etoken and dtoken proxy addresses of asset.
func (e *Engine) Proxies(asset common.Address) (etoken, dtoken common.Address, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.store.Asset(asset); !ok {
		return common.Address{}, common.Address{}, fmt.Errorf("%w: %s", ledger.ErrAssetNotActivated, asset.Hex())
	}
	return AssetProxy(ModuleEToken, asset), AssetProxy(ModuleDToken, asset), nil
}

// Price returns the oracle state of asset.
func (e *Engine) Price(asset common.Address) (state.PriceState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.prices.State(asset)
}

// ValidateConservation checks pool + borrows == balances + reserves for
// every market.
func (e *Engine) ValidateConservation() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.validator.ValidateGlobalConservation()
}

// --- Snapshot ---

// EngineSnapshot is the serialisable state of an Engine.
type EngineSnapshot struct {
	Store  ledger.StoreSnapshot `json:"store"`
	Prices []state.PriceEntry   `json:"prices"`
}

// Snapshot captures committed state.
func (e *Engine) Snapshot() EngineSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	return EngineSnapshot{Store: e.store.Dump(), Prices: e.prices.Dump()}
}

// Restore replaces all state with snap and rebuilds the asset proxies.
func (e *Engine) Restore(snap EngineSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.store.Load(snap.Store)
	e.prices.Load(snap.Prices)
	for _, rec := range snap.Store.Assets {
		e.registry.RegisterAsset(rec.Asset)
	}
}

// withView runs fn against committed state under the engine lock.
func (e *Engine) withView(fn func(view ledger.View)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn(e.store)
}
