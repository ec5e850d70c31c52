package core

import (
	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"
	"LendLedger/internal/state"
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// BatchError identifies the item that aborted a batch, or the checkpoint
// when Index is -1.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("batch checkpoint: %v", e.Err)
	}
	return fmt.Sprintf("batch item %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// BatchRequest is one top-level batch.
type BatchRequest struct {
	BatchID  uuid.UUID // generated when zero
	Caller   common.Address
	Items    []Item
	Deferred []common.Address
	Simulate bool
	Now      int64 // unix seconds, versioned input
}

// Delta lists what a committed unit of work wrote.
type Delta struct {
	Assets    []common.Address
	Positions []ledger.PositionKey
	Accounts  []common.Address
	Overrides []ledger.OverrideKey
	Journals  []ledger.Journal
}

func deltaOf(tx *ledger.Tx) Delta {
	return Delta{
		Assets:    tx.TouchedAssets(),
		Positions: tx.TouchedPositions(),
		Accounts:  tx.TouchedAccounts(),
		Overrides: tx.TouchedOverrides(),
		Journals:  tx.Journals(),
	}
}

// BatchResult is returned for committed, aborted and simulated batches.
type BatchResult struct {
	BatchID   uuid.UUID `json:"batch_id"`
	Results   []Result  `json:"results"`
	Delta     Delta     `json:"-"`
	Simulated bool      `json:"simulated"`
	Timestamp int64     `json:"timestamp"`
}

// Dispatcher executes batches against the store.
// Not thread-safe: the Engine serialises calls.
type Dispatcher struct {
	store    *ledger.Store
	prices   state.PriceSource
	config   state.RiskConfig
	registry *Registry
	guard    *Guard
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewDispatcher(
	store *ledger.Store,
	prices state.PriceSource,
	config state.RiskConfig,
	registry *Registry,
	guard *Guard,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		store:    store,
		prices:   prices,
		config:   config,
		registry: registry,
		guard:    guard,
		metrics:  metrics,
		logger:   logger,
	}
}

// Dispatch runs req atomically: every item executes in order inside its own
// savepoint, then deferred accounts and touched assets are checked once.
// Any failure that is not allowed rolls the whole batch back. Simulated
// batches run every item and never commit.
func (d *Dispatcher) Dispatch(req BatchRequest) (*BatchResult, error) {
	// Step 1: Reentrancy guard
	release, err := d.guard.EnterBatch()
	if err != nil {
		return nil, err
	}
	defer release()

	// Step 2: Open deferral regions for the listed accounts
	deferred := dedupeAccounts(req.Deferred)
	for _, account := range deferred {
		releaseDefer, err := d.guard.EnterDefer(account)
		if err != nil {
			return nil, err
		}
		defer releaseDefer()
	}

	tx := d.store.Begin()
	defer tx.Rollback()

	if d.metrics != nil {
		d.metrics.BatchItems.Observe(float64(len(req.Items)))
	}

	batchID := req.BatchID
	if batchID == uuid.Nil {
		batchID = uuid.New()
	}
	s := newSession(d, tx, req.Caller, req.Now, req.Simulate)
	result := &BatchResult{
		BatchID:   batchID,
		Results:   make([]Result, 0, len(req.Items)),
		Simulated: req.Simulate,
		Timestamp: req.Now,
	}

	// Step 3: Execute items in submission order
	for i, item := range req.Items {
		res := s.runItem(i, item)
		result.Results = append(result.Results, res)
		if res.Success {
			continue
		}
		d.recordItemFailure(item, res)
		if req.Simulate || item.AllowError {
			continue
		}
		d.recordAbort("item")
		d.logger.Debug().
			Str("batch_id", result.BatchID.String()).
			Int("index", i).
			Str("op", item.Call.Op.String()).
			Err(res.Err).
			Msg("batch aborted")
		return result, &BatchError{Index: i, Err: res.Err}
	}

	if req.Simulate {
		if d.metrics != nil {
			d.metrics.BatchesSimulated.Inc()
		}
		return result, nil
	}

	// Step 4: Checkpoint
	if err := s.checkpoint(deferred); err != nil {
		d.recordAbort("checkpoint")
		d.logger.Debug().
			Str("batch_id", result.BatchID.String()).
			Err(err).
			Msg("batch checkpoint failed")
		return result, &BatchError{Index: -1, Err: err}
	}

	// Step 5: Commit
	result.Delta = deltaOf(tx)
	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("commit batch: %w", err)
	}
	if d.metrics != nil {
		d.metrics.BatchesCommitted.Inc()
	}
	return result, nil
}

func (d *Dispatcher) recordItemFailure(item Item, res Result) {
	if d.metrics == nil {
		return
	}
	allowed := "false"
	if item.AllowError {
		allowed = "true"
	}
	d.metrics.ItemFailures.WithLabelValues(item.Call.Op.String(), allowed).Inc()
}

func (d *Dispatcher) recordAbort(stage string) {
	if d.metrics != nil {
		d.metrics.BatchesAborted.WithLabelValues(stage).Inc()
	}
}

func (d *Dispatcher) recordViolation(err error) {
	if d.metrics != nil {
		d.metrics.CheckpointViolations.WithLabelValues(violationKind(err)).Inc()
	}
}

func violationKind(err error) string {
	switch {
	case errors.Is(err, state.ErrCollateralViolation):
		return "collateral"
	case errors.Is(err, state.ErrBorrowIsolationViolation):
		return "borrow_isolation"
	case errors.Is(err, state.ErrSupplyCapExceeded):
		return "supply_cap"
	case errors.Is(err, state.ErrBorrowCapExceeded):
		return "borrow_cap"
	case errors.Is(err, state.ErrPriceUnavailable):
		return "price_unavailable"
	default:
		return "other"
	}
}

func dedupeAccounts(accounts []common.Address) []common.Address {
	seen := make(map[common.Address]bool, len(accounts))
	out := make([]common.Address, 0, len(accounts))
	for _, a := range accounts {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

func sortedAddresses(m map[common.Address]bool) []common.Address {
	out := make([]common.Address, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// --- Session ---

// itemScope collects the checks one item owes at its end.
type itemScope struct {
	snaps    map[common.Address]state.CapSnapshot
	pending  map[common.Address]bool
	floors   map[common.Address]decimal.Decimal // health before the item, violating accounts only
	deferred bool                               // an acting account is deferred: caps wait for the checkpoint
}

func newItemScope() *itemScope {
	return &itemScope{
		snaps:   make(map[common.Address]state.CapSnapshot),
		pending: make(map[common.Address]bool),
		floors:  make(map[common.Address]decimal.Decimal),
	}
}

// Session is the execution context modules see while a batch runs.
type Session struct {
	d        *Dispatcher
	tx       *ledger.Tx
	caller   common.Address
	now      int64
	simulate bool

	batchSnaps map[common.Address]state.CapSnapshot
	scope      *itemScope
}

func newSession(d *Dispatcher, tx *ledger.Tx, caller common.Address, now int64, simulate bool) *Session {
	return &Session{
		d:          d,
		tx:         tx,
		caller:     caller,
		now:        now,
		simulate:   simulate,
		batchSnaps: make(map[common.Address]state.CapSnapshot),
		scope:      newItemScope(),
	}
}

func (s *Session) Caller() common.Address { return s.caller }

func (s *Session) Now() int64 { return s.now }

// account resolves the acting sub-account of call.
func (s *Session) account(call Call) common.Address {
	return ledger.SubAccount(s.caller, call.SubAccount)
}

func (s *Session) bookkeeper() *ledger.Bookkeeper {
	return ledger.NewBookkeeper(s.tx, s.now)
}

func (s *Session) policy() *state.PolicyEnforcer {
	return state.NewPolicyEnforcer(s.tx)
}

func (s *Session) risk() *state.RiskEngine {
	return state.NewRiskEngine(s.tx, s.d.prices, s.d.config, s.now)
}

func (s *Session) liquidation() *state.LiquidationEngine {
	return state.NewLiquidationEngine(s.tx, s.d.prices, s.d.config, s.now)
}

// touch accrues asset to now and records its cap totals the first time it
// is seen in the batch and in the current item.
func (s *Session) touch(asset common.Address) error {
	rec, err := s.bookkeeper().Market(asset)
	if err != nil {
		return err
	}
	snap := state.SnapshotCaps(rec.Status)
	if _, ok := s.batchSnaps[asset]; !ok {
		s.batchSnaps[asset] = snap
	}
	if _, ok := s.scope.snaps[asset]; !ok {
		s.scope.snaps[asset] = snap
	}
	return nil
}

// actor records an account whose balances the current item changes.
func (s *Session) actor(account common.Address) {
	if s.d.guard.IsDeferred(account) {
		s.scope.deferred = true
	}
}

// requireLiquidity schedules a liquidity check of account: at the end of the
// current item, or at the end of its deferral region.
func (s *Session) requireLiquidity(account common.Address) {
	s.actor(account)
	if !s.d.guard.IsDeferred(account) {
		s.scope.pending[account] = true
		delete(s.scope.floors, account)
	}
}

// requireNotWorse schedules the check for an operation that only adds to
// account (deposit, repay, incoming transfer) and must run before it mutates.
// An account already in violation passes when its health score did not fall.
func (s *Session) requireNotWorse(account common.Address) {
	s.actor(account)
	if s.d.guard.IsDeferred(account) || s.scope.pending[account] {
		return
	}
	s.scope.pending[account] = true
	status, err := s.risk().ComputeLiquidity(account)
	if err == nil && status.IsViolation() {
		s.scope.floors[account] = status.HealthScore()
	}
}

func (s *Session) positionOutput(account, asset common.Address) (Output, error) {
	balance, owed, err := s.bookkeeper().Balances(account, asset)
	if err != nil {
		return Output{}, err
	}
	return Output{Account: account, Asset: asset, Balance: balance, Owed: owed}, nil
}

// runItem executes one item in a savepoint of the current transaction and
// settles its checks. A failed item leaves no trace.
func (s *Session) runItem(index int, item Item) Result {
	parentTx, parentScope := s.tx, s.scope
	sp := parentTx.Savepoint()
	s.tx, s.scope = sp, newItemScope()

	out, err := s.execute(item)
	if err == nil {
		err = s.settle()
	}
	s.tx, s.scope = parentTx, parentScope

	if err != nil {
		sp.Rollback()
		return Result{Index: index, Success: false, Err: err, Error: err.Error(), Output: out}
	}
	if err := sp.Commit(); err != nil {
		return Result{Index: index, Success: false, Err: err, Error: err.Error()}
	}
	return Result{Index: index, Success: true, Output: out}
}

func (s *Session) execute(item Item) (Output, error) {
	m, asset, err := s.d.registry.Resolve(item.Target, item.Call.Op)
	if err != nil {
		return Output{}, err
	}
	return m.Execute(s, asset, item.Call)
}

// runNested runs calls issued by a module. A failing call that does not
// allow errors fails the caller, except when simulating.
func (s *Session) runNested(items []Item) ([]Result, error) {
	results := make([]Result, 0, len(items))
	for i, item := range items {
		res := s.runItem(i, item)
		results = append(results, res)
		if !res.Success && !item.AllowError && !s.simulate {
			return results, fmt.Errorf("nested item %d: %w", i, res.Err)
		}
	}
	return results, nil
}

// settle runs the checks the current item owes: liquidity of non-deferred
// accounts, and caps unless an acting account is deferred.
func (s *Session) settle() error {
	if len(s.scope.pending) > 0 {
		risk := s.risk()
		for _, account := range sortedAddresses(s.scope.pending) {
			err := s.checkLiquidity(risk, account)
			if err == nil {
				continue
			}
			if floor, ok := s.scope.floors[account]; ok && errors.Is(err, state.ErrCollateralViolation) {
				if status, serr := risk.ComputeLiquidity(account); serr == nil && status.HealthScore().GreaterThanOrEqual(floor) {
					continue
				}
			}
			return err
		}
	}
	if s.scope.deferred {
		return nil
	}
	return s.checkCaps(s.scope.snaps)
}

// checkpoint validates every deferred account and every touched asset.
func (s *Session) checkpoint(deferred []common.Address) error {
	risk := s.risk()
	for _, account := range deferred {
		if err := s.checkLiquidity(risk, account); err != nil {
			s.d.recordViolation(err)
			return err
		}
	}
	if err := s.checkCaps(s.batchSnaps); err != nil {
		s.d.recordViolation(err)
		return err
	}
	return nil
}

func (s *Session) checkLiquidity(risk *state.RiskEngine, account common.Address) error {
	start := time.Now()
	err := risk.CheckLiquidity(account)
	if s.d.metrics != nil {
		s.d.metrics.LiquidityCheckDur.Observe(time.Since(start).Seconds())
	}
	return err
}

func (s *Session) checkCaps(snaps map[common.Address]state.CapSnapshot) error {
	assets := make(map[common.Address]bool, len(snaps))
	for a := range snaps {
		assets[a] = true
	}
	for _, asset := range sortedAddresses(assets) {
		rec, ok := s.tx.Asset(asset)
		if !ok {
			return fmt.Errorf("%w: %s", ledger.ErrAssetNotActivated, asset.Hex())
		}
		if err := state.CheckCaps(rec, snaps[asset]); err != nil {
			return err
		}
	}
	return nil
}
