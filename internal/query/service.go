package query

import (
	"LendLedger/internal/core"
	"LendLedger/internal/ledger"
	"LendLedger/internal/projection"
	"LendLedger/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// LiveState is the read surface of the in-memory engine. *core.Engine
// implements it.
type LiveState interface {
	Account(account common.Address, now int64) core.AccountView
	ComputeLiquidity(account common.Address, now int64) (state.LiquidityStatus, error)
	ComputeAssetLiquidity(account common.Address, now int64) ([]state.AssetLiquidity, error)
	CheckLiquidation(liquidator, violator, liability, collateral common.Address, now int64) (state.LiquidationOpportunity, error)
	MarketStatus(asset common.Address, now int64) (ledger.AssetRecord, error)
	Assets(now int64) []ledger.AssetRecord
	Price(asset common.Address) (state.PriceState, bool)
	ValidateConservation() error
}

// SequenceSource reports the last applied sequence. *core.Processor
// implements it.
type SequenceSource interface {
	AppliedSequence() int64
}

// QueryService answers read requests. Account, market and liquidation
// views come from the live engine so they agree with what the next batch
// would see; history comes from the Postgres read model. Every response
// carries as_of_sequence for freshness.
type QueryService struct {
	db    *sql.DB
	live  LiveState
	seq   SequenceSource
	clock func() int64
}

type Option func(*QueryService)

// WithClock overrides the unix-seconds clock used to grow interest.
func WithClock(clock func() int64) Option {
	return func(qs *QueryService) { qs.clock = clock }
}

func NewQueryService(db *sql.DB, live LiveState, seq SequenceSource, opts ...Option) *QueryService {
	qs := &QueryService{
		db:    db,
		live:  live,
		seq:   seq,
		clock: func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		opt(qs)
	}
	return qs
}

// --- Live views ---

// GetAccount returns account's positions with interest grown to now and
// its risk-adjusted liquidity.
func (qs *QueryService) GetAccount(ctx context.Context, account common.Address) (*AccountResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	asOf := qs.seq.AppliedSequence()
	now := qs.clock()

	status, err := qs.live.ComputeLiquidity(account, now)
	if err != nil {
		return nil, fmt.Errorf("liquidity: %w", err)
	}
	assets, err := qs.live.ComputeAssetLiquidity(account, now)
	if err != nil {
		return nil, fmt.Errorf("asset liquidity: %w", err)
	}

	return &AccountResponse{
		AccountView:  qs.live.Account(account, now),
		Liquidity:    status,
		HealthScore:  status.HealthScore(),
		Assets:       assets,
		AsOfSequence: asOf,
	}, nil
}

// GetMarket returns the live state of one market.
func (qs *QueryService) GetMarket(ctx context.Context, asset common.Address) (*MarketResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	asOf := qs.seq.AppliedSequence()

	rec, err := qs.live.MarketStatus(asset, qs.clock())
	if err != nil {
		if errors.Is(err, ledger.ErrAssetNotActivated) {
			return nil, fmt.Errorf("%w: market %s", ErrNotFound, asset.Hex())
		}
		return nil, err
	}
	return qs.marketResponse(rec, asOf), nil
}

// ListMarkets returns every activated market in address order.
func (qs *QueryService) ListMarkets(ctx context.Context) ([]MarketResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	asOf := qs.seq.AppliedSequence()

	records := qs.live.Assets(qs.clock())
	out := make([]MarketResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, *qs.marketResponse(rec, asOf))
	}
	return out, nil
}

func (qs *QueryService) marketResponse(rec ledger.AssetRecord, asOf int64) *MarketResponse {
	resp := &MarketResponse{
		AssetRecord:  rec,
		Utilisation:  rec.Status.Utilisation(),
		AsOfSequence: asOf,
	}
	if ps, ok := qs.live.Price(rec.Asset); ok {
		resp.Price = &ps
	}
	return resp
}

// CheckLiquidation quotes the liquidation of violator's liability against
// collateral as of now. A healthy violator yields Liquidatable=false and a
// zero repay.
func (qs *QueryService) CheckLiquidation(ctx context.Context, liquidator, violator, liability, collateral common.Address) (*LiquidationQuote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	asOf := qs.seq.AppliedSequence()

	opp, err := qs.live.CheckLiquidation(liquidator, violator, liability, collateral, qs.clock())
	if err != nil {
		return nil, err
	}
	return &LiquidationQuote{
		Liquidator:             liquidator,
		Violator:               violator,
		Liability:              liability,
		Collateral:             collateral,
		Liquidatable:           opp.Repay.IsPositive(),
		LiquidationOpportunity: opp,
		AsOfSequence:           asOf,
	}, nil
}

// --- Read model ---

// GetProjectedMarket returns the market as last written by the projection
// worker.
func (qs *QueryService) GetProjectedMarket(ctx context.Context, asset common.Address) (*ProjectedMarketResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	row, err := projection.QueryMarket(ctx, qs.db, asset)
	if err != nil {
		if errors.Is(err, projection.ErrMarketNotProjected) {
			return nil, fmt.Errorf("%w: market %s", ErrNotFound, asset.Hex())
		}
		return nil, err
	}
	return &ProjectedMarketResponse{MarketStatusRow: *row, AsOfSequence: asOfSeq}, nil
}

// GetLiquidationHistory returns the liquidations account took part in,
// newest first.
func (qs *QueryService) GetLiquidationHistory(ctx context.Context, account common.Address, limit int) (*LiquidationHistoryResponse, error) {
	limit, err := normaliseLimit(limit)
	if err != nil {
		return nil, err
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	entries, err := projection.QueryLiquidations(ctx, qs.db, account, limit)
	if err != nil {
		return nil, err
	}
	return &LiquidationHistoryResponse{Entries: entries, AsOfSequence: asOfSeq}, nil
}

// GetJournalHistory returns journal entries touching account with cursor
// pagination on sequence, newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account common.Address,
	limit int,
	afterSequence *int64,
) (*JournalPage, error) {
	limit, err := normaliseLimit(limit)
	if err != nil {
		return nil, err
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPathPrefix(account)}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	// One extra row tells whether another page exists.
	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit+1)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &JournalPage{AsOfSequence: asOfSeq}
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		page.Entries = append(page.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page.NextCursor = trimPage(&page.Entries, limit)
	return page, nil
}

// trimPage cuts entries to limit and returns the cursor of the next page.
// A batch's journals share one sequence, so the cursor backs off to the
// first sequence that was fully returned.
func trimPage(entries *[]JournalHistoryEntry, limit int) *int64 {
	if len(*entries) <= limit {
		return nil
	}
	page := (*entries)[:limit]
	cut := (*entries)[limit].Sequence
	// Drop the partial batch straddling the page boundary.
	end := len(page)
	for end > 0 && page[end-1].Sequence == cut {
		end--
	}
	if end == 0 {
		// One batch fills the page; the rest of it is not paged.
		end = len(page)
	}
	*entries = page[:end]
	next := (*entries)[end-1].Sequence
	return &next
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain of the event log, the zero-sum of
// projected balances per asset and the live per-market conservation.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Double entry: every asset sums to zero across all account paths
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) != 0
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	if err := qs.live.ValidateConservation(); err != nil {
		report.ConservationError = err.Error()
	}

	watermark, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	if lag := qs.seq.AppliedSequence() - watermark; lag > 0 {
		report.ProjectionLag = lag
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.UnbalancedAssets) == 0 &&
		report.ConservationError == ""
	return report, nil
}

// --- helpers ---

func normaliseLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, fmt.Errorf("%w: negative limit %d", ErrInvalidArgument, limit)
	case limit == 0:
		return DefaultPageSize, nil
	case limit > MaxPageSize:
		return MaxPageSize, nil
	}
	return limit, nil
}

// getWatermark returns the last projected sequence, -1 before the first.
func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}
