package query

import (
	"LendLedger/internal/core"
	"LendLedger/internal/ledger"
	"LendLedger/internal/projection"
	"LendLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// AccountResponse is an account's live positions and liquidity.
type AccountResponse struct {
	core.AccountView
	Liquidity    state.LiquidityStatus  `json:"liquidity"`
	HealthScore  decimal.Decimal        `json:"health_score"`
	Assets       []state.AssetLiquidity `json:"assets"`
	AsOfSequence int64                  `json:"as_of_sequence"`
}

// MarketResponse is a market's live state accrued to the query time.
type MarketResponse struct {
	ledger.AssetRecord
	Price        *state.PriceState `json:"price,omitempty"` // nil when no price was published
	Utilisation  decimal.Decimal   `json:"utilisation"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

// ProjectedMarketResponse is the market as last written to the read model.
type ProjectedMarketResponse struct {
	projection.MarketStatusRow
	AsOfSequence int64 `json:"as_of_sequence"`
}

// LiquidationQuote is the current opportunity of one liquidation pair.
type LiquidationQuote struct {
	Liquidator   common.Address `json:"liquidator"`
	Violator     common.Address `json:"violator"`
	Liability    common.Address `json:"liability"`
	Collateral   common.Address `json:"collateral"`
	Liquidatable bool           `json:"liquidatable"`
	state.LiquidationOpportunity
	AsOfSequence int64 `json:"as_of_sequence"`
}

// LiquidationHistoryResponse is one page of executed liquidations.
type LiquidationHistoryResponse struct {
	Entries      []projection.LiquidationHistoryEntry `json:"entries"`
	AsOfSequence int64                                `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string          `json:"journal_id"`
	BatchID       string          `json:"batch_id"`
	EventRef      string          `json:"event_ref"`
	Sequence      int64           `json:"sequence"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	JournalType   int32           `json:"journal_type"`
	Timestamp     int64           `json:"timestamp"`
}

// JournalPage is a page of journal entries, newest first. NextCursor is the
// after_sequence to pass for the following page; nil on the last page.
type JournalPage struct {
	Entries      []JournalHistoryEntry `json:"entries"`
	NextCursor   *int64                `json:"next_cursor,omitempty"`
	AsOfSequence int64                 `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy         bool              `json:"is_healthy"`
	HashChainBreaks   []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets  []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	ConservationError string            `json:"conservation_error,omitempty"`
	ProjectionLag     int64             `json:"projection_lag"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	Asset     string          `json:"asset"`
	Imbalance decimal.Decimal `json:"imbalance"`
}
