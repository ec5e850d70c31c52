package ingestion_test

import (
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	fpmath "LendLedger/internal/math"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	aliceHex  = "0x00000000000000000000000000000000000a11ce"
	bobHex    = "0x0000000000000000000000000000000000000b0b"
	assetAHex = "0x000000000000000000000000000000000000000a"
	assetBHex = "0x000000000000000000000000000000000000000b"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func etokenHex(asset string) string {
	return strings.ToLower(core.AssetProxy(core.ModuleEToken, common.HexToAddress(asset)).Hex())
}

func dtokenHex(asset string) string {
	return strings.ToLower(core.AssetProxy(core.ModuleDToken, common.HexToAddress(asset)).Hex())
}

// ============================================================================
// Test: BatchSubmitted
// ============================================================================

func TestParseBatchSubmitted(t *testing.T) {
	payload := map[string]interface{}{
		"batch_id": "550e8400-e29b-41d4-a716-446655440000",
		"caller":   aliceHex,
		"items": []map[string]interface{}{
			{"target": etokenHex(assetAHex), "op": "deposit", "amount": "100.5"},
			{"target": dtokenHex(assetBHex), "op": "borrow", "amount": "40", "allow_error": true},
			{
				"target":  core.ModuleProxy(core.ModuleExec).Hex(),
				"op":      "defer_liquidity_check",
				"account": aliceHex,
				"items": []map[string]interface{}{
					{"target": dtokenHex(assetBHex), "op": "repay", "amount": "1"},
				},
			},
		},
		"deferred":  []string{aliceHex},
		"sequence":  int64(7),
		"timestamp": int64(1_700_000_000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "BatchSubmitted")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	b, ok := evt.(*event.BatchSubmitted)
	if !ok {
		t.Fatalf("expected *event.BatchSubmitted, got %T", evt)
	}
	if b.BatchID.String() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("batch_id: got %s", b.BatchID)
	}
	if b.Caller != common.HexToAddress(aliceHex) {
		t.Errorf("caller: got %s", b.Caller.Hex())
	}
	if len(b.Items) != 3 {
		t.Fatalf("items: got %d, want 3", len(b.Items))
	}
	if b.Items[0].Amount.String() != "100.5" {
		t.Errorf("amount: got %s, want 100.5", b.Items[0].Amount)
	}
	if !b.Items[1].AllowError {
		t.Error("allow_error not carried")
	}
	if len(b.Items[2].Items) != 1 || b.Items[2].Items[0].Op != "repay" {
		t.Errorf("nested items: got %+v", b.Items[2].Items)
	}
	if len(b.Deferred) != 1 || b.Deferred[0] != common.HexToAddress(aliceHex) {
		t.Errorf("deferred: got %v", b.Deferred)
	}
	if b.SourceSequence() != 7 || b.EventTime() != 1_700_000_000 {
		t.Errorf("sequence/timestamp: got %d/%d", b.SourceSequence(), b.EventTime())
	}
	if b.IdempotencyKey() != b.BatchID.String() {
		t.Errorf("idempotency key: got %s", b.IdempotencyKey())
	}
}

func TestParseBatchSubmitted_Invalid(t *testing.T) {
	item := func(op, amount string) map[string]interface{} {
		return map[string]interface{}{"target": etokenHex(assetAHex), "op": op, "amount": amount}
	}
	base := func(items ...map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{
			"batch_id": "550e8400-e29b-41d4-a716-446655440000",
			"caller":   aliceHex,
			"items":    items,
		}
	}

	tests := []struct {
		name    string
		payload map[string]interface{}
		wantErr error
	}{
		{"empty", base(), ingestion.ErrEmptyBatch},
		{"unknown op", base(item("flash_loan", "1")), core.ErrUnsupportedOperation},
		{"negative amount", base(item("deposit", "-1")), ingestion.ErrNegativeValue},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestion.ParseRawEvent(rawFromJSON(t, tc.payload), "BatchSubmitted")
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("got %v, want %v", err, tc.wantErr)
			}
		})
	}

	t.Run("bad caller", func(t *testing.T) {
		p := base(item("deposit", "1"))
		p["caller"] = "alice"
		if _, err := ingestion.ParseRawEvent(rawFromJSON(t, p), "BatchSubmitted"); err == nil {
			t.Error("expected error for non-hex caller")
		}
	})
	t.Run("bad batch id", func(t *testing.T) {
		p := base(item("deposit", "1"))
		p["batch_id"] = "not-a-uuid"
		if _, err := ingestion.ParseRawEvent(rawFromJSON(t, p), "BatchSubmitted"); err == nil {
			t.Error("expected error for bad batch_id")
		}
	})
}

func TestParseBatchSubmitted_Limits(t *testing.T) {
	items := make([]map[string]interface{}, ingestion.MaxBatchItems+1)
	for i := range items {
		items[i] = map[string]interface{}{"target": etokenHex(assetAHex), "op": "deposit", "amount": "1"}
	}
	payload := map[string]interface{}{
		"batch_id": "550e8400-e29b-41d4-a716-446655440000",
		"caller":   aliceHex,
		"items":    items,
	}
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "BatchSubmitted"); !errors.Is(err, ingestion.ErrBatchTooLarge) {
		t.Errorf("got %v, want ErrBatchTooLarge", err)
	}

	nested := map[string]interface{}{"target": etokenHex(assetAHex), "op": "deposit", "amount": "1"}
	for i := 0; i < ingestion.MaxBatchDepth; i++ {
		nested = map[string]interface{}{
			"target": core.ModuleProxy(core.ModuleExec).Hex(),
			"op":     "batch_dispatch",
			"items":  []map[string]interface{}{nested},
		}
	}
	payload["items"] = []map[string]interface{}{nested}
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "BatchSubmitted"); !errors.Is(err, ingestion.ErrBatchTooDeep) {
		t.Errorf("got %v, want ErrBatchTooDeep", err)
	}
}

// ============================================================================
// Test: Oracle and governance events
// ============================================================================

func TestParseOraclePriceUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"asset":           assetAHex,
		"price":           "1850.25",
		"price_sequence":  int64(12),
		"price_timestamp": int64(1_700_000_100),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "OraclePriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	p := evt.(*event.OraclePriceUpdate)
	if p.Price.String() != "1850.25" {
		t.Errorf("price: got %s", p.Price)
	}
	if *p.MarketID() != assetAHex {
		t.Errorf("market: got %s, want %s", *p.MarketID(), assetAHex)
	}
	if p.IdempotencyKey() != assetAHex+":price:12" {
		t.Errorf("idempotency key: got %s", p.IdempotencyKey())
	}

	payload["price"] = "0"
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "OraclePriceUpdate"); err == nil {
		t.Error("expected error for zero price")
	}
}

func TestParseAssetConfigured(t *testing.T) {
	payload := map[string]interface{}{
		"asset":             assetAHex,
		"symbol":            "WETH",
		"collateral_factor": "0.75",
		"borrow_factor":     "0.9",
		"reserve_fee":       "0.02",
		"sequence":          int64(1),
		"timestamp":         int64(1_700_000_000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "AssetConfigured")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	a := evt.(*event.AssetConfigured)
	if a.Symbol != "WETH" || a.CollateralFactor.String() != "0.75" || a.BorrowFactor.String() != "0.9" {
		t.Errorf("got %+v", a)
	}
	if !a.IRM.Kink.Equal(fpmath.DefaultKinkParams.Kink) || !a.IRM.Slope2.Equal(fpmath.DefaultKinkParams.Slope2) {
		t.Errorf("default curve not applied: %+v", a.IRM)
	}

	payload["irm"] = map[string]string{"base_rate": "0", "slope1": "0.1", "slope2": "1", "kink": "1.5"}
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "AssetConfigured"); err == nil {
		t.Error("expected error for kink above 1")
	}
}

func TestParseAssetPolicyUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"asset":         assetBHex,
		"supply_cap":    "1000",
		"pause_bitmask": uint32(3),
		"sequence":      int64(2),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "AssetPolicyUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	p := evt.(*event.AssetPolicyUpdate)
	if p.SupplyCap.String() != "1000" {
		t.Errorf("supply_cap: got %s", p.SupplyCap)
	}
	if !p.BorrowCap.IsZero() {
		t.Errorf("borrow_cap: got %s, want 0 (uncapped)", p.BorrowCap)
	}
	if p.PauseBitmask != 3 {
		t.Errorf("pause_bitmask: got %d, want 3", p.PauseBitmask)
	}
}

func TestParseOverrideUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"liability":         assetBHex,
		"collateral":        assetAHex,
		"enabled":           true,
		"collateral_factor": "0.9",
		"sequence":          int64(3),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "OverrideUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	o := evt.(*event.OverrideUpdate)
	if !o.Enabled || o.CollateralFactor.String() != "0.9" {
		t.Errorf("got %+v", o)
	}
	if *o.MarketID() != assetBHex {
		t.Errorf("partition: got %s, want liability %s", *o.MarketID(), assetBHex)
	}
}

func TestParseLiquidationRequested(t *testing.T) {
	payload := map[string]interface{}{
		"request_id": "770e8400-e29b-41d4-a716-446655440002",
		"liquidator": bobHex,
		"violator":   aliceHex,
		"liability":  assetBHex,
		"collateral": assetAHex,
		"repay":      "5",
		"min_yield":  "4.5",
		"sequence":   int64(9),
		"timestamp":  int64(1_700_000_010),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "LiquidationRequested")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	l := evt.(*event.LiquidationRequested)
	if l.Liquidator != common.HexToAddress(bobHex) || l.Violator != common.HexToAddress(aliceHex) {
		t.Errorf("got liquidator %s violator %s", l.Liquidator.Hex(), l.Violator.Hex())
	}
	if l.Repay.String() != "5" || l.MinYield.String() != "4.5" {
		t.Errorf("got repay %s min_yield %s", l.Repay, l.MinYield)
	}
	if l.EventType() != event.EventTypeLiquidationRequested {
		t.Errorf("event type: got %v", l.EventType())
	}

	delete(payload, "repay")
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "LiquidationRequested"); err == nil {
		t.Error("expected error for missing repay")
	}
}

func TestParseUnknownEventType(t *testing.T) {
	_, err := ingestion.ParseRawEvent(rawFromJSON(t, map[string]string{}), "TradeFill")
	if err == nil {
		t.Error("expected error for unknown event type")
	}
}

func TestParseInvalidJSON(t *testing.T) {
	raw := ingestion.RawEvent{
		Subject: "test",
		Data:    []byte("{invalid json"),
	}
	for _, et := range []string{"BatchSubmitted", "OraclePriceUpdate", "AssetConfigured", "LiquidationRequested"} {
		if _, err := ingestion.ParseRawEvent(raw, et); err == nil {
			t.Errorf("%s: expected error for invalid JSON", et)
		}
	}
}

// ============================================================================
// Test: Subject routing
// ============================================================================

func TestResolveEventType(t *testing.T) {
	router := ingestion.NewSubjectRouter(ingestion.DefaultSubjects())

	tests := []struct {
		subject string
		want    string
	}{
		{"lend.batches.main", "BatchSubmitted"},
		{"lend.prices.0xabc", "OraclePriceUpdate"},
		{"lend.governance.config.0xabc", "AssetConfigured"},
		{"lend.governance.policy.0xabc", "AssetPolicyUpdate"},
		{"lend.governance.override.0xabc", "OverrideUpdate"},
		{"lend.liquidations.keeper1", "LiquidationRequested"},
		{"orders.fills.eth", ""},
	}
	for _, tc := range tests {
		if got := router.Resolve(tc.subject); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.subject, got, tc.want)
		}
	}
}
