package server_test

import (
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/observability"
	"LendLedger/internal/query"
	"LendLedger/internal/server"
	"LendLedger/internal/state"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const t0 int64 = 1_700_000_000

var (
	alice  = common.HexToAddress("0xa1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a100")
	lender = common.HexToAddress("0x1e1e1e1e1e1e1e1e1e1e1e1e1e1e1e1e1e1e1e00")
	assetA = common.HexToAddress("0x000000000000000000000000000000000000000a")
	assetB = common.HexToAddress("0x000000000000000000000000000000000000000b")
)

type fixedSequence int64

func (s fixedSequence) AppliedSequence() int64 { return int64(s) }

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newEngine(t *testing.T) *core.Engine {
	t.Helper()
	e, err := core.NewEngine(state.DefaultRiskConfig, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	irm := fpmath.KinkParams{BaseRate: decimal.Zero, Slope1: decimal.Zero, Slope2: decimal.Zero, Kink: decimal.Zero}
	for _, asset := range []common.Address{assetA, assetB} {
		cfg := ledger.AssetConfig{CollateralFactor: d("0.75"), BorrowFactor: d("1"), ReserveFee: decimal.Zero, IRM: irm}
		if _, err := e.ActivateAsset(asset, "", cfg, ledger.AssetPolicy{}, t0); err != nil {
			t.Fatalf("activate: %v", err)
		}
		if _, err := e.UpdatePrice(asset, d("1"), 1, t0); err != nil {
			t.Fatalf("price: %v", err)
		}
	}
	res, err := e.DispatchBatch(core.BatchRequest{
		Caller: lender,
		Items:  []core.Item{{Target: core.AssetProxy(core.ModuleEToken, assetB), Call: core.Call{Op: core.OpDeposit, Amount: d("100")}}},
		Now:    t0,
	})
	if err != nil || !res.Results[0].Success {
		t.Fatalf("seed deposit: %v", err)
	}
	return e
}

type harness struct {
	conn      *grpc.ClientConn
	eventChan chan event.Event
	metrics   *observability.Metrics
}

// startServer serves the RPCs over an in-memory listener.
func startServer(t *testing.T, rateLimit float64, rateBurst int) *harness {
	t.Helper()
	e := newEngine(t)
	eventChan := make(chan event.Event, 8)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	srv := server.NewGRPCServer("bufnet", "", &server.ServerDeps{
		QueryService:  query.NewQueryService(nil, e, fixedSequence(4), query.WithClock(func() int64 { return t0 })),
		IngestService: ingestion.NewGRPCIngestService(eventChan),
		Sequence:      fixedSequence(4),
		StartTime:     time.Now(),
		Metrics:       metrics,
		Logger:        zerolog.Nop(),
		RateLimit:     rateLimit,
		RateBurst:     rateBurst,
	})

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, lis)
	}()

	conn, err := server.DialJSON("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return &harness{conn: conn, eventChan: eventChan, metrics: metrics}
}

func (h *harness) invoke(t *testing.T, method string, req, resp interface{}) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.conn.Invoke(ctx, server.FullMethod(method), req, resp)
}

func wantCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if got := status.Code(err); got != want {
		t.Errorf("got code %s (%v), want %s", got, err, want)
	}
}

// ============================================================================
// Test: Query RPCs
// ============================================================================

func TestGRPC_GetMarket(t *testing.T) {
	h := startServer(t, 0, 0)

	var resp query.MarketResponse
	if err := h.invoke(t, "GetMarket", &server.MarketRequest{Asset: assetB.Hex()}, &resp); err != nil {
		t.Fatalf("get market: %v", err)
	}
	if resp.Asset != assetB {
		t.Errorf("got asset %s, want B", resp.Asset.Hex())
	}
	if !resp.Status.TotalBalances.Equal(d("100")) {
		t.Errorf("got total balances %s, want 100", resp.Status.TotalBalances)
	}
	if resp.AsOfSequence != 4 {
		t.Errorf("got as_of_sequence %d, want 4", resp.AsOfSequence)
	}
}

func TestGRPC_ErrorCodes(t *testing.T) {
	h := startServer(t, 0, 0)

	tests := []struct {
		name   string
		method string
		req    interface{}
		want   codes.Code
	}{
		{"unknown market", "GetMarket", &server.MarketRequest{Asset: "0x00000000000000000000000000000000000000cc"}, codes.NotFound},
		{"malformed address", "GetMarket", &server.MarketRequest{Asset: "not-an-address"}, codes.InvalidArgument},
		{"missing account", "GetAccount", &server.AccountRequest{}, codes.InvalidArgument},
		{"self liquidation", "CheckLiquidation", &server.CheckLiquidationRequest{
			Liquidator: alice.Hex(), Violator: alice.Hex(), Liability: assetB.Hex(), Collateral: assetA.Hex(),
		}, codes.InvalidArgument},
		{"journals without database", "ListJournals", &server.HistoryRequest{Account: alice.Hex()}, codes.Unavailable},
		{"snapshot without snapshotter", "TakeSnapshot", &server.Empty{}, codes.Unavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var resp json.RawMessage
			wantCode(t, h.invoke(t, tc.method, tc.req, &resp), tc.want)
		})
	}
}

func TestGRPC_ListMarkets(t *testing.T) {
	h := startServer(t, 0, 0)

	var resp server.ListMarketsResponse
	if err := h.invoke(t, "ListMarkets", &server.ListMarketsRequest{}, &resp); err != nil {
		t.Fatalf("list markets: %v", err)
	}
	if len(resp.Markets) != 2 {
		t.Errorf("got %d markets, want 2", len(resp.Markets))
	}
}

// ============================================================================
// Test: Ingest
// ============================================================================

func TestGRPC_SubmitEvent(t *testing.T) {
	h := startServer(t, 0, 0)

	payload := json.RawMessage(`{"asset":"` + assetA.Hex() + `","price":"2","price_sequence":9,"price_timestamp":1700000100}`)
	var resp server.SubmitEventResponse
	err := h.invoke(t, "SubmitEvent", &server.SubmitEventRequest{EventType: "OraclePriceUpdate", Payload: payload}, &resp)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !resp.Accepted || resp.EventType != "OraclePriceUpdate" {
		t.Errorf("got %+v", resp)
	}

	select {
	case evt := <-h.eventChan:
		price, ok := evt.(*event.OraclePriceUpdate)
		if !ok {
			t.Fatalf("got %T, want *event.OraclePriceUpdate", evt)
		}
		if !price.Price.Equal(d("2")) || price.PriceSequence != 9 {
			t.Errorf("got price %s seq %d", price.Price, price.PriceSequence)
		}
	default:
		t.Fatal("event not queued")
	}
}

func TestGRPC_SubmitEventRejected(t *testing.T) {
	h := startServer(t, 0, 0)

	tests := []struct {
		name string
		req  *server.SubmitEventRequest
	}{
		{"unknown type", &server.SubmitEventRequest{EventType: "TradeFill", Payload: json.RawMessage(`{}`)}},
		{"empty payload", &server.SubmitEventRequest{EventType: "BatchSubmitted"}},
		{"negative price", &server.SubmitEventRequest{EventType: "OraclePriceUpdate", Payload: json.RawMessage(`{"asset":"` + assetA.Hex() + `","price":"-1","price_sequence":1}`)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var resp json.RawMessage
			wantCode(t, h.invoke(t, "SubmitEvent", tc.req, &resp), codes.InvalidArgument)
		})
	}
	if len(h.eventChan) != 0 {
		t.Errorf("got %d queued events, want 0", len(h.eventChan))
	}
}

// ============================================================================
// Test: Interceptors
// ============================================================================

func TestGRPC_RateLimit(t *testing.T) {
	// One token, refilled every 1000s
	h := startServer(t, 0.001, 1)

	var resp server.ListMarketsResponse
	if err := h.invoke(t, "ListMarkets", &server.ListMarketsRequest{}, &resp); err != nil {
		t.Fatalf("first call: %v", err)
	}
	wantCode(t, h.invoke(t, "ListMarkets", &server.ListMarketsRequest{}, &resp), codes.ResourceExhausted)
}

// ============================================================================
// Test: HTTP gateway
// ============================================================================

func TestGateway_Routes(t *testing.T) {
	h := startServer(t, 0, 0)
	handler, err := server.NewGateway(h.conn, observability.NewHealthChecker())
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
		wantBody string
	}{
		{"market", "GET", "/v1/markets/" + assetB.Hex(), "", http.StatusOK, `"as_of_sequence":4`},
		{"markets", "GET", "/v1/markets", "", http.StatusOK, `"markets"`},
		{"unknown market", "GET", "/v1/markets/0x00000000000000000000000000000000000000cc", "", http.StatusNotFound, ""},
		{"account", "GET", "/v1/accounts/" + lender.Hex(), "", http.StatusOK, `"health_score"`},
		{"bad limit", "GET", "/v1/accounts/" + lender.Hex() + "/journals?limit=x", "", http.StatusBadRequest, ""},
		{"check liquidation", "GET", "/v1/liquidations/check?liquidator=" + alice.Hex() + "&violator=" + lender.Hex() +
			"&liability=" + assetB.Hex() + "&collateral=" + assetA.Hex(), "", http.StatusOK, `"liquidatable":false`},
		{"submit invalid json", "POST", "/v1/events/OraclePriceUpdate", "{", http.StatusBadRequest, ""},
		{"liveness", "GET", "/healthz", "", http.StatusOK, `"alive"`},
		{"readiness", "GET", "/readyz", "", http.StatusServiceUnavailable, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantCode {
				t.Fatalf("got status %d, want %d: %s", rec.Code, tc.wantCode, rec.Body.String())
			}
			if tc.wantBody != "" && !strings.Contains(rec.Body.String(), tc.wantBody) {
				t.Errorf("body %s missing %s", rec.Body.String(), tc.wantBody)
			}
		})
	}
}
