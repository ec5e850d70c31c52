package server

import (
	"LendLedger/internal/observability"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

// DialJSON opens a client connection that speaks the JSON codec.
func DialJSON(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	return grpc.NewClient(target, opts...)
}

// requestBuilder turns an HTTP request into the RPC request message.
type requestBuilder func(r *http.Request, params map[string]string) (interface{}, error)

type gateway struct {
	mux  *runtime.ServeMux
	conn grpc.ClientConnInterface
}

// NewGateway returns the HTTP/JSON handler. conn must use the JSON codec
// (see DialJSON).
func NewGateway(conn grpc.ClientConnInterface, hc *observability.HealthChecker) (http.Handler, error) {
	g := &gateway{
		mux:  runtime.NewServeMux(),
		conn: conn,
	}

	routes := []struct {
		method, pattern, rpc string
		build                requestBuilder
	}{
		{"GET", "/v1/accounts/{account}", "GetAccount", accountRequest},
		{"GET", "/v1/accounts/{account}/balances", "GetBalances", accountRequest},
		{"GET", "/v1/accounts/{account}/journals", "ListJournals", historyRequest},
		{"GET", "/v1/accounts/{account}/liquidations", "ListLiquidations", historyRequest},
		{"GET", "/v1/markets", "ListMarkets", emptyRequest(&ListMarketsRequest{})},
		{"GET", "/v1/markets/{asset}", "GetMarket", marketRequest},
		{"GET", "/v1/markets/{asset}/projected", "GetProjectedMarket", marketRequest},
		{"GET", "/v1/liquidations/check", "CheckLiquidation", checkLiquidationRequest},
		{"POST", "/v1/events/{event_type}", "SubmitEvent", submitEventRequest},
		{"POST", "/v1/admin/verify", "VerifyIntegrity", emptyRequest(&Empty{})},
		{"POST", "/v1/admin/projections/rebuild", "RebuildProjections", emptyRequest(&Empty{})},
		{"GET", "/v1/admin/event-log", "GetEventLogInfo", emptyRequest(&Empty{})},
		{"GET", "/v1/admin/snapshots", "ListSnapshots", listSnapshotsRequest},
		{"POST", "/v1/admin/snapshots", "TakeSnapshot", emptyRequest(&Empty{})},
	}
	for _, rt := range routes {
		if err := g.mux.HandlePath(rt.method, rt.pattern, g.proxy(rt.rpc, rt.build)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if hc != nil {
		httpMux.HandleFunc("/healthz", hc.LivenessHandler)
		httpMux.HandleFunc("/readyz", hc.ReadinessHandler)
	}
	httpMux.Handle("/", g.mux)
	return httpMux, nil
}

func (g *gateway) proxy(rpc string, build requestBuilder) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		_, outbound := runtime.MarshalerForRequest(g.mux, r)

		req, err := build(r, params)
		if err != nil {
			runtime.HTTPError(r.Context(), g.mux, outbound, w, r, status.Error(codes.InvalidArgument, err.Error()))
			return
		}

		var resp json.RawMessage
		if err := g.conn.Invoke(r.Context(), FullMethod(rpc), req, &resp); err != nil {
			runtime.HTTPError(r.Context(), g.mux, outbound, w, r, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(resp)
	}
}

// --- request builders ---

func emptyRequest(msg interface{}) requestBuilder {
	return func(*http.Request, map[string]string) (interface{}, error) {
		return msg, nil
	}
}

func accountRequest(_ *http.Request, params map[string]string) (interface{}, error) {
	return &AccountRequest{Account: params["account"]}, nil
}

func marketRequest(_ *http.Request, params map[string]string) (interface{}, error) {
	return &MarketRequest{Asset: params["asset"]}, nil
}

func historyRequest(r *http.Request, params map[string]string) (interface{}, error) {
	q := r.URL.Query()
	req := &HistoryRequest{Account: params["account"]}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid limit: %w", err)
		}
		req.Limit = n
	}
	if v := q.Get("after_sequence"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid after_sequence: %w", err)
		}
		req.AfterSequence = &n
	}
	return req, nil
}

func checkLiquidationRequest(r *http.Request, _ map[string]string) (interface{}, error) {
	q := r.URL.Query()
	return &CheckLiquidationRequest{
		Liquidator: q.Get("liquidator"),
		Violator:   q.Get("violator"),
		Liability:  q.Get("liability"),
		Collateral: q.Get("collateral"),
	}, nil
}

func listSnapshotsRequest(r *http.Request, _ map[string]string) (interface{}, error) {
	req := &ListSnapshotsRequest{}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid limit: %w", err)
		}
		req.Limit = n
	}
	return req, nil
}

// submitEventRequest takes the raw wire payload as the body.
func submitEventRequest(r *http.Request, params map[string]string) (interface{}, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("body is not valid JSON")
	}
	return &SubmitEventRequest{EventType: params["event_type"], Payload: body}, nil
}
