package server

import (
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/ledger"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "lendledger.v1.LendLedger"

// Snapshotter takes a snapshot on the processor goroutine and returns its
// sequence.
type Snapshotter interface {
	RequestSnapshot(ctx context.Context) (int64, error)
}

// ============================================================================
// Messages
// ============================================================================

type AccountRequest struct {
	Account string `json:"account"`
}

type MarketRequest struct {
	Asset string `json:"asset"`
}

type ListMarketsRequest struct{}

type ListMarketsResponse struct {
	Markets []query.MarketResponse `json:"markets"`
}

type CheckLiquidationRequest struct {
	Liquidator string `json:"liquidator"`
	Violator   string `json:"violator"`
	Liability  string `json:"liability"`
	Collateral string `json:"collateral"`
}

type HistoryRequest struct {
	Account       string `json:"account"`
	Limit         int    `json:"limit"`
	AfterSequence *int64 `json:"after_sequence,omitempty"`
}

// SubmitEventRequest carries a payload in the same JSON wire format as the
// NATS subjects.
type SubmitEventRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type SubmitEventResponse struct {
	Accepted       bool   `json:"accepted"`
	EventType      string `json:"event_type"`
	IdempotencyKey string `json:"idempotency_key"`
}

type Empty struct{}

type RebuildProjectionsResponse struct {
	Started bool   `json:"started"`
	TaskID  string `json:"task_id"`
}

type EventLogInfoResponse struct {
	LastSequence    int64  `json:"last_sequence"`
	AppliedSequence int64  `json:"applied_sequence"`
	Uptime          string `json:"uptime"`
}

type ListSnapshotsRequest struct {
	Limit int `json:"limit"`
}

type ListSnapshotsResponse struct {
	Snapshots []persistence.SnapshotInfo `json:"snapshots"`
}

type TakeSnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

// ============================================================================
// Service
// ============================================================================

// Service implements the query, ingest and admin RPCs. Admin RPCs that need
// a database or snapshotter answer Unavailable when those are not wired.
type Service struct {
	db          *sql.DB
	qs          *query.QueryService
	ingest      *ingestion.GRPCIngestService
	snapMgr     *persistence.SnapshotManager
	snapshotter Snapshotter
	seq         query.SequenceSource
	startTime   time.Time
}

func (s *Service) GetAccount(ctx context.Context, req *AccountRequest) (*query.AccountResponse, error) {
	account, err := parseAddress("account", req.Account)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetAccount(ctx, account)
	return resp, toStatus(err)
}

func (s *Service) GetBalances(ctx context.Context, req *AccountRequest) (*query.BalanceResponse, error) {
	if s.db == nil {
		return nil, errNoDatabase
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetBalances(ctx, account)
	return resp, toStatus(err)
}

func (s *Service) GetMarket(ctx context.Context, req *MarketRequest) (*query.MarketResponse, error) {
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetMarket(ctx, asset)
	return resp, toStatus(err)
}

func (s *Service) ListMarkets(ctx context.Context, _ *ListMarketsRequest) (*ListMarketsResponse, error) {
	markets, err := s.qs.ListMarkets(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListMarketsResponse{Markets: markets}, nil
}

func (s *Service) GetProjectedMarket(ctx context.Context, req *MarketRequest) (*query.ProjectedMarketResponse, error) {
	if s.db == nil {
		return nil, errNoDatabase
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetProjectedMarket(ctx, asset)
	return resp, toStatus(err)
}

func (s *Service) CheckLiquidation(ctx context.Context, req *CheckLiquidationRequest) (*query.LiquidationQuote, error) {
	var addrs [4]common.Address
	for i, f := range []struct{ name, value string }{
		{"liquidator", req.Liquidator},
		{"violator", req.Violator},
		{"liability", req.Liability},
		{"collateral", req.Collateral},
	} {
		addr, err := parseAddress(f.name, f.value)
		if err != nil {
			return nil, err
		}
		addrs[i] = addr
	}
	resp, err := s.qs.CheckLiquidation(ctx, addrs[0], addrs[1], addrs[2], addrs[3])
	return resp, toStatus(err)
}

func (s *Service) ListLiquidations(ctx context.Context, req *HistoryRequest) (*query.LiquidationHistoryResponse, error) {
	if s.db == nil {
		return nil, errNoDatabase
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetLiquidationHistory(ctx, account, req.Limit)
	return resp, toStatus(err)
}

func (s *Service) ListJournals(ctx context.Context, req *HistoryRequest) (*query.JournalPage, error) {
	if s.db == nil {
		return nil, errNoDatabase
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetJournalHistory(ctx, account, req.Limit, req.AfterSequence)
	return resp, toStatus(err)
}

// --- Ingest ---

func (s *Service) SubmitEvent(ctx context.Context, req *SubmitEventRequest) (*SubmitEventResponse, error) {
	if s.ingest == nil {
		return nil, status.Error(codes.Unavailable, "ingest not enabled")
	}
	if event.ParseEventType(req.EventType) == event.EventTypeUnknown {
		return nil, status.Errorf(codes.InvalidArgument, "unknown event_type %q", req.EventType)
	}
	if len(req.Payload) == 0 {
		return nil, status.Error(codes.InvalidArgument, "payload is required")
	}

	evt, err := s.ingest.Inject(ctx, req.EventType, req.Payload)
	if err != nil {
		if errors.Is(err, ingestion.ErrIngestUnavailable) || ctx.Err() != nil {
			return nil, toStatus(err)
		}
		return nil, status.Errorf(codes.InvalidArgument, "parse payload: %v", err)
	}
	return &SubmitEventResponse{
		Accepted:       true,
		EventType:      evt.EventType().String(),
		IdempotencyKey: evt.IdempotencyKey(),
	}, nil
}

// --- Admin ---

func (s *Service) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if s.db == nil {
		return nil, errNoDatabase
	}
	report, err := s.qs.VerifyIntegrity(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}

func (s *Service) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildProjectionsResponse, error) {
	if s.db == nil {
		return nil, errNoDatabase
	}
	if err := projection.RebuildProjections(ctx, s.db); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &RebuildProjectionsResponse{Started: true, TaskID: "rebuild-sync"}, nil
}

func (s *Service) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfoResponse, error) {
	resp := &EventLogInfoResponse{
		LastSequence:    -1,
		AppliedSequence: s.seq.AppliedSequence(),
		Uptime:          time.Since(s.startTime).Truncate(time.Second).String(),
	}
	if s.snapMgr != nil {
		latest, err := s.snapMgr.GetLatestSequence(ctx)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "get latest sequence: %v", err)
		}
		resp.LastSequence = latest
	}
	return resp, nil
}

func (s *Service) ListSnapshots(ctx context.Context, req *ListSnapshotsRequest) (*ListSnapshotsResponse, error) {
	if s.snapMgr == nil {
		return nil, errNoDatabase
	}
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	snaps, err := s.snapMgr.ListSnapshots(ctx, limit)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "list snapshots: %v", err)
	}
	return &ListSnapshotsResponse{Snapshots: snaps}, nil
}

func (s *Service) TakeSnapshot(ctx context.Context, _ *Empty) (*TakeSnapshotResponse, error) {
	if s.snapshotter == nil {
		return nil, status.Error(codes.Unavailable, "snapshots not enabled")
	}
	seq, err := s.snapshotter.RequestSnapshot(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TakeSnapshotResponse{Sequence: seq}, nil
}

// ============================================================================
// Service descriptor
// ============================================================================

// LendLedgerServer is the handler type of the service descriptor.
type LendLedgerServer interface {
	GetAccount(context.Context, *AccountRequest) (*query.AccountResponse, error)
	GetBalances(context.Context, *AccountRequest) (*query.BalanceResponse, error)
	GetMarket(context.Context, *MarketRequest) (*query.MarketResponse, error)
	ListMarkets(context.Context, *ListMarketsRequest) (*ListMarketsResponse, error)
	GetProjectedMarket(context.Context, *MarketRequest) (*query.ProjectedMarketResponse, error)
	CheckLiquidation(context.Context, *CheckLiquidationRequest) (*query.LiquidationQuote, error)
	ListLiquidations(context.Context, *HistoryRequest) (*query.LiquidationHistoryResponse, error)
	ListJournals(context.Context, *HistoryRequest) (*query.JournalPage, error)
	SubmitEvent(context.Context, *SubmitEventRequest) (*SubmitEventResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	RebuildProjections(context.Context, *Empty) (*RebuildProjectionsResponse, error)
	GetEventLogInfo(context.Context, *Empty) (*EventLogInfoResponse, error)
	ListSnapshots(context.Context, *ListSnapshotsRequest) (*ListSnapshotsResponse, error)
	TakeSnapshot(context.Context, *Empty) (*TakeSnapshotResponse, error)
}

// FullMethod returns the gRPC path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unary builds a method descriptor that decodes Req and runs the
// interceptor chain around call.
func unary[Req any, Resp any](name string, call func(LendLedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode: %v", err)
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				resp, err := call(srv.(LendLedgerServer), ctx, req.(*Req))
				if err != nil {
					return nil, err
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LendLedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetAccount", LendLedgerServer.GetAccount),
		unary("GetBalances", LendLedgerServer.GetBalances),
		unary("GetMarket", LendLedgerServer.GetMarket),
		unary("ListMarkets", LendLedgerServer.ListMarkets),
		unary("GetProjectedMarket", LendLedgerServer.GetProjectedMarket),
		unary("CheckLiquidation", LendLedgerServer.CheckLiquidation),
		unary("ListLiquidations", LendLedgerServer.ListLiquidations),
		unary("ListJournals", LendLedgerServer.ListJournals),
		unary("SubmitEvent", LendLedgerServer.SubmitEvent),
		unary("VerifyIntegrity", LendLedgerServer.VerifyIntegrity),
		unary("RebuildProjections", LendLedgerServer.RebuildProjections),
		unary("GetEventLogInfo", LendLedgerServer.GetEventLogInfo),
		unary("ListSnapshots", LendLedgerServer.ListSnapshots),
		unary("TakeSnapshot", LendLedgerServer.TakeSnapshot),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lendledger/v1/lendledger.json",
}

// ============================================================================
// Helpers
// ============================================================================

var errNoDatabase = status.Error(codes.Unavailable, "database not configured")

func parseAddress(field, value string) (common.Address, error) {
	if strings.TrimSpace(value) == "" {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	addr, err := ledger.ParseAddress(value)
	if err != nil {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "invalid %s: %v", field, err)
	}
	return addr, nil
}

var _ LendLedgerServer = (*Service)(nil)
