package server

import (
	"LendLedger/internal/core"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/ledger"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
	"LendLedger/internal/state"
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	notFoundErrors = []error{
		query.ErrNotFound,
		ledger.ErrAssetNotActivated,
		projection.ErrMarketNotProjected,
	}
	// Malformed batches and requests
	invalidArgumentErrors = []error{
		query.ErrInvalidArgument,
		ingestion.ErrBatchTooLarge,
		ingestion.ErrBatchTooDeep,
		ingestion.ErrNegativeValue,
		ingestion.ErrEmptyBatch,
		core.ErrUnknownProxyAddress,
		core.ErrCallToInternalModule,
		core.ErrModuleNotInstalled,
		core.ErrUnsupportedOperation,
		state.ErrSelfLiquidation,
		state.ErrSameAsset,
		state.ErrViolatorNotEnteredCollateral,
		state.ErrNoLiability,
		state.ErrExcessiveRepayAmount,
		state.ErrMinYieldNotMet,
	}
	// Policy and solvency: the request is well formed but the state refuses it
	failedPreconditionErrors = []error{
		state.ErrMarketOperationPaused,
		state.ErrSupplyCapExceeded,
		state.ErrBorrowCapExceeded,
		state.ErrCollateralViolation,
		state.ErrBorrowIsolationViolation,
		state.ErrOutstandingBorrow,
		state.ErrPriceUnavailable,
		ledger.ErrInsufficientBalance,
		ledger.ErrInsufficientPoolSize,
		ledger.ErrRepayTooMuch,
	}
)

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// toStatus maps an error to a gRPC status. Errors that already carry a
// status pass through unchanged.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case isAny(err, notFoundErrors):
		return status.Error(codes.NotFound, err.Error())
	case isAny(err, invalidArgumentErrors):
		return status.Error(codes.InvalidArgument, err.Error())
	case isAny(err, failedPreconditionErrors):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ingestion.ErrIngestUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
