package server

import (
	"LendLedger/internal/observability"
	"context"
	"path"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// unaryInterceptors returns the server chain, outermost first: logging and
// metrics see every call, including rate-limited ones and recovered panics.
func unaryInterceptors(logger zerolog.Logger, metrics *observability.Metrics, limiter *rate.Limiter) []grpc.UnaryServerInterceptor {
	chain := []grpc.UnaryServerInterceptor{
		loggingUnaryInterceptor(logger, metrics),
		recoveryUnaryInterceptor(logger),
	}
	if limiter != nil {
		chain = append(chain, rateLimitUnaryInterceptor(limiter))
	}
	return chain
}

// newLimiter returns nil when perSecond is not positive (no limit).
func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func loggingUnaryInterceptor(logger zerolog.Logger, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (_ interface{}, err error) {
		start := time.Now()
		endpoint := path.Base(info.FullMethod)
		defer func() {
			code := status.Code(err)
			if metrics != nil {
				metrics.QueryRequests.WithLabelValues(endpoint, code.String()).Inc()
				metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
				if code != codes.OK {
					metrics.QueryErrors.WithLabelValues(endpoint, code.String()).Inc()
				}
			}
			ev := logger.Debug()
			if code == codes.Internal || code == codes.Unknown {
				ev = logger.Error().Err(err)
			}
			ev.Str("method", info.FullMethod).
				Str("code", code.String()).
				Dur("duration", time.Since(start)).
				Msg("grpc unary")
		}()
		return handler(ctx, req)
	}
}

func recoveryUnaryInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (_ interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Str("method", info.FullMethod).Interface("panic", r).Msg("panic in unary handler")
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

func rateLimitUnaryInterceptor(limiter *rate.Limiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !limiter.Allow() {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}
