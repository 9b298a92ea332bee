package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"LendLedger/internal/core"
	"LendLedger/internal/ingestion"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var errRateLimited = status.Error(codes.ResourceExhausted, "rate limit exceeded")

var reasonCodes = map[string]codes.Code{
	"unauthorized":               codes.PermissionDenied,
	"invalid_identity":           codes.InvalidArgument,
	"invalid_amount":             codes.InvalidArgument,
	"invalid_price":              codes.InvalidArgument,
	"insufficient_balance":       codes.FailedPrecondition,
	"insufficient_collateral":    codes.FailedPrecondition,
	"insufficient_liquidity":     codes.FailedPrecondition,
	"insufficient_repayment":     codes.FailedPrecondition,
	"position_healthy":           codes.FailedPrecondition,
	"no_debt":                    codes.FailedPrecondition,
	"undercollateralized_result": codes.FailedPrecondition,
	"reentrant_call":             codes.Aborted,
	"transfer_failed":            codes.Aborted,
	"underflow":                  codes.Internal,
}

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Code    string `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// toStatus classifies err into a gRPC status; HTTP codes derive from it.
func toStatus(err error) (*status.Status, string) {
	if s, ok := status.FromError(err); ok {
		return s, ""
	}
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return status.New(codes.Unauthenticated, err.Error()), ""
	case errors.Is(err, ingestion.ErrMalformedCommand):
		return status.New(codes.InvalidArgument, err.Error()), ""
	case errors.Is(err, core.ErrProcessorStopped):
		return status.New(codes.Unavailable, err.Error()), ""
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error()), ""
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error()), ""
	}

	reason := core.Reason(err)
	if code, ok := reasonCodes[reason]; ok {
		return status.New(code, err.Error()), reason
	}
	return status.New(codes.Internal, err.Error()), ""
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err and returns the HTTP status written.
func writeError(w http.ResponseWriter, err error) int {
	s, reason := toStatus(err)
	httpCode := runtime.HTTPStatusFromCode(s.Code())
	writeJSON(w, httpCode, errorBody{
		Code:    s.Code().String(),
		Reason:  reason,
		Message: s.Message(),
	})
	return httpCode
}
