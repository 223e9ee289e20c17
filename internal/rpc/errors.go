package rpc

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"thinauth.org/internal/auth"
)

var grpcCodes = map[string]codes.Code{
	"tenant_not_found":         codes.Unauthenticated,
	"invalid_warrant":          codes.Unauthenticated,
	"invalid_proof":            codes.Unauthenticated,
	"unsupported_channel":      codes.InvalidArgument,
	"invalid_reference":        codes.InvalidArgument,
	"invalid_input":            codes.InvalidArgument,
	"session_already_verified": codes.FailedPrecondition,
	"session_already_expired":  codes.FailedPrecondition,
	"session_inactive":         codes.FailedPrecondition,
	"session_not_latent":       codes.FailedPrecondition,
	"op_consumed":              codes.FailedPrecondition,
	"op_not_found":             codes.NotFound,
	"alias_not_found":          codes.NotFound,
	"not_found":                codes.NotFound,
	"alias_conflict":           codes.AlreadyExists,
	"already_exists":           codes.AlreadyExists,
	"permission_denied":        codes.PermissionDenied,
	"remote_not_found":         codes.Unavailable,
	"throttled":                codes.ResourceExhausted,
}

// toStatus converts an authority error to a gRPC status whose message starts
// with the stable error code. Errors outside the taxonomy are not leaked.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := auth.Code(err)
	gc, ok := grpcCodes[code]
	if !ok {
		return status.Error(codes.Internal, "internal")
	}
	return status.Error(gc, code+": "+err.Error())
}

// mapError rebuilds the authority sentinel from a gRPC status so callers can
// use errors.Is across the wire.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	code, detail, _ := strings.Cut(st.Message(), ": ")
	sentinel := auth.FromCode(code)
	if sentinel == nil {
		return err
	}
	detail = strings.TrimPrefix(detail, sentinel.Error())
	detail = strings.TrimPrefix(detail, ": ")
	if detail == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, detail)
}

// permanent reports errors a reconnect cannot fix.
func permanent(err error) bool {
	return errors.Is(err, auth.ErrTenantNotFound) || errors.Is(err, auth.ErrInvalidInput) ||
		status.Code(err) == codes.Unimplemented
}
