package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/socialchat/internal/auth"
	"github.com/matheus3301/socialchat/internal/messaging"
	"github.com/matheus3301/socialchat/internal/restapi"
)

// toStatus maps domain errors onto gRPC status codes.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	var transport *messaging.TransportError
	code := codes.Internal
	switch {
	case errors.Is(err, auth.ErrNotLoggedIn),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, messaging.ErrNotAuthenticated),
		restapi.IsUnauthorized(err):
		code = codes.Unauthenticated
	case errors.Is(err, auth.ErrEmptyToken),
		errors.Is(err, messaging.ErrEmptyContent),
		errors.Is(err, messaging.ErrInvalidCounterpart):
		code = codes.InvalidArgument
	case errors.Is(err, messaging.ErrMessageNotFound):
		code = codes.NotFound
	case errors.Is(err, messaging.ErrNoActiveConversation),
		errors.Is(err, messaging.ErrUnresolvableRecipient),
		errors.Is(err, messaging.ErrNotRetryable),
		errors.Is(err, messaging.ErrSuperseded):
		code = codes.FailedPrecondition
	case errors.Is(err, messaging.ErrNetworkUnavailable),
		errors.Is(err, messaging.ErrClosed),
		errors.As(err, &transport):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
