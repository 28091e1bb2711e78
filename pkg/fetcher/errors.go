package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/lootfox/revmatch/pkg/httpclient"
	"github.com/lootfox/revmatch/pkg/schema"
	"github.com/lootfox/revmatch/pkg/tokencache"
)

// AuthError marks a rejected or unobtainable credential. The reconciler
// treats the network as failed after the framework's single refresh retry.
type AuthError struct {
	Network schema.Network
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Network, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError marks quota exhaustion that survived client-level retries.
type RateLimitError struct {
	Network schema.Network
	Err     error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited: %v", e.Network, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// TransportError marks connection failures, timeouts, and 5xx responses
// that survived client-level retries.
type TransportError struct {
	Network schema.Network
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failed: %v", e.Network, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ResponseShapeError marks a payload that could not be mapped onto the
// canonical schema: unexpected structure, missing fields, or values that
// refuse coercion.
type ResponseShapeError struct {
	Network schema.Network
	Err     error
}

func (e *ResponseShapeError) Error() string {
	return fmt.Sprintf("%s: unexpected response shape: %v", e.Network, e.Err)
}

func (e *ResponseShapeError) Unwrap() error { return e.Err }

// ShapeErrorf builds a ResponseShapeError from a format string.
func ShapeErrorf(network schema.Network, format string, args ...any) error {
	return &ResponseShapeError{Network: network, Err: fmt.Errorf(format, args...)}
}

// MediatorError wraps any failure of the mediator fetch. Peripheral network
// failures degrade a run; a MediatorError ends it.
type MediatorError struct {
	Err error
}

func (e *MediatorError) Error() string {
	return fmt.Sprintf("mediator fetch failed: %v", e.Err)
}

func (e *MediatorError) Unwrap() error { return e.Err }

// Classify sorts an HTTP-level failure into the adapter taxonomy: 401/403
// are auth rejections, 429 is a rate limit, everything else that reaches
// here — 5xx after retries, connection failures, deadlines, and unexpected
// 4xx — is a transport failure. Errors already classified pass through.
func Classify(network schema.Network, err error) error {
	if err == nil {
		return nil
	}

	var authErr *AuthError
	var rateErr *RateLimitError
	var transErr *TransportError
	var shapeErr *ResponseShapeError
	if errors.As(err, &authErr) || errors.As(err, &rateErr) ||
		errors.As(err, &transErr) || errors.As(err, &shapeErr) {
		return err
	}

	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &AuthError{Network: network, Err: err}
		case http.StatusTooManyRequests:
			return &RateLimitError{Network: network, Err: err}
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &TransportError{Network: network, Err: err}
}

// RetryAuth runs fn with a cached credential and, when the first call fails
// with an auth rejection, purges the cached record, forces one fresh login
// through fn's force flag, and tries again. A second rejection surfaces.
func RetryAuth(ctx context.Context, cache *tokencache.Store, network schema.Network, fn func(ctx context.Context, forceRefresh bool) error) error {
	err := fn(ctx, false)
	if err == nil {
		return nil
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		return err
	}
	if cache != nil {
		if delErr := cache.Delete(network); delErr != nil {
			return fmt.Errorf("purge rejected token: %w", delErr)
		}
	}
	return fn(ctx, true)
}
