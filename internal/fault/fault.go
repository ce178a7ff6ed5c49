// Package fault defines the error kinds shared by the aggregation pipeline.
package fault

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrMalformedNodeLabel marks a node whose GPU labels are missing or unparseable.
	ErrMalformedNodeLabel = errors.New("malformed node label")
	// ErrUpstreamUnavailable marks an unreachable or failing Kubernetes or hub API.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamTimeout is an ErrUpstreamUnavailable caused by a call deadline.
	ErrUpstreamTimeout = fmt.Errorf("%w: timeout", ErrUpstreamUnavailable)
	// ErrMalformedSessionRecord marks a single session whose usage fields cannot be parsed.
	ErrMalformedSessionRecord = errors.New("malformed session record")
	// ErrUnknownSiteInUsage marks usage reported for a site absent from the capacity table.
	ErrUnknownSiteInUsage = errors.New("unknown site in usage")
	// ErrUnknownProductInUsage marks usage reported for a product the site has no capacity for.
	ErrUnknownProductInUsage = errors.New("unknown product in usage")
	// ErrAuthenticationFailure marks a rejected or unresolvable credential.
	ErrAuthenticationFailure = errors.New("authentication failure")
	// ErrInvalidSelector marks an unusable node selector.
	ErrInvalidSelector = errors.New("invalid selector")
	// ErrInvalidCapacityConfig marks a static capacity table that fails validation.
	ErrInvalidCapacityConfig = errors.New("invalid capacity config")
)

// Upstream classifies err returned by an adapter call named op.
// Errors already carrying an authentication or upstream kind are returned as is.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrAuthenticationFailure), errors.Is(err, ErrUpstreamUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", op, ErrUpstreamTimeout, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrUpstreamUnavailable, err)
	}
}

// Auth wraps err as an authentication failure for op.
func Auth(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, ErrAuthenticationFailure)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrAuthenticationFailure, err)
}
