package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrTemporary           = errors.New("temporary failure")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrCacheConsistency    = errors.New("cache consistency")
	ErrTreeIntegrity       = errors.New("fragment tree integrity")
	ErrMalformedPayload    = errors.New("malformed upstream payload")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// IsCandidateLocal reports whether err only invalidates the candidate being assembled.
func IsCandidateLocal(err error) bool {
	return IsKind(err, ErrCacheConsistency) || IsKind(err, ErrTreeIntegrity) || IsKind(err, ErrMalformedPayload)
}
