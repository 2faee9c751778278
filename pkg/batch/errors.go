package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/illmade-knight/go-asyncops/pkg/store"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Class tells the executor whether a failed chunk is worth retrying.
type Class int

const (
	// ClassPermanent failures (validation and unknown errors) are recorded immediately.
	ClassPermanent Class = iota
	// ClassTransient failures (throttling, timeouts) are retried with backoff.
	ClassTransient
)

func (c Class) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "permanent"
}

type classifiedError struct {
	err   error
	class Class
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks err as retryable regardless of its underlying type.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTransient}
}

// Permanent marks err as not retryable regardless of its underlying type.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassPermanent}
}

// Classify decides the retry class of err. Explicit Transient/Permanent marks
// win; otherwise throttling and deadline errors, from the store or from gRPC,
// are transient and everything else is permanent.
func Classify(err error) Class {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}
	if errors.Is(err, store.ErrThrottled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted:
		return ClassTransient
	}
	return ClassPermanent
}

// PartialError reports that only some items of a chunk failed. Failed is keyed
// by the item's position within the chunk passed to the Op; items not listed
// are treated as written.
type PartialError struct {
	Failed map[int]error
}

func (e *PartialError) Error() string {
	idx := make([]int, 0, len(e.Failed))
	for i := range e.Failed {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	parts := make([]string, 0, len(idx))
	for _, i := range idx {
		parts = append(parts, fmt.Sprintf("item %d: %v", i, e.Failed[i]))
	}
	return fmt.Sprintf("%d items failed: %s", len(e.Failed), strings.Join(parts, "; "))
}
