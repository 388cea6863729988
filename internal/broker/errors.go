package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind 区分订单错误的处理策略：Transient/Timeout 可重试，
// 其余立即上抛并触发对账。
type ErrorKind int

const (
	KindRejected ErrorKind = iota // Broker refused the order, never retried
	KindStale                     // Position no longer exists on the broker
	KindNotFound                  // Position unknown locally or remotely
	KindTransient                 // Network or broker hiccup, retry allowed
	KindTimeout                   // Call exceeded its deadline, retry allowed
)

func (k ErrorKind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindStale:
		return "stale"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// OrderError is the typed result of a failed broker order call.
type OrderError struct {
	Kind    ErrorKind
	RetCode int // Broker return code, 0 when not applicable
	Msg     string
	cause   error
}

func (e *OrderError) Error() string {
	if e.RetCode != 0 {
		return fmt.Sprintf("order %s (retcode=%d): %s", e.Kind, e.RetCode, e.Msg)
	}
	return fmt.Sprintf("order %s: %s", e.Kind, e.Msg)
}

func (e *OrderError) Unwrap() error { return e.cause }

// Retryable reports whether the failure may be retried safely.
func (e *OrderError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindTimeout
}

func Rejected(retCode int, msg string) *OrderError {
	return &OrderError{Kind: KindRejected, RetCode: retCode, Msg: msg}
}

func Stale(ticket int64) *OrderError {
	return &OrderError{Kind: KindStale, Msg: fmt.Sprintf("position %d no longer exists on broker", ticket)}
}

func NotFound(ticket int64) *OrderError {
	return &OrderError{Kind: KindNotFound, Msg: fmt.Sprintf("position %d not found", ticket)}
}

func Transient(err error) *OrderError {
	return &OrderError{Kind: KindTransient, Msg: errMsg(err), cause: err}
}

func Timeout(err error) *OrderError {
	return &OrderError{Kind: KindTimeout, Msg: errMsg(err), cause: err}
}

func errMsg(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// AsOrderError unwraps err to an *OrderError if possible.
func AsOrderError(err error) (*OrderError, bool) {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// IsRetryable reports whether err should go through the executor's
// bounded retry loop. Raw network and deadline errors count as transient
// even before they are wrapped.
func IsRetryable(err error) bool {
	if oe, ok := AsOrderError(err); ok {
		return oe.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// ClassifyCallError wraps a raw transport failure into the order error
// taxonomy. Timeouts are kept distinct so reconciliation can treat the
// outcome as unknown rather than failed.
func ClassifyCallError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsOrderError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout(err)
		}
		return Transient(err)
	}
	return Transient(err)
}

// ErrReconciliationConflict marks a position whose local and broker state
// still disagree after an authoritative re-fetch. The position is frozen
// and left to manual review.
var ErrReconciliationConflict = errors.New("reconciliation conflict: local and broker state disagree")
