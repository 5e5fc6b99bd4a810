// Package merrors defines the DataMesh error taxonomy: a small closed set of
// Kinds compared via errors.Is, rather than a type per failure mode. This
// mirrors the sentinel-error style the teacher uses in pkg/crypto/keys.go
// (ErrInvalidKey, ErrEncryptionFailed, ...), generalized into a single
// wrapping type so callers can attach operation context without losing the
// ability to switch on Kind.
package merrors

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds from the DataMesh error taxonomy.
type Kind int

const (
	// KindValidation covers malformed input: empty blob, oversized
	// descriptor, invalid config.
	KindValidation Kind = iota
	// KindQuotaExceeded means a local or remote peer cannot accept a shard.
	KindQuotaExceeded
	// KindNetwork is a transport-level failure; retriable.
	KindNetwork
	// KindTimeout means a deadline elapsed; retriable within budget.
	KindTimeout
	// KindNotFound means a DHT lookup returned no peers holding the key.
	KindNotFound
	// KindInsufficientShards means fewer than k live shards remain.
	KindInsufficientShards
	// KindIntegrityFailure is a hash or AEAD tag mismatch; fatal, never
	// retried, never masked.
	KindIntegrityFailure
	// KindCancelled means a cancellation signal was observed.
	KindCancelled
	// KindIoError is a local disk fault.
	KindIoError
	// KindInternal is an invariant violation.
	KindInternal
	// KindUnderReplicated signals fewer than R peers accepted a shard.
	KindUnderReplicated
	// KindInsufficientDispersion means the PUT dispersion threshold was
	// not met within the retry budget.
	KindInsufficientDispersion
	// KindUnrecoverable is the terminal RepairLoop state: the live shard
	// set was exhausted before k could be reassembled.
	KindUnrecoverable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindQuotaExceeded:
		return "QuotaExceeded"
	case KindNetwork:
		return "NetworkError"
	case KindTimeout:
		return "Timeout"
	case KindNotFound:
		return "NotFound"
	case KindInsufficientShards:
		return "InsufficientShards"
	case KindIntegrityFailure:
		return "IntegrityFailure"
	case KindCancelled:
		return "Cancelled"
	case KindIoError:
		return "IoError"
	case KindInternal:
		return "InternalError"
	case KindUnderReplicated:
		return "UnderReplicated"
	case KindInsufficientDispersion:
		return "InsufficientDispersion"
	case KindUnrecoverable:
		return "Unrecoverable"
	default:
		return "UnknownError"
	}
}

// Error is the concrete error type every DataMesh component returns. Op
// names the failing operation (e.g. "shardcodec.Decode"); Err, if non-nil,
// is the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, merrors.KindX) work by comparing Kind values
// through a sentinel wrapper; see kindSentinel below.
func (e *Error) Is(target error) bool {
	var s *kindSentinel
	if errors.As(target, &s) {
		return e.Kind == s.kind
	}
	return false
}

// New constructs a DataMesh error of the given Kind for operation op,
// wrapping err (which may be nil).
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted message instead of a wrapped error.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// kindSentinel lets callers write errors.Is(err, merrors.Sentinel(KindX)).
type kindSentinel struct{ kind Kind }

func (s *kindSentinel) Error() string { return s.kind.String() }

// Sentinel returns a comparison target for errors.Is against a Kind,
// e.g. errors.Is(err, merrors.Sentinel(merrors.KindNotFound)).
func Sentinel(kind Kind) error { return &kindSentinel{kind: kind} }

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return errors.Is(err, Sentinel(kind))
}

// KindOf extracts the Kind of err if it (or something it wraps) is a
// *Error; ok is false otherwise.
func KindOf(err error) (kind Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
