// Package fault defines the closed set of error kinds shared by every
// subsystem. Callers classify failures with KindOf and map kinds to
// exit codes or tool-surface error payloads.
//
// A Fault does not own the error it wraps; Unwrap exposes the cause so
// errors.Is/errors.As keep working through a fault boundary.
package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure. The set is closed: new kinds require a
// matching change in every consumer that switches on them.
type Kind string

const (
	// InvalidArgument marks malformed user input (bad glob, nonsensical
	// direction, negative depth).
	InvalidArgument Kind = "invalid_argument"

	// UnsupportedFormat means no parser is registered for a file.
	// Recoverable: the coordinator skips the file and reports it.
	UnsupportedFormat Kind = "unsupported_format"

	// MalformedInput means a parser could not extract a valid document.
	// Recoverable: skip with report.
	MalformedInput Kind = "malformed_input"

	// PartialParse marks a document produced with warnings. The document
	// is still committed.
	PartialParse Kind = "partial_parse"

	// UnknownEntity marks a lineage/impact query whose name matched no node.
	UnknownEntity Kind = "unknown_entity"

	// LimitExceeded marks a traversal that hit the node cap. Fault has no
	// truncation field; traversal results report the cap in their own
	// Truncated flag.
	LimitExceeded Kind = "limit_exceeded"

	// Conflict is internal to the committer: two concurrent commits for
	// the same document. Never surfaced to callers.
	Conflict Kind = "conflict"

	// Cancelled and DeadlineExceeded map cooperative cancellation.
	Cancelled        Kind = "cancelled"
	DeadlineExceeded Kind = "deadline_exceeded"

	// Internal marks an invariant violation. Fatal, never swallowed.
	Internal Kind = "internal"
)

// Fault is the concrete error carrying a kind, a human message, and the
// identifiers that caused the failure (unknown entity names, bad fields).
type Fault struct {
	Kind Kind
	Msg  string
	IDs  []string
	Err  error
}

func (f *Fault) Error() string {
	var sb strings.Builder
	sb.WriteString(string(f.Kind))
	if f.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(f.Msg)
	}
	if len(f.IDs) > 0 {
		sb.WriteString(" [")
		sb.WriteString(strings.Join(f.IDs, ", "))
		sb.WriteString("]")
	}
	if f.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(f.Err.Error())
	}
	return sb.String()
}

func (f *Fault) Unwrap() error { return f.Err }

// Is lets errors.Is match two faults by kind alone.
func (f *Fault) Is(target error) bool {
	var other *Fault
	if errors.As(target, &other) {
		return f.Kind == other.Kind
	}
	return false
}

// New builds a fault with a formatted message.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// WithIDs builds a fault naming the offending identifiers.
func WithIDs(kind Kind, ids []string, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...), IDs: ids}
}

// KindOf extracts the fault kind from an error chain. Plain errors and
// nil map to Internal and "" respectively; context cancellation errors
// are recognized even when they were never wrapped.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return DeadlineExceeded
	}
	return Internal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
