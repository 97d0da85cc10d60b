// Package errs defines the fatal error taxonomy used across the ELFHex
// pipeline. Every error the core raises is one of these kinds; there is no
// recovery and no warning channel, so each kind carries enough context
// (source location, names involved) to produce a useful diagnostic on its
// own.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one of the named error categories from the ELFHex
// specification. Kind values are stable and may be compared with ==.
type Kind string

const (
	ParseError             Kind = "ParseError"
	FileNotFound           Kind = "FileNotFound"
	IncompatibleProgram    Kind = "IncompatibleProgram"
	MetadataConflict       Kind = "MetadataConflict"
	FragmentRedefinition   Kind = "FragmentRedefinition"
	UnknownFragment        Kind = "UnknownFragment"
	ArityError             Kind = "ArityError"
	UnresolvedParameter    Kind = "UnresolvedParameter"
	ExpansionTooDeep       Kind = "ExpansionTooDeep"
	UnknownLabel           Kind = "UnknownLabel"
	AmbiguousLabel         Kind = "AmbiguousLabel"
	ReferenceOutOfRange    Kind = "ReferenceOutOfRange"
	LiteralOutOfRange      Kind = "LiteralOutOfRange"
	UnprintableCharInString Kind = "UnprintableCharInString"
	EntryNotFound          Kind = "EntryNotFound"
	EntryAmbiguous         Kind = "EntryAmbiguous"
	UnknownExtension       Kind = "UnknownExtension"
	ExtensionParseError    Kind = "ExtensionParseError"
	ExtensionSizeMismatch  Kind = "ExtensionSizeMismatch"
)

// Location pinpoints where an error originated, when known. File may be
// empty for errors raised on already-merged, file-agnostic state (e.g. a
// layout failure spanning several files).
type Location struct {
	File string
	Line int
}

func (l Location) String() string {
	if l.File == "" {
		return ""
	}
	if l.Line <= 0 {
		return l.File
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// Error is a fatal, located ELFHex error.
type Error struct {
	Kind Kind
	Loc  Location
	msg  string
	err  error // optional wrapped cause
}

func (e *Error) Error() string {
	loc := e.Loc.String()
	if loc != "" {
		return fmt.Sprintf("%s: %s: %s", loc, e.Kind, e.msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// New creates a located error of the given kind.
func New(kind Kind, loc Location, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Loc: loc, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and location to an existing error, preserving it as
// the cause via errors.Wrap; the stack trace that records is reachable
// through Unwrap, while Error's own text carries only location, kind and
// message.
func Wrap(kind Kind, loc Location, cause error, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: kind, Loc: loc, msg: msg, err: errors.Wrap(cause, msg)}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
