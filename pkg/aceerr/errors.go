// Package aceerr defines the core's error taxonomy: a small set of typed,
// wrappable failure kinds distinguished by Code(), not by message text.
package aceerr

import (
	"errors"
	"fmt"
)

// Code is a stable, HTTP-error-envelope-friendly identifier for an error kind.
type Code string

const (
	CodeUnknownAMT           Code = "UNKNOWN_AMT"
	CodeAMTDependency        Code = "AMT_DEP"
	CodeAMTVersion           Code = "AMT_VERSION"
	CodeUnknownRoot          Code = "UNKNOWN_ROOT"
	CodeUnknownAlertSystem   Code = "UNKNOWN_ALERT_SYSTEM"
	CodeDuplicateAPIKeyName  Code = "DUPLICATE_API_KEY_NAME"
	CodeRootVersionConflict  Code = "ROOT_VERSION_CONFLICT"
	CodeDeadlock             Code = "DEADLOCK"
)

// Error is the base type every taxonomy member wraps.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes a wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches another *Error by Code, the same way the taxonomy is meant to
// be distinguished — by kind, not by message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

func newErr(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// UnknownAnalysisModuleType reports an operation referencing an AMT absent
// from the Module Registry.
func UnknownAnalysisModuleType(name string) *Error {
	return newErr(CodeUnknownAMT, "analysis module type %q is not registered", name)
}

// AMTDependencyError reports an AMT being registered with a dependency that
// is itself absent from the registry.
func AMTDependencyError(amt, dependency string) *Error {
	return newErr(CodeAMTDependency, "amt %q depends on unregistered amt %q", amt, dependency)
}

// AMTVersionError reports a worker poll whose version/extended_version does
// not match the registered AMT.
func AMTVersionError(amt, polledVersion string) *Error {
	return newErr(CodeAMTVersion, "amt %q: polled version %q incompatible with registered version", amt, polledVersion)
}

// UnknownRootAnalysis reports a details write (or other root-scoped
// operation) referencing a root not tracked by the Root Store.
func UnknownRootAnalysis(rootUUID string) *Error {
	return newErr(CodeUnknownRoot, "root analysis %q is not tracked", rootUUID)
}

// UnknownAlertSystem reports get_alerts/unregister for an unregistered name.
func UnknownAlertSystem(name string) *Error {
	return newErr(CodeUnknownAlertSystem, "alert system %q is not registered", name)
}

// DuplicateAPIKeyName reports an api-key create collision on name.
func DuplicateAPIKeyName(name string) *Error {
	return newErr(CodeDuplicateAPIKeyName, "an api key named %q already exists", name)
}

// RootVersionConflict reports an optimistic update_root retry budget
// exhausted without landing a commit.
func RootVersionConflict(rootUUID string, attempts int) *Error {
	return newErr(CodeRootVersionConflict, "root %q: update_root conflicted %d times, giving up", rootUUID, attempts)
}

// DeadlockErr reports the persistence backend's deadlock-retry budget
// exhausted.
func DeadlockErr(cause error) *Error {
	e := newErr(CodeDeadlock, "persistence backend deadlock retry budget exhausted")
	e.cause = cause
	return e
}

// DeadlockPredicate decides whether a backend error represents a
// transactional deadlock worth retrying. bbolt is a single-writer embedded
// store with no concept of a cross-transaction deadlock — it simply blocks
// the writer — so the default predicate always reports false. A relational
// backend wired in later (MySQL error 1205/1213, SQLite "database is
// locked") should install its own predicate at construction rather than
// have one hard-coded here (§9 Open Question).
var DeadlockPredicate = func(err error) bool { return false }

// IsDeadlock reports whether err should be treated as a retryable deadlock,
// via the currently installed DeadlockPredicate.
func IsDeadlock(err error) bool {
	if err == nil {
		return false
	}
	return DeadlockPredicate(err)
}

// CodeOf extracts the Code of err if it (or something it wraps) is an
// *Error, and ("", false) otherwise.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
