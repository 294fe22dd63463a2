package cluster

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Class distinguishes the error taxonomy used across the cluster package:
// Startup and Protocol errors are fatal, Transient errors are absorbed by
// internal state transitions, and Recoverable errors are reported to the
// operator with node state left untouched.
type Class int

const (
	ClassStartup Class = iota
	ClassProtocol
	ClassTransient
	ClassRecoverable
)

func (c Class) String() string {
	switch c {
	case ClassStartup:
		return "startup"
	case ClassProtocol:
		return "protocol"
	case ClassTransient:
		return "transient"
	case ClassRecoverable:
		return "recoverable"
	default:
		return "unknown"
	}
}

// ClusterError carries a Class alongside a wrapped cause so callers can
// branch on the taxonomy without string-matching error text.
type ClusterError struct {
	class Class
	cause error
}

func (e *ClusterError) Error() string {
	return fmt.Sprintf("%s: %s", e.class, e.cause)
}

func (e *ClusterError) Unwrap() error { return e.cause }

func (e *ClusterError) Class() Class { return e.class }

func newClusterError(class Class, msg string, args ...interface{}) *ClusterError {
	return &ClusterError{class: class, cause: errors.Errorf(msg, args...)}
}

// Startup wraps a process-startup fatal error (bind failure, malformed
// arguments, a socket that refuses to clone).
func Startup(msg string, args ...interface{}) *ClusterError {
	return newClusterError(ClassStartup, msg, args...)
}

// Protocol wraps a closed-protocol violation: bytes off the wire that
// don't decode to any known message. The caller is expected to abort the
// process immediately.
func Protocol(msg string, args ...interface{}) *ClusterError {
	return newClusterError(ClassProtocol, msg, args...)
}

// Transient wraps an error that never crosses the protocol boundary: a
// coordinator-unreachable acquire timeout, sync silence, a release
// timeout. Callers translate these into state transitions, not operator
// reports.
func Transient(msg string, args ...interface{}) *ClusterError {
	return newClusterError(ClassTransient, msg, args...)
}

// Recoverable wraps a bad operator input: a malformed grade, an unknown
// REPL command. Node state is left untouched.
func Recoverable(msg string, args ...interface{}) *ClusterError {
	return newClusterError(ClassRecoverable, msg, args...)
}

// IsTransient reports whether err is a ClusterError of ClassTransient.
func IsTransient(err error) bool {
	var ce *ClusterError
	return stderrors.As(err, &ce) && ce.class == ClassTransient
}
