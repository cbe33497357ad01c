// Package ezerrors implements the boot error taxonomy from spec.md §7:
// ConfigError, NetworkError, CloudError, StorageError, SupervisorError and
// ShutdownError. Each carries a stage tag so the orchestrator's fatal-error
// log line can name the logical step without needing a stack trace, and is
// wrapped at the top of pkg/boot with github.com/go-errors/errors to add one
// when it does surface.
package ezerrors

import (
	"fmt"

	"github.com/go-errors/errors"
	"golang.org/x/xerrors"
)

// Kind enumerates the taxonomy's top-level buckets.
type Kind string

const (
	KindConfig     Kind = "config"
	KindNetwork    Kind = "network"
	KindCloud      Kind = "cloud"
	KindStorage    Kind = "storage"
	KindSupervisor Kind = "supervisor"
	KindShutdown   Kind = "shutdown"
)

// CloudKind enumerates CloudError's sub-kind, per spec.md §4.B.
type CloudKind string

const (
	CloudAuth      CloudKind = "auth"
	CloudNotFound  CloudKind = "not-found"
	CloudThrottled CloudKind = "throttled"
	CloudTransport CloudKind = "transport"
	CloudService   CloudKind = "service"
)

// BootError is the taxonomy's single concrete type. Stage names the
// component ("metadata", "network", "volumes:ebs", ...), Kind names the
// bucket, Resource optionally names the offending resource (volume id,
// bucket+key, parameter path), and frame lets FormatError print a
// lightweight call-site instead of a full stack.
type BootError struct {
	Stage     string
	Kind      Kind
	CloudKind CloudKind
	Resource  string
	Message   string
	Cause     error
	frame     xerrors.Frame
}

func newBootError(stage string, kind Kind, resource, message string, cause error) *BootError {
	return &BootError{
		Stage:    stage,
		Kind:     kind,
		Resource: resource,
		Message:  message,
		Cause:    cause,
		frame:    xerrors.Caller(2),
	}
}

func Config(stage, resource, message string, cause error) *BootError {
	return newBootError(stage, KindConfig, resource, message, cause)
}

func Network(stage, message string, cause error) *BootError {
	return newBootError(stage, KindNetwork, "", message, cause)
}

func Storage(stage, resource, message string, cause error) *BootError {
	return newBootError(stage, KindStorage, resource, message, cause)
}

func Supervisor(stage, message string, cause error) *BootError {
	return newBootError(stage, KindSupervisor, "", message, cause)
}

// Shutdown errors are always non-fatal; callers log them and continue.
func Shutdown(stage, message string, cause error) *BootError {
	return newBootError(stage, KindShutdown, "", message, cause)
}

func Cloud(stage string, kind CloudKind, resource, message string, cause error) *BootError {
	e := newBootError(stage, KindCloud, resource, message, cause)
	e.CloudKind = kind
	return e
}

func (e *BootError) Error() string {
	return fmt.Sprint(e)
}

func (e *BootError) Unwrap() error {
	return e.Cause
}

// FormatError implements xerrors.Formatter so %+v prints stage/kind/resource
// plus the (shallow) call-site frame.
func (e *BootError) FormatError(p xerrors.Printer) error {
	if e.Resource != "" {
		p.Printf("[%s] %s error (%s): %s", e.Stage, e.Kind, e.Resource, e.Message)
	} else {
		p.Printf("[%s] %s error: %s", e.Stage, e.Kind, e.Message)
	}
	e.frame.Format(p)
	return e.Cause
}

func (e *BootError) Format(f fmt.State, c rune) {
	xerrors.FormatError(e, f, c)
}

// Retryable reports whether the error is a CloudError whose sub-kind is
// conventionally worth retrying (throttled or transport), per spec.md §4.B.
func Retryable(err error) bool {
	var be *BootError
	if !xerrors.As(err, &be) {
		return false
	}
	return be.Kind == KindCloud && (be.CloudKind == CloudThrottled || be.CloudKind == CloudTransport)
}

// NotFound reports whether err is a CloudError{not-found}, the case that
// "optional: true" sources are allowed to swallow.
func NotFound(err error) bool {
	var be *BootError
	if !xerrors.As(err, &be) {
		return false
	}
	return be.Kind == KindCloud && be.CloudKind == CloudNotFound
}

// Wrap adds a stack trace for the top-level handler in pkg/boot. Mirrors the
// teacher's commands.WrapError: go-errors does not return nil on a nil input,
// so that case is special-cased here.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, 0)
}
