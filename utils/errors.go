package utils

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Typed errors below match them through errors.Is.
var (
	ErrConflict        = errors.New("conflict: game already has a task in flight")
	ErrNotFound        = errors.New("not found: unknown task")
	ErrInvalidState    = errors.New("invalid state for operation")
	ErrBackend         = errors.New("backend failure")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrClosed          = errors.New("coordinator closed")
)

// ConflictError is returned when a second in-flight task is requested for a game.
type ConflictError struct {
	GameID int64
	TaskID string // the task already in flight
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("game %d already has task %s in flight", e.GameID, e.TaskID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// StateError reports an operation that the task's current state does not allow.
type StateError struct {
	TaskID string
	State  string
	Op     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s task %s in state %s", e.Op, e.TaskID, e.State)
}

func (e *StateError) Is(target error) bool { return target == ErrInvalidState }

// BackendError wraps a failure reported by the execution backend. It is
// recorded on the task and never returned to command callers.
type BackendError struct {
	TaskID   string
	Category ErrorCategory
	Err      error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("[%s] task %s: %v", e.Category, e.TaskID, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Is(target error) bool { return target == ErrBackend }

// InvalidArgument wraps ErrInvalidArgument with a description of the bad input.
func InvalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// ErrorCategory groups backend failures for display and retry decisions
type ErrorCategory string

const (
	ErrorCategoryNetwork    ErrorCategory = "network"
	ErrorCategoryFileSystem ErrorCategory = "filesystem"
	ErrorCategoryDiskSpace  ErrorCategory = "disk_space"
	ErrorCategoryArchive    ErrorCategory = "archive"
	ErrorCategoryProcess    ErrorCategory = "process"
	ErrorCategoryDatabase   ErrorCategory = "database"
	ErrorCategoryUnknown    ErrorCategory = "unknown"
)

// Retryable reports whether failures in the category are usually transient.
func (c ErrorCategory) Retryable() bool {
	switch c {
	case ErrorCategoryNetwork, ErrorCategoryDatabase:
		return true
	case ErrorCategoryFileSystem, ErrorCategoryDiskSpace, ErrorCategoryArchive, ErrorCategoryProcess, ErrorCategoryUnknown:
		return false
	}
	return false
}

// ErrorClassifier categorizes errors based on their message
type ErrorClassifier struct {
	order    []ErrorCategory
	patterns map[ErrorCategory][]string
}

func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{
		// disk space is checked before filesystem so "no space left" is not
		// swallowed by the generic I/O patterns
		order: []ErrorCategory{
			ErrorCategoryDiskSpace,
			ErrorCategoryNetwork,
			ErrorCategoryArchive,
			ErrorCategoryDatabase,
			ErrorCategoryProcess,
			ErrorCategoryFileSystem,
		},
		patterns: map[ErrorCategory][]string{
			ErrorCategoryDiskSpace: {
				"no space left on device", "disk full", "disk quota exceeded",
			},
			ErrorCategoryNetwork: {
				"connection refused", "connection reset", "timeout", "no route to host",
				"dial tcp", "i/o timeout", "tls handshake", "unexpected eof",
				"http status", "server misbehaving", "network is unreachable",
				"circuit breaker open",
			},
			ErrorCategoryArchive: {
				"zip:", "rardecode", "not a valid zip", "unsupported archive",
				"checksum", "illegal file path", "wrong password",
			},
			ErrorCategoryDatabase: {
				"database is locked", "sql:", "constraint failed", "no such table",
			},
			ErrorCategoryProcess: {
				"exit status", "exec:", "fork/exec", "executable file not found", "signal:",
			},
			ErrorCategoryFileSystem: {
				"permission denied", "no such file or directory", "read-only file system",
				"file exists", "directory not empty", "is a directory",
			},
		},
	}
}

// Categorize returns the first category whose patterns match msg.
func (ec *ErrorClassifier) Categorize(msg string) ErrorCategory {
	text := strings.ToLower(msg)
	for _, cat := range ec.order {
		for _, pattern := range ec.patterns[cat] {
			if strings.Contains(text, pattern) {
				return cat
			}
		}
	}
	return ErrorCategoryUnknown
}

// Classify wraps a backend failure for a task.
func (ec *ErrorClassifier) Classify(taskID string, err error) *BackendError {
	if err == nil {
		return nil
	}
	return &BackendError{TaskID: taskID, Category: ec.Categorize(err.Error()), Err: err}
}

func NewTaskError(taskID string, err error) error {
	return fmt.Errorf("task %s: %w", taskID, err)
}
