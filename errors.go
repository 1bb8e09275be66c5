package appz

import (
	"errors"
	"fmt"
)

// Common errors returned by appz operations
var (
	// ErrInvalidName indicates a missing, malformed or reserved app name
	ErrInvalidName = errors.New("appz: invalid app name")

	// ErrDuplicateName indicates the app name is already registered
	ErrDuplicateName = errors.New("appz: app name already in use")

	// ErrAppNotFound indicates the app is not registered
	ErrAppNotFound = errors.New("appz: app not found")

	// ErrInvalidPorts indicates a port list with non-numeric or duplicate entries
	ErrInvalidPorts = errors.New("appz: invalid ports")

	// ErrInvalidManifest indicates the app manifest could not be loaded
	ErrInvalidManifest = errors.New("appz: invalid manifest")

	// ErrCanceled indicates the requesting client interrupted the command
	ErrCanceled = errors.New(`Received "SIGINT" from CLI. No new workers were started.`)

	// ErrUnknownOperation indicates a command name outside the operation table
	ErrUnknownOperation = errors.New("appz: unknown operation")

	// ErrMalformedCommand indicates a command payload that could not be decoded
	ErrMalformedCommand = errors.New("appz: malformed command")

	// ErrAlreadyResurrected indicates resurrect already ran in this daemon
	ErrAlreadyResurrected = errors.New("already resurrected")

	// ErrDaemonRunning indicates another daemon owns the control socket
	ErrDaemonRunning = errors.New("appz: daemon already running")

	// ErrDaemonNotRunning indicates no daemon answered on the control socket
	ErrDaemonNotRunning = errors.New("appz: daemon not running")

	// ErrShuttingDown indicates the daemon is exiting
	ErrShuttingDown = errors.New("appz: daemon shutting down")

	// ErrTimeout indicates an operation exceeded its timeout
	ErrTimeout = errors.New("appz: timeout")

	// ErrChannelClosed indicates the peer closed the control connection
	ErrChannelClosed = errors.New("appz: channel closed")
)

// OpError represents an error from an appz operation
type OpError struct {
	// Op is the operation that failed
	Op Operation
	// App is the app the operation targeted, if any
	App string
	// Err is the underlying error
	Err error
}

// Error returns a formatted error message
func (e *OpError) Error() string {
	if e.App == "" {
		return fmt.Sprintf("appz %s: %v", e.Op.String(), e.Err)
	}
	return fmt.Sprintf("appz %s %q: %v", e.Op.String(), e.App, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *OpError) Unwrap() error {
	return e.Err
}

// WorkerExitError reports a worker that exited before becoming available
type WorkerExitError struct {
	// App is the app the worker belonged to
	App string
	// Status is how the worker exited
	Status ExitStatus
}

// Error returns a formatted error message
func (e *WorkerExitError) Error() string {
	if e.Status.Signal != "" {
		return fmt.Sprintf("worker of app %q not started (signal: %s)", e.App, e.Status.Signal)
	}
	return fmt.Sprintf("worker of app %q not started (exit code: %d)", e.App, e.Status.Code)
}

// Wire error codes
const (
	CodeCanceled           = "SIGINT"
	CodeInvalidName        = "EINVALIDNAME"
	CodeDuplicateName      = "EDUPLICATE"
	CodeAppNotFound        = "ENOTFOUND"
	CodeInvalidPorts       = "EPORTS"
	CodeInvalidManifest    = "EMANIFEST"
	CodeUnknownOperation   = "EUNKNOWNOP"
	CodeMalformedCommand   = "EBADCOMMAND"
	CodeAlreadyResurrected = "ERESURRECTED"
	CodeWorkerExit         = "EWORKEREXIT"
)

var errorCodes = []struct {
	code string
	err  error
}{
	{CodeCanceled, ErrCanceled},
	{CodeInvalidName, ErrInvalidName},
	{CodeDuplicateName, ErrDuplicateName},
	{CodeAppNotFound, ErrAppNotFound},
	{CodeInvalidPorts, ErrInvalidPorts},
	{CodeInvalidManifest, ErrInvalidManifest},
	{CodeUnknownOperation, ErrUnknownOperation},
	{CodeMalformedCommand, ErrMalformedCommand},
	{CodeAlreadyResurrected, ErrAlreadyResurrected},
}

// ErrorCode returns the wire code for err, or "" for unclassified errors
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var exitErr *WorkerExitError
	if errors.As(err, &exitErr) {
		return CodeWorkerExit
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// RemoteError is an error reported by the daemon over the control socket
type RemoteError struct {
	// Message is the daemon-side error text
	Message string `json:"message"`
	// Code classifies the error; see the Code* constants
	Code string `json:"code,omitempty"`
}

// Error returns the daemon-side error text
func (e *RemoteError) Error() string {
	return e.Message
}

// Is matches the sentinel error the code was derived from
func (e *RemoteError) Is(target error) bool {
	for _, c := range errorCodes {
		if c.code == e.Code {
			return c.err == target
		}
	}
	return false
}

// remoteError converts err into its wire form
func remoteError(err error) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	// Cancellation is reported verbatim to the interrupted CLI
	if errors.Is(err, ErrCanceled) {
		return &RemoteError{Message: ErrCanceled.Error(), Code: CodeCanceled}
	}
	return &RemoteError{Message: err.Error(), Code: ErrorCode(err)}
}

// MultiError aggregates multiple errors from bulk operations
type MultiError struct {
	// Errors contains all accumulated errors
	Errors []error
}

// Error returns a summary of the accumulated errors
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(m.Errors), m.Errors[0])
}

// Unwrap exposes the accumulated errors to errors.Is and errors.As
func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Add appends an error to the collection if it's not nil
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Err returns nil if no errors occurred, otherwise returns the MultiError itself
func (m *MultiError) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}
