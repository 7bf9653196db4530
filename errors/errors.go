package errors

import (
	"context"
	"errors"
)

var (

	// Control flow
	ErrorShutdown = errors.New("shutting down")
	ErrorBusy     = errors.New("system is busy, please try again later")
	ErrorPanic    = errors.New("callable panicked")

	// stack Errors
	ErrorsWorkerStackFull = errors.New("workerstack full")
	ErrorWorkersIsEmpty   = errors.New("workers is empty")

	// Pool Errors
	ErrorPoolClosed         = errors.New("pool is closed")
	ErrorPoolReleaseTimeout = errors.New("release pool timeout")

	// Scheduler Errors
	ErrorSchedulerClosed = errors.New("job scheduler is closed")

	// PubSub Errors
	ErrorBusClosed       = errors.New("pubsub is closed")
	ErrorMethodNotFound  = errors.New("subscriber method not found")
	ErrorSubscriberIsNil = errors.New("subscriber is nil")

	// Storage Errors
	ErrorDatabaseClosed = errors.New("database is closed")
	ErrorUnknownAction  = errors.New("unknown database action")
	ErrorKeyNotFound    = errors.New("key not found")

	// Session Errors
	ErrorSessionNotFound = errors.New("session not found")
	ErrorSessionExpired  = errors.New("session expired")

	// Controller Errors
	ErrorDaemonShutdownTimeout = errors.New("daemons did not finish before the shutdown timeout")
	ErrorModelNotInitialised   = errors.New("model is not initialised")
)

// IsShutdown reports whether err is the cooperative shutdown signal.
func IsShutdown(err error) bool {
	return errors.Is(err, ErrorShutdown)
}

// IsStopped reports whether err only says that work under ctx was stopped:
// the shutdown signal, or a cancellation error while ctx itself is done. A
// cancellation error from some other context is an ordinary failure.
func IsStopped(ctx context.Context, err error) bool {
	if IsShutdown(err) {
		return true
	}
	if ctx == nil || ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Is, As and New re-export the standard helpers so callers need one import.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)
