package manager

import "errors"

// Precondition failures. Callers match them with errors.Is.
var (
	ErrAlreadyRunning    = errors.New("server is already running")
	ErrUpdating          = errors.New("server executable is being updated")
	ErrEULANotAccepted   = errors.New("eula has not been accepted")
	ErrExecutableMissing = errors.New("server executable not found")
	ErrServerPathMissing = errors.New("server directory not found")
)

var (
	// ErrSpawn wraps a failure to create the OS process. It is reported once and never retried.
	ErrSpawn = errors.New("failed to spawn server process")
	// ErrBackupInProgress rejects a second backup for the same server.
	ErrBackupInProgress = errors.New("backup already in progress")
	// ErrNoUpdateURL is returned by UpdateExecutable when the server has no download url.
	ErrNoUpdateURL = errors.New("no executable update url configured")
	// ErrUnknownServer is returned by the registry for ids it does not manage.
	ErrUnknownServer = errors.New("unknown server")
	ErrShuttingDown  = errors.New("supervisor shutting down")
)
