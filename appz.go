package appz

import (
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Daemon home directory layout
const (
	// HomeEnv overrides the daemon home directory
	HomeEnv = "APPZ_HOME"

	// HomeDirName is the default home directory name below $HOME
	HomeDirName = ".appz"

	// SocketFile is the control socket file name
	SocketFile = "appz.sock"

	// RegistryFile is the persisted app registry file name
	RegistryFile = "config.json"

	// DaemonConfigFile is the optional daemon configuration file name
	DaemonConfigFile = "appzd.yaml"

	// JournalFile is the lifecycle event database file name
	JournalFile = "journal.db"

	// PIDFile holds the pid of the running daemon
	PIDFile = "appzd.pid"

	// ManifestFile is the app manifest file name inside an app directory
	ManifestFile = "appz.yaml"

	// PackageFile is the JSON manifest accepted when no ManifestFile exists
	PackageFile = "package.json"

	// ReservedName is the app name used by the daemon for its own logs
	ReservedName = "appz"

	// RegistryVersion is stamped into the persisted registry
	RegistryVersion = Version
)

// Worker environment
const (
	// IPCFDEnv names the descriptor number of a worker's control socket
	IPCFDEnv = "APPZ_IPC_FD"

	// ipcFD is the descriptor the control socket lands on (first ExtraFile)
	ipcFD = 3

	// ModeEnv selects development overrides (devPorts, devWorkers) when set
	// to "development"
	ModeEnv = "APPZ_ENV"

	// nodeModeEnv is honoured for manifests shared with node tooling
	nodeModeEnv = "NODE_ENV"

	modeDevelopment = "development"
)

// Timeouts and retry defaults
const (
	// Infinite disables forced termination after a cooperative disconnect
	Infinite time.Duration = -1

	// DefaultKillTimeout is the grace period before workers are force-killed
	DefaultKillTimeout = 30 * time.Second

	// DefaultKillSignal is sent when the grace period runs out
	DefaultKillSignal = syscall.SIGTERM

	// DefaultExitGrace bounds how long an exiting daemon waits for connections and workers
	DefaultExitGrace = 10 * time.Second

	// DefaultDialTimeout is the default timeout for control socket connections
	DefaultDialTimeout = 2 * time.Second

	// DefaultBackoffMin is the minimum backoff duration for retries
	DefaultBackoffMin = 10 * time.Millisecond

	// DefaultBackoffMax is the maximum backoff duration for retries
	DefaultBackoffMax = 1 * time.Second

	// DefaultMaxAttempts is the default maximum number of dial attempts
	DefaultMaxAttempts = 10

	// DefaultDaemonWait bounds how long a client waits for an auto-started daemon
	DefaultDaemonWait = 10 * time.Second

	// DefaultConcurrency limits fan-out for restart-all and resurrect
	DefaultConcurrency = 10

	// DefaultWaitDelay bounds how long output pipes are drained after a worker exits
	DefaultWaitDelay = time.Second
)

// File modes
const (
	// DirMode is the default mode for created directories
	DirMode = 0o755

	// FileMode is the default mode for created files
	FileMode = 0o644

	// SecretMode is used for the registry, which carries app environments
	SecretMode = 0o600
)

// Operation represents a daemon command
type Operation int

const (
	// OpUnknown represents an unknown operation
	OpUnknown Operation = iota
	// OpStart starts a new app
	OpStart
	// OpStop stops an app and forgets it
	OpStop
	// OpRestart replaces the workers of an app
	OpRestart
	// OpRestartAll restarts every registered app
	OpRestartAll
	// OpList reports every app
	OpList
	// OpInfo reports a single app
	OpInfo
	// OpLogs streams the output of an app
	OpLogs
	// OpExit shuts the daemon down
	OpExit
	// OpResurrect starts every app from the persisted registry
	OpResurrect
	// OpPing checks that the daemon is alive
	OpPing
	// OpRevive replaces a crashed worker; never sent over the wire
	OpRevive
)

// Operation string constants
const (
	opUnknownStr    = "unknown"
	opStartStr      = "start"
	opStopStr       = "stop"
	opRestartStr    = "restart"
	opRestartAllStr = "restart-all"
	opListStr       = "list"
	opInfoStr       = "info"
	opLogsStr       = "logs"
	opExitStr       = "exit"
	opResurrectStr  = "resurrect"
	opPingStr       = "ping"
	opReviveStr     = "revive"
)

// String returns the wire name of an Operation
func (op Operation) String() string {
	switch op {
	case OpStart:
		return opStartStr
	case OpStop:
		return opStopStr
	case OpRestart:
		return opRestartStr
	case OpRestartAll:
		return opRestartAllStr
	case OpList:
		return opListStr
	case OpInfo:
		return opInfoStr
	case OpLogs:
		return opLogsStr
	case OpExit:
		return opExitStr
	case OpResurrect:
		return opResurrectStr
	case OpPing:
		return opPingStr
	case OpRevive:
		return opReviveStr
	default:
		return opUnknownStr
	}
}

// ParseOperation maps a wire command name to an Operation.
// Internal operations such as OpRevive are not accepted.
func ParseOperation(name string) Operation {
	switch name {
	case opStartStr:
		return OpStart
	case opStopStr:
		return OpStop
	case opRestartStr:
		return OpRestart
	case opRestartAllStr:
		return OpRestartAll
	case opListStr:
		return OpList
	case opInfoStr:
		return OpInfo
	case opLogsStr:
		return OpLogs
	case opExitStr:
		return OpExit
	case opResurrectStr:
		return OpResurrect
	case opPingStr:
		return OpPing
	default:
		return OpUnknown
	}
}

// HomeDir returns the daemon home directory: $APPZ_HOME if set, otherwise
// ~/.appz
func HomeDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return filepath.Abs(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, HomeDirName), nil
}

// SocketPath returns the control socket path inside home
func SocketPath(home string) string {
	return filepath.Join(home, SocketFile)
}
