// Package config centralizes the environment-driven options recognized
// by the coordinator daemon and the agent-side check-in hook, per the
// configuration table in the Power Mode specification.
package config

import (
	"os"
	"strconv"
	"time"
)

// BackendMode selects which Store Backend implementation is used.
type BackendMode string

const (
	BackendAuto   BackendMode = "auto"
	BackendRemote BackendMode = "remote"
	BackendFile   BackendMode = "file"
)

// Config holds every tunable named in spec §6.6, plus the remote
// transport credentials from §6.2 and the file-mode paths from §6.3.
type Config struct {
	CheckinEveryNTools     int
	HeartbeatInterval      time.Duration
	MaxParallelAgents      int
	MaxRuntime             time.Duration
	BarrierDeadline        time.Duration
	LeaseTTL               time.Duration
	LeaseRenewInterval     time.Duration
	FileLockTimeout        time.Duration
	FilePollInterval       time.Duration
	MaxMessagesPerChannel  int
	BackendMode            BackendMode
	StateFilePath          string
	LockFilePath           string
	StoreURL               string
	StoreToken             string
	MongoURI               string
	MongoDatabase          string
	MonitorAddr            string
	EnableJWT              bool
	JWTSecret              string
	CheckinPullBudget      time.Duration
	CheckinPublishTimeout  time.Duration
	OrphanLockAge          time.Duration
	MessageRetention       time.Duration
}

// Default returns the configuration with every default from spec §6.6
// applied.
func Default() *Config {
	return &Config{
		CheckinEveryNTools:    5,
		HeartbeatInterval:     15 * time.Second,
		MaxParallelAgents:     6,
		MaxRuntime:            30 * time.Minute,
		BarrierDeadline:       120 * time.Second,
		LeaseTTL:              30 * time.Second,
		LeaseRenewInterval:    10 * time.Second,
		FileLockTimeout:       5 * time.Second,
		FilePollInterval:      100 * time.Millisecond,
		MaxMessagesPerChannel: 100,
		BackendMode:           BackendAuto,
		StateFilePath:         ".popkit/power-mode-state.json",
		LockFilePath:          ".popkit/power-mode-state.lock",
		MonitorAddr:           ":7790",
		CheckinPullBudget:     2 * time.Second,
		CheckinPublishTimeout: 5 * time.Second,
		OrphanLockAge:         60 * time.Second,
		MessageRetention:      24 * time.Hour,
	}
}

// FromEnv builds a Config starting from Default() and overriding with
// any recognized environment variable that is set. Call godotenv.Load
// (or Overload) before this in cmd/ entrypoints if a .env file should
// seed the process environment first.
func FromEnv() *Config {
	c := Default()

	if v := os.Getenv("POWERMODE_CHECKIN_EVERY_N_TOOLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.CheckinEveryNTools = n
		}
	}
	if v := os.Getenv("POWERMODE_HEARTBEAT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.HeartbeatInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("POWERMODE_MAX_PARALLEL_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxParallelAgents = n
		}
	}
	if v := os.Getenv("POWERMODE_MAX_RUNTIME_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxRuntime = time.Duration(n) * time.Minute
		}
	}
	if v := os.Getenv("POWERMODE_BARRIER_DEADLINE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.BarrierDeadline = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("POWERMODE_LEASE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.LeaseTTL = time.Duration(n) * time.Second
			c.LeaseRenewInterval = c.LeaseTTL / 3
		}
	}
	if v := os.Getenv("POWERMODE_FILE_LOCK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.FileLockTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("POWERMODE_FILE_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.FilePollInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("POWERMODE_MAX_MESSAGES_PER_CHANNEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxMessagesPerChannel = n
		}
	}
	if v := os.Getenv("POWERMODE_BACKEND_MODE"); v != "" {
		c.BackendMode = BackendMode(v)
	}
	if v := os.Getenv("POWERMODE_STATE_FILE"); v != "" {
		c.StateFilePath = v
	}
	if v := os.Getenv("POWERMODE_LOCK_FILE"); v != "" {
		c.LockFilePath = v
	}
	if v := os.Getenv("POWERMODE_MONITOR_ADDR"); v != "" {
		c.MonitorAddr = v
	}

	c.StoreURL = os.Getenv("POWERMODE_STORE_URL")
	c.StoreToken = os.Getenv("POWERMODE_STORE_TOKEN")
	c.MongoURI = os.Getenv("MONGODB_URI")
	c.MongoDatabase = os.Getenv("MONGODB_DATABASE")
	if c.MongoDatabase == "" {
		c.MongoDatabase = "power_mode"
	}

	c.EnableJWT = os.Getenv("ENABLE_JWT") == "true" || os.Getenv("ENABLE_JWT") == "1"
	c.JWTSecret = os.Getenv("JWT_SECRET")

	return c
}

// ResolveBackendMode decides remote vs file for BackendAuto by probing
// connectivity, per spec §6.6. ping is supplied by the caller so this
// package stays independent of the store implementation.
func (c *Config) ResolveBackendMode(ping func(url, token string, timeout time.Duration) bool) BackendMode {
	switch c.BackendMode {
	case BackendRemote, BackendFile:
		return c.BackendMode
	default:
		if c.StoreURL == "" || c.StoreToken == "" {
			return BackendFile
		}
		if ping(c.StoreURL, c.StoreToken, 2*time.Second) {
			return BackendRemote
		}
		return BackendFile
	}
}
