package types

// Config is the server configuration, merged from config files and
// environment overrides. It is read once at startup and passed by value
// to components.
type Config struct {
	// Port is the TCP listen port.
	Port int `json:"port,omitempty"`

	// WorkspacesRoot is the default cwd prefix for new sessions.
	WorkspacesRoot string `json:"workspaces_root,omitempty"`

	// DataDir holds the SQLite database and server state.
	DataDir string `json:"data_dir,omitempty"`

	// RetentionDays is the event purge horizon for stopped sessions.
	RetentionDays int `json:"retention_days,omitempty"`

	// MaxSubscriberQueue bounds each subscriber's fan-out queue.
	MaxSubscriberQueue int `json:"max_subscriber_queue,omitempty"`

	// SpawnTimeoutMs bounds adapter create/resume.
	SpawnTimeoutMs int `json:"spawn_timeout_ms,omitempty"`

	// HeartbeatMs is the websocket ping interval.
	HeartbeatMs int `json:"heartbeat_ms,omitempty"`

	// PongDeadlineMs is how long to wait for a pong before closing.
	PongDeadlineMs int `json:"pong_deadline_ms,omitempty"`

	// DefaultShell is the shell spawned by the pty adapter when the
	// session metadata names none.
	DefaultShell string `json:"default_shell,omitempty"`

	// BypassPermissions is the assistant adapter's default permission mode.
	BypassPermissions bool `json:"bypass_permissions,omitempty"`

	// AuthToken is the bearer token accepted by the default authenticator.
	// Empty disables authentication (local development only).
	AuthToken string `json:"auth_token,omitempty"`

	// JobsFile is the path to the scheduler's YAML job declarations.
	JobsFile string `json:"jobs_file,omitempty"`

	// LogLevel is the minimum log level (DEBUG|INFO|WARN|ERROR).
	LogLevel string `json:"log_level,omitempty"`
}

// Defaults applied where the merged configuration is silent.
const (
	DefaultPort               = 7680
	DefaultRetentionDays      = 30
	DefaultMaxSubscriberQueue = 1024
	DefaultSpawnTimeoutMs     = 10_000
	DefaultHeartbeatMs        = 20_000
	DefaultPongDeadlineMs     = 30_000
)

// ApplyDefaults fills zero-valued fields with server defaults.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.MaxSubscriberQueue == 0 {
		c.MaxSubscriberQueue = DefaultMaxSubscriberQueue
	}
	if c.SpawnTimeoutMs == 0 {
		c.SpawnTimeoutMs = DefaultSpawnTimeoutMs
	}
	if c.HeartbeatMs == 0 {
		c.HeartbeatMs = DefaultHeartbeatMs
	}
	if c.PongDeadlineMs == 0 {
		c.PongDeadlineMs = DefaultPongDeadlineMs
	}
	if c.DefaultShell == "" {
		c.DefaultShell = "/bin/sh"
	}
}
