package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Profiles  ProfilesConfig  `json:"profiles,omitempty"`
	API       APIConfig       `json:"api"`
	Notify    *NotifyConfig   `json:"notify,omitempty"`
}

type LoggingConfig struct {
	// Level is one of trace|debug|info|warn|error. Defaults to info.
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	// Path is the SQLite database file. Defaults to "data/agentd.db".
	Path string `json:"path,omitempty"`

	// BusyTimeout is a Go duration string (e.g. "2s").
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the dispatch loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "60s"
//   - min_sleep: "1s"
//   - batch_limit: 5
//   - max_concurrent: 3
type SchedulerConfig struct {
	PollInterval  string `json:"poll_interval,omitempty"`
	MinSleep      string `json:"min_sleep,omitempty"`
	BatchLimit    int    `json:"batch_limit,omitempty"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
}

type ExecutorConfig struct {
	// Command is the agent CLI binary. Defaults to "claude".
	Command  string `json:"command,omitempty"`
	MaxTurns int    `json:"max_turns,omitempty"`

	// Tools granted when the resolved profile does not name its own.
	Tools []string `json:"tools,omitempty"`
}

type ProfilesConfig struct {
	// Dir holds per-profile YAML files, hot reloaded on change.
	Dir string `json:"dir,omitempty"`
}

type APIConfig struct {
	// Addr is the HTTP listen address. Defaults to "127.0.0.1:8765".
	Addr string `json:"addr,omitempty"`
}

// NotifyConfig controls the outbound webhook for task outcomes.
// Omitting the whole section disables notifications.
type NotifyConfig struct {
	WebhookURL string `json:"webhook_url"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}
