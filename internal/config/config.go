// Package config provides configuration loading, validation, and hot-reload
// for the OCTOREFLEX agent.
//
// Startup: invalid config is fatal (the agent refuses to start).
// Hot-reload (SIGHUP): invalid config is logged and the old config retained;
// only non-destructive fields (thresholds, cooldown, log level) are applied.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

type Config struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this node in ledger entries. Default: hostname.
	NodeID string `yaml:"node_id"`

	Agent         AgentConfig         `yaml:"agent"`
	Anomaly       AnomalyConfig       `yaml:"anomaly"`
	Containment   ContainmentConfig   `yaml:"containment"`
	Budget        BudgetConfig        `yaml:"budget"`
	Enforcement   EnforcementConfig   `yaml:"enforcement"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// AgentConfig holds agent-level operational parameters.
type AgentConfig struct {
	// SignalQueueSize is the kernel signal channel depth. When full, new
	// signals are dropped and counted. Default: 10000.
	SignalQueueSize int `yaml:"signal_queue_size"`

	// MaxTrackedPIDs bounds the containment record table. Default: 8192.
	MaxTrackedPIDs int `yaml:"max_tracked_pids"`

	// Shards is the number of state-table shards (records are sharded by
	// pid so unrelated processes never contend). Default: 64.
	Shards int `yaml:"shards"`

	// IdleEviction is how long a MONITORING record may sit without signals
	// before it is evicted. Default: 10m.
	IdleEviction time.Duration `yaml:"idle_eviction"`
}

// AnomalyConfig holds anomaly engine parameters.
type AnomalyConfig struct {
	// Alpha is the EWMA smoothing factor in [0, 1]. Higher alpha weights
	// recent signals more. Default: 0.35.
	Alpha float64 `yaml:"alpha"`

	// WindowSize is the per-pid rolling window length (signals).
	// Default: 64.
	WindowSize int `yaml:"window_size"`

	// SpikeEntropyBits is the hard ceiling for write-entropy signals in
	// bits/byte. A single signal at or above this magnitude lifts the score
	// floor immediately (ransomware signature). Default: 7.5.
	SpikeEntropyBits float64 `yaml:"spike_entropy_bits"`

	// SpikeFloor is the score floor applied while a spike is held.
	// Default: 0.92.
	SpikeFloor float64 `yaml:"spike_floor"`

	// SpikeHold is how long the spike floor persists after the last
	// over-ceiling entropy signal. Default: 10s.
	SpikeHold time.Duration `yaml:"spike_hold"`
}

// ContainmentConfig holds state machine thresholds and dwell policies.
type ContainmentConfig struct {
	ThresholdPressure   float64 `yaml:"threshold_pressure"`
	ThresholdQuarantine float64 `yaml:"threshold_quarantine"`
	ThresholdIsolate    float64 `yaml:"threshold_isolate"`
	ThresholdTerminate  float64 `yaml:"threshold_terminate"`

	// SustainCount is the number of consecutive over-threshold evaluations
	// required before MONITORING escalates to PRESSURE (a single outlier
	// must not escalate). Default: 3.
	SustainCount int `yaml:"sustain_count"`

	// PressureDwellCeiling escalates PRESSURE to QUARANTINED when the
	// record has dwelt unresolved this long. Default: 120s.
	PressureDwellCeiling time.Duration `yaml:"pressure_dwell_ceiling"`

	// Cooldown is the minimum dwell in PRESSURE before de-escalation back
	// to MONITORING, even if signals stop entirely. Default: 300s.
	Cooldown time.Duration `yaml:"cooldown"`

	// DenialThreshold is the number of hook-denial events in QUARANTINED
	// that indicates active bypass attempts and escalates to ISOLATED.
	// Default: 5.
	DenialThreshold int `yaml:"denial_threshold"`

	// TerminatedRetention is how long a TERMINATED record is kept for
	// audit replay before cleanup. Default: 1h.
	TerminatedRetention time.Duration `yaml:"terminated_retention"`
}

// BudgetConfig holds token bucket parameters. Refill is clock-driven and
// independent of enforcement traffic.
type BudgetConfig struct {
	// Capacity is the maximum token balance. Default: 100.
	Capacity int `yaml:"capacity"`

	// RefillRate is tokens added per second. Default: 2.0.
	RefillRate float64 `yaml:"refill_rate"`
}

// EnforcementConfig holds kernel-boundary parameters.
type EnforcementConfig struct {
	// MapPinPath is the bpffs pin path of the process-state map maintained
	// by the LSM hook program. Default: /sys/fs/bpf/octoreflex/states.
	MapPinPath string `yaml:"map_pin_path"`

	// EventsPinPath is the bpffs pin path of the hook program's event ring
	// buffer. Default: /sys/fs/bpf/octoreflex/events.
	EventsPinPath string `yaml:"events_pin_path"`

	// CallTimeout bounds a single kernel round-trip. Default: 5ms.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// MaxRetries bounds enforcement programming retries before the record
	// is marked enforcement-pending. Default: 3.
	MaxRetries int `yaml:"max_retries"`

	// RetryInitialInterval seeds the exponential backoff. Default: 1ms.
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
}

// StorageConfig holds audit ledger parameters.
type StorageConfig struct {
	// DBPath is the BoltDB file path. Default: /var/lib/octoreflex/octoreflex.db.
	DBPath string `yaml:"db_path"`

	// RetentionDays is the ledger retention period. Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus HTTP bind address. Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel: debug, info, warn, error. Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat: json, console. Default: json.
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds the operator override socket parameters.
type OperatorConfig struct {
	// Enabled controls whether the operator socket is served. Default: true.
	Enabled bool `yaml:"enabled"`

	// SocketPath is the Unix socket the operator CLI connects to.
	// Mode 0600, root-owned. Default: /run/octoreflex/operator.sock.
	SocketPath string `yaml:"socket_path"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Agent: AgentConfig{
			SignalQueueSize: 10000,
			MaxTrackedPIDs:  8192,
			Shards:          64,
			IdleEviction:    10 * time.Minute,
		},
		Anomaly: AnomalyConfig{
			Alpha:            0.35,
			WindowSize:       64,
			SpikeEntropyBits: 7.5,
			SpikeFloor:       0.92,
			SpikeHold:        10 * time.Second,
		},
		Containment: ContainmentConfig{
			ThresholdPressure:    0.55,
			ThresholdQuarantine:  0.85,
			ThresholdIsolate:     0.93,
			ThresholdTerminate:   0.97,
			SustainCount:         3,
			PressureDwellCeiling: 120 * time.Second,
			Cooldown:             300 * time.Second,
			DenialThreshold:      5,
			TerminatedRetention:  time.Hour,
		},
		Budget: BudgetConfig{
			Capacity:   100,
			RefillRate: 2.0,
		},
		Enforcement: EnforcementConfig{
			MapPinPath:           "/sys/fs/bpf/octoreflex/states",
			EventsPinPath:        "/sys/fs/bpf/octoreflex/events",
			CallTimeout:          5 * time.Millisecond,
			MaxRetries:           3,
			RetryInitialInterval: time.Millisecond,
		},
		Storage: StorageConfig{
			DBPath:        "/var/lib/octoreflex/octoreflex.db",
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/octoreflex/operator.sock",
		},
	}
}

// Load reads and validates a config file. The returned config is the
// defaults overridden by file values.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Validate checks all fields and reports every violation found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Agent.SignalQueueSize < 100 {
		errs = append(errs, fmt.Sprintf("agent.signal_queue_size must be >= 100, got %d", cfg.Agent.SignalQueueSize))
	}
	if cfg.Agent.MaxTrackedPIDs < 1 || cfg.Agent.MaxTrackedPIDs > 65536 {
		errs = append(errs, fmt.Sprintf("agent.max_tracked_pids must be in [1, 65536], got %d", cfg.Agent.MaxTrackedPIDs))
	}
	if cfg.Agent.Shards < 1 || cfg.Agent.Shards > 1024 {
		errs = append(errs, fmt.Sprintf("agent.shards must be in [1, 1024], got %d", cfg.Agent.Shards))
	}
	if cfg.Anomaly.Alpha < 0 || cfg.Anomaly.Alpha > 1 {
		errs = append(errs, fmt.Sprintf("anomaly.alpha must be in [0, 1], got %g", cfg.Anomaly.Alpha))
	}
	if cfg.Anomaly.WindowSize < 1 {
		errs = append(errs, fmt.Sprintf("anomaly.window_size must be >= 1, got %d", cfg.Anomaly.WindowSize))
	}
	if cfg.Anomaly.SpikeEntropyBits < 0 || cfg.Anomaly.SpikeEntropyBits > 8 {
		errs = append(errs, fmt.Sprintf("anomaly.spike_entropy_bits must be in [0, 8], got %g", cfg.Anomaly.SpikeEntropyBits))
	}
	if cfg.Anomaly.SpikeFloor < 0 || cfg.Anomaly.SpikeFloor > 1 {
		errs = append(errs, fmt.Sprintf("anomaly.spike_floor must be in [0, 1], got %g", cfg.Anomaly.SpikeFloor))
	}
	if !thresholdsAscending(cfg.Containment) {
		errs = append(errs, "containment thresholds must satisfy 0 < pressure < quarantine < isolate < terminate <= 1")
	}
	if cfg.Containment.SustainCount < 1 {
		errs = append(errs, fmt.Sprintf("containment.sustain_count must be >= 1, got %d", cfg.Containment.SustainCount))
	}
	if cfg.Containment.Cooldown <= 0 {
		errs = append(errs, fmt.Sprintf("containment.cooldown must be > 0, got %s", cfg.Containment.Cooldown))
	}
	if cfg.Budget.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("budget.capacity must be >= 1, got %d", cfg.Budget.Capacity))
	}
	if cfg.Budget.RefillRate < 0 {
		errs = append(errs, fmt.Sprintf("budget.refill_rate must be >= 0, got %g", cfg.Budget.RefillRate))
	}
	if cfg.Enforcement.CallTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("enforcement.call_timeout must be > 0, got %s", cfg.Enforcement.CallTimeout))
	}
	if cfg.Enforcement.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("enforcement.max_retries must be >= 0, got %d", cfg.Enforcement.MaxRetries))
	}
	if cfg.Storage.DBPath == "" || !filepath.IsAbs(cfg.Storage.DBPath) {
		errs = append(errs, fmt.Sprintf("storage.db_path must be an absolute path, got %q", cfg.Storage.DBPath))
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug|info|warn|error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be json or console, got %q", cfg.Observability.LogFormat))
	}
	if cfg.Operator.Enabled && !filepath.IsAbs(cfg.Operator.SocketPath) {
		errs = append(errs, fmt.Sprintf("operator.socket_path must be an absolute path, got %q", cfg.Operator.SocketPath))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func thresholdsAscending(c ContainmentConfig) bool {
	return c.ThresholdPressure > 0 &&
		c.ThresholdPressure < c.ThresholdQuarantine &&
		c.ThresholdQuarantine < c.ThresholdIsolate &&
		c.ThresholdIsolate < c.ThresholdTerminate &&
		c.ThresholdTerminate <= 1
}
