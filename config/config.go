// Package config loads and validates the coordinator's yaml
// configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/Charles-Schleich/postgres-cluster/core/cluster"
	"github.com/Charles-Schleich/postgres-cluster/pkg/logger"
	"github.com/Charles-Schleich/postgres-cluster/pkg/telemetry"
)

// Config is the full node configuration. Durations are expressed in
// the unit named by the field suffix so the yaml stays plain integers.
type Config struct {
	// NodeID is this node's 1-based position in ConnStrings.
	NodeID int `yaml:"node_id"`

	// ConnStrings lists every cluster member as a comma separated
	// sequence of key=value connection strings, in node id order.
	ConnStrings string `yaml:"conn_strings"`

	// DataDir holds the host database, register log and generated
	// certificates.
	DataDir string `yaml:"data_dir"`

	// MaxNodes caps the roster size this node accepts. The hard upper
	// bound is the width of the membership masks.
	MaxNodes int `yaml:"max_nodes"`

	HeartbeatSendIntervalMs int `yaml:"heartbeat_send_interval_ms"`
	HeartbeatRecvTimeoutMs  int `yaml:"heartbeat_recv_timeout_ms"`
	NodeDisableDelayMs      int `yaml:"node_disable_delay_ms"`

	// GCPeriod is the number of local transactions between
	// oldest-snapshot adjustments.
	GCPeriod int `yaml:"gc_period"`

	// TwoPCMinTimeoutMs floors the voting timeout.
	TwoPCMinTimeoutMs int `yaml:"twopc_min_timeout_ms"`
	// TwoPCPrepareRatio scales the prepare duration into the voting
	// timeout, in percent.
	TwoPCPrepareRatio int `yaml:"twopc_prepare_ratio"`

	// VacuumDelayS is the safety margin, in seconds, kept behind the
	// global oldest snapshot when trimming transaction state.
	VacuumDelayS int `yaml:"vacuum_delay_s"`

	// DeadlockTimeoutMs paces the distributed deadlock detection
	// passes.
	DeadlockTimeoutMs int `yaml:"deadlock_timeout_ms"`

	// MinRecoveryLag and MaxRecoveryLag bound, in log bytes, when a
	// recovering peer takes the cluster lock and when its slot is
	// dropped instead.
	MinRecoveryLag uint64 `yaml:"min_recovery_lag"`
	MaxRecoveryLag uint64 `yaml:"max_recovery_lag"`

	ConnectTimeoutMs   int `yaml:"connect_timeout_ms"`
	ReconnectTimeoutMs int `yaml:"reconnect_timeout_ms"`

	// BootstrapRegister makes this node bootstrap the replicated
	// register. Exactly one node per fresh cluster sets it.
	BootstrapRegister bool `yaml:"bootstrap_register"`

	// TLSCAFile, TLSCertFile and TLSKeyFile point at the PEM material
	// used by every intra-cluster listener. Empty paths mean a
	// self-signed set is generated under DataDir at startup.
	TLSCAFile   string `yaml:"tls_ca_file"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Load reads, defaults and validates a yaml config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.MaxNodes <= 0 {
		c.MaxNodes = cluster.MaxNodes
	}
	if c.HeartbeatSendIntervalMs <= 0 {
		c.HeartbeatSendIntervalMs = 200
	}
	if c.HeartbeatRecvTimeoutMs <= 0 {
		c.HeartbeatRecvTimeoutMs = 1000
	}
	if c.NodeDisableDelayMs <= 0 {
		c.NodeDisableDelayMs = 2000
	}
	if c.GCPeriod <= 0 {
		c.GCPeriod = 100
	}
	if c.TwoPCMinTimeoutMs <= 0 {
		c.TwoPCMinTimeoutMs = 2000
	}
	if c.TwoPCPrepareRatio <= 0 {
		c.TwoPCPrepareRatio = 200
	}
	if c.VacuumDelayS <= 0 {
		c.VacuumDelayS = 1
	}
	if c.DeadlockTimeoutMs <= 0 {
		c.DeadlockTimeoutMs = 1000
	}
	if c.MinRecoveryLag == 0 {
		c.MinRecoveryLag = 100 * 1024
	}
	if c.MaxRecoveryLag == 0 {
		c.MaxRecoveryLag = 100 * 1024 * 1024
	}
	if c.ConnectTimeoutMs <= 0 {
		c.ConnectTimeoutMs = 5000
	}
	if c.ReconnectTimeoutMs <= 0 {
		c.ReconnectTimeoutMs = 1000
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "dcc"
	}
}

// Validate checks the parts that cannot be defaulted away.
func (c *Config) Validate() error {
	peers, err := c.Peers()
	if err != nil {
		return err
	}
	if c.MaxNodes > cluster.MaxNodes {
		return fmt.Errorf("config: max_nodes %d above the supported maximum %d",
			c.MaxNodes, cluster.MaxNodes)
	}
	limit := c.MaxNodes
	if limit == 0 {
		limit = cluster.MaxNodes
	}
	if len(peers) > limit {
		return fmt.Errorf("config: %d nodes configured, max_nodes is %d", len(peers), limit)
	}
	if c.NodeID < 1 || c.NodeID > len(peers) {
		return fmt.Errorf("config: node_id %d outside [1,%d]", c.NodeID, len(peers))
	}
	if c.NodeDisableDelayMs < c.HeartbeatRecvTimeoutMs {
		return fmt.Errorf("config: node_disable_delay_ms %d below heartbeat_recv_timeout_ms %d",
			c.NodeDisableDelayMs, c.HeartbeatRecvTimeoutMs)
	}
	if c.MinRecoveryLag >= c.MaxRecoveryLag {
		return fmt.Errorf("config: min_recovery_lag %d must be below max_recovery_lag %d",
			c.MinRecoveryLag, c.MaxRecoveryLag)
	}
	set := 0
	for _, p := range []string{c.TLSCAFile, c.TLSCertFile, c.TLSKeyFile} {
		if p != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		return fmt.Errorf("config: tls_ca_file, tls_cert_file and tls_key_file must be set together")
	}
	return nil
}

// Peers parses ConnStrings into the cluster roster.
func (c *Config) Peers() ([]cluster.ConnInfo, error) {
	return cluster.ParseConnStrings(c.ConnStrings)
}

// HeartbeatSendInterval returns the heartbeat pacing as a duration.
func (c *Config) HeartbeatSendInterval() time.Duration {
	return time.Duration(c.HeartbeatSendIntervalMs) * time.Millisecond
}

// HeartbeatRecvTimeout returns the silence tolerance as a duration.
func (c *Config) HeartbeatRecvTimeout() time.Duration {
	return time.Duration(c.HeartbeatRecvTimeoutMs) * time.Millisecond
}

// NodeDisableDelay returns the watchdog delay as a duration.
func (c *Config) NodeDisableDelay() time.Duration {
	return time.Duration(c.NodeDisableDelayMs) * time.Millisecond
}

// TwoPCMinTimeout returns the voting timeout floor as a duration.
func (c *Config) TwoPCMinTimeout() time.Duration {
	return time.Duration(c.TwoPCMinTimeoutMs) * time.Millisecond
}

// VacuumDelay returns the trim safety margin as a duration.
func (c *Config) VacuumDelay() time.Duration {
	return time.Duration(c.VacuumDelayS) * time.Second
}

// DeadlockTimeout returns the detection pacing as a duration.
func (c *Config) DeadlockTimeout() time.Duration {
	return time.Duration(c.DeadlockTimeoutMs) * time.Millisecond
}

// ConnectTimeout returns the dial deadline as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// ReconnectTimeout returns the redial pause as a duration.
func (c *Config) ReconnectTimeout() time.Duration {
	return time.Duration(c.ReconnectTimeoutMs) * time.Millisecond
}
