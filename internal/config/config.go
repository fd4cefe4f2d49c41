// Package config loads replica configuration from the environment
// using a Load()/getEnv/getEnvInt pattern.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/ruvnet/bftreplica/internal/wire"
)

// PeerAddr is one replica's TCP address plus the hostname used for TLS
// certificate verification.
type PeerAddr struct {
	Addr     string `json:"addr"`
	Hostname string `json:"hostname"`
}

// ReplicaConfig is the bootstrap configuration for a single node.
type ReplicaConfig struct {
	N              int                       `json:"n"`
	F              int                       `json:"f"`
	Id             wire.NodeId               `json:"id"`
	FirstClient    wire.NodeId               `json:"first_cli"`
	Addrs          map[wire.NodeId]PeerAddr  `json:"addrs"`
	TLSCertFile    string                    `json:"tls_cert_file"`
	TLSKeyFile     string                    `json:"tls_key_file"`
	TLSClientCAs   string                    `json:"tls_client_cas"`
}

// Quorum is 2f+1, the number of matching votes needed to progress a phase.
func (c *ReplicaConfig) Quorum() int {
	return 2*c.F + 1
}

// Validate checks the bootstrap preconditions: n >= 3f+1,
// and id must fall in the replica range for a replica config.
func (c *ReplicaConfig) Validate() error {
	if c.N < 3*c.F+1 {
		return errInvalidClusterSize
	}
	if !(c.Id < wire.NodeId(c.N) || c.Id >= c.FirstClient) {
		return errInvalidNodeId
	}
	return nil
}

// TimeoutConfig bounds consensus batching and CST retry backoff.
// CheckpointPeriod is loaded but not read by the log, which always
// checkpoints on multiples of wire.Period.
type TimeoutConfig struct {
	BatchSize          int           `json:"batch_size"`
	BatchTimeout       time.Duration `json:"batch_timeout"`
	CstTimeout         time.Duration `json:"cst_timeout"`
	PeerWriteTimeout   time.Duration `json:"peer_write_timeout"`
	CheckpointPeriod   uint64        `json:"checkpoint_period"`
}

// Config bundles everything a replica process needs at startup.
type Config struct {
	Replica  ReplicaConfig
	Timeouts TimeoutConfig
	Logging  LoggingConfig
}

// LoggingConfig controls the zap logger built for the process.
type LoggingConfig struct {
	Level string `json:"level"`
}

// Load loads configuration from environment variables, defaulting fields
// the environment doesn't set. Addrs must be populated by the caller
// (cmd/replica) since they come from a cluster membership file, not a
// single env var.
func Load() *Config {
	return &Config{
		Replica: ReplicaConfig{
			N:           getEnvInt("BFT_N", 4),
			F:           getEnvInt("BFT_F", 1),
			Id:          wire.NodeId(getEnvInt("BFT_ID", 0)),
			FirstClient: wire.NodeId(getEnvInt("BFT_FIRST_CLIENT", 1000)),
			TLSCertFile: getEnv("BFT_TLS_CERT", ""),
			TLSKeyFile:  getEnv("BFT_TLS_KEY", ""),
			TLSClientCAs: getEnv("BFT_TLS_CA", ""),
		},
		Timeouts: TimeoutConfig{
			BatchSize:        getEnvInt("BFT_BATCH_SIZE", 100),
			BatchTimeout:     time.Duration(getEnvInt("BFT_BATCH_TIMEOUT_MS", 100)) * time.Millisecond,
			CstTimeout:       time.Duration(getEnvInt("BFT_CST_TIMEOUT_MS", 1000)) * time.Millisecond,
			PeerWriteTimeout: time.Duration(getEnvInt("BFT_PEER_WRITE_TIMEOUT_MS", 2000)) * time.Millisecond,
			CheckpointPeriod: uint64(getEnvInt("BFT_CHECKPOINT_PERIOD", wire.Period)),
		},
		Logging: LoggingConfig{
			Level: getEnv("BFT_LOG_LEVEL", "info"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
