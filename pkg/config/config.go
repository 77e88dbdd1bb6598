// Package config loads node configuration from the environment, with a
// .env file as an optional override source for local development.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-tunable knob the node reads at startup.
type Config struct {
	NodeID      string
	StoragePath string
	SwarmName   string
	HTTPPort    int
	WSPort      int

	LogLevel   string
	LogFile    string

	ConsensusQuorum int

	FailureDetectorInterval time.Duration
	SuspectTimeout          time.Duration
	DeadGrace               time.Duration

	HeartbeatInterval time.Duration
	ProposerInterval  time.Duration

	ContainerRuntimeBin        string
	WorkerCompletionViaConsensus bool

	StoreBackend string // "memory" or "file"
}

// envPaths mirrors the teacher's search order for a .env file: the working
// directory first, then a few parent directories for when the binary runs
// from a nested cmd/ build output.
var envPaths = []string{".env", "../.env", "../../.env"}

// Load reads .env (best effort) then builds a Config from the process
// environment, applying defaults for anything unset.
func Load() (*Config, error) {
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	nodeID := os.Getenv("NODE_ID")
	if nodeID == "" {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, fmt.Errorf("config: generate random node id: %w", err)
		}
		nodeID = hex.EncodeToString(b[:])
	}

	storagePath := os.Getenv("STORAGE_PATH")
	if storagePath == "" {
		storagePath = "./data/" + nodeID
	}

	cfg := &Config{
		NodeID:      nodeID,
		StoragePath: storagePath,
		SwarmName:   getEnvOr("SWARM_NAME", "default-swarm"),
		HTTPPort:    getEnvIntOr("HTTP_PORT", 8080),
		WSPort:      getEnvIntOr("WS_PORT", 8081),

		LogLevel: getEnvOr("LOG_LEVEL", "info"),
		LogFile:  os.Getenv("LOG_FILE_PATH"),

		ConsensusQuorum: getEnvIntOr("CONSENSUS_QUORUM", 2),

		FailureDetectorInterval: getEnvDurationOr("FAILURE_DETECTOR_INTERVAL", 10*time.Second),
		SuspectTimeout:          getEnvDurationOr("SUSPECT_TIMEOUT", 15*time.Second),
		DeadGrace:               getEnvDurationOr("DEAD_GRACE", 15*time.Second),

		HeartbeatInterval: getEnvDurationOr("HEARTBEAT_INTERVAL", 5*time.Second),
		ProposerInterval:  getEnvDurationOr("PROPOSER_INTERVAL", 15*time.Second),

		ContainerRuntimeBin:          getEnvOr("CONTAINER_RUNTIME_BIN", "docker"),
		WorkerCompletionViaConsensus: getEnvBoolOr("WORKER_COMPLETION_VIA_CONSENSUS", false),

		StoreBackend: getEnvOr("STORE_BACKEND", "memory"),
	}

	if cfg.ConsensusQuorum < 1 {
		return nil, fmt.Errorf("config: CONSENSUS_QUORUM must be >= 1, got %d", cfg.ConsensusQuorum)
	}

	return cfg, nil
}

func getEnvOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBoolOr(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDurationOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
