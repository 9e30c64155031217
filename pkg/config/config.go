package config

// Package config provides a reusable loader for redgold node configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.2.0

import (
	"github.com/spf13/viper"

	"redgold-network/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.2.0"

// Config is the unified, file-driven configuration for a redgold node (spec
// §6 "Persisted state layout" / "Environment variables"). All configuration
// besides the REDGOLD_TEST_WORDS seed override is file-driven.
type Config struct {
	Network struct {
		Environment    string   `mapstructure:"environment" json:"environment"`
		NodeListenPort int      `mapstructure:"node_listen_port" json:"node_listen_port"` // port base; peer HTTP API listens on base+1
		BusPort        int      `mapstructure:"bus_port" json:"bus_port"`                 // port base+4, multiparty pub/sub bus
		MetricsPort    int      `mapstructure:"metrics_port" json:"metrics_port"`         // port base-2
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
	} `mapstructure:"network" json:"network"`

	Timeouts struct {
		PeerSend      int `mapstructure:"peer_send_seconds" json:"peer_send_seconds"`           // default 150
		BroadcastSend int `mapstructure:"broadcast_send_seconds" json:"broadcast_send_seconds"` // default 20
		DiscoveryTick int `mapstructure:"discovery_tick_seconds" json:"discovery_tick_seconds"` // default 60
		PeerDeadAfter int `mapstructure:"peer_dead_after_seconds" json:"peer_dead_after_seconds"`
		MultipartySM  int `mapstructure:"multiparty_sm_seconds" json:"multiparty_sm_seconds"` // default 100
	} `mapstructure:"timeouts" json:"timeouts"`

	Mempool struct {
		Capacity            int `mapstructure:"capacity" json:"capacity"`
		ProcessorBufferSize int `mapstructure:"processor_buffer_size" json:"processor_buffer_size"`
	} `mapstructure:"mempool" json:"mempool"`

	Contracts struct {
		BucketParallelism int `mapstructure:"bucket_parallelism" json:"bucket_parallelism"`
	} `mapstructure:"contracts" json:"contracts"`

	Storage struct {
		DataDir string `mapstructure:"data_dir" json:"data_dir"`
	} `mapstructure:"storage" json:"storage"`

	Party struct {
		// ExternalFeeds are websocket URLs the party event engine subscribes
		// to for external-chain deposit/withdrawal and price-tick events
		// (spec §3 "Address event", §4.9).
		ExternalFeeds []string `mapstructure:"external_feeds" json:"external_feeds"`
	} `mapstructure:"party" json:"party"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files from the given data directory and merges
// any environment-specific overrides. The resulting configuration is stored
// in AppConfig and returned.
func Load(dataDir string) (*Config, error) {
	applyDefaults()

	viper.SetConfigName("node")
	viper.SetConfigType("yaml")
	if dataDir != "" {
		viper.AddConfigPath(dataDir)
	}
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, utils.Wrap(err, "load config")
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the REDGOLD_DATA_DIR environment
// variable, falling back to the current working directory.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("REDGOLD_DATA_DIR", "."))
}

// TestWordsSeed returns the REDGOLD_TEST_WORDS mnemonic override, if the
// environment carries one (spec §6). Empty string means no override is
// set; cmd/node then generates a fresh random key pair.
func TestWordsSeed() string {
	return utils.EnvOrDefault("REDGOLD_TEST_WORDS", "")
}

func applyDefaults() {
	viper.SetDefault("network.node_listen_port", 16180)
	viper.SetDefault("network.bus_port", 16184)
	viper.SetDefault("network.metrics_port", 16178)
	viper.SetDefault("network.max_peers", 256)
	viper.SetDefault("timeouts.peer_send_seconds", 150)
	viper.SetDefault("timeouts.broadcast_send_seconds", 20)
	viper.SetDefault("timeouts.discovery_tick_seconds", 60)
	viper.SetDefault("timeouts.peer_dead_after_seconds", 300)
	viper.SetDefault("timeouts.multiparty_sm_seconds", 100)
	viper.SetDefault("mempool.capacity", 10_000)
	viper.SetDefault("mempool.processor_buffer_size", 256)
	viper.SetDefault("contracts.bucket_parallelism", 16)
	viper.SetDefault("storage.data_dir", ".")
	viper.SetDefault("logging.level", "info")
}
