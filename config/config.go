package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"

	"certmint/models"
)

// Config holds the full application configuration.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Log       LogConfig        `mapstructure:"log"`
	LevelDB   LevelDBConfig    `mapstructure:"leveldb"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Wallet    WalletConfig     `mapstructure:"wallet"`
	Mint      MintConfig       `mapstructure:"mint"`
	Reconcile ReconcileConfig  `mapstructure:"reconcile"`
	Network   string           `mapstructure:"network"`
	Networks  []models.Network `mapstructure:"networks"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LogConfig configures logging. An empty AppLogFile logs to stderr.
type LogConfig struct {
	AppLogFile string `mapstructure:"app_log_file"`
	Level      string `mapstructure:"level"`
}

// LevelDBConfig locates the local record store. An empty path keeps records
// in memory.
type LevelDBConfig struct {
	Path string `mapstructure:"path"`
}

// StorageConfig configures the off-chain store endpoint.
type StorageConfig struct {
	URL         string        `mapstructure:"url"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	UploadTries int           `mapstructure:"upload_tries"`
}

// WalletConfig configures the JSON-RPC wallet bridge.
type WalletConfig struct {
	RPCURL       string        `mapstructure:"rpc_url"`
	GasBufferPct int           `mapstructure:"gas_buffer_pct"`
	FallbackGas  uint64        `mapstructure:"fallback_gas"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// MintConfig configures the mint pipeline's waits.
type MintConfig struct {
	StepTimeout    time.Duration `mapstructure:"step_timeout"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	WaitingNotice  time.Duration `mapstructure:"waiting_notice"`
	StatsDefer     time.Duration `mapstructure:"stats_defer"`
}

// ReconcileConfig bounds the on-chain read fan-out.
type ReconcileConfig struct {
	Concurrency   int     `mapstructure:"concurrency"`
	ReadsPerSec   float64 `mapstructure:"reads_per_sec"`
	ReadBurst     int     `mapstructure:"read_burst"`
	PromoteSweeps bool    `mapstructure:"promote_sweeps"`
}

// Load reads configuration from file and environment. path may be empty, in
// which case config/config.yaml is tried and its absence is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CERTMINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.app_log_file", "")
	v.SetDefault("leveldb.path", "data/certificates")
	v.SetDefault("storage.url", "http://localhost:3000/api/ipfs/upload")
	v.SetDefault("storage.timeout", 30*time.Second)
	v.SetDefault("storage.upload_tries", 1)
	v.SetDefault("wallet.rpc_url", "http://localhost:1248")
	v.SetDefault("wallet.gas_buffer_pct", 20)
	v.SetDefault("wallet.fallback_gas", 500000)
	v.SetDefault("wallet.poll_interval", 2*time.Second)
	v.SetDefault("mint.step_timeout", 2*time.Minute)
	v.SetDefault("mint.confirm_timeout", 5*time.Minute)
	v.SetDefault("mint.waiting_notice", 15*time.Second)
	v.SetDefault("mint.stats_defer", 30*time.Second)
	v.SetDefault("reconcile.concurrency", 4)
	v.SetDefault("reconcile.reads_per_sec", 10.0)
	v.SetDefault("reconcile.read_burst", 4)
	v.SetDefault("reconcile.promote_sweeps", true)
	v.SetDefault("network", "sepolia")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if len(cfg.Networks) == 0 {
		cfg.Networks = DefaultNetworks()
	}
	if _, err := cfg.ActiveNetwork(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultNetworks is the registry used when the config file names none.
func DefaultNetworks() []models.Network {
	return []models.Network{
		{
			Key:             "sepolia",
			Name:            "Sepolia",
			ChainID:         11155111,
			RPCURLs:         []string{"https://rpc.sepolia.org"},
			ExplorerURL:     "https://sepolia.etherscan.io",
			CurrencyName:    "Sepolia Ether",
			CurrencySymbol:  "ETH",
			CurrencyDecimal: 18,
		},
		{
			Key:             "amoy",
			Name:            "Polygon Amoy",
			ChainID:         80002,
			RPCURLs:         []string{"https://rpc-amoy.polygon.technology"},
			ExplorerURL:     "https://amoy.polygonscan.com",
			CurrencyName:    "POL",
			CurrencySymbol:  "POL",
			CurrencyDecimal: 18,
		},
	}
}

// NetworkByKey looks a network up in the registry.
func (c *Config) NetworkByKey(key string) (models.Network, error) {
	for _, n := range c.Networks {
		if strings.EqualFold(n.Key, key) {
			return n, nil
		}
	}
	return models.Network{}, eris.Errorf("config: unknown network %q", key)
}

// ActiveNetwork returns the network the service targets by default.
func (c *Config) ActiveNetwork() (models.Network, error) {
	return c.NetworkByKey(c.Network)
}
