package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"bitruisseau/p2p-media/pkg/protocol"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Bus kinds
const (
	BusRelay  = "relay"
	BusMQTT   = "mqtt"
	BusGossip = "gossip"
)

// EnvPrefix prefixes environment overrides, e.g. P2P_MEDIA_BUS_KIND.
const EnvPrefix = "P2P_MEDIA"

// Config is the root configuration struct
type Config struct {
	Node     NodeConfig     `mapstructure:"node"`
	Bus      BusConfig      `mapstructure:"bus"`
	Library  LibraryConfig  `mapstructure:"library"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Relay    RelayConfig    `mapstructure:"relay"`
}

// NodeConfig identifies this node on the bus
type NodeConfig struct {
	Name string `mapstructure:"name"`
}

// BusConfig selects and configures the shared pub/sub transport
type BusConfig struct {
	Kind       string   `mapstructure:"kind"`
	Topic      string   `mapstructure:"topic"`
	Broker     string   `mapstructure:"broker"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	RelayAddr  string   `mapstructure:"relayAddr"`
	Listen     []string `mapstructure:"listen"`
	MaxPayload int      `mapstructure:"maxPayload"`
}

// LibraryConfig holds the local media folder settings
type LibraryConfig struct {
	Dir        string   `mapstructure:"dir"`
	ImportDir  string   `mapstructure:"importDir"`
	HashCache  string   `mapstructure:"hashCache"`
	Extensions []string `mapstructure:"extensions"`
}

// ProtocolConfig holds reply timeouts and chunking
type ProtocolConfig struct {
	CatalogTimeout time.Duration `mapstructure:"catalogTimeout"`
	ChunkTimeout   time.Duration `mapstructure:"chunkTimeout"`
	ChunkSize      int64         `mapstructure:"chunkSize"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Dir   string `mapstructure:"dir"`
}

type MetricsConfig struct {
	Addr        string        `mapstructure:"addr"`
	LogInterval time.Duration `mapstructure:"logInterval"`
}

// RelayConfig configures the relay broker server
type RelayConfig struct {
	Listen      string        `mapstructure:"listen"`
	Advertise   bool          `mapstructure:"advertise"`
	PeerTimeout time.Duration `mapstructure:"peerTimeout"`
}

// FlagKeys maps command line flag names to configuration keys.
// Load binds every flag of the set that appears here.
var FlagKeys = map[string]string{
	"name":          "node.name",
	"bus":           "bus.kind",
	"topic":         "bus.topic",
	"broker":        "bus.broker",
	"username":      "bus.username",
	"password":      "bus.password",
	"relay-addr":    "bus.relayAddr",
	"gossip-listen": "bus.listen",
	"library":       "library.dir",
	"import-dir":    "library.importDir",
	"hash-cache":    "library.hashCache",
	"log-level":     "log.level",
	"log-dir":       "log.dir",
	"metrics-addr":  "metrics.addr",
	"listen":        "relay.listen",
	"advertise":     "relay.advertise",
}

func setDefaults(v *viper.Viper) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "peer"
	}
	v.SetDefault("node.name", host)

	v.SetDefault("bus.kind", BusRelay)
	v.SetDefault("bus.topic", protocol.DefaultTopic)
	v.SetDefault("bus.broker", "localhost:1883")
	v.SetDefault("bus.username", "")
	v.SetDefault("bus.password", "")
	v.SetDefault("bus.relayAddr", "")
	v.SetDefault("bus.listen", []string{"/ip4/0.0.0.0/tcp/0"})
	v.SetDefault("bus.maxPayload", 256*1024)

	v.SetDefault("library.dir", ".")
	v.SetDefault("library.importDir", "")
	v.SetDefault("library.hashCache", "")
	v.SetDefault("library.extensions", []string{".mp3", ".wav", ".flac", ".ogg"})

	v.SetDefault("protocol.catalogTimeout", 3*time.Second)
	v.SetDefault("protocol.chunkTimeout", 5*time.Second)
	v.SetDefault("protocol.chunkSize", 24*1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "")

	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.logInterval", 0)

	v.SetDefault("relay.listen", "0.0.0.0:8000")
	v.SetDefault("relay.advertise", true)
	v.SetDefault("relay.peerTimeout", 15*time.Second)
}

// Load reads configuration from defaults, the config file, the environment
// and flags, in increasing priority. flags may be nil.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Library.ImportDir == "" {
		cfg.Library.ImportDir = cfg.Library.Dir
	}
	return cfg, nil
}

// Validate rejects settings a node cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Node.Name) == "" {
		return errors.New("node.name must not be empty")
	}
	switch c.Bus.Kind {
	case BusRelay, BusMQTT, BusGossip:
	default:
		return fmt.Errorf("bus.kind %q is not one of %s, %s, %s", c.Bus.Kind, BusRelay, BusMQTT, BusGossip)
	}
	if c.Bus.Topic == "" {
		return errors.New("bus.topic must not be empty")
	}
	if c.Protocol.ChunkSize <= 0 {
		return fmt.Errorf("protocol.chunkSize must be positive, got %d", c.Protocol.ChunkSize)
	}
	if c.Protocol.CatalogTimeout <= 0 || c.Protocol.ChunkTimeout <= 0 {
		return errors.New("protocol timeouts must be positive")
	}
	return nil
}
