package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"magplay/internal/engine"
	"magplay/internal/logging"
	"magplay/internal/tracker"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr        string
		CORSOrigins []string
	}
	Database struct {
		Path string
	}
	Download struct {
		DataDir    string
		StagingDir string
	}
	Engine struct {
		ListenPort       int
		UserAgent        string
		DHT              bool
		LSD              bool
		UPnP             bool
		NATPMP           bool
		AnnounceToAll    bool
		BootstrapNodes   []string
		ProgressInterval time.Duration
	}
	Trackers struct {
		SourceURL    string
		CachePath    string
		FetchTimeout time.Duration
	}
	Resolve struct {
		Timeout time.Duration
	}
	Stream struct {
		ReadyThreshold float64
	}
	Log     logging.Config
	Storage struct {
		Bucket        string
		KeyPrefix     string
		Region        string
		Endpoint      string
		ArchiveOnDone bool
		PresignTTL    time.Duration
	}
	AWS struct {
		Profile string
	}
}

// EngineSettings converts the engine section into engine.Settings.
func (c Config) EngineSettings() engine.Settings {
	return engine.Settings{
		DataDir:          c.Download.DataDir,
		ListenPort:       c.Engine.ListenPort,
		UserAgent:        c.Engine.UserAgent,
		EnableDHT:        c.Engine.DHT,
		EnableLSD:        c.Engine.LSD,
		EnableUPnP:       c.Engine.UPnP,
		EnableNATPMP:     c.Engine.NATPMP,
		AnnounceToAll:    c.Engine.AnnounceToAll,
		BootstrapNodes:   c.Engine.BootstrapNodes,
		ProgressInterval: c.Engine.ProgressInterval,
	}
}

// Load reads configuration from environment variables, a .env file and an
// optional config file in the working directory.
func Load() (Config, error) {
	// existing environment wins over .env
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("MAGPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Stream.ReadyThreshold <= 0 || cfg.Stream.ReadyThreshold > 1 {
		return Config{}, fmt.Errorf("stream.readythreshold must be in (0, 1], got %v", cfg.Stream.ReadyThreshold)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := engine.DefaultSettings()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("server.corsorigins", []string{"*"})
	v.SetDefault("database.path", "data/magplay.db")
	v.SetDefault("download.datadir", "data/downloads")
	v.SetDefault("download.stagingdir", "data/staging")

	v.SetDefault("engine.listenport", 0)
	v.SetDefault("engine.useragent", defaults.UserAgent)
	v.SetDefault("engine.dht", defaults.EnableDHT)
	v.SetDefault("engine.lsd", defaults.EnableLSD)
	v.SetDefault("engine.upnp", defaults.EnableUPnP)
	v.SetDefault("engine.natpmp", defaults.EnableNATPMP)
	v.SetDefault("engine.announcetoall", defaults.AnnounceToAll)
	v.SetDefault("engine.bootstrapnodes", defaults.BootstrapNodes)
	v.SetDefault("engine.progressinterval", defaults.ProgressInterval)

	v.SetDefault("trackers.sourceurl", tracker.DefaultSourceURL)
	v.SetDefault("trackers.cachepath", "data/trackers.txt")
	v.SetDefault("trackers.fetchtimeout", 15*time.Second)

	v.SetDefault("resolve.timeout", 10*time.Second)
	v.SetDefault("stream.readythreshold", 0.05)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.maxsizemb", 50)
	v.SetDefault("log.maxbackups", 3)
	v.SetDefault("log.maxagedays", 14)

	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "magplay-transfers")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.archiveondone", false)
	v.SetDefault("storage.presignttl", 15*time.Minute)
	v.SetDefault("aws.profile", "")
}
