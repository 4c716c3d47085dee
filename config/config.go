// Package config loads the daemon configuration from defaults, YAML files
// and environment variables, in that order of precedence. The well-known
// bare environment names from protocol deployment guides (ELASTICSEARCH_HOST,
// GUN_PEERS, ...) are honored alongside the prefixed OIPD_* forms.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ServerConfig contains the HTTP query surface settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	BodyLimit       string        `mapstructure:"body_limit"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	Debug           bool          `mapstructure:"debug"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ElasticsearchConfig contains the index backend settings.
type ElasticsearchConfig struct {
	Host         string        `mapstructure:"host"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	IndexPrefix  string        `mapstructure:"index_prefix"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// FieldWarnThreshold is the mapped-field count past which the projection
	// starts emitting resource warnings recommending template cleanup.
	FieldWarnThreshold int `mapstructure:"field_warn_threshold"`
	FieldLimit         int `mapstructure:"field_limit"`
}

// ArweaveConfig contains gateway endpoints and sync loop tuning.
type ArweaveConfig struct {
	GatewayPrimary  string        `mapstructure:"gateway_primary"`
	GatewayFallback string        `mapstructure:"gateway_fallback"`
	// PublisherURL points at the external publishing service holding the
	// chain wallet. Empty disables Arweave publishing; the node still syncs.
	PublisherURL string        `mapstructure:"publisher_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	MaxInFlight  int           `mapstructure:"max_in_flight"`
	PageSize     int           `mapstructure:"page_size"`
	StartBlock   int64         `mapstructure:"start_block"`
}

// Gateways returns the configured gateways in failover order.
func (a ArweaveConfig) Gateways() []string {
	out := []string{a.GatewayPrimary}
	if a.GatewayFallback != "" && a.GatewayFallback != a.GatewayPrimary {
		out = append(out, a.GatewayFallback)
	}
	return out
}

// GunConfig contains the peer whitelist and replication settings.
type GunConfig struct {
	// Peers is the operator-configured whitelist. It is never modified at
	// runtime; discovery and multicast stay disabled.
	Peers        []string      `mapstructure:"peers"`
	DBPath       string        `mapstructure:"db_path"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	// Strict turns a malformed whitelist into a startup policy violation
	// (exit code 3) instead of a logged skip.
	Strict bool `mapstructure:"strict"`
}

// ResolverConfig bounds reference expansion and its caches.
type ResolverConfig struct {
	DepthMax      int           `mapstructure:"depth_max"`
	CacheEntries  int           `mapstructure:"cache_entries"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	HopTimeout    time.Duration `mapstructure:"hop_timeout"`
	NotFoundCap   int           `mapstructure:"not_found_cap"`
	NotFoundTTL   time.Duration `mapstructure:"not_found_ttl"`
	FailedSetSize int           `mapstructure:"failed_set_size"`
}

// AuthConfig contains token and ownership settings.
type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	JWTExpiration time.Duration `mapstructure:"jwt_expiration"`
	// PublicAPIBaseURL anchors the admin-domain deletion override: a deleter
	// whose registered email domain equals this URL's host may delete
	// node-signed records.
	PublicAPIBaseURL string `mapstructure:"public_api_base_url"`
	// NodeMnemonic seeds the node wallet used for server-side signing.
	NodeMnemonic string `mapstructure:"node_mnemonic"`
}

// AdminDomain returns the lowercased host of PublicAPIBaseURL, or "".
func (a AuthConfig) AdminDomain() string {
	if a.PublicAPIBaseURL == "" {
		return ""
	}
	u, err := url.Parse(a.PublicAPIBaseURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// RedisConfig selects the optional Redis pending-queue backend.
type RedisConfig struct {
	URL       string `mapstructure:"url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// AMQPConfig selects the optional index-event notifier.
type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// MediaConfig tunes manifest generation and the built-in HTTP mirror.
type MediaConfig struct {
	MirrorEnabled   bool    `mapstructure:"mirror_enabled"`
	S3Endpoint      string  `mapstructure:"s3_endpoint"`
	S3Region        string  `mapstructure:"s3_region"`
	S3Bucket        string  `mapstructure:"s3_bucket"`
	S3AccessKey     string  `mapstructure:"s3_access_key"`
	S3SecretKey     string  `mapstructure:"s3_secret_key"`
	S3PublicBaseURL string  `mapstructure:"s3_public_base_url"`
	MaxSeeds        int     `mapstructure:"max_seeds"`
	SeedBandwidth   float64 `mapstructure:"seed_bandwidth"` // bytes/sec, 0 = unlimited
	ThumbnailSize   int     `mapstructure:"thumbnail_size"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SyncConfig tunes the shared single-writer queue.
type SyncConfig struct {
	WriterQueueDepth int `mapstructure:"writer_queue_depth"`
}

// Config is the complete daemon configuration.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Arweave       ArweaveConfig       `mapstructure:"arweave"`
	Gun           GunConfig           `mapstructure:"gun"`
	Resolver      ResolverConfig      `mapstructure:"resolver"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Redis         RedisConfig         `mapstructure:"redis"`
	AMQP          AMQPConfig          `mapstructure:"amqp"`
	Media         MediaConfig         `mapstructure:"media"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Sync          SyncConfig          `mapstructure:"sync"`
}

// Loader wraps a viper instance with the oipd defaults and env bindings.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a loader with the given environment prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{v: viper.New(), prefix: envPrefix}
}

// SetConfigDefaults installs the documented default values.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 3005)
	l.v.SetDefault("server.body_limit", "50M")
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "60s")
	l.v.SetDefault("server.shutdown_timeout", "15s")
	l.v.SetDefault("server.allowed_origins", []string{"*"})
	l.v.SetDefault("server.rate_limit", 0)
	l.v.SetDefault("server.debug", false)

	l.v.SetDefault("elasticsearch.host", "http://localhost:9200")
	l.v.SetDefault("elasticsearch.index_prefix", "oip")
	l.v.SetDefault("elasticsearch.write_timeout", "15s")
	l.v.SetDefault("elasticsearch.field_warn_threshold", 900)
	l.v.SetDefault("elasticsearch.field_limit", 1000)

	l.v.SetDefault("arweave.gateway_primary", "https://arweave.net")
	l.v.SetDefault("arweave.gateway_fallback", "https://ar-io.net")
	l.v.SetDefault("arweave.poll_interval", "30s")
	l.v.SetDefault("arweave.fetch_timeout", "30s")
	l.v.SetDefault("arweave.max_in_flight", 8)
	l.v.SetDefault("arweave.page_size", 100)
	l.v.SetDefault("arweave.start_block", 0)

	l.v.SetDefault("gun.peers", []string{})
	l.v.SetDefault("gun.db_path", "data/gun.db")
	l.v.SetDefault("gun.sync_interval", "60s")
	l.v.SetDefault("gun.fetch_timeout", "10s")
	l.v.SetDefault("gun.strict", false)

	l.v.SetDefault("resolver.depth_max", 3)
	l.v.SetDefault("resolver.cache_entries", 2000)
	l.v.SetDefault("resolver.cache_ttl", "5m")
	l.v.SetDefault("resolver.hop_timeout", "10s")
	l.v.SetDefault("resolver.not_found_cap", 10000)
	l.v.SetDefault("resolver.not_found_ttl", "1h")
	l.v.SetDefault("resolver.failed_set_size", 10000)

	l.v.SetDefault("auth.jwt_expiration", "24h")

	l.v.SetDefault("redis.key_prefix", "oipd:")
	l.v.SetDefault("amqp.exchange", "oip.records")

	l.v.SetDefault("media.mirror_enabled", false)
	l.v.SetDefault("media.s3_region", "us-east-1")
	l.v.SetDefault("media.max_seeds", 20)
	l.v.SetDefault("media.seed_bandwidth", 0)
	l.v.SetDefault("media.thumbnail_size", 512)

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")

	l.v.SetDefault("sync.writer_queue_depth", 256)
}

// BindFlags gives command-line flags the highest precedence for the
// settings they mirror. Only flags the set actually defines are bound, so
// commands share the map without declaring every flag.
func (l *Loader) BindFlags(fs *pflag.FlagSet) {
	bind := map[string]string{
		"server.host":        "host",
		"server.port":        "port",
		"elasticsearch.host": "es-host",
		"gun.peers":          "gun-peers",
		"gun.db_path":        "gun-db",
		"logging.level":      "log-level",
		"logging.format":     "log-format",
	}
	for key, name := range bind {
		if f := fs.Lookup(name); f != nil {
			_ = l.v.BindPFlag(key, f)
		}
	}
}

// bindWellKnownEnv maps the bare environment names used by protocol
// deployments onto their config keys. The prefixed forms keep working
// through AutomaticEnv.
func (l *Loader) bindWellKnownEnv() {
	bind := map[string]string{
		"elasticsearch.host":       "ELASTICSEARCH_HOST",
		"elasticsearch.username":   "ELASTICSEARCH_USERNAME",
		"elasticsearch.password":   "ELASTICSEARCH_PASSWORD",
		"gun.peers":                "GUN_PEERS",
		"gun.db_path":              "GUN_DB_PATH",
		"arweave.gateway_primary":  "ARWEAVE_GATEWAY_PRIMARY",
		"arweave.gateway_fallback": "ARWEAVE_GATEWAY_FALLBACK",
		"arweave.publisher_url":    "ARWEAVE_PUBLISHER_URL",
		"resolver.depth_max":       "RESOLVE_DEPTH_MAX",
		"resolver.cache_entries":   "CACHE_MAX_ENTRIES",
		"resolver.cache_ttl":       "CACHE_TTL_MS",
		"resolver.not_found_cap":   "NOT_FOUND_CACHE_ENTRIES",
		"resolver.not_found_ttl":   "NOT_FOUND_CACHE_TTL",
		"auth.jwt_secret":          "JWT_SECRET",
		"auth.public_api_base_url": "PUBLIC_API_BASE_URL",
		"auth.node_mnemonic":       "NODE_MNEMONIC",
		"redis.url":                "REDIS_URL",
		"amqp.url":                 "AMQP_URL",
	}
	for key, name := range bind {
		_ = l.v.BindEnv(key, name)
	}
}

// Load reads configuration into target, searching the standard locations
// when cfgFile is empty.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("oipd")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		if home, err := homedir.Dir(); err == nil {
			l.v.AddConfigPath(home + "/.oipd")
		}
		l.v.AddConfigPath("/etc/oipd")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			// An explicitly named file must exist and parse.
			return fmt.Errorf("error reading config file: %w", err)
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
	l.bindWellKnownEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	// GUN_PEERS and allowed origins arrive comma-separated from env.
	if cfg, ok := target.(*Config); ok {
		cfg.Gun.Peers = splitIfJoined(cfg.Gun.Peers)
		cfg.Server.AllowedOrigins = splitIfJoined(cfg.Server.AllowedOrigins)
	}
	return nil
}

func splitIfJoined(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// LoadConfig loads and validates the daemon configuration.
func LoadConfig(envPrefix, cfgFile string) (*Config, error) {
	return LoadConfigWithFlags(envPrefix, cfgFile, nil)
}

// LoadConfigWithFlags is LoadConfig with command-line flags bound above
// every other source.
func LoadConfigWithFlags(envPrefix, cfgFile string, fs *pflag.FlagSet) (*Config, error) {
	loader := NewLoader(envPrefix)
	loader.SetConfigDefaults()
	if fs != nil {
		loader.BindFlags(fs)
	}

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Elasticsearch.Host == "" {
		errs = append(errs, errors.New("elasticsearch.host is required"))
	}
	if c.Arweave.GatewayPrimary == "" {
		errs = append(errs, errors.New("arweave.gateway_primary is required"))
	}
	if c.Resolver.DepthMax < 0 || c.Resolver.DepthMax > 10 {
		errs = append(errs, fmt.Errorf("resolver.depth_max %d out of range", c.Resolver.DepthMax))
	}
	if c.Resolver.NotFoundCap <= 0 {
		errs = append(errs, errors.New("resolver.not_found_cap must be positive"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Media.MirrorEnabled && c.Media.S3Bucket == "" {
		errs = append(errs, errors.New("media.s3_bucket is required when the mirror is enabled"))
	}

	return errors.Join(errs...)
}

// ValidatePeers checks every whitelist entry parses as a ws:// or wss:// URL.
// A non-nil return is a policy violation; with gun.strict set the daemon
// refuses to start (exit code 3).
func (c *Config) ValidatePeers() error {
	var errs []error
	for _, peer := range c.Gun.Peers {
		u, err := url.Parse(peer)
		if err != nil {
			errs = append(errs, fmt.Errorf("peer %q: %w", peer, err))
			continue
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			errs = append(errs, fmt.Errorf("peer %q: scheme %q is not ws or wss", peer, u.Scheme))
		}
	}
	return errors.Join(errs...)
}
