//nolint:lll // struct tags can't be split
package thebotvanished

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "TBV_ENV_PREFIX"
	DefaultEnvPrefix   = "TBV"

	StorageTypeJSON     = "json"
	StorageTypeSQLite   = dbTypeSQLite
	StorageTypePostgres = dbTypePostgres

	DefaultStorageType           = StorageTypeJSON
	DefaultDataPath              = "data"
	DefaultLogLevel              = slog.LevelInfo
	DefaultStoreLogLevel         = slog.LevelInfo
	DefaultDatabaseLogLevel      = slog.LevelWarn
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultStartupTimeout        = 30 * time.Second
	DefaultShutdownTimeout       = 30 * time.Second

	DefaultDiscordLogLevel      = slog.LevelInfo
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	DefaultDiscordCustomStatus = "Watching the skies"

	DefaultTwitterBaseURL              = "https://api.twitter.com/1.1"
	DefaultTwitterTokenURL             = "https://api.twitter.com/oauth2/token"
	DefaultTwitterPollInterval         = time.Minute
	DefaultTwitterMaxRequestsPerSecond = 1
	DefaultTwitterTimeout              = 15 * time.Second
	DefaultTwitterLogLevel             = slog.LevelInfo

	// settingsFileName is the document file name inside each namespace
	// directory.
	settingsFileName = "settings.json"
	coreDirName      = "core"
	cogsDirName      = "cogs"
)

var structValidator = validator.New()

// Config is the process configuration, loaded from the environment by
// the CLI. Everything users change at runtime lives in the config store.
type Config struct {
	// DataPath is the base directory for settings files
	DataPath string `yaml:"data_path" mapstructure:"data_path" json:"data_path" binding:"required"`

	// StorageType selects the store backend: 'json', 'sqlite' or 'postgres'
	StorageType string `yaml:"storage_type" mapstructure:"storage_type" json:"storage_type" binding:"oneof=json sqlite postgres"`

	// CompactJSON writes settings files without indentation
	CompactJSON bool `yaml:"compact_json" mapstructure:"compact_json" json:"compact_json"`

	// Database connection string, or SQLite file path. Required unless
	// StorageType is 'json'.
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]" binding:"required_unless=StorageType json"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration above which queries are logged as slow
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StoreLogLevel is the log level of the config stores
	StoreLogLevel *slog.LevelVar `yaml:"store_log_level" mapstructure:"store_log_level" json:"store_log_level"`

	// StartupTimeout limits how long opening stores and connecting to
	// discord may take.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=0"`

	// ShutdownTimeout limits the final flush of every store on exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout" binding:"min=0"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	Twitter *TwitterConfig `yaml:"twitter" mapstructure:"twitter" json:"twitter" binding:"required"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token. When empty, the token stored in the core
	// settings is used instead.
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// CustomStatus is shown as the bot's status once connected
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`
}

// TwitterConfig configures the twitter REST client.
type TwitterConfig struct {
	// BaseURL of the v1.1 REST API
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required,url"`

	// TokenURL exchanges the consumer key and secret stored in the
	// Twitter settings for an app-only bearer token
	TokenURL string `yaml:"token_url" mapstructure:"token_url" json:"token_url" binding:"required,url"`

	// BearerToken for app-only authentication. Takes precedence over the
	// stored consumer key and secret.
	BearerToken string `yaml:"bearer_token" mapstructure:"bearer_token" json:"bearer_token" log:"[redacted]"`

	// PollInterval is how often followed accounts' timelines are checked
	// for new tweets to relay
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" json:"poll_interval" binding:"min=0"`

	// MaxRequestsPerSecond rate limits outgoing API requests
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"min=1"`

	// Timeout for a single API request
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=0"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	storeLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	twitterLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	storeLogLevel.Set(DefaultStoreLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	twitterLogLevel.Set(DefaultTwitterLogLevel)

	return &Config{
		DataPath:              DefaultDataPath,
		StorageType:           DefaultStorageType,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StoreLogLevel:         storeLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		Twitter: &TwitterConfig{
			BaseURL:              DefaultTwitterBaseURL,
			TokenURL:             DefaultTwitterTokenURL,
			PollInterval:         DefaultTwitterPollInterval,
			MaxRequestsPerSecond: DefaultTwitterMaxRequestsPerSecond,
			Timeout:              DefaultTwitterTimeout,
			LogLevel:             twitterLogLevel,
		},
	}
}

// ValidateConfig checks c against its binding tags.
func ValidateConfig(c *Config) error {
	return structValidator.Struct(c)
}

//nolint:gochecknoinits // register the tag name before any validation
func init() {
	structValidator.SetTagName("binding")
}
