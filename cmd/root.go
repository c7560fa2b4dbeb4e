package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/Nismirno/TheBotVanished/thebotvanished"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = thebotvanished.DefaultConfig()
	configFile string
)

// configDefaults seeds viper, keyed the same as the mapstructure tags of
// thebotvanished.Config
var configDefaults = map[string]any{
	"data_path":               thebotvanished.DefaultDataPath,
	"storage_type":            thebotvanished.DefaultStorageType,
	"compact_json":            false,
	"database":                "",
	"database_slow_threshold": thebotvanished.DefaultDatabaseSlowThreshold,
	"database_log_level":      thebotvanished.DefaultDatabaseLogLevel.String(),
	"log_level":               thebotvanished.DefaultLogLevel.String(),
	"store_log_level":         thebotvanished.DefaultStoreLogLevel.String(),
	"startup_timeout":         thebotvanished.DefaultStartupTimeout,
	"shutdown_timeout":        thebotvanished.DefaultShutdownTimeout,

	"discord.token":               "",
	"discord.log_level":           thebotvanished.DefaultDiscordLogLevel.String(),
	"discord.discordgo_log_level": thebotvanished.DefaultDiscordgoLogLevel.String(),
	"discord.gateway_intents":     int(thebotvanished.DefaultDiscordGatewayIntent),
	"discord.custom_status":       thebotvanished.DefaultDiscordCustomStatus,

	"twitter.base_url":                thebotvanished.DefaultTwitterBaseURL,
	"twitter.token_url":               thebotvanished.DefaultTwitterTokenURL,
	"twitter.bearer_token":            "",
	"twitter.poll_interval":           thebotvanished.DefaultTwitterPollInterval,
	"twitter.max_requests_per_second": thebotvanished.DefaultTwitterMaxRequestsPerSecond,
	"twitter.timeout":                 thebotvanished.DefaultTwitterTimeout,
	"twitter.log_level":               thebotvanished.DefaultTwitterLogLevel.String(),
}

// levelKeys are the config keys holding a log level name
var levelKeys = []string{
	"log_level",
	"store_log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"twitter.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "thebotvanished [flags]",
	Short: "A discord moderation bot relaying tweets to guild channels",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		hooks := mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			LevelToStringHookFunc(),
		)
		if err := viper.Unmarshal(cfg, viper.DecodeHook(hooks)); err != nil {
			log.Fatalln(err)
		}
	},
}

var levelVarType = reflect.TypeOf(&slog.LevelVar{})

// LevelToStringHookFunc decodes level names ("INFO", "debug", "WARN+2")
// into *slog.LevelVar fields.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != levelVarType {
			return data, nil
		}
		lvl, err := parseLevelVar(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		return lvl, nil
	}
}

func parseLevelVar(name string) (*slog.LevelVar, error) {
	lvl := &slog.LevelVar{}
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return nil, err
	}
	return lvl, nil
}

// Execute runs the root command, canceling its context on SIGINT, SIGHUP
// or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	envFiles := []string{}
	if configFile != "" {
		envFiles = append(envFiles, configFile)
	}
	if err := godotenv.Load(envFiles...); err != nil {
		if configFile != "" {
			log.Printf("error loading %s: %v", configFile, err)
		} else {
			log.Println("No .env file found")
		}
	}

	for key, value := range configDefaults {
		viper.SetDefault(key, value)
	}

	envPrefix := os.Getenv(thebotvanished.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = thebotvanished.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for _, key := range levelKeys {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		lvl, err := parseLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, lvl)
	}
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from",
	)
}
