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

	"github.com/grcommunity/grcbot/grcbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = grcbot.DefaultConfig()
	configFile string
)

// unprefixedEnv maps config keys to the plain environment variable
// names the bot has always been deployed with. The prefixed name
// (e.g. GRC_DISCORD_TOKEN) is also accepted, after these.
var unprefixedEnv = map[string][]string{
	"discord.token":          {"DISCORD_TOKEN"},
	"discord.application_id": {"CLIENT_ID"},
	"discord.guild_id":       {"GUILD_ID"},
	"welcome.channel_id":     {"WELCOME_CHANNEL_ID"},
	"welcome.auto_role_id":   {"AUTO_ROLE_ID"},
	"welcome.message":        {"WELCOME_MESSAGE"},
	"support.channel_id":     {"SUPPORT_CHANNEL_ID"},
	"support.message":        {"SUPPORT_DAILY_MESSAGE", "SUPPORT_MESSAGE"},
	"rules.channel_id":       {"RULES_CHANNEL_ID"},
	"rules.message_1":        {"RULES_MESSAGE_1"},
	"rules.message_2":        {"RULES_MESSAGE_2"},
	"rules.message_1_id":     {"RULES_MESSAGE_1_ID"},
	"rules.message_2_id":     {"RULES_MESSAGE_2_ID"},
}

// prefixedAliases are prefixed env names that don't follow the
// config key, keyed by config key.
var prefixedAliases = map[string]string{
	"support.run_on_startup": "SUPPORT_RESET_ON_STARTUP",
}

// logLevelKeys are checked for valid level names (DEBUG, INFO, ...)
// before the config is decoded
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "grcbot [flags]",
	Short: "Georgia Roleplay Community discord bot",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names into *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", grcbot.DefaultDatabase)
	viper.SetDefault("database_type", grcbot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", grcbot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", grcbot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", grcbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", grcbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", grcbot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", grcbot.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		grcbot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", grcbot.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.activity", grcbot.DefaultDiscordActivity)

	// Welcome
	viper.SetDefault("welcome.channel_id", "")
	viper.SetDefault("welcome.auto_role_id", "")
	viper.SetDefault("welcome.message", grcbot.DefaultWelcomeMessage)
	viper.SetDefault("welcome.dedup", true)
	viper.SetDefault("welcome.dedup_window", grcbot.DefaultWelcomeDedupWindow)
	viper.SetDefault("welcome.dedup_lookback", grcbot.DefaultWelcomeDedupLookback)

	// Support channel reset
	viper.SetDefault("support.channel_id", "")
	viper.SetDefault("support.message", grcbot.DefaultSupportDailyMessage)
	viper.SetDefault("support.timezone", grcbot.DefaultSupportTimezone)
	viper.SetDefault("support.reset_time", grcbot.DefaultSupportResetTime)
	viper.SetDefault("support.run_on_startup", false)
	viper.SetDefault("support.delete_interval", grcbot.DefaultSupportDeleteInterval)

	// Rules
	viper.SetDefault("rules.channel_id", "")
	viper.SetDefault("rules.message_1", "")
	viper.SetDefault("rules.message_2", "")
	viper.SetDefault("rules.message_1_id", "")
	viper.SetDefault("rules.message_2_id", "")
	viper.SetDefault("rules.discover_pinned", false)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", grcbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", grcbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", grcbot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", grcbot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", grcbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", grcbot.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", grcbot.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", grcbot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", grcbot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", grcbot.DefaultCORSMaxAge)

	envPrefix := os.Getenv(grcbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = grcbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}
	for key, names := range unprefixedEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(replacer.Replace(key))
		fatalErr(viper.BindEnv(append([]string{key}, append(names, prefixed)...)...))
	}
	for key, alias := range prefixedAliases {
		prefixed := envPrefix + "_" + strings.ToUpper(replacer.Replace(key))
		fatalErr(viper.BindEnv(key, prefixed, envPrefix+"_"+alias))
	}

	// Convert values to correct types
	viper.Set("api.cors.allow_headers", viper.GetStringSlice("api.cors.allow_headers"))
	viper.Set("api.cors.allow_origins", viper.GetStringSlice("api.cors.allow_origins"))
	viper.Set("api.cors.allow_methods", viper.GetStringSlice("api.cors.allow_methods"))

	for _, key := range logLevelKeys {
		if _, err := getLogLevel(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load",
	)
}
