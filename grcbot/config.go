//nolint:lll // struct tags can't be split
package grcbot

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix    = "GRCBOT_ENV_PREFIX"
	DefaultEnvPrefix      = "GRC"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "grcbot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout      = 30 * time.Second
	DefaultReadTimeout          = 5 * time.Second
	DefaultReadHeaderTimeout    = 5 * time.Second
	DefaultWriteTimeout         = 60 * time.Second
	DefaultIdleTimeout          = 30 * time.Second
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers
	DefaultDiscordLogLevel      = slog.LevelInfo
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordActivity      = "Georgia Roleplay Community"

	DefaultWelcomeMessage       = "Welcome to **Georgia Roleplay Community**, {user}!"
	DefaultWelcomeDedupWindow   = 60 * time.Second
	DefaultWelcomeDedupLookback = 10
	welcomeUserPlaceholder      = "{user}"

	DefaultSupportDailyMessage   = "Need help? Post your question here and a staff member will get back to you. This channel is cleared every night at 12:00am EST."
	DefaultSupportTimezone       = "America/New_York"
	DefaultSupportResetTime      = "00:00"
	DefaultSupportDeleteInterval = 350 * time.Millisecond

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
	DefaultAPIListen             = "127.0.0.1:5000"
	DefaultAPILogLevel           = slog.LevelInfo
	DefaultAPITLSMinVersion      = tls.VersionTLS12
	defaultListenNetwork         = "tcp"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}

// requiredSettings maps the required config values to the environment
// variables they're read from, in the order they're reported.
var requiredSettings = []struct {
	envvar string
	value  func(c *Config) string
}{
	{"DISCORD_TOKEN", func(c *Config) string { return c.Discord.Token }},
	{"CLIENT_ID", func(c *Config) string { return c.Discord.ApplicationID }},
	{"GUILD_ID", func(c *Config) string { return c.Discord.GuildID }},
}

// ErrMissingRequiredConfig is returned by Config.Validate when any of
// DISCORD_TOKEN, CLIENT_ID or GUILD_ID is unset.
var ErrMissingRequiredConfig = errors.New("missing required environment variables")

type Config struct {
	// Database connection string, or sqlite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long opening the database may take
	// before Run gives up.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, in-flight jobs are abandoned and connections are closed.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	Welcome *WelcomeConfig `yaml:"welcome" mapstructure:"welcome" json:"welcome" binding:"required"`
	Support *SupportConfig `yaml:"support" mapstructure:"support" json:"support" binding:"required"`
	Rules   *RulesConfig   `yaml:"rules" mapstructure:"rules" json:"rules" binding:"required"`
	API     *APIConfig     `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Validate reports missing required settings by their environment
// variable names first, then runs struct validation on everything else.
func (c *Config) Validate() error {
	if c.Discord == nil {
		return fmt.Errorf("%w: discord config not set", ErrMissingRequiredConfig)
	}
	var missing []string
	for _, s := range requiredSettings {
		if strings.TrimSpace(s.value(c)) == "" {
			missing = append(missing, s.envvar)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf(
			"%w: %s",
			ErrMissingRequiredConfig,
			strings.Join(missing, ", "),
		)
	}
	return structValidator.Struct(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (DISCORD_TOKEN)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (CLIENT_ID)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID is the community server. Slash commands are registered
	// here, and member joins from other guilds are ignored (GUILD_ID).
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. GuildMembers is privileged, and must be
	// enabled in the developer portal for join events to be delivered.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Activity shown as "Watching <Activity>" once connected. Empty disables it.
	Activity string `yaml:"activity" mapstructure:"activity" json:"activity"`

	httpClient *http.Client
}

// WelcomeConfig configures the member join handler.
type WelcomeConfig struct {
	// Channel the welcome message is posted to. Empty disables welcome messages.
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id" json:"channel_id"`

	// Role given to new members. Empty disables auto-role.
	AutoRoleID string `yaml:"auto_role_id" mapstructure:"auto_role_id" json:"auto_role_id"`

	// Message template. {user} is replaced with the member mention.
	Message string `yaml:"message" mapstructure:"message" json:"message"`

	// If true, the last DedupLookback messages in the welcome channel are
	// checked for a welcome to the same member sent by the bot within
	// DedupWindow, and the send is skipped if one is found. This keeps
	// the greeting single when more than one bot instance is running.
	Dedup         bool          `yaml:"dedup" mapstructure:"dedup" json:"dedup"`
	DedupWindow   time.Duration `yaml:"dedup_window" mapstructure:"dedup_window" json:"dedup_window" binding:"min=0"`
	DedupLookback int           `yaml:"dedup_lookback" mapstructure:"dedup_lookback" json:"dedup_lookback" binding:"min=0,max=100"`
}

// SupportConfig configures the daily support channel reset.
type SupportConfig struct {
	// Channel to reset. Empty disables the reset.
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id" json:"channel_id"`

	// Message posted after the channel is cleared
	Message string `yaml:"message" mapstructure:"message" json:"message"`

	// IANA time zone the reset time is evaluated in
	Timezone string `yaml:"timezone" mapstructure:"timezone" json:"timezone" binding:"required"`

	// Wall-clock time of the reset, as HH:MM (24h)
	ResetTime string `yaml:"reset_time" mapstructure:"reset_time" json:"reset_time" binding:"required,datetime=15:04"`

	// Also run the reset once, right after the scheduler is armed
	RunOnStartup bool `yaml:"run_on_startup" mapstructure:"run_on_startup" json:"run_on_startup"`

	// Delay between individual deletes of messages too old to bulk delete
	DeleteInterval time.Duration `yaml:"delete_interval" mapstructure:"delete_interval" json:"delete_interval" binding:"min=0"`
}

// Enabled returns true if both the channel and message are set
func (c SupportConfig) Enabled() bool {
	return c.ChannelID != "" && c.Message != ""
}

// RulesConfig configures the pinned rules pages.
type RulesConfig struct {
	ChannelID  string `yaml:"channel_id" mapstructure:"channel_id" json:"channel_id"`
	Message1   string `yaml:"message_1" mapstructure:"message_1" json:"message_1"`
	Message2   string `yaml:"message_2" mapstructure:"message_2" json:"message_2"`
	Message1ID string `yaml:"message_1_id" mapstructure:"message_1_id" json:"message_1_id"`
	Message2ID string `yaml:"message_2_id" mapstructure:"message_2_id" json:"message_2_id"`

	// DiscoverPinned switches to the single-page mode: page 1 is matched
	// against the bot's own pinned message in the channel, so no message
	// ID needs to be persisted. Page 2 is ignored.
	DiscoverPinned bool `yaml:"discover_pinned" mapstructure:"discover_pinned" json:"discover_pinned"`
}

// Pages returns the configured rules pages in order. Empty page text is
// kept, so the reconciler can tell the feature is only partially set up.
func (c RulesConfig) Pages() []RulesPage {
	if c.DiscoverPinned {
		return []RulesPage{{Index: 1, Text: c.Message1, MessageID: c.Message1ID}}
	}
	return []RulesPage{
		{Index: 1, Text: c.Message1, MessageID: c.Message1ID},
		{Index: 2, Text: c.Message2, MessageID: c.Message2ID},
	}
}

// APIConfig configures the admin API server
type APIConfig struct {
	// Enabled starts the API alongside the bot
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Bearer token required on every endpoint except the health check
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]" binding:"required_if=Enabled true"`

	// Configuration for SSL/TLS. Plain HTTP is served if no cert is set.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// Development mounts pprof handlers and allows any CORS origin
	// when none are configured
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	MaxAge       time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins: c.AllowOrigins,
		AllowMethods: c.AllowMethods,
		AllowHeaders: c.AllowHeaders,
		MaxAge:       c.MaxAge,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	return CORSConfig{
		AllowOrigins: []string{},
		AllowMethods: defaultMethods,
		AllowHeaders: defaultHeaders,
		MaxAge:       DefaultCORSMaxAge,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			Activity:          DefaultDiscordActivity,
		},
		Welcome: &WelcomeConfig{
			Message:       DefaultWelcomeMessage,
			Dedup:         true,
			DedupWindow:   DefaultWelcomeDedupWindow,
			DedupLookback: DefaultWelcomeDedupLookback,
		},
		Support: &SupportConfig{
			Message:        DefaultSupportDailyMessage,
			Timezone:       DefaultSupportTimezone,
			ResetTime:      DefaultSupportResetTime,
			DeleteInterval: DefaultSupportDeleteInterval,
		},
		Rules: &RulesConfig{},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
