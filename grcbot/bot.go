package grcbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/grcommunity/grcbot/grcbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// eventTimeout bounds the handling of a single gateway event
// (a member join or a slash command)
var eventTimeout = 30 * time.Second

// Bot is the community bot: it owns the gateway session, the database,
// the daily support reset schedule and the optional admin API.
type Bot struct {
	config *Config
	logger *slog.Logger

	discord   *Discord
	db        DBI
	gormDB    *gorm.DB
	rules     *RulesReconciler
	support   *SupportResetter
	joins     *JoinHandler
	commands  *CommandDispatcher
	scheduler *Scheduler
	api       *API

	runCtx      context.Context
	readyOnce   sync.Once
	signalReady chan struct{}
	eventWG     sync.WaitGroup
}

// New builds the bot from the given config, and routes the default
// slog logger and discordgo's logger through the configured handlers.
// Nothing is connected until Run is called.
func New(config *Config) (*Bot, error) {
	b, err := newBot(config)
	slog.SetDefault(b.logger)
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)
	return b, err
}

func newBot(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	config.Discord.httpClient = config.HTTPClient

	b := &Bot{
		config:      config,
		signalReady: make(chan struct{}),
		runCtx:      context.Background(),
	}

	b.logger = slog.New(newLogHandler(config.LogLevel))

	b.discord = newDiscord(
		config.Discord,
		newComponentLogger("discord", config.Discord.LogLevel),
	)
	session, err := b.discord.newSession()
	if err != nil {
		errs = append(errs, err)
	}
	b.discord.session = session

	if config.Support.Enabled() {
		scheduler, schedErr := NewDailyScheduler(
			config.Support.Timezone,
			config.Support.ResetTime,
			b.scheduledSupportReset,
			b.logger.With(loggerNameKey, "scheduler"),
		)
		if schedErr != nil {
			errs = append(errs, schedErr)
		}
		b.scheduler = scheduler
	}

	b.wire()

	if config.API.Enabled {
		api, apiErr := newAPI(b, config.API)
		if apiErr != nil {
			errs = append(errs, apiErr)
		}
		b.api = api
	}

	return b, errors.Join(errs...)
}

// wire (re)builds the components around the current session and
// database.
func (b *Bot) wire() {
	session := b.discord.session
	b.rules = newRulesReconciler(
		session,
		b.db,
		b.discord.BotUserID,
		b.logger.With(loggerNameKey, "rules"),
	)
	b.support = newSupportResetter(
		session,
		b.db,
		b.config.Support.DeleteInterval,
		b.logger.With(loggerNameKey, "support"),
	)
	b.joins = newJoinHandler(
		session,
		b.config.Discord.GuildID,
		b.config.Welcome,
		b.discord.BotUserID,
		b.logger.With(loggerNameKey, "welcome"),
	)
	b.commands = newCommandDispatcher(session, b.logger.With(loggerNameKey, "commands"))
}

// Run validates the config, opens the database and the gateway, and
// blocks until ctx is cancelled or the API server fails. Slash command
// registration, rules reconciliation and the support schedule start
// once the gateway reports Ready.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.config.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.runCtx = WithLogger(ctx, b.logger)

	if b.db == nil {
		startupCtx, startupCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
		err := b.initDB(startupCtx)
		startupCancel()
		if err != nil {
			return err
		}
	}

	b.addHandlers()
	b.logger.InfoContext(ctx, "connecting to discord", "config", b.config)
	if err := b.discord.session.Open(); err != nil {
		b.discord.removeHandlers()
		b.closeDB()
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if b.api != nil {
		g.Go(
			func() error {
				return b.api.Serve(gctx)
			},
		)
	}
	g.Go(
		func() error {
			<-gctx.Done()
			return b.shutdown()
		},
	)
	return g.Wait()
}

// Ready is closed once the startup sequence that follows the first
// Ready event has finished.
func (b *Bot) Ready() <-chan struct{} {
	return b.signalReady
}

func (b *Bot) initDB(ctx context.Context) error {
	db, err := CreateDB(
		ctx,
		b.config.DatabaseType,
		b.config.Database,
		newLogHandler(b.config.DatabaseLogLevel),
		b.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return err
	}
	b.gormDB = db
	b.db = NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)
	b.wire()
	return nil
}

func (b *Bot) addHandlers() {
	b.discord.addHandler(b.discord.handlerConnect())
	b.discord.addHandler(b.discord.handlerDisconnect())
	b.discord.addHandler(b.discord.handlerReady(b.onReady))
	b.discord.addHandler(b.handlerGuildMemberAdd())
	b.discord.addHandler(b.handlerInteractionCreate())
}

// onReady runs the startup sequence on the first Ready event only.
// Events are dispatched synchronously, so the work is moved off the
// gateway goroutine.
func (b *Bot) onReady(_ *discordgo.Ready) {
	b.readyOnce.Do(
		func() {
			b.eventWG.Add(1)
			go func() {
				defer b.eventWG.Done()
				defer close(b.signalReady)
				b.startup(b.runCtx)
			}()
		},
	)
}

func (b *Bot) startup(ctx context.Context) {
	logger := contextLoggerOr(ctx, b.logger)

	if err := b.discord.setActivity(b.config.Discord.Activity); err != nil {
		logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
	}

	if _, err := b.discord.registerCommands(discordgo.WithContext(ctx)); err != nil {
		logger.ErrorContext(ctx, "error registering slash commands", tint.Err(err))
	} else {
		logger.InfoContext(ctx, "slash commands registered")
	}

	if _, err := b.ReconcileRules(ctx); err != nil {
		if errors.Is(err, ErrRulesDisabled) {
			logger.InfoContext(ctx, "rules not configured")
		} else {
			logger.ErrorContext(ctx, "error reconciling rules", tint.Err(err))
		}
	}

	if b.scheduler == nil {
		logger.InfoContext(ctx, "support reset not configured")
		return
	}
	b.scheduler.Start(ctx)
	if b.config.Support.RunOnStartup {
		if _, err := b.ResetSupport(ctx, supportTriggerStartup); err != nil {
			logger.ErrorContext(ctx, "startup support reset failed", tint.Err(err))
		}
	}
}

func (b *Bot) handlerGuildMemberAdd() func(
	s *discordgo.Session,
	m *discordgo.GuildMemberAdd,
) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
		if m == nil || m.Member == nil {
			return
		}
		b.eventWG.Add(1)
		go func() {
			defer b.eventWG.Done()
			ctx, cancel := context.WithTimeout(b.runCtx, eventTimeout)
			defer cancel()
			b.joins.Handle(ctx, m.Member)
		}()
	}
}

func (b *Bot) handlerInteractionCreate() func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if i == nil || i.Interaction == nil {
			return
		}
		b.eventWG.Add(1)
		go func() {
			defer b.eventWG.Done()
			ctx, cancel := context.WithTimeout(b.runCtx, eventTimeout)
			defer cancel()
			_, _ = b.commands.Dispatch(ctx, i)
		}()
	}
}

// ReconcileRules brings the configured rules channel in line with the
// configured pages.
func (b *Bot) ReconcileRules(ctx context.Context) ([]ReconcileResult, error) {
	rules := b.config.Rules
	return b.rules.Reconcile(ctx, rules.ChannelID, rules.Pages(), rules.DiscoverPinned)
}

// ResetSupport empties the support channel and posts the daily message
func (b *Bot) ResetSupport(ctx context.Context, trigger string) (PurgeResult, error) {
	support := b.config.Support
	return b.support.Reset(ctx, support.ChannelID, support.Message, trigger)
}

// ResetSupportOnce runs a single support reset over REST, without
// connecting to the gateway.
func (b *Bot) ResetSupportOnce(ctx context.Context) (PurgeResult, error) {
	if err := b.config.Validate(); err != nil {
		return PurgeResult{}, err
	}
	if b.db == nil {
		startupCtx, cancel := context.WithTimeout(ctx, b.config.StartupTimeout)
		err := b.initDB(startupCtx)
		cancel()
		if err != nil {
			return PurgeResult{}, err
		}
	}
	defer b.closeDB()
	return b.ResetSupport(WithLogger(ctx, b.logger), supportTriggerCLI)
}

// NextSupportReset returns when the support channel will next be reset.
// The bool is false if the reset isn't configured.
func (b *Bot) NextSupportReset() (time.Time, bool) {
	if b.scheduler == nil {
		return time.Time{}, false
	}
	return b.scheduler.Next(), true
}

func (b *Bot) scheduledSupportReset(ctx context.Context) {
	if _, err := b.ResetSupport(ctx, supportTriggerSchedule); err != nil {
		contextLoggerOr(ctx, b.logger).ErrorContext(
			ctx,
			"scheduled support reset failed",
			tint.Err(err),
		)
	}
}

// shutdown stops the schedule and the API, closes the gateway, and
// waits for in-flight events, all within ShutdownTimeout.
func (b *Bot) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.ShutdownTimeout)
	defer cancel()
	b.logger.InfoContext(ctx, "shutting down")

	var errs []error

	if b.scheduler != nil {
		select {
		case <-b.scheduler.Stop().Done():
		case <-ctx.Done():
			b.logger.Warn("timed out waiting for scheduled job")
		}
	}

	if b.api != nil {
		if err := b.api.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down API: %w", err))
		}
	}

	b.discord.removeHandlers()
	if err := b.discord.session.Close(); err != nil {
		b.logger.Error("error closing discord connection", tint.Err(err))
	}

	done := make(chan struct{})
	go func() {
		b.eventWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("timed out waiting for event handlers")
	}

	b.closeDB()
	b.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (b *Bot) closeDB() {
	if b.gormDB == nil {
		return
	}
	sqlDB, err := b.gormDB.DB()
	if err != nil {
		b.logger.Error("error getting database connection", tint.Err(err))
		return
	}
	if err = sqlDB.Close(); err != nil {
		b.logger.Error("error closing database", tint.Err(err))
	}
}
