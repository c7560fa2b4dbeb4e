package thebotvanished

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/Nismirno/TheBotVanished/thebotvanished.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// ErrMissingToken is returned by Run when no discord token is configured
// or stored.
var ErrMissingToken = errors.New("no discord token configured")

// Bot is the discord bot. It owns the config stores of every namespace,
// the discord session and the twitter client, and dispatches prefix
// commands to the core, moderation, tweet and streaming handlers.
type Bot struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	db     *gorm.DB
	stores *Manager
	core   *Store

	metricsRegistry *prometheus.Registry
	metrics         *StoreMetrics

	session            DiscordSessionHandler
	removeHandlerFuncs []func()

	// twitter is nil until credentials are configured
	twitter   TwitterClient
	twitterMu sync.RWMutex

	// tweetSource feeds the streaming relay. Defaults to polling
	// timelines through the twitter client.
	tweetSource TweetSource

	mod       *Mod
	tweets    *Tweets
	streaming *Streaming

	commands   *commandSet
	cooldownMu sync.Mutex

	// the bot's own discord user, set once ready
	user atomic.Pointer[discordgo.User]

	// time of the first ready event
	readyAt atomic.Pointer[time.Time]

	// tracks in-flight gateway event handlers
	handlerWG sync.WaitGroup

	// prevents Run from executing concurrently
	runMu sync.Mutex
}

// New creates a Bot from config. Nothing is opened or connected until Run.
func New(config *Config) (*Bot, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Discord == nil || config.Twitter == nil {
		return nil, errors.New("discord and twitter config required")
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:          config,
		metricsRegistry: prometheus.NewRegistry(),
		commands:        newCommandSet(),
	}
	b.metrics = NewStoreMetrics(b.metricsRegistry)

	b.logHandler = newLogHandler(defaultLogWriter, config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	return b, ValidateConfig(config)
}

// MetricsGatherer returns the registry holding the bot's store metrics.
func (b *Bot) MetricsGatherer() prometheus.Gatherer {
	return b.metricsRegistry
}

// Stores returns the manager of the bot's config stores. It's nil until
// Run has opened them.
func (b *Bot) Stores() *Manager {
	return b.stores
}

func (b *Bot) getLogger(ctx context.Context) (context.Context, *slog.Logger) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// Run opens the config stores, connects to discord and relays tweets,
// until ctx is canceled. Every store is flushed before Run returns.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	logger := b.logger
	if err := ValidateConfig(b.config); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.init(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return errors.Join(err, b.shutdown(ctx))
	}

	if err := b.connect(ctx); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
		return errors.Join(err, b.shutdown(ctx))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			if err := b.tweets.loadCache(gctx); err != nil &&
				!errors.Is(err, ErrTwitterUnauthorized) && !errors.Is(err, context.Canceled) {
				logger.ErrorContext(gctx, "error loading tweet cache", tint.Err(err))
			}
			return nil
		},
	)
	g.Go(
		func() error {
			return b.streaming.Run(gctx)
		},
	)

	runErr := g.Wait()
	return errors.Join(runErr, b.shutdown(ctx))
}

// init opens the config stores and sets up every command handler. The
// discord session isn't opened.
func (b *Bot) init(ctx context.Context) error {
	if b.config.StorageType != StorageTypeJSON && b.db == nil {
		db, err := CreateDB(
			ctx,
			b.config.StorageType,
			b.config.Database,
			newLogHandler(defaultLogWriter, b.config.DatabaseLogLevel),
			b.config.DatabaseSlowThreshold,
		)
		if err != nil {
			return fmt.Errorf("error initializing database: %w", err)
		}
		b.db = db
	}

	if b.stores == nil {
		stores, err := NewManager(
			ManagerOptions{
				DataPath:    b.config.DataPath,
				StorageType: b.config.StorageType,
				CompactJSON: b.config.CompactJSON,
				DB:          b.db,
				Logger:      slog.New(newLogHandler(defaultLogWriter, b.config.StoreLogLevel)),
				Metrics:     b.metrics,
			},
		)
		if err != nil {
			return err
		}
		b.stores = stores
	}

	core, err := b.stores.Core(ctx)
	if err != nil {
		return err
	}
	if err = RegisterCoreDefaults(core); err != nil {
		return err
	}
	b.core = core

	if b.mod, err = newMod(ctx, b); err != nil {
		return err
	}
	if b.tweets, err = newTweets(ctx, b); err != nil {
		return err
	}

	if b.Twitter() == nil {
		if err = b.initTwitter(ctx); err != nil {
			if !errors.Is(err, ErrTwitterUnauthorized) {
				return err
			}
			b.logger.WarnContext(ctx, "twitter credentials not set, tweet commands are unavailable")
		}
	}
	if b.tweetSource == nil {
		b.tweetSource = NewTimelinePoller(
			botTwitterClient{b: b},
			b.config.Twitter.PollInterval,
			b.twitterLogger(),
		)
	}
	if b.streaming, err = newStreaming(ctx, b, b.tweetSource); err != nil {
		return err
	}

	b.commands = newCommandSet()
	b.commands.add(b.coreCommands()...)
	b.commands.add(b.mod.commands()...)
	b.commands.add(b.tweets.commands()...)
	b.commands.add(b.streaming.commands()...)
	b.logger.InfoContext(ctx, "registered commands", "commands", b.commands.names())
	return nil
}

// Token returns the configured discord token, or the one stored in the
// core settings.
func (b *Bot) Token() (string, error) {
	if b.config.Discord.Token != "" {
		return b.config.Discord.Token, nil
	}
	var token string
	if err := b.core.Decode(Global(), "token", &token); err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// connect creates the discord session if needed, adds the gateway
// handlers and opens the websocket connection.
func (b *Bot) connect(ctx context.Context) error {
	if b.session == nil {
		token, err := b.Token()
		if err != nil {
			return err
		}
		session, err := newDiscordSession(
			token,
			b.config.Discord,
			b.config.HTTPClient,
			slog.New(newLogHandler(defaultLogWriter, b.config.Discord.LogLevel)),
		)
		if err != nil {
			return err
		}
		b.session = session
	}

	b.addHandlers(ctx)

	b.logger.InfoContext(ctx, "connecting to discord")
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if status := b.config.Discord.CustomStatus; status != "" {
		go func() {
			if err := b.session.UpdateCustomStatus(status); err != nil {
				b.logger.Error("error updating discord status", tint.Err(err))
			}
		}()
	}
	return nil
}

func (b *Bot) addHandlers(ctx context.Context) {
	for _, remove := range b.removeHandlerFuncs {
		remove()
	}
	logger := b.logger.With(loggerNameKey, "discord")
	ctx = WithLogger(ctx, logger)

	b.removeHandlerFuncs = []func(){
		b.session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.Ready) {
				b.handleReady(ctx, r)
			},
		),
		b.session.AddHandler(
			func(_ *discordgo.Session, _ *discordgo.Connect) {
				logger.InfoContext(ctx, "connected")
			},
		),
		b.session.AddHandler(
			func(_ *discordgo.Session, _ *discordgo.Disconnect) {
				logger.WarnContext(ctx, "disconnected")
			},
		),
		b.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				b.dispatch(ctx, func() { b.handleMessage(ctx, m.Message) })
			},
		),
		b.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberUpdate) {
				b.dispatch(ctx, func() { b.mod.onMemberUpdate(ctx, m.BeforeUpdate, m.Member) })
			},
		),
		b.session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildDelete) {
				b.dispatch(ctx, func() { b.handleGuildDelete(ctx, g) })
			},
		),
	}
}

// dispatch runs an event handler in its own goroutine, tracked by
// handlerWG so shutdown can wait on it.
func (b *Bot) dispatch(ctx context.Context, f func()) {
	b.handlerWG.Add(1)
	go func() {
		defer b.handlerWG.Done()
		defer func() {
			if rc := recover(); rc != nil {
				b.handleRecover(ctx, rc)
			}
		}()
		f()
	}()
}

func (b *Bot) handleReady(ctx context.Context, r *discordgo.Ready) {
	_, logger := b.getLogger(ctx)
	if r.User != nil {
		b.user.Store(r.User)
	}
	now := time.Now()
	firstReady := b.readyAt.CompareAndSwap(nil, &now)

	var username string
	if r.User != nil {
		username = r.User.String()
	}
	logger.InfoContext(
		ctx,
		"ready",
		"session_id", r.SessionID,
		"user", username,
		"guilds", len(r.Guilds),
		"prefixes", b.Prefixes(""),
		"first_ready", firstReady,
		"version", Version,
	)
}

// handleMessage runs the moderation listener on m, then any command it
// holds.
func (b *Bot) handleMessage(ctx context.Context, m *discordgo.Message) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if u := b.user.Load(); u != nil && u.ID == m.Author.ID {
		return
	}
	if b.mod.onMessage(ctx, m) {
		return
	}
	b.handleCommand(ctx, m)
}

// handleGuildDelete forgets a guild's settings once the bot is removed
// from it. Outages (Unavailable) keep them.
func (b *Bot) handleGuildDelete(ctx context.Context, g *discordgo.GuildDelete) {
	if g.Guild == nil || g.Unavailable {
		return
	}
	_, logger := b.getLogger(ctx)
	logger = logger.With("guild_id", g.ID)

	var errs []error
	for _, s := range b.stores.openStores() {
		errs = append(errs, s.ClearScope(Guild(g.ID)))
		members, err := s.AllMembers(g.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for userID := range members {
			errs = append(errs, s.ClearScope(Member(g.ID, userID)))
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.ErrorContext(ctx, "error clearing guild settings", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "removed from guild, cleared its settings")
}

func (b *Bot) handleRecover(ctx context.Context, rc any) {
	_, logger := b.getLogger(ctx)
	stackTrace := string(debug.Stack())
	if err, ok := rc.(error); ok {
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(err), "stack_trace", stackTrace)
		return
	}
	logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
}

// Twitter returns the twitter client, or nil if credentials aren't set.
func (b *Bot) Twitter() TwitterClient {
	b.twitterMu.RLock()
	defer b.twitterMu.RUnlock()
	return b.twitter
}

func (b *Bot) setTwitter(client TwitterClient) {
	b.twitterMu.Lock()
	defer b.twitterMu.Unlock()
	b.twitter = client
}

// initTwitter (re)creates the twitter client from the configured bearer
// token or the stored credentials.
func (b *Bot) initTwitter(ctx context.Context) error {
	creds, err := b.tweets.Credentials()
	if err != nil {
		return err
	}
	client, err := NewTwitterAPI(ctx, b.config.Twitter, creds, b.config.HTTPClient, b.twitterLogger())
	if err != nil {
		return err
	}
	b.setTwitter(client)
	b.logger.InfoContext(ctx, "twitter client ready")
	return nil
}

func (b *Bot) twitterLogger() *slog.Logger {
	return slog.New(newLogHandler(defaultLogWriter, b.config.Twitter.LogLevel))
}

// botTwitterClient forwards to the bot's current twitter client, so the
// streaming relay picks up credentials set after startup.
type botTwitterClient struct {
	b *Bot
}

func (c botTwitterClient) Status(ctx context.Context, id string) (*Tweet, error) {
	client := c.b.Twitter()
	if client == nil {
		return nil, ErrTwitterUnauthorized
	}
	return client.Status(ctx, id)
}

func (c botTwitterClient) UserTimeline(
	ctx context.Context,
	userID string,
	sinceID string,
	count int,
) ([]Tweet, error) {
	client := c.b.Twitter()
	if client == nil {
		return nil, ErrTwitterUnauthorized
	}
	return client.UserTimeline(ctx, userID, sinceID, count)
}

func (c botTwitterClient) LookupUser(ctx context.Context, user string) (*TwitterUser, error) {
	client := c.b.Twitter()
	if client == nil {
		return nil, ErrTwitterUnauthorized
	}
	return client.LookupUser(ctx, user)
}

// shutdown disconnects from discord, waits for in-flight handlers, then
// flushes and closes every store within the shutdown timeout.
func (b *Bot) shutdown(ctx context.Context) error {
	_, logger := b.getLogger(ctx)
	logger.WarnContext(ctx, "shutting down", "shutdown_timeout", b.config.ShutdownTimeout)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	for _, remove := range b.removeHandlerFuncs {
		remove()
	}
	b.removeHandlerFuncs = nil
	if b.session != nil {
		if err := b.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}

	handlersDone := make(chan struct{})
	go func() {
		b.handlerWG.Wait()
		close(handlersDone)
	}()
	select {
	case <-handlersDone:
	case <-closeCtx.Done():
		logger.WarnContext(ctx, "timed out waiting for handlers")
	}

	if b.stores != nil {
		if err := b.stores.Close(closeCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if b.db != nil {
		if sqlDB, err := b.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		logger.ErrorContext(ctx, "error during shutdown", tint.Err(err))
	} else {
		logger.InfoContext(ctx, "shutdown complete")
	}
	return err
}
