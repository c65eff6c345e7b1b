package channel

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/logging"
	"relaybot/internal/metrics"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	defaultShutdownTimeout = 15 * time.Second

	pingCommand = "ping"
	pongText    = "Pong! 🏓"
)

// MessageFunc consumes one inbound message. It is called on its own goroutine
// per message.
type MessageFunc func(ctx context.Context, msg domain.IncomingMessage)

// Discord connects to the Discord gateway, feeds message events to a
// MessageFunc and implements domain.Messenger for replies. Reconnects are
// handled by discordgo.
type Discord struct {
	session         *discordgo.Session
	guildID         string
	activity        string
	shutdownTimeout time.Duration
	logger          *slog.Logger

	handle    MessageFunc
	handleCtx context.Context

	selfID    atomic.Value // string
	connected atomic.Bool

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token           string
	GuildID         string // optional: register slash commands in this guild only
	Activity        string // presence text shown as "Listening to ..."
	ShutdownTimeout time.Duration
	LogLevel        slog.Level
	Logger          *slog.Logger
}

// NewDiscord creates the session without connecting.
func NewDiscord(cfg DiscordConfig) (*Discord, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	session.LogLevel = logging.DiscordgoLevel(cfg.LogLevel)
	discordgo.Logger = logging.DiscordgoLogger(cfg.Logger)

	return &Discord{
		session:         session,
		guildID:         cfg.GuildID,
		activity:        cfg.Activity,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          cfg.Logger.With("component", "discord"),
		handleCtx:       context.Background(),
	}, nil
}

func (d *Discord) Name() string { return "discord" }

// Connected reports whether the gateway connection is currently up.
func (d *Discord) Connected() bool { return d.connected.Load() }

// SelfID returns the bot's user ID once the gateway is ready.
func (d *Discord) SelfID() string {
	id, _ := d.selfID.Load().(string)
	return id
}

// Start connects to Discord and dispatches messages to handle until ctx is
// done. On shutdown it waits for in-flight messages (bounded by the shutdown
// timeout) before closing the gateway.
func (d *Discord) Start(ctx context.Context, handle MessageFunc) error {
	d.handle = handle
	// Message handling outlives ctx so placeholders get resolved during shutdown.
	d.handleCtx = context.WithoutCancel(ctx)

	removers := []func(){
		d.session.AddHandler(d.onReady),
		d.session.AddHandler(d.onMessageCreate),
		d.session.AddHandler(d.onInteractionCreate),
		d.session.AddHandler(d.onDisconnect),
		d.session.AddHandler(d.onResumed),
	}
	defer func() {
		for _, remove := range removers {
			remove()
		}
	}()

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}

	d.registerSlashCommands()

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	d.drain()
	d.connected.Store(false)
	return d.session.Close()
}

// drain stops accepting new messages and waits for running ones.
func (d *Discord) drain() {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.shutdownTimeout):
		d.logger.Warn("in-flight messages still running at shutdown", "timeout", d.shutdownTimeout)
	}
}

func (d *Discord) onReady(s *discordgo.Session, r *discordgo.Ready) {
	d.selfID.Store(r.User.ID)
	d.connected.Store(true)
	d.logger.Info("discord bot ready",
		"user", r.User.Username,
		"user_id", r.User.ID,
		"guilds", len(r.Guilds),
	)
	if d.activity != "" {
		if err := s.UpdateListeningStatus(d.activity); err != nil {
			d.logger.Warn("cannot set presence", tint.Err(err))
		}
	}
}

func (d *Discord) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	d.connected.Store(false)
	metrics.GatewayDisconnects.Inc()
	d.logger.Warn("discord gateway disconnected")
}

func (d *Discord) onResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	d.connected.Store(true)
	d.logger.Info("discord gateway resumed")
}

func (d *Discord) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil || d.handle == nil {
		return
	}

	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return
	}
	d.inflight.Add(1)
	d.mu.Unlock()
	defer d.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("message handler panicked",
				"message_id", m.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	d.handle(d.handleCtx, toIncoming(m.Message))
}

// toIncoming converts a gateway message into the relay's view of it.
func toIncoming(m *discordgo.Message) domain.IncomingMessage {
	msg := domain.IncomingMessage{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorName = m.Author.Username
		msg.AuthorIsBot = m.Author.Bot
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg
}

// Send posts content to channelID and returns a handle for editing it later.
func (d *Discord) Send(ctx context.Context, channelID, content string) (domain.Placeholder, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:         content,
		AllowedMentions: noMentions(),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return domain.Placeholder{}, fmt.Errorf("discord send: %w", err)
	}
	return domain.Placeholder{ChannelID: msg.ChannelID, MessageID: msg.ID}, nil
}

// Edit replaces the content of a message previously returned by Send.
func (d *Discord) Edit(ctx context.Context, p domain.Placeholder, content string) error {
	edit := discordgo.NewMessageEdit(p.ChannelID, p.MessageID).SetContent(content)
	edit.AllowedMentions = noMentions()
	if _, err := d.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord edit: %w", err)
	}
	return nil
}

// noMentions keeps model output from pinging users, roles or @everyone.
func noMentions() *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}
}

// Whoami resolves the token's user over REST without opening the gateway.
func (d *Discord) Whoami(ctx context.Context) (*discordgo.User, error) {
	return d.session.User("@me", discordgo.WithContext(ctx))
}

// Channel looks up a channel over REST, e.g. to check the bot can see it.
func (d *Discord) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, discordgo.WithContext(ctx))
}
