package thebotvanished

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// DiscordSessionHandler defines the methods of `discordgo.Session` used
// by the bot, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level)

	// UpdateCustomStatus sets the bot's user status to the given string.
	UpdateCustomStatus(status string) error

	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with embeds
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// UserChannelCreate opens (or returns the existing) DM channel with
	// the given user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)

	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)

	GuildRoleEdit(
		guildID string,
		roleID string,
		data *discordgo.RoleParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Role, error)

	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)

	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	// GuildMembers lists up to limit members with IDs above after
	GuildMembers(
		guildID string,
		after string,
		limit int,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Member, error)

	GuildMemberDeleteWithReason(
		guildID string,
		userID string,
		reason string,
		options ...discordgo.RequestOption,
	) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

// newDiscordSession creates a discordgo session for the given bot token.
func newDiscordSession(
	token string,
	config *DiscordConfig,
	client *http.Client,
	logger *slog.Logger,
) (*DiscordSession, error) {
	disc, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = true
	disc.Identify.Intents = config.GatewayIntents
	if client != nil {
		disc.Client = client
	}
	d := &DiscordSession{
		session: disc,
		logger:  logger.With(loggerNameKey, "discord_session_handler"),
	}
	d.SetLogLevel(config.DiscordGoLogLevel.Level())
	return d, nil
}

func (d *DiscordSession) Open() error {
	return d.session.Open()
}

func (d *DiscordSession) Close() error {
	return d.session.Close()
}

func (d *DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d *DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d *DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d *DiscordSession) SetLogLevel(lvl slog.Level) {
	d.session.LogLevel = discordgoLogLevel(lvl)
}

func (d *DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d *DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, content, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d *DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d *DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d *DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d *DiscordSession) Guild(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	if g, err := d.session.State.Guild(guildID); err == nil {
		return g, nil
	}
	return d.session.Guild(guildID, options...)
}

func (d *DiscordSession) GuildRoles(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	return d.session.GuildRoles(guildID, options...)
}

func (d *DiscordSession) GuildRoleEdit(
	guildID string,
	roleID string,
	data *discordgo.RoleParams,
	options ...discordgo.RequestOption,
) (*discordgo.Role, error) {
	return d.session.GuildRoleEdit(guildID, roleID, data, options...)
}

func (d *DiscordSession) GuildChannels(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	return d.session.GuildChannels(guildID, options...)
}

func (d *DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d *DiscordSession) GuildMembers(
	guildID string,
	after string,
	limit int,
	options ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	return d.session.GuildMembers(guildID, after, limit, options...)
}

func (d *DiscordSession) GuildMemberDeleteWithReason(
	guildID string,
	userID string,
	reason string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.GuildMemberDeleteWithReason(guildID, userID, reason, options...)
	if err != nil {
		d.logger.Error(
			"error kicking member",
			tint.Err(err),
			"guild_id", guildID,
			"user_id", userID,
		)
	}
	return err
}

// allGuildMembers pages through every member of a guild.
func allGuildMembers(session DiscordSessionHandler, guildID string) ([]*discordgo.Member, error) {
	const pageSize = 1000
	var (
		members []*discordgo.Member
		after   string
	)
	for {
		page, err := session.GuildMembers(guildID, after, pageSize)
		if err != nil {
			return members, err
		}
		members = append(members, page...)
		if len(page) < pageSize {
			return members, nil
		}
		last := page[len(page)-1]
		if last.User == nil {
			return members, nil
		}
		after = last.User.ID
	}
}

// messageLogAttrs returns attributes identifying a message in logs.
func messageLogAttrs(m *discordgo.Message) []any {
	attrs := []any{
		"message_id", m.ID,
		"channel_id", m.ChannelID,
	}
	if m.GuildID != "" {
		attrs = append(attrs, "guild_id", m.GuildID)
	}
	if m.Author != nil {
		attrs = append(attrs, "user_id", m.Author.ID, "username", m.Author.Username)
	}
	return attrs
}
