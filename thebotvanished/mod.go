package thebotvanished

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	ModNamespace = "Mod"

	// roleKickGracePeriod protects members who joined recently from role
	// kicks
	roleKickGracePeriod = 24 * time.Hour

	defaultRoleKickReason = "Daily cleaning of welcome channel"

	// maxNameHistory caps past_nicks and past_names
	maxNameHistory = 20
)

var (
	modGuildDefaults = map[string]any{
		"blacklist":        []string{},
		"whitelist":        []string{},
		"current_tempbans": []string{},
		"safe_roles":       []string{},
	}
	modChannelDefaults = map[string]any{"locked": false}
	modMemberDefaults  = map[string]any{"past_nicks": []string{}, "banned_until": false}
	modUserDefaults    = map[string]any{"past_names": []string{}}
)

// Mod provides moderation commands, and deletes messages posted by
// non-moderators in locked channels.
type Mod struct {
	bot    *Bot
	conf   *Store
	logger *slog.Logger

	// now is swapped in tests
	now func() time.Time
}

func newMod(ctx context.Context, b *Bot) (*Mod, error) {
	conf, err := b.stores.Namespace(ctx, ModNamespace)
	if err != nil {
		return nil, err
	}
	for kind, defaults := range map[ScopeKind]map[string]any{
		ScopeGuild:   modGuildDefaults,
		ScopeChannel: modChannelDefaults,
		ScopeMember:  modMemberDefaults,
		ScopeUser:    modUserDefaults,
	} {
		if err = conf.Register(kind, defaults); err != nil {
			return nil, fmt.Errorf("error registering %s defaults: %w", kind, err)
		}
	}
	return &Mod{
		bot:    b,
		conf:   conf,
		logger: b.logger.With(loggerNameKey, "mod"),
		now:    time.Now,
	}, nil
}

// ChannelLocked reports whether channelID is locked.
func (m *Mod) ChannelLocked(channelID string) (bool, error) {
	var locked bool
	err := m.conf.Decode(Channel(channelID), "locked", &locked)
	return locked, err
}

// SafeRoles returns the IDs of roles exempt from role kicks.
func (m *Mod) SafeRoles(guildID string) ([]string, error) {
	var roles []string
	err := m.conf.Decode(Guild(guildID), "safe_roles", &roles)
	return roles, err
}

// onMessage deletes msg if it was posted in a locked channel by a member
// who isn't a moderator. Returns true if the message was deleted.
func (m *Mod) onMessage(ctx context.Context, msg *discordgo.Message) bool {
	if msg.GuildID == "" || msg.Member == nil || msg.Author == nil || msg.Author.Bot {
		return false
	}
	if msg.Type == discordgo.MessageTypeGuildMemberJoin {
		return false
	}

	locked, err := m.ChannelLocked(msg.ChannelID)
	if err != nil {
		m.logger.ErrorContext(ctx, "error reading channel lock", tint.Err(err))
		return false
	}
	if !locked {
		return false
	}

	member := *msg.Member
	member.User = msg.Author
	if m.bot.isModOrSuperior(ctx, msg.GuildID, &member) {
		return false
	}

	if err = m.bot.session.ChannelMessageDelete(msg.ChannelID, msg.ID); err != nil {
		m.logger.ErrorContext(
			ctx,
			"error deleting message in locked channel",
			append([]any{tint.Err(err)}, messageLogAttrs(msg)...)...,
		)
		return false
	}
	m.logger.InfoContext(ctx, "deleted message in locked channel", messageLogAttrs(msg)...)
	return true
}

// onMemberUpdate records previous nicknames and usernames of a member.
func (m *Mod) onMemberUpdate(ctx context.Context, before *discordgo.Member, after *discordgo.Member) {
	if before == nil || after == nil || after.User == nil || after.User.Bot {
		return
	}
	logger := m.logger.With("guild_id", after.GuildID, "user_id", after.User.ID)

	if before.Nick != "" && before.Nick != after.Nick {
		if err := m.appendName(Member(after.GuildID, after.User.ID), "past_nicks", before.Nick); err != nil {
			logger.ErrorContext(ctx, "error recording nickname", tint.Err(err))
		}
	}
	if before.User != nil && before.User.Username != "" &&
		before.User.Username != after.User.Username {
		if err := m.appendName(User(after.User.ID), "past_names", before.User.Username); err != nil {
			logger.ErrorContext(ctx, "error recording username", tint.Err(err))
		}
	}
}

// appendName adds name to the history list at key, dropping the oldest
// entries past maxNameHistory.
func (m *Mod) appendName(scope Scope, key string, name string) error {
	return UpdateValue(
		m.conf, scope, key, func(names *[]string) error {
			if n := len(*names); n > 0 && (*names)[n-1] == name {
				return ErrSkipUpdate
			}
			*names = append(*names, name)
			if len(*names) > maxNameHistory {
				*names = (*names)[len(*names)-maxNameHistory:]
			}
			return nil
		},
	)
}

func (m *Mod) commands() []*command {
	return []*command{
		{
			name:       "lock",
			usage:      "<#channel>",
			help:       "Auto deletes messages in channel\n\nExample:\n  lock #channel",
			guildOnly:  true,
			permission: permMod,
			run: func(ctx context.Context, c *commandContext) error {
				return m.setLocked(ctx, c, true)
			},
		},
		{
			name:       "unlock",
			usage:      "<#channel>",
			help:       "Stops auto deleting messages in channel",
			guildOnly:  true,
			permission: permMod,
			run: func(ctx context.Context, c *commandContext) error {
				return m.setLocked(ctx, c, false)
			},
		},
		{
			name:       "saferole",
			help:       "Role list of safe roles.\n\nUsed to prevent accidentally kicking all users.",
			guildOnly:  true,
			permission: permMod,
			subcommands: []*command{
				{
					name:  "add",
					usage: "<role>",
					help:  "Add new role to the safe roles list.",
					run:   m.addSafeRole,
				},
				{
					name:  "remove",
					usage: "<role>",
					help:  "Remove role from safe roles list",
					run:   m.removeSafeRole,
				},
				{
					name: "removeall",
					help: "Remove all roles from safe roles list",
					run: func(_ context.Context, c *commandContext) error {
						return m.conf.Set(Guild(c.guildID()), "safe_roles", []string{})
					},
				},
			},
		},
		{
			name:       "kick",
			usage:      "<user|role> [reason]",
			help:       "Kicks user or all users with a selected role",
			guildOnly:  true,
			permission: permMod,
			run:        m.kick,
		},
		{
			name:       "announce",
			usage:      "<role> <#channel> <message>",
			help:       "Do a server wide announce for a set role.",
			guildOnly:  true,
			permission: permMod,
			run:        m.announce,
		},
	}
}

func (m *Mod) setLocked(_ context.Context, c *commandContext, locked bool) error {
	if len(c.args) == 0 {
		return errUsage
	}
	ch, err := resolveChannel(m.bot.session, c.guildID(), c.args[0])
	if err != nil {
		return err
	}
	if ch == nil {
		return c.sendf("Could not find channel %s", c.args[0])
	}
	if locked {
		return m.conf.Set(Channel(ch.ID), "locked", true)
	}
	return m.conf.Clear(Channel(ch.ID), "locked")
}

func (m *Mod) addSafeRole(_ context.Context, c *commandContext) error {
	name := c.rest(0)
	if name == "" {
		return errUsage
	}
	role, err := resolveRole(m.bot.session, c.guildID(), name)
	if err != nil {
		return err
	}
	if role == nil {
		return c.sendf("Could not find role %s", name)
	}
	return UpdateValue(
		m.conf, Guild(c.guildID()), "safe_roles", func(safeRoles *[]string) error {
			if containsString(*safeRoles, role.ID) {
				return ErrSkipUpdate
			}
			*safeRoles = append(*safeRoles, role.ID)
			return nil
		},
	)
}

func (m *Mod) removeSafeRole(_ context.Context, c *commandContext) error {
	name := c.rest(0)
	if name == "" {
		return errUsage
	}
	role, err := resolveRole(m.bot.session, c.guildID(), name)
	if err != nil {
		return err
	}
	if role == nil {
		return c.sendf("Could not find role %s", name)
	}
	return UpdateValue(
		m.conf, Guild(c.guildID()), "safe_roles", func(safeRoles *[]string) error {
			kept := make([]string, 0, len(*safeRoles))
			for _, id := range *safeRoles {
				if id != role.ID {
					kept = append(kept, id)
				}
			}
			if len(kept) == len(*safeRoles) {
				return ErrSkipUpdate
			}
			*safeRoles = kept
			return nil
		},
	)
}

func (m *Mod) kick(ctx context.Context, c *commandContext) error {
	if len(c.args) == 0 {
		return errUsage
	}
	target, reason := c.args[0], c.rest(1)

	role, err := resolveRole(m.bot.session, c.guildID(), target)
	if err != nil {
		return err
	}
	if role != nil {
		if delErr := m.bot.session.ChannelMessageDelete(c.channelID(), c.message.ID); delErr != nil {
			c.logger.WarnContext(ctx, "error deleting kick command message", tint.Err(delErr))
		}
		_, err = m.KickRole(ctx, c.guildID(), role.ID, reason)
		return err
	}

	member, err := resolveMember(m.bot.session, c.guildID(), target)
	if err != nil {
		return err
	}
	if member == nil {
		return c.sendf("Could not find role or user %s", target)
	}
	return m.bot.session.GuildMemberDeleteWithReason(c.guildID(), member.User.ID, reason)
}

// KickRole kicks every member holding roleID who joined more than a day
// ago, except moderators and members holding a safe role. Each member is
// sent a DM before being kicked. Returns the IDs of the kicked members.
func (m *Mod) KickRole(ctx context.Context, guildID string, roleID string, reason string) ([]string, error) {
	if reason == "" {
		reason = defaultRoleKickReason
	}
	safeRoles, err := m.SafeRoles(guildID)
	if err != nil {
		return nil, err
	}
	members, err := allGuildMembers(m.bot.session, guildID)
	if err != nil {
		return nil, err
	}

	guildName := guildID
	if g, gErr := m.bot.session.Guild(guildID); gErr == nil {
		guildName = g.Name
	}
	dm := fmt.Sprintf(
		"You were kicked from %s server as you were not able to get access "+
			"in 1 day time.\nYou can return to the server at any time to try again.",
		guildName,
	)

	now := m.now()
	var kicked []string
	var errs []error
	for _, member := range members {
		if member.User == nil || member.User.Bot {
			continue
		}
		if !containsString(member.Roles, roleID) {
			continue
		}
		if m.bot.isModOrSuperior(ctx, guildID, member) {
			continue
		}
		if hasAnyRole(member, safeRoles) {
			continue
		}
		if now.Sub(member.JoinedAt) <= roleKickGracePeriod {
			continue
		}

		logger := m.logger.With("guild_id", guildID, "user_id", member.User.ID)
		if ch, dmErr := m.bot.session.UserChannelCreate(member.User.ID); dmErr == nil {
			if _, sendErr := m.bot.session.ChannelMessageSend(ch.ID, dm); sendErr != nil {
				logger.WarnContext(ctx, "could not DM member before kick", tint.Err(sendErr))
			}
		} else {
			logger.WarnContext(ctx, "could not open DM channel", tint.Err(dmErr))
		}

		if kickErr := m.bot.session.GuildMemberDeleteWithReason(guildID, member.User.ID, reason); kickErr != nil {
			errs = append(errs, kickErr)
			continue
		}
		logger.InfoContext(ctx, "kicked member", "role_id", roleID, "reason", reason)
		kicked = append(kicked, member.User.ID)
	}
	return kicked, errors.Join(errs...)
}

func hasAnyRole(member *discordgo.Member, roleIDs []string) bool {
	for _, id := range roleIDs {
		if containsString(member.Roles, id) {
			return true
		}
	}
	return false
}

func (m *Mod) announce(ctx context.Context, c *commandContext) error {
	if len(c.args) < 3 {
		return errUsage
	}
	roleName, channelName, text := c.args[0], c.args[1], c.rest(2)

	role, err := resolveRole(m.bot.session, c.guildID(), roleName)
	if err != nil {
		return err
	}
	if role == nil {
		return c.sendf("Could not find role %s", roleName)
	}
	ch, err := resolveChannel(m.bot.session, c.guildID(), channelName)
	if err != nil {
		return err
	}
	if ch == nil {
		return c.sendf("Could not find channel %s", channelName)
	}
	return m.bot.sendMentioningRole(ctx, c.guildID(), role.ID, func() error {
		_, sendErr := m.bot.session.ChannelMessageSend(ch.ID, role.Mention()+" "+text)
		return sendErr
	})
}

// sendMentioningRole makes a role mentionable while send runs.
func (b *Bot) sendMentioningRole(ctx context.Context, guildID string, roleID string, send func() error) error {
	mentionable, notMentionable := true, false
	if _, err := b.session.GuildRoleEdit(
		guildID,
		roleID,
		&discordgo.RoleParams{Mentionable: &mentionable},
	); err != nil {
		return fmt.Errorf("error making role mentionable: %w", err)
	}
	sendErr := send()
	_, resetErr := b.session.GuildRoleEdit(
		guildID,
		roleID,
		&discordgo.RoleParams{Mentionable: &notMentionable},
	)
	if resetErr != nil {
		_, logger := b.getLogger(ctx)
		logger.ErrorContext(ctx, "error resetting role mentionable", tint.Err(resetErr), "role_id", roleID)
	}
	return errors.Join(sendErr, resetErr)
}

// resolveChannel finds a guild channel by mention, ID or name.
func resolveChannel(session DiscordSessionHandler, guildID string, name string) (*discordgo.Channel, error) {
	channels, err := session.GuildChannels(guildID)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, "<#"), ">")
	name = strings.TrimPrefix(name, "#")
	for _, ch := range channels {
		if ch.ID == id || ch.Name == name {
			return ch, nil
		}
	}
	return nil, nil
}

// resolveMember finds a guild member by mention or ID, or by nickname or
// username if exactly one member matches.
func resolveMember(session DiscordSessionHandler, guildID string, name string) (*discordgo.Member, error) {
	id := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(name, "<@"), "!"), ">")
	if isSnowflake(id) {
		member, err := session.GuildMember(guildID, id)
		if err == nil {
			return member, nil
		}
	}

	members, err := allGuildMembers(session, guildID)
	if err != nil {
		return nil, err
	}
	var matched []*discordgo.Member
	for _, member := range members {
		if member.User == nil {
			continue
		}
		if member.Nick == name || member.User.Username == name {
			matched = append(matched, member)
		}
	}
	if len(matched) == 1 {
		return matched[0], nil
	}
	return nil, nil
}
