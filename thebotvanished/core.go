package thebotvanished

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// DefaultColor is the default embed color of the bot.
const DefaultColor = 15158332

var (
	coreGlobalDefaults = map[string]any{
		"token":                    nil,
		"prefix":                   []string{},
		"owner":                    nil,
		"embeds":                   true,
		"color":                    DefaultColor,
		"help__page_char_limit":    1000,
		"help__max_pages_in_guild": 2,
		"help__tagline":            "",
	}
	coreGuildDefaults = map[string]any{
		"prefix":        []string{},
		"admin_role":    nil,
		"mod_role":      nil,
		"embeds":        nil,
		"use_bot_color": false,
	}
	coreUserDefaults = map[string]any{
		"embeds": nil,
	}
)

// RegisterCoreDefaults registers the bot's own settings on the core store.
func RegisterCoreDefaults(core *Store) error {
	for kind, defaults := range map[ScopeKind]map[string]any{
		ScopeGlobal: coreGlobalDefaults,
		ScopeGuild:  coreGuildDefaults,
		ScopeUser:   coreUserDefaults,
	} {
		if err := core.Register(kind, defaults); err != nil {
			return fmt.Errorf("error registering core %s defaults: %w", kind, err)
		}
	}
	return nil
}

// Prefixes returns the command prefixes for a guild: the guild's own
// prefixes if any are set, otherwise the global ones. An empty guildID
// (direct messages) always gets the global prefixes.
func (b *Bot) Prefixes(guildID string) []string {
	var prefixes []string
	if guildID != "" {
		if err := b.core.Decode(Guild(guildID), "prefix", &prefixes); err != nil {
			b.logger.Error("error reading guild prefixes", tint.Err(err), "guild_id", guildID)
		}
		if len(prefixes) > 0 {
			return prefixes
		}
	}
	if err := b.core.Decode(Global(), "prefix", &prefixes); err != nil {
		b.logger.Error("error reading global prefixes", tint.Err(err))
	}
	return prefixes
}

// commandPrefixes adds mentions of the bot to the prefixes of guild
// messages.
func (b *Bot) commandPrefixes(guildID string) []string {
	prefixes := b.Prefixes(guildID)
	if guildID == "" {
		return prefixes
	}
	if u := b.user.Load(); u != nil {
		prefixes = append(prefixes, "<@"+u.ID+"> ", "<@!"+u.ID+"> ")
	}
	return prefixes
}

// EmbedRequested determines whether a response should be an embed. In
// direct messages the user's setting applies, in guilds the guild's, and
// the global setting is the fallback for both.
func (b *Bot) EmbedRequested(guildID string, userID string) bool {
	var setting *bool
	var err error
	if guildID == "" {
		err = b.core.Decode(User(userID), "embeds", &setting)
	} else {
		err = b.core.Decode(Guild(guildID), "embeds", &setting)
	}
	if err != nil {
		b.logger.Error("error reading embed setting", tint.Err(err))
	}
	if setting != nil {
		return *setting
	}

	global := true
	if err = b.core.Decode(Global(), "embeds", &global); err != nil {
		b.logger.Error("error reading global embed setting", tint.Err(err))
	}
	return global
}

// IsOwner reports whether userID is the configured bot owner.
func (b *Bot) IsOwner(userID string) bool {
	var owner string
	if err := b.core.Decode(Global(), "owner", &owner); err != nil {
		b.logger.Error("error reading owner", tint.Err(err))
		return false
	}
	return owner != "" && owner == userID
}

// IsAdmin reports whether member holds the guild's admin role.
func (b *Bot) IsAdmin(guildID string, member *discordgo.Member) bool {
	adminRole := b.guildRoleSetting(guildID, "admin_role")
	return adminRole != "" && containsString(member.Roles, adminRole)
}

// IsMod reports whether member holds the guild's admin or mod role.
func (b *Bot) IsMod(guildID string, member *discordgo.Member) bool {
	if b.IsAdmin(guildID, member) {
		return true
	}
	modRole := b.guildRoleSetting(guildID, "mod_role")
	return modRole != "" && containsString(member.Roles, modRole)
}

func (b *Bot) guildRoleSetting(guildID string, key string) string {
	var roleID string
	if err := b.core.Decode(Guild(guildID), key, &roleID); err != nil {
		b.logger.Error("error reading role setting", tint.Err(err), "key", key, "guild_id", guildID)
	}
	return roleID
}

// Uptime returns how long the bot has been connected.
func (b *Bot) Uptime() time.Duration {
	startedAt := b.readyAt.Load()
	if startedAt == nil {
		return 0
	}
	return time.Since(*startedAt)
}

// resolveRole finds a guild role by exact name, or by mention or ID.
func resolveRole(session DiscordSessionHandler, guildID string, name string) (*discordgo.Role, error) {
	roles, err := session.GuildRoles(guildID)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, "<@&"), ">")
	for _, r := range roles {
		if r.Name == name || r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

func (b *Bot) coreCommands() []*command {
	return []*command{
		{
			name: "uptime",
			help: "Shows bot's uptime",
			run: func(_ context.Context, c *commandContext) error {
				since := "never"
				if startedAt := b.readyAt.Load(); startedAt != nil {
					since = startedAt.UTC().Format(time.DateTime)
				}
				return c.sendf(
					"Been up for: **%s** (since %s UTC)",
					formatUptime(b.Uptime(), false),
					since,
				)
			},
		},
		{
			name:       "set",
			help:       "Changes bot's settings",
			permission: permMod,
			run:        b.showSettings,
			subcommands: []*command{
				{
					name:       "adminrole",
					usage:      "<role>",
					help:       "Sets the admin role for this server",
					guildOnly:  true,
					permission: permGuildOwner,
					run: func(ctx context.Context, c *commandContext) error {
						return b.setGuildRole(ctx, c, "admin_role", "The admin role for this guild has been set.")
					},
				},
				{
					name:       "modrole",
					usage:      "<role>",
					help:       "Sets the mod role for this server",
					guildOnly:  true,
					permission: permAdmin,
					run: func(ctx context.Context, c *commandContext) error {
						return b.setGuildRole(ctx, c, "mod_role", "The mod role for this guild has been set.")
					},
				},
				{
					name:  "prefix",
					usage: "<prefix...>",
					help: "Sets the command prefixes. In a guild, this sets the guild's prefixes.\n" +
						"Without prefixes, a guild falls back to the global ones.",
					permission: permAdmin,
					run:        b.setPrefix,
				},
			},
		},
	}
}

func (b *Bot) showSettings(_ context.Context, c *commandContext) error {
	var guildSettings string
	if c.guildID() != "" {
		roleName := func(key string) string {
			id := b.guildRoleSetting(c.guildID(), key)
			if id == "" {
				return "Not set"
			}
			if r, err := resolveRole(b.session, c.guildID(), id); err == nil && r != nil {
				return r.Name
			}
			return "Not set"
		}
		guildSettings = fmt.Sprintf(
			"Admin role: %s\nMod role: %s\n",
			roleName("admin_role"),
			roleName("mod_role"),
		)
	}
	var name string
	if u := b.user.Load(); u != nil {
		name = u.Username
	}
	settings := fmt.Sprintf(
		"%s Settings:\n\nPrefixes: %s\n%s",
		name,
		strings.Join(b.Prefixes(c.guildID()), " "),
		guildSettings,
	)
	return c.send(codeBlock(settings, ""))
}

func (b *Bot) setGuildRole(_ context.Context, c *commandContext, key string, confirmation string) error {
	name := c.rest(0)
	if name == "" {
		return errUsage
	}
	role, err := resolveRole(b.session, c.guildID(), name)
	if err != nil {
		return err
	}
	if role == nil {
		return c.sendf("Could not find role %s", name)
	}
	if err = b.core.Set(Guild(c.guildID()), key, role.ID); err != nil {
		return err
	}
	return c.send(confirmation)
}

func (b *Bot) setPrefix(_ context.Context, c *commandContext) error {
	if len(c.args) == 0 {
		return errUsage
	}
	prefixes := append([]string(nil), c.args...)
	scope := Global()
	if c.guildID() != "" {
		scope = Guild(c.guildID())
	} else if !b.IsOwner(c.author().ID) {
		return errCheckFailure
	}
	if err := b.core.Set(scope, "prefix", prefixes); err != nil {
		return err
	}
	return c.send("Prefix set.")
}
