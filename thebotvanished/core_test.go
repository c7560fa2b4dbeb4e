package thebotvanished

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixes(t *testing.T) {
	b, _, _ := newTestBot(t)

	assert.Equal(t, []string{"!"}, b.Prefixes(testGuildID))
	assert.Equal(t, []string{"!"}, b.Prefixes(""))

	require.NoError(t, b.core.Set(Guild(testGuildID), "prefix", []string{"$", "tbv "}))
	assert.Equal(t, []string{"$", "tbv "}, b.Prefixes(testGuildID))
	assert.Equal(t, []string{"!"}, b.Prefixes("other"))
	assert.Equal(t, []string{"!"}, b.Prefixes(""))

	// an emptied guild list falls back to the global one
	require.NoError(t, b.core.Set(Guild(testGuildID), "prefix", []string{}))
	assert.Equal(t, []string{"!"}, b.Prefixes(testGuildID))
}

func TestCommandPrefixes(t *testing.T) {
	b, _, _ := newTestBot(t)

	assert.Equal(t, []string{"!", "<@999> ", "<@!999> "}, b.commandPrefixes(testGuildID))
	assert.Equal(t, []string{"!"}, b.commandPrefixes(""))
}

func TestEmbedRequested(t *testing.T) {
	b, _, _ := newTestBot(t)

	assert.True(t, b.EmbedRequested(testGuildID, "1"))
	assert.True(t, b.EmbedRequested("", "1"))

	require.NoError(t, b.core.Set(Global(), "embeds", false))
	assert.False(t, b.EmbedRequested(testGuildID, "1"))
	assert.False(t, b.EmbedRequested("", "1"))

	require.NoError(t, b.core.Set(Guild(testGuildID), "embeds", true))
	assert.True(t, b.EmbedRequested(testGuildID, "1"))
	assert.False(t, b.EmbedRequested("other", "1"))

	// the user setting only applies in DMs
	require.NoError(t, b.core.Set(User("1"), "embeds", true))
	assert.True(t, b.EmbedRequested("", "1"))
	assert.False(t, b.EmbedRequested("", "2"))
	assert.False(t, b.EmbedRequested("other", "1"))
}

func TestIsOwner(t *testing.T) {
	b, _, _ := newTestBot(t)
	assert.True(t, b.IsOwner(testOwnerID))
	assert.False(t, b.IsOwner("1"))

	require.NoError(t, b.core.Clear(Global(), "owner"))
	assert.False(t, b.IsOwner(testOwnerID))
	assert.False(t, b.IsOwner(""))
}

func TestIsAdminIsMod(t *testing.T) {
	b, _, _ := newTestBot(t)
	admin := &discordgo.Member{Roles: []string{"10"}}
	mod := &discordgo.Member{Roles: []string{"20", "30"}}
	member := &discordgo.Member{Roles: []string{"30"}}

	assert.False(t, b.IsAdmin(testGuildID, admin))
	assert.False(t, b.IsMod(testGuildID, mod))

	require.NoError(t, b.core.Set(Guild(testGuildID), "admin_role", "10"))
	require.NoError(t, b.core.Set(Guild(testGuildID), "mod_role", "20"))

	assert.True(t, b.IsAdmin(testGuildID, admin))
	assert.True(t, b.IsMod(testGuildID, admin))
	assert.False(t, b.IsAdmin(testGuildID, mod))
	assert.True(t, b.IsMod(testGuildID, mod))
	assert.False(t, b.IsMod(testGuildID, member))

	// roles are per guild
	assert.False(t, b.IsMod("other", mod))
}

func TestResolveRole(t *testing.T) {
	session := newMockDiscordSession()
	session.roles = []*discordgo.Role{
		{ID: "10", Name: "Admins"},
		{ID: "20", Name: "Twitter Fans"},
	}

	for _, name := range []string{"Twitter Fans", "20", "<@&20>"} {
		role, err := resolveRole(session, testGuildID, name)
		require.NoError(t, err)
		require.NotNil(t, role, name)
		assert.Equal(t, "20", role.ID)
	}

	role, err := resolveRole(session, testGuildID, "twitter fans")
	require.NoError(t, err)
	assert.Nil(t, role)
}

func TestSetAdminRole(t *testing.T) {
	b, session, _ := newTestBot(t)
	session.roles = []*discordgo.Role{{ID: "10", Name: "Admins"}}
	ctx := context.Background()

	// only the guild owner (or bot owner) may set the admin role
	require.NoError(t, b.core.Set(Guild(testGuildID), "admin_role", "10"))
	b.handleCommand(ctx, guildMessage("1", "!set adminrole Admins", "10"))
	assert.Empty(t, session.sentMessages())
	require.NoError(t, b.core.Clear(Guild(testGuildID), "admin_role"))

	b.handleCommand(ctx, guildMessage("800", "!set adminrole Admins"))
	assert.Equal(t, "The admin role for this guild has been set.", session.lastSent(t).Content)
	assert.Equal(t, "10", b.guildRoleSetting(testGuildID, "admin_role"))

	b.handleCommand(ctx, guildMessage("800", "!set adminrole Nobody"))
	assert.Equal(t, "Could not find role Nobody", session.lastSent(t).Content)
}

func TestSetModRole(t *testing.T) {
	b, session, _ := newTestBot(t)
	session.roles = []*discordgo.Role{{ID: "10", Name: "Admins"}, {ID: "20", Name: "Mods"}}
	require.NoError(t, b.core.Set(Guild(testGuildID), "admin_role", "10"))

	b.handleCommand(context.Background(), guildMessage("1", "!set modrole <@&20>", "10"))

	assert.Equal(t, "The mod role for this guild has been set.", session.lastSent(t).Content)
	assert.True(t, b.IsMod(testGuildID, &discordgo.Member{Roles: []string{"20"}}))
}

func TestSetPrefix(t *testing.T) {
	b, session, _ := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.core.Set(Guild(testGuildID), "admin_role", "10"))

	b.handleCommand(ctx, guildMessage("1", "!set prefix $ ?", "10"))
	assert.Equal(t, "Prefix set.", session.lastSent(t).Content)
	assert.Equal(t, []string{"$", "?"}, b.Prefixes(testGuildID))
	assert.Equal(t, []string{"!"}, b.Prefixes(""))

	// the global prefix is set from DMs, by the owner only
	dm := guildMessage("1", "!set prefix >")
	dm.GuildID = ""
	dm.Member = nil
	b.handleCommand(ctx, dm)
	assert.Equal(t, []string{"!"}, b.Prefixes(""))

	dm = guildMessage(testOwnerID, "!set prefix >")
	dm.GuildID = ""
	dm.Member = nil
	b.handleCommand(ctx, dm)
	assert.Equal(t, []string{">"}, b.Prefixes(""))
	assert.Equal(t, []string{"$", "?"}, b.Prefixes(testGuildID))
}

func TestShowSettings(t *testing.T) {
	b, session, _ := newTestBot(t)
	session.roles = []*discordgo.Role{{ID: "10", Name: "Admins"}}
	require.NoError(t, b.core.Set(Guild(testGuildID), "admin_role", "10"))

	b.handleCommand(context.Background(), guildMessage(testOwnerID, "!set"))

	content := session.lastSent(t).Content
	assert.Contains(t, content, "TheBotVanished Settings:")
	assert.Contains(t, content, "Prefixes: !")
	assert.Contains(t, content, "Admin role: Admins")
	assert.Contains(t, content, "Mod role: Not set")
}

func TestUptimeCommand(t *testing.T) {
	b, session, _ := newTestBot(t)

	b.handleCommand(context.Background(), guildMessage("1", "!uptime"))
	assert.Equal(
		t,
		"Been up for: **0 hours, 0 minutes, and 0 seconds** (since never UTC)",
		session.lastSent(t).Content,
	)
}
