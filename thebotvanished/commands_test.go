package thebotvanished

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{input: "", want: nil},
		{input: "   ", want: nil},
		{input: "tweet post news", want: []string{"tweet", "post", "news"}},
		{input: "  kick   spammer  ", want: []string{"kick", "spammer"}},
		{
			input: `announce "Twitter Fans" #news "big news today"`,
			want:  []string{"announce", "Twitter Fans", "#news", "big news today"},
		},
		{input: `prefix ""`, want: []string{"prefix", ""}},
		{input: "a\tb\nc", want: []string{"a", "b", "c"}},
		{
			input: `stream phrase don't miss {}'s tweet`,
			want:  []string{"stream", "phrase", "don't", "miss", "{}'s", "tweet"},
		},
		{input: `tweet add c:\news 1`, want: []string{"tweet", "add", `c:\news`, "1"}},
	}
	for _, tc := range tests {
		t.Run(
			tc.input, func(t *testing.T) {
				assert.Equal(t, tc.want, splitArgs(tc.input))
			},
		)
	}
}

func TestMatchPrefix(t *testing.T) {
	prefix, ok := matchPrefix("!!uptime", []string{"!", "!!"})
	assert.True(t, ok)
	assert.Equal(t, "!!", prefix)

	prefix, ok = matchPrefix("?uptime", []string{"!", "?"})
	assert.True(t, ok)
	assert.Equal(t, "?", prefix)

	_, ok = matchPrefix("uptime", []string{"!", ""})
	assert.False(t, ok)

	_, ok = matchPrefix("!uptime", nil)
	assert.False(t, ok)
}

func TestCommandSet_Find(t *testing.T) {
	cs := newCommandSet()
	cs.add(
		&command{
			name:       "stream",
			guildOnly:  true,
			permission: permMod,
			subcommands: []*command{
				{name: "follow"},
				{name: "mention", permission: permAdmin},
			},
		},
		&command{name: "uptime"},
	)

	cmd, args := cs.find([]string{"STREAM", "Follow", "12345"})
	require.NotNil(t, cmd)
	assert.Equal(t, "stream follow", cmd.qualifiedName())
	assert.Equal(t, []string{"12345"}, args)
	assert.True(t, cmd.guildOnly)
	assert.Equal(t, permMod, cmd.permission)

	cmd, _ = cs.find([]string{"stream", "mention"})
	require.NotNil(t, cmd)
	assert.Equal(t, permAdmin, cmd.permission)

	cmd, args = cs.find([]string{"stream", "nope"})
	require.NotNil(t, cmd)
	assert.Equal(t, "stream", cmd.qualifiedName())
	assert.Equal(t, []string{"nope"}, args)

	cmd, _ = cs.find([]string{"missing"})
	assert.Nil(t, cmd)

	cmd, _ = cs.find(nil)
	assert.Nil(t, cmd)

	assert.Equal(t, []string{"stream", "uptime"}, cs.names())
}

func TestHandleCommand_NotACommand(t *testing.T) {
	b, session, _ := newTestBot(t)
	ctx := context.Background()

	assert.False(t, b.handleCommand(ctx, guildMessage("1", "hello there")))
	assert.False(t, b.handleCommand(ctx, guildMessage("1", "!nosuchcommand")))
	assert.Empty(t, session.sentMessages())
}

func TestHandleCommand_MentionPrefix(t *testing.T) {
	b, session, _ := newTestBot(t)
	ctx := context.Background()

	assert.True(t, b.handleCommand(ctx, guildMessage("1", "<@999> uptime")))
	assert.True(t, b.handleCommand(ctx, guildMessage("1", "<@!999> uptime")))
	assert.Len(t, session.sentMessages(), 2)

	// mentions aren't prefixes in DMs
	dm := guildMessage("1", "<@999> uptime")
	dm.GuildID = ""
	assert.False(t, b.handleCommand(ctx, dm))
}

func TestHandleCommand_GuildOnly(t *testing.T) {
	b, session, _ := newTestBot(t)

	dm := guildMessage("1", "!tweet list")
	dm.GuildID = ""
	dm.Member = nil
	b.handleCommand(context.Background(), dm)

	assert.Equal(t, "That command is not available in DMs.", session.lastSent(t).Content)
}

func TestHandleCommand_Cooldown(t *testing.T) {
	b, session, _ := newTestBot(t)
	ctx := context.Background()

	b.handleCommand(ctx, guildMessage("1", "!tweet list"))
	require.Len(t, session.sentMessages(), 1)
	assert.Contains(t, session.lastSent(t).Content, "Keyword")

	b.handleCommand(ctx, guildMessage("1", "!tweet list"))
	require.Len(t, session.sentMessages(), 2)
	assert.Contains(t, session.lastSent(t).Content, "This command is on cooldown. Try again in")

	// cooldowns are per user
	b.handleCommand(ctx, guildMessage("2", "!tweet list"))
	assert.Contains(t, session.lastSent(t).Content, "Keyword")
}

func TestTakeCooldown(t *testing.T) {
	b, _, _ := newTestBot(t)
	cmd := &command{name: "slow", cooldown: time.Hour}

	assert.Zero(t, b.takeCooldown(cmd, "1"))
	wait := b.takeCooldown(cmd, "1")
	assert.Greater(t, wait, 59*time.Minute)

	b.resetCooldown(cmd, "1")
	assert.Zero(t, b.takeCooldown(cmd, "1"))

	assert.Zero(t, b.takeCooldown(&command{name: "fast"}, "1"))
	assert.Zero(t, b.takeCooldown(&command{name: "fast"}, "1"))
}

func TestHandleCommand_PermissionDenied(t *testing.T) {
	b, session, _ := newTestBot(t)
	session.channels = []*discordgo.Channel{{ID: "300", Name: "general"}}

	b.handleCommand(context.Background(), guildMessage("1", "!lock #general"))

	assert.Empty(t, session.sentMessages())
	locked, err := b.mod.ChannelLocked("300")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestHandleCommand_Usage(t *testing.T) {
	b, session, _ := newTestBot(t)

	b.handleCommand(context.Background(), guildMessage(testOwnerID, "!lock"))

	content := session.lastSent(t).Content
	assert.Contains(t, content, "!lock <#channel>")
	assert.Contains(t, content, "Auto deletes messages in channel")
	assert.Contains(t, content, "```")
}

func TestHandleCommand_UsageResetsCooldown(t *testing.T) {
	b, session, _ := newTestBot(t)
	ctx := context.Background()

	b.handleCommand(ctx, guildMessage("1", "!tweet post"))
	b.handleCommand(ctx, guildMessage("1", "!tweet post"))

	for _, msg := range session.sentMessages() {
		assert.NotContains(t, msg.Content, "cooldown")
		assert.Contains(t, msg.Content, "!tweet post <keyword | account [n]>")
	}
}

func TestHandleCommand_GroupHelp(t *testing.T) {
	b, session, _ := newTestBot(t)

	b.handleCommand(context.Background(), guildMessage(testOwnerID, "!saferole"))

	content := session.lastSent(t).Content
	assert.Contains(t, content, "Commands:")
	assert.Contains(t, content, "removeall")
	assert.Contains(t, content, "Remove role from safe roles list")
}

func TestHandleCommand_Error(t *testing.T) {
	b, session, _ := newTestBot(t)
	session.rolesErr = errors.New("discord is down")

	b.handleCommand(context.Background(), guildMessage(testOwnerID, "!set adminrole Admins"))

	assert.Equal(
		t,
		"`Error in command 'set adminrole'. Check your console or logs for details.`",
		session.lastSent(t).Content,
	)
}

func TestHasPermission(t *testing.T) {
	b, _, _ := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.core.Set(Guild(testGuildID), "admin_role", "10"))
	require.NoError(t, b.core.Set(Guild(testGuildID), "mod_role", "20"))

	user := func(id string) *discordgo.User { return &discordgo.User{ID: id} }
	member := func(id string, roles ...string) *discordgo.Member {
		return &discordgo.Member{User: user(id), Roles: roles}
	}

	tests := []struct {
		name   string
		guild  string
		member *discordgo.Member
		perm   permission
		want   bool
	}{
		{name: "everyone", guild: testGuildID, member: member("1"), perm: permEveryone, want: true},
		{name: "bot owner anywhere", guild: "", member: member(testOwnerID), perm: permBotOwner, want: true},
		{name: "guild owner is not bot owner", guild: testGuildID, member: member("800"), perm: permBotOwner},
		{name: "guild owner", guild: testGuildID, member: member("800"), perm: permGuildOwner, want: true},
		{name: "guild owner is admin", guild: testGuildID, member: member("800"), perm: permAdmin, want: true},
		{name: "admin", guild: testGuildID, member: member("1", "10"), perm: permAdmin, want: true},
		{name: "admin is mod", guild: testGuildID, member: member("1", "10"), perm: permMod, want: true},
		{name: "admin is not guild owner", guild: testGuildID, member: member("1", "10"), perm: permGuildOwner},
		{name: "mod", guild: testGuildID, member: member("1", "20"), perm: permMod, want: true},
		{name: "mod is not admin", guild: testGuildID, member: member("1", "20"), perm: permAdmin},
		{name: "member", guild: testGuildID, member: member("1", "30"), perm: permMod},
		{name: "mod in DMs", guild: "", member: member("1", "20"), perm: permMod},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(
					t,
					tc.want,
					b.hasPermission(ctx, tc.guild, tc.member, tc.member.User, tc.perm),
				)
			},
		)
	}
}

func TestCommandHelp(t *testing.T) {
	b, _, _ := newTestBot(t)
	cmd, _ := b.commands.find([]string{"stream", "follow"})
	require.NotNil(t, cmd)

	assert.Equal(
		t,
		"```\n?stream follow <twitter user id>\n\nAdds new account to the stream of this channel.\n```",
		b.commandHelp(cmd, "?"),
	)
}
