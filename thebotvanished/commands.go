package thebotvanished

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

var (
	// errUsage is returned by a command run with missing or malformed
	// arguments. The dispatcher replies with the command's usage.
	errUsage = errors.New("invalid command usage")

	// errCheckFailure is returned when the caller lacks permission. These
	// are ignored silently.
	errCheckFailure = errors.New("check failed")
)

// permission is the minimum rank a caller needs to run a command.
type permission int

const (
	permEveryone permission = iota
	permMod
	permAdmin
	permGuildOwner
	permBotOwner
)

func (p permission) String() string {
	switch p {
	case permMod:
		return "mod"
	case permAdmin:
		return "admin"
	case permGuildOwner:
		return "guild_owner"
	case permBotOwner:
		return "bot_owner"
	default:
		return "everyone"
	}
}

// command is a prefix command, or a group of subcommands.
type command struct {
	name  string
	usage string
	help  string

	guildOnly  bool
	permission permission

	// cooldown limits each user to one invocation per period
	cooldown time.Duration

	// run handles the command. Groups without a run func reply with their
	// subcommand list when invoked without a subcommand.
	run func(ctx context.Context, c *commandContext) error

	subcommands []*command
	parent      *command
}

func (cmd *command) qualifiedName() string {
	if cmd.parent == nil {
		return cmd.name
	}
	return cmd.parent.qualifiedName() + " " + cmd.name
}

func (cmd *command) subcommand(name string) *command {
	for _, sub := range cmd.subcommands {
		if sub.name == name {
			return sub
		}
	}
	return nil
}

// commandSet holds the registered top-level commands and per-user cooldowns.
type commandSet struct {
	commands map[string]*command

	cooldowns map[string]*rate.Limiter
}

func newCommandSet() *commandSet {
	return &commandSet{
		commands:  map[string]*command{},
		cooldowns: map[string]*rate.Limiter{},
	}
}

// add registers top-level commands, linking each subcommand to its parent
func (cs *commandSet) add(cmds ...*command) {
	var link func(c *command)
	link = func(c *command) {
		for _, sub := range c.subcommands {
			sub.parent = c
			if sub.permission < c.permission {
				sub.permission = c.permission
			}
			if c.guildOnly {
				sub.guildOnly = true
			}
			link(sub)
		}
	}
	for _, c := range cmds {
		link(c)
		cs.commands[c.name] = c
	}
}

// find walks args down the command tree, returning the deepest match and
// the remaining arguments.
func (cs *commandSet) find(args []string) (*command, []string) {
	if len(args) == 0 {
		return nil, nil
	}
	cmd, ok := cs.commands[strings.ToLower(args[0])]
	if !ok {
		return nil, args
	}
	args = args[1:]
	for len(args) > 0 {
		sub := cmd.subcommand(strings.ToLower(args[0]))
		if sub == nil {
			break
		}
		cmd = sub
		args = args[1:]
	}
	return cmd, args
}

func (cs *commandSet) names() []string {
	names := make([]string, 0, len(cs.commands))
	for name := range cs.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// commandContext is passed to a running command.
type commandContext struct {
	bot     *Bot
	message *discordgo.Message
	command *command
	prefix  string
	args    []string
	logger  *slog.Logger
}

func (c *commandContext) guildID() string {
	return c.message.GuildID
}

func (c *commandContext) channelID() string {
	return c.message.ChannelID
}

func (c *commandContext) author() *discordgo.User {
	return c.message.Author
}

// member returns the invoking guild member, with User populated.
func (c *commandContext) member() *discordgo.Member {
	m := c.message.Member
	if m == nil {
		return nil
	}
	if m.User == nil {
		mc := *m
		mc.User = c.message.Author
		mc.GuildID = c.message.GuildID
		return &mc
	}
	return m
}

// rest joins the arguments from index i onwards.
func (c *commandContext) rest(i int) string {
	if i >= len(c.args) {
		return ""
	}
	return strings.Join(c.args[i:], " ")
}

func (c *commandContext) send(content string) error {
	_, err := c.bot.session.ChannelMessageSend(c.channelID(), content)
	return err
}

func (c *commandContext) sendf(format string, args ...any) error {
	return c.send(fmt.Sprintf(format, args...))
}

// resetCooldown lets the caller use the command again immediately.
func (c *commandContext) resetCooldown() {
	c.bot.resetCooldown(c.command, c.author().ID)
}

// splitArgs splits s on whitespace, keeping double-quoted sections
// together. Apostrophes and backslashes are ordinary characters, so
// "don't" stays one word.
func splitArgs(s string) []string {
	var (
		args    []string
		current strings.Builder
		quoted  bool
		started bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			started = true
		case unicode.IsSpace(r) && !quoted:
			if started {
				args = append(args, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}
	if started {
		args = append(args, current.String())
	}
	return args
}

// matchPrefix returns the first of prefixes content starts with, trying
// longer prefixes first.
func matchPrefix(content string, prefixes []string) (string, bool) {
	sorted := append([]string(nil), prefixes...)
	sort.SliceStable(
		sorted, func(i, j int) bool {
			return len(sorted[i]) > len(sorted[j])
		},
	)
	for _, p := range sorted {
		if p != "" && strings.HasPrefix(content, p) {
			return p, true
		}
	}
	return "", false
}

// handleCommand parses and runs a prefix command from m, if it is one.
// Returns true if a command was found.
func (b *Bot) handleCommand(ctx context.Context, m *discordgo.Message) bool {
	ctx, logger := b.getLogger(ctx)

	prefix, ok := matchPrefix(m.Content, b.commandPrefixes(m.GuildID))
	if !ok {
		return false
	}
	cmd, args := b.commands.find(splitArgs(strings.TrimPrefix(m.Content, prefix)))
	if cmd == nil {
		logger.DebugContext(ctx, "command not found", messageLogAttrs(m)...)
		return false
	}

	logger = logger.With("command", cmd.qualifiedName(), "user_id", m.Author.ID)
	c := &commandContext{
		bot:     b,
		message: m,
		command: cmd,
		prefix:  prefix,
		args:    args,
		logger:  logger,
	}
	ctx = WithLogger(ctx, logger)

	if err := b.invoke(ctx, c); err != nil {
		b.handleCommandError(ctx, c, err)
	}
	return true
}

func (b *Bot) invoke(ctx context.Context, c *commandContext) error {
	cmd := c.command
	if cmd.guildOnly && c.guildID() == "" {
		return c.send("That command is not available in DMs.")
	}
	if !b.hasPermission(ctx, c.guildID(), c.member(), c.author(), cmd.permission) {
		return errCheckFailure
	}
	if wait := b.takeCooldown(cmd, c.author().ID); wait > 0 {
		return c.sendf(
			"This command is on cooldown. Try again in %.2fs",
			wait.Seconds(),
		)
	}

	c.logger.InfoContext(ctx, "running command", "args", c.args)
	if cmd.run == nil {
		return c.send(b.commandHelp(cmd, c.prefix))
	}
	return cmd.run(ctx, c)
}

func (b *Bot) handleCommandError(ctx context.Context, c *commandContext, err error) {
	switch {
	case errors.Is(err, errCheckFailure):
		c.logger.InfoContext(ctx, "caller lacks permission", "permission", c.command.permission)
	case errors.Is(err, errUsage):
		b.resetCooldown(c.command, c.author().ID)
		if sendErr := c.send(b.commandHelp(c.command, c.prefix)); sendErr != nil {
			c.logger.ErrorContext(ctx, "error sending usage", tint.Err(sendErr))
		}
	default:
		c.logger.ErrorContext(ctx, "error in command", tint.Err(err))
		msg := fmt.Sprintf(
			"`Error in command '%s'. Check your console or logs for details.`",
			c.command.qualifiedName(),
		)
		if sendErr := c.send(msg); sendErr != nil {
			c.logger.ErrorContext(ctx, "error sending error message", tint.Err(sendErr))
		}
	}
}

// commandHelp renders the usage of cmd, and its subcommands if any.
func (b *Bot) commandHelp(cmd *command, prefix string) string {
	var sb strings.Builder
	sb.WriteString(prefix + cmd.qualifiedName())
	if cmd.usage != "" {
		sb.WriteString(" " + cmd.usage)
	}
	if cmd.help != "" {
		sb.WriteString("\n\n" + cmd.help)
	}
	if len(cmd.subcommands) > 0 {
		sb.WriteString("\n\nCommands:")
		for _, sub := range cmd.subcommands {
			fmt.Fprintf(&sb, "\n  %-12s %s", sub.name, firstLine(sub.help))
		}
	}
	return codeBlock(sb.String(), "")
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// takeCooldown consumes the user's token for cmd, returning how long they
// must wait if none is available.
func (b *Bot) takeCooldown(cmd *command, userID string) time.Duration {
	if cmd.cooldown <= 0 {
		return 0
	}
	key := cmd.qualifiedName() + ":" + userID

	b.cooldownMu.Lock()
	defer b.cooldownMu.Unlock()

	limiter, ok := b.commands.cooldowns[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(cmd.cooldown), 1)
		b.commands.cooldowns[key] = limiter
	}
	r := limiter.Reserve()
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return d
	}
	return 0
}

func (b *Bot) resetCooldown(cmd *command, userID string) {
	if cmd.cooldown <= 0 {
		return
	}
	b.cooldownMu.Lock()
	defer b.cooldownMu.Unlock()
	delete(b.commands.cooldowns, cmd.qualifiedName()+":"+userID)
}

// hasPermission checks whether the user meets perm in the given guild.
// The bot owner passes every check.
func (b *Bot) hasPermission(
	ctx context.Context,
	guildID string,
	member *discordgo.Member,
	user *discordgo.User,
	perm permission,
) bool {
	if perm == permEveryone {
		return true
	}
	if user != nil && b.IsOwner(user.ID) {
		return true
	}
	if perm == permBotOwner || guildID == "" || member == nil {
		return false
	}
	if b.isGuildOwner(ctx, guildID, user) {
		return true
	}
	switch perm {
	case permMod:
		return b.IsMod(guildID, member)
	case permAdmin:
		return b.IsAdmin(guildID, member)
	default:
		return false
	}
}

func (b *Bot) isGuildOwner(ctx context.Context, guildID string, user *discordgo.User) bool {
	if user == nil {
		return false
	}
	g, err := b.session.Guild(guildID)
	if err != nil {
		_, logger := b.getLogger(ctx)
		logger.WarnContext(ctx, "error getting guild", tint.Err(err), "guild_id", guildID)
		return false
	}
	return g.OwnerID == user.ID
}

// isModOrSuperior reports whether member is the bot owner, the guild
// owner, or holds the admin or mod role.
func (b *Bot) isModOrSuperior(ctx context.Context, guildID string, member *discordgo.Member) bool {
	if member == nil {
		return false
	}
	return b.hasPermission(ctx, guildID, member, member.User, permMod)
}
