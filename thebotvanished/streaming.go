package thebotvanished

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

const (
	StreamingNamespace = "Streaming"

	// streamRetryInterval is how long the relay waits before reopening a
	// stream that ended on its own
	streamRetryInterval = 30 * time.Second
)

var streamingGuildDefaults = map[string]any{
	"phrases":  []string{},
	"channels": map[string]any{},
}

// StreamChannel is the relay configuration of one discord channel.
type StreamChannel struct {
	// Followed holds the twitter user IDs relayed to the channel
	Followed []string `json:"followed"`

	// MentionRole is the ID of a role to mention with each tweet
	MentionRole string `json:"mention_role"`
}

// Streaming relays new tweets of followed accounts to discord channels.
type Streaming struct {
	bot    *Bot
	conf   *Store
	source TweetSource
	logger *slog.Logger

	// restartCh is signaled when the followed accounts change
	restartCh chan struct{}

	// roleToggleDelay separates role edits from the mention sent between
	// them
	roleToggleDelay time.Duration
}

func newStreaming(ctx context.Context, b *Bot, source TweetSource) (*Streaming, error) {
	conf, err := b.stores.Namespace(ctx, StreamingNamespace)
	if err != nil {
		return nil, err
	}
	if err = conf.Register(ScopeGuild, streamingGuildDefaults); err != nil {
		return nil, fmt.Errorf("error registering guild defaults: %w", err)
	}
	return &Streaming{
		bot:             b,
		conf:            conf,
		source:          source,
		logger:          b.logger.With(loggerNameKey, "streaming"),
		restartCh:       make(chan struct{}, 1),
		roleToggleDelay: 2 * time.Second,
	}, nil
}

// Channels returns the stream configuration of every channel in a guild.
func (s *Streaming) Channels(guildID string) (map[string]StreamChannel, error) {
	channels := map[string]StreamChannel{}
	err := s.conf.Decode(Guild(guildID), "channels", &channels)
	return channels, err
}

// updateChannel applies fn to one channel's stream configuration in a
// single store update. found reports whether the channel had one stored.
// The stream is restarted only if something was written.
func (s *Streaming) updateChannel(
	guildID string,
	channelID string,
	fn func(ch *StreamChannel, found bool) error,
) error {
	changed := false
	err := UpdateValue(
		s.conf, Guild(guildID), "channels", func(channels *map[string]StreamChannel) error {
			if *channels == nil {
				*channels = map[string]StreamChannel{}
			}
			ch, found := (*channels)[channelID]
			if err := fn(&ch, found); err != nil {
				return err
			}
			(*channels)[channelID] = ch
			changed = true
			return nil
		},
	)
	if err != nil {
		return err
	}
	if changed {
		s.restart()
	}
	return nil
}

// restart asks Run to reopen the stream with the current followed accounts
func (s *Streaming) restart() {
	select {
	case s.restartCh <- struct{}{}:
	default:
	}
}

// route is a channel a tweet should be relayed to.
type route struct {
	guildID     string
	channelID   string
	mentionRole string
}

// routes returns every followed twitter user ID, and the channels each
// one's tweets go to.
func (s *Streaming) routes() (map[string][]route, error) {
	guilds, err := s.conf.All(ScopeGuild)
	if err != nil {
		return nil, err
	}
	rv := map[string][]route{}
	for guildID, data := range guilds {
		channels := map[string]StreamChannel{}
		if err = decodeValue(data["channels"], &channels); err != nil {
			return nil, fmt.Errorf("guild %s: %w", guildID, err)
		}
		for channelID, ch := range channels {
			for _, userID := range ch.Followed {
				rv[userID] = append(
					rv[userID], route{
						guildID:     guildID,
						channelID:   channelID,
						mentionRole: ch.MentionRole,
					},
				)
			}
		}
	}
	return rv, nil
}

// Run relays tweets until ctx is done, reopening the stream whenever the
// followed accounts change.
func (s *Streaming) Run(ctx context.Context) error {
	for {
		streamCtx, cancel := context.WithCancel(ctx)
		tweets := s.open(streamCtx)

		var retry <-chan time.Time
	relay:
		for {
			select {
			case <-ctx.Done():
				cancel()
				return nil
			case <-s.restartCh:
				s.logger.InfoContext(ctx, "followed accounts changed, restarting stream")
				break relay
			case <-retry:
				break relay
			case tweet, ok := <-tweets:
				if !ok {
					tweets = nil
					retry = time.After(streamRetryInterval)
					continue
				}
				s.Relay(ctx, tweet)
			}
		}
		cancel()
	}
}

// open starts a stream of the currently followed accounts. Returns nil
// (which blocks forever in a select) if nothing is followed.
func (s *Streaming) open(ctx context.Context) <-chan Tweet {
	if s.source == nil {
		return nil
	}
	routes, err := s.routes()
	if err != nil {
		s.logger.ErrorContext(ctx, "error reading stream routes", tint.Err(err))
		return nil
	}
	follow := make([]string, 0, len(routes))
	for userID := range routes {
		follow = append(follow, userID)
	}
	if len(follow) == 0 {
		s.logger.InfoContext(ctx, "no followed accounts, stream idle")
		return nil
	}
	sort.Strings(follow)

	tweets, err := s.source.Stream(ctx, follow)
	if err != nil {
		s.logger.ErrorContext(ctx, "error opening stream", tint.Err(err))
		return nil
	}
	s.logger.InfoContext(ctx, "stream opened", "following", len(follow))
	return tweets
}

// Relay sends tweet to every channel following its author. Retweets are
// skipped. Returns the IDs of the channels the tweet was sent to.
func (s *Streaming) Relay(ctx context.Context, tweet Tweet) []string {
	if tweet.IsRetweet() {
		return nil
	}
	routes, err := s.routes()
	if err != nil {
		s.logger.ErrorContext(ctx, "error reading stream routes", tint.Err(err))
		return nil
	}

	var sent []string
	for _, r := range routes[tweet.User.ID] {
		logger := s.logger.With(
			"guild_id", r.guildID,
			"channel_id", r.channelID,
			"status_id", tweet.ID,
		)
		if err = s.relayTo(ctx, r, tweet); err != nil {
			logger.ErrorContext(ctx, "error relaying tweet", tint.Err(err))
			continue
		}
		logger.DebugContext(ctx, "relayed tweet")
		sent = append(sent, r.channelID)
	}
	return sent
}

func (s *Streaming) relayTo(ctx context.Context, r route, tweet Tweet) error {
	if r.mentionRole == "" {
		return s.bot.sendTweet(r.guildID, r.channelID, "", "", &tweet)
	}
	content := s.mentionContent(r.guildID, r.mentionRole)
	return s.bot.sendMentioningRole(
		ctx, r.guildID, r.mentionRole, func() error {
			s.sleep(ctx)
			err := s.bot.sendTweet(r.guildID, r.channelID, "", content, &tweet)
			s.sleep(ctx)
			return err
		},
	)
}

// mentionContent picks a random phrase of the guild, with `{}` (or `{0}`)
// replaced by the role ID, as in "<@&{}> new tweet!". Without phrases, or
// if the phrase doesn't mention the role, the mention is prepended.
func (s *Streaming) mentionContent(guildID string, roleID string) string {
	mention := "<@&" + roleID + ">"
	var phrases []string
	if err := s.conf.Decode(Guild(guildID), "phrases", &phrases); err != nil {
		s.logger.Error("error reading phrases", tint.Err(err), "guild_id", guildID)
	}
	if len(phrases) == 0 {
		return mention
	}
	phrase := phrases[rand.Intn(len(phrases))]
	phrase = strings.NewReplacer("{0}", roleID, "{}", roleID).Replace(phrase)
	if !strings.Contains(phrase, mention) {
		phrase = mention + " " + phrase
	}
	return phrase
}

func (s *Streaming) sleep(ctx context.Context) {
	if s.roleToggleDelay <= 0 {
		return
	}
	t := time.NewTimer(s.roleToggleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (s *Streaming) commands() []*command {
	return []*command{
		{
			name:       "stream",
			help:       "Allows to control twitter streaming manually.",
			guildOnly:  true,
			permission: permMod,
			subcommands: []*command{
				{
					name:  "follow",
					usage: "<twitter user id>",
					help:  "Adds new account to the stream of this channel.",
					run:   s.follow,
				},
				{
					name:  "unfollow",
					usage: "<twitter user id | all>",
					help:  "Removes an account from the stream of this channel.",
					run:   s.unfollow,
				},
				{
					name:  "mention",
					usage: "<role>",
					help:  "Adds role to mention when new tweet comes.",
					run:   s.mention,
				},
				{
					name:  "phrase",
					usage: "<text with {} for the role>",
					help:  "Adds a phrase to pick from when mentioning the role.",
					run:   s.addPhrase,
				},
			},
		},
	}
}

func (s *Streaming) follow(_ context.Context, c *commandContext) error {
	if len(c.args) == 0 {
		return errUsage
	}
	id := c.args[0]
	if !isSnowflake(id) {
		return c.send("Twitter user IDs are numeric.")
	}
	already := false
	err := s.updateChannel(
		c.guildID(), c.channelID(), func(ch *StreamChannel, _ bool) error {
			if containsString(ch.Followed, id) {
				already = true
				return ErrSkipUpdate
			}
			ch.Followed = append(ch.Followed, id)
			return nil
		},
	)
	if err != nil {
		return err
	}
	if already {
		return c.send("Already following ID")
	}
	return nil
}

func (s *Streaming) unfollow(_ context.Context, c *commandContext) error {
	if len(c.args) == 0 {
		return errUsage
	}
	id := c.args[0]
	return s.updateChannel(
		c.guildID(), c.channelID(), func(ch *StreamChannel, found bool) error {
			if !found {
				return ErrSkipUpdate
			}
			if id == "all" {
				ch.Followed = []string{}
				return nil
			}
			if !containsString(ch.Followed, id) {
				return ErrSkipUpdate
			}
			kept := make([]string, 0, len(ch.Followed))
			for _, v := range ch.Followed {
				if v != id {
					kept = append(kept, v)
				}
			}
			ch.Followed = kept
			return nil
		},
	)
}

func (s *Streaming) mention(_ context.Context, c *commandContext) error {
	name := c.rest(0)
	if name == "" {
		return errUsage
	}
	role, err := resolveRole(s.bot.session, c.guildID(), name)
	if err != nil {
		return err
	}
	if role == nil {
		return c.sendf("Could not find %s role.", name)
	}
	return s.updateChannel(
		c.guildID(), c.channelID(), func(ch *StreamChannel, _ bool) error {
			if ch.Followed == nil {
				ch.Followed = []string{}
			}
			ch.MentionRole = role.ID
			return nil
		},
	)
}

func (s *Streaming) addPhrase(_ context.Context, c *commandContext) error {
	phrase := c.rest(0)
	if phrase == "" {
		return errUsage
	}
	return UpdateValue(
		s.conf, Guild(c.guildID()), "phrases", func(phrases *[]string) error {
			if containsString(*phrases, phrase) {
				return ErrSkipUpdate
			}
			*phrases = append(*phrases, phrase)
			return nil
		},
	)
}
