package thebotvanished

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	TwitterNamespace = "Twitter"

	tweetPostCooldown = 15 * time.Second
	tweetListCooldown = 30 * time.Second
)

var (
	twitterGlobalDefaults = map[string]any{
		"auth__consumer_key":        nil,
		"auth__consumer_secret":     nil,
		"auth__access_token":        nil,
		"auth__access_token_secret": nil,
	}
	twitterGuildDefaults = map[string]any{
		"tweets":       map[string]any{},
		"descriptions": map[string]any{},
		"accounts":     map[string]any{},
	}
)

// Tweets lets guilds save key tweets under keywords, follow accounts and
// post their recent tweets on request.
type Tweets struct {
	bot    *Bot
	conf   *Store
	logger *slog.Logger

	// status ID -> cached tweet, for keyword tweets
	cache   map[string]*Tweet
	cacheMu sync.RWMutex
}

func newTweets(ctx context.Context, b *Bot) (*Tweets, error) {
	conf, err := b.stores.Namespace(ctx, TwitterNamespace)
	if err != nil {
		return nil, err
	}
	if err = conf.Register(ScopeGlobal, twitterGlobalDefaults); err != nil {
		return nil, fmt.Errorf("error registering global defaults: %w", err)
	}
	if err = conf.Register(ScopeGuild, twitterGuildDefaults); err != nil {
		return nil, fmt.Errorf("error registering guild defaults: %w", err)
	}
	return &Tweets{
		bot:    b,
		conf:   conf,
		logger: b.logger.With(loggerNameKey, "tweets"),
		cache:  map[string]*Tweet{},
	}, nil
}

// Credentials returns the stored twitter application keys.
func (t *Tweets) Credentials() (TwitterCredentials, error) {
	var creds TwitterCredentials
	err := t.conf.Decode(Global(), "auth", &creds)
	return creds, err
}

// Keywords returns the keyword -> status IDs map of a guild.
func (t *Tweets) Keywords(guildID string) (map[string][]string, error) {
	keywords := map[string][]string{}
	err := t.conf.Decode(Guild(guildID), "tweets", &keywords)
	return keywords, err
}

func (t *Tweets) descriptions(guildID string) (map[string]string, error) {
	desc := map[string]string{}
	err := t.conf.Decode(Guild(guildID), "descriptions", &desc)
	return desc, err
}

// Accounts returns the name -> twitter user ID map of a guild.
func (t *Tweets) Accounts(guildID string) (map[string]string, error) {
	accounts := map[string]string{}
	err := t.conf.Decode(Guild(guildID), "accounts", &accounts)
	return accounts, err
}

// loadCache fetches every keyword tweet of every guild. Tweets which no
// longer exist are skipped.
func (t *Tweets) loadCache(ctx context.Context) error {
	client := t.bot.Twitter()
	if client == nil {
		return ErrTwitterUnauthorized
	}
	guilds, err := t.conf.All(ScopeGuild)
	if err != nil {
		return err
	}

	var ids []string
	for _, data := range guilds {
		keywords := map[string][]string{}
		if err = decodeValue(data["tweets"], &keywords); err != nil {
			return err
		}
		for _, statuses := range keywords {
			ids = append(ids, statuses...)
		}
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err = t.updateCache(ctx, id); err != nil {
			t.logger.WarnContext(ctx, "error caching tweet", tint.Err(err), "status_id", id)
		}
	}
	t.logger.InfoContext(ctx, "loaded tweet cache", "count", t.cacheLen())
	return nil
}

func (t *Tweets) updateCache(ctx context.Context, id string) error {
	client := t.bot.Twitter()
	if client == nil {
		return ErrTwitterUnauthorized
	}
	tweet, err := client.Status(ctx, id)
	if err != nil {
		return err
	}
	t.cacheMu.Lock()
	t.cache[id] = tweet
	t.cacheMu.Unlock()
	return nil
}

func (t *Tweets) uncache(ids ...string) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	for _, id := range ids {
		delete(t.cache, id)
	}
}

func (t *Tweets) cached(id string) (*Tweet, bool) {
	t.cacheMu.RLock()
	defer t.cacheMu.RUnlock()
	tweet, ok := t.cache[id]
	return tweet, ok
}

func (t *Tweets) cacheLen() int {
	t.cacheMu.RLock()
	defer t.cacheMu.RUnlock()
	return len(t.cache)
}

func (t *Tweets) commands() []*command {
	return []*command{
		{
			name:      "tweet",
			help:      "Commands to post or update key tweets/followed accounts.",
			guildOnly: true,
			subcommands: []*command{
				{
					name:     "post",
					usage:    "<keyword | account [n]>",
					help:     "Post one of key tweets or one of the last tweets from followed accounts.",
					cooldown: tweetPostCooldown,
					run:      t.post,
				},
				{
					name:       "add",
					usage:      "<keyword> <id> [description]",
					help:       "Adds new key tweet to the list.",
					permission: permMod,
					run:        t.add,
				},
				{
					name:       "remove",
					usage:      "<keyword> [id]",
					help:       "Remove key tweet or tweet from the list.",
					permission: permMod,
					run:        t.remove,
				},
				{
					name:     "list",
					help:     "Lists keyword with short descriptions.",
					cooldown: tweetListCooldown,
					run:      t.list,
				},
				{
					name:     "accounts",
					help:     "Lists followed accounts.",
					cooldown: tweetListCooldown,
					run:      t.listAccounts,
				},
				{
					name:       "adduser",
					usage:      "<name> <user id | screen name>",
					help:       "Adds new account to follow list.",
					permission: permMod,
					run:        t.addAccount,
				},
				{
					name:       "removeuser",
					usage:      "<name>",
					help:       "Remove account from follow list.",
					permission: permMod,
					run:        t.removeAccount,
				},
			},
		},
		{
			name:       "auth",
			usage:      "<consumer key> <consumer secret> <access token> <access token secret>",
			help:       "Adds twitter authentication keys to the bot.",
			permission: permBotOwner,
			run:        t.setAuth,
		},
	}
}

func (t *Tweets) post(ctx context.Context, c *commandContext) error {
	content := c.rest(0)
	if content == "" {
		return errUsage
	}
	keywords, err := t.Keywords(c.guildID())
	if err != nil {
		return err
	}
	if ids, ok := keywords[content]; ok {
		return t.postKeyword(ctx, c, ids)
	}
	accounts, err := t.Accounts(c.guildID())
	if err != nil {
		return err
	}
	if _, ok := accounts[c.args[0]]; ok {
		return t.postAccount(ctx, c, accounts[c.args[0]])
	}

	c.resetCooldown()
	return c.sendf(
		"Could not find account or keywords %s.\nPlease check keyword and account list.",
		content,
	)
}

func (t *Tweets) postKeyword(ctx context.Context, c *commandContext, ids []string) error {
	for _, id := range ids {
		tweet, ok := t.cached(id)
		if !ok {
			if err := t.updateCache(ctx, id); err != nil {
				c.logger.WarnContext(ctx, "error fetching tweet", tint.Err(err), "status_id", id)
				continue
			}
			tweet, _ = t.cached(id)
		}
		if err := t.bot.sendTweet(c.guildID(), c.channelID(), c.author().ID, "", tweet); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tweets) postAccount(ctx context.Context, c *commandContext, userID string) error {
	index := 1
	if len(c.args) > 1 {
		i, err := strconv.Atoi(c.args[1])
		if err != nil {
			return c.send("You must type a number after account name")
		}
		if i < 1 || i > timelineMaxTweets {
			return c.sendf("You can access only last %d tweets", timelineMaxTweets)
		}
		index = i
	}

	client := t.bot.Twitter()
	if client == nil {
		return c.send("Twitter credentials are not configured.")
	}
	tweets, err := client.UserTimeline(ctx, userID, "", timelineMaxTweets)
	if err != nil {
		c.logger.ErrorContext(ctx, "error reading timeline", tint.Err(err), "twitter_user_id", userID)
		return c.sendf("Unexpected error %s", err)
	}
	if index > len(tweets) {
		return c.send("No such tweet")
	}
	return t.bot.sendTweet(c.guildID(), c.channelID(), c.author().ID, "", &tweets[index-1])
}

func (t *Tweets) add(ctx context.Context, c *commandContext) error {
	if len(c.args) < 2 {
		return errUsage
	}
	keyword, id, description := c.args[0], c.args[1], c.rest(2)
	guild := Guild(c.guildID())

	err := UpdateValue(
		t.conf, guild, "tweets", func(keywords *map[string][]string) error {
			if containsString((*keywords)[keyword], id) {
				return ErrSkipUpdate
			}
			if *keywords == nil {
				*keywords = map[string][]string{}
			}
			(*keywords)[keyword] = append((*keywords)[keyword], id)
			return nil
		},
	)
	if err != nil {
		return err
	}
	err = UpdateValue(
		t.conf, guild, "descriptions", func(desc *map[string]string) error {
			if _, ok := (*desc)[keyword]; ok {
				return ErrSkipUpdate
			}
			if *desc == nil {
				*desc = map[string]string{}
			}
			(*desc)[keyword] = description
			return nil
		},
	)
	if err != nil {
		return err
	}
	if err = t.updateCache(ctx, id); err != nil {
		c.logger.WarnContext(ctx, "error caching tweet", tint.Err(err), "status_id", id)
	}
	return nil
}

func (t *Tweets) remove(_ context.Context, c *commandContext) error {
	if len(c.args) == 0 {
		return errUsage
	}
	keyword := c.args[0]
	var id string
	if len(c.args) > 1 {
		id = c.args[1]
	}
	guild := Guild(c.guildID())

	var (
		reply       string
		removed     []string
		keywordGone bool
	)
	err := UpdateValue(
		t.conf, guild, "tweets", func(keywords *map[string][]string) error {
			ids, ok := (*keywords)[keyword]
			if !ok {
				reply = "No such keyword in tweets list"
				return ErrSkipUpdate
			}
			if id == "" {
				removed = ids
				keywordGone = true
				delete(*keywords, keyword)
				return nil
			}
			if !containsString(ids, id) {
				reply = "No ID associated with this keyword"
				return ErrSkipUpdate
			}
			kept := make([]string, 0, len(ids))
			for _, v := range ids {
				if v != id {
					kept = append(kept, v)
				}
			}
			removed = []string{id}
			if len(kept) == 0 {
				keywordGone = true
				delete(*keywords, keyword)
			} else {
				(*keywords)[keyword] = kept
			}
			return nil
		},
	)
	if err != nil {
		return err
	}
	if reply != "" {
		return c.send(reply)
	}
	t.uncache(removed...)
	if !keywordGone {
		return nil
	}
	return UpdateValue(
		t.conf, guild, "descriptions", func(desc *map[string]string) error {
			if _, ok := (*desc)[keyword]; !ok {
				return ErrSkipUpdate
			}
			delete(*desc, keyword)
			return nil
		},
	)
}

func (t *Tweets) list(_ context.Context, c *commandContext) error {
	desc, err := t.descriptions(c.guildID())
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(desc))
	for k := range desc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%-20s%s\n", "Keyword", "Description")
	for _, k := range keys {
		fmt.Fprintf(&sb, "%-20s%s\n", k, desc[k])
	}
	return c.send(codeBlock(strings.TrimSuffix(sb.String(), "\n"), ""))
}

func (t *Tweets) listAccounts(_ context.Context, c *commandContext) error {
	accounts, err := t.Accounts(c.guildID())
	if err != nil {
		return err
	}
	names := make([]string, 0, len(accounts))
	for name := range accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return c.send(codeBlock("Following accounts:\n"+strings.Join(names, "\n"), ""))
}

func (t *Tweets) addAccount(ctx context.Context, c *commandContext) error {
	if len(c.args) < 2 {
		return errUsage
	}
	name, user := c.args[0], c.args[1]

	client := t.bot.Twitter()
	if client == nil {
		return c.send("Twitter credentials are not configured.")
	}
	account, err := client.LookupUser(ctx, user)
	if err != nil {
		if errors.Is(err, ErrTwitterNotFound) {
			return c.sendf("Could not find twitter user %s", user)
		}
		return err
	}

	return UpdateValue(
		t.conf, Guild(c.guildID()), "accounts", func(accounts *map[string]string) error {
			if *accounts == nil {
				*accounts = map[string]string{}
			}
			(*accounts)[name] = account.ID
			return nil
		},
	)
}

func (t *Tweets) removeAccount(_ context.Context, c *commandContext) error {
	if len(c.args) == 0 {
		return errUsage
	}
	name := c.args[0]
	found := true
	err := UpdateValue(
		t.conf, Guild(c.guildID()), "accounts", func(accounts *map[string]string) error {
			if _, ok := (*accounts)[name]; !ok {
				found = false
				return ErrSkipUpdate
			}
			delete(*accounts, name)
			return nil
		},
	)
	if err != nil {
		return err
	}
	if !found {
		return c.sendf("Could not find account %s", name)
	}
	return nil
}

func (t *Tweets) setAuth(ctx context.Context, c *commandContext) error {
	if len(c.args) != 4 {
		return errUsage
	}
	creds := TwitterCredentials{
		ConsumerKey:       c.args[0],
		ConsumerSecret:    c.args[1],
		AccessToken:       c.args[2],
		AccessTokenSecret: c.args[3],
	}
	if err := t.conf.Set(Global(), "auth", creds); err != nil {
		return err
	}
	if err := t.bot.initTwitter(ctx); err != nil {
		return c.sendf("Saved credentials, but the twitter client failed: %s", err)
	}
	return c.send("Twitter credentials set.")
}

// sendTweet posts a tweet to a channel, as an embed if one is requested
// for the channel, with optional leading content.
func (b *Bot) sendTweet(guildID string, channelID string, userID string, content string, tweet *Tweet) error {
	if tweet == nil {
		return nil
	}
	if !b.EmbedRequested(guildID, userID) {
		text, _ := tweet.Content()
		msg := strings.TrimSpace(
			fmt.Sprintf("%s\n**%s** (@%s): %s\n<%s>", content, tweet.User.Name, tweet.User.ScreenName, html.UnescapeString(text), tweet.URL()),
		)
		_, err := b.session.ChannelMessageSend(channelID, msg)
		return err
	}
	_, err := b.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Content: content,
			Embeds:  b.tweetEmbeds(tweet),
		},
	)
	return err
}

// tweetEmbeds renders a tweet as one embed, plus one more for each
// additional image.
func (b *Bot) tweetEmbeds(tweet *Tweet) []*discordgo.MessageEmbed {
	color := DefaultColor
	if err := b.core.Decode(Global(), "color", &color); err != nil {
		b.logger.Error("error reading color", tint.Err(err))
	}

	text, entities := tweet.Content()
	var images []string
	for _, media := range entities.Media {
		if media.Type == "video" {
			text += " _tweet has a video_"
			continue
		}
		images = append(images, media.MediaURLHTTPS)
	}

	var timestamp string
	if created := tweet.Created(); !created.IsZero() {
		timestamp = created.Format(time.RFC3339)
	}
	author := &discordgo.MessageEmbedAuthor{
		Name:    tweet.User.Name,
		URL:     "https://twitter.com/" + tweet.User.ScreenName,
		IconURL: tweet.User.ProfileImageURL,
	}
	footer := &discordgo.MessageEmbedFooter{Text: "Tweet created on"}

	embeds := []*discordgo.MessageEmbed{
		{
			Type:        discordgo.EmbedTypeRich,
			Title:       tweet.User.Name,
			Description: html.UnescapeString(text),
			URL:         tweet.URL(),
			Color:       color,
			Author:      author,
			Footer:      footer,
			Timestamp:   timestamp,
		},
	}
	for i, img := range images {
		if i == 0 {
			embeds[0].Image = &discordgo.MessageEmbedImage{URL: img}
			continue
		}
		embeds = append(
			embeds, &discordgo.MessageEmbed{
				Type:      discordgo.EmbedTypeRich,
				Title:     tweet.User.Name,
				URL:       tweet.URL(),
				Color:     color,
				Author:    author,
				Footer:    footer,
				Timestamp: timestamp,
				Image:     &discordgo.MessageEmbedImage{URL: img},
			},
		)
	}
	return embeds
}
