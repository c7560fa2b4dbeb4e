package thebotvanished

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTweetTime = "Wed Oct 10 20:19:24 +0000 2018"

func testTweet(id string, userID string, text string) Tweet {
	return Tweet{
		ID:        id,
		CreatedAt: testTweetTime,
		FullText:  text,
		User: TwitterUser{
			ID:              userID,
			Name:            "The Vanished",
			ScreenName:      "vanished",
			ProfileImageURL: "https://pbs.twimg.com/profile.png",
		},
	}
}

func TestTweets_ConcurrentAdds(t *testing.T) {
	b, _, _ := newTestBot(t)
	ctx := context.Background()

	expected := map[string][]string{}
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		keyword := fmt.Sprintf("kw%d", i)
		id := strconv.Itoa(700 + i)
		expected[keyword] = []string{id}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			b.handleCommand(ctx, guildMessage(testOwnerID, "!tweet add "+keyword+" "+id+" about "+keyword))
		}()
	}
	close(start)
	wg.Wait()

	keywords, err := b.tweets.Keywords(testGuildID)
	require.NoError(t, err)
	assert.Equal(t, expected, keywords)

	desc, err := b.tweets.descriptions(testGuildID)
	require.NoError(t, err)
	assert.Len(t, desc, 10)
	assert.Equal(t, "about kw3", desc["kw3"])
}

func TestTweets_AddListRemove(t *testing.T) {
	b, session, twitter := newTestBot(t)
	ctx := context.Background()
	tweet := testTweet("111", "55", "hello")
	twitter.statuses["111"] = &tweet

	b.handleCommand(ctx, guildMessage(testOwnerID, "!tweet add news 111 Latest news"))
	b.handleCommand(ctx, guildMessage(testOwnerID, "!tweet add news 112 ignored"))
	b.handleCommand(ctx, guildMessage(testOwnerID, "!tweet add faq 113"))

	keywords, err := b.tweets.Keywords(testGuildID)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"news": {"111", "112"}, "faq": {"113"}}, keywords)

	cached, ok := b.tweets.cached("111")
	require.True(t, ok)
	assert.Equal(t, "hello", cached.FullText)
	_, ok = b.tweets.cached("112")
	assert.False(t, ok, "missing tweets aren't cached")

	b.handleCommand(ctx, guildMessage("1", "!tweet list"))
	assert.Equal(
		t,
		"```\nKeyword             Description\nfaq                 \nnews                Latest news\n```",
		session.lastSent(t).Content,
	)

	b.handleCommand(ctx, guildMessage(testOwnerID, "!tweet remove news 999"))
	assert.Equal(t, "No ID associated with this keyword", session.lastSent(t).Content)

	b.handleCommand(ctx, guildMessage(testOwnerID, "!tweet remove nope"))
	assert.Equal(t, "No such keyword in tweets list", session.lastSent(t).Content)

	b.handleCommand(ctx, guildMessage(testOwnerID, "!tweet remove news 111"))
	keywords, err = b.tweets.Keywords(testGuildID)
	require.NoError(t, err)
	assert.Equal(t, []string{"112"}, keywords["news"])
	_, ok = b.tweets.cached("111")
	assert.False(t, ok)

	// removing the last ID drops the keyword and its description
	b.handleCommand(ctx, guildMessage(testOwnerID, "!tweet remove news 112"))
	b.handleCommand(ctx, guildMessage(testOwnerID, "!tweet remove faq"))
	keywords, err = b.tweets.Keywords(testGuildID)
	require.NoError(t, err)
	assert.Empty(t, keywords)
	desc, err := b.tweets.descriptions(testGuildID)
	require.NoError(t, err)
	assert.Empty(t, desc)
}

func TestTweets_AddRequiresMod(t *testing.T) {
	b, _, _ := newTestBot(t)

	b.handleCommand(context.Background(), guildMessage("1", "!tweet add news 111"))

	keywords, err := b.tweets.Keywords(testGuildID)
	require.NoError(t, err)
	assert.Empty(t, keywords)
}

func TestTweets_PostKeywordEmbed(t *testing.T) {
	b, session, twitter := newTestBot(t)
	ctx := context.Background()
	first := testTweet("111", "55", "Q&amp;A tonight")
	second := testTweet("112", "55", "see you there")
	twitter.statuses["111"] = &first
	twitter.statuses["112"] = &second
	b.handleCommand(ctx, guildMessage(testOwnerID, "!tweet add qa 111"))
	b.handleCommand(ctx, guildMessage(testOwnerID, "!tweet add qa 112"))

	b.handleCommand(ctx, guildMessage("1", "!tweet post qa"))

	sent := session.sentMessages()
	require.Len(t, sent, 2)
	require.Len(t, sent[0].Embeds, 1)
	embed := sent[0].Embeds[0]
	assert.Equal(t, "Q&A tonight", embed.Description)
	assert.Equal(t, "The Vanished", embed.Title)
	assert.Equal(t, "https://twitter.com/vanished/status/111", embed.URL)
	assert.Equal(t, DefaultColor, embed.Color)
	assert.Equal(t, "2018-10-10T20:19:24Z", embed.Timestamp)
	assert.Equal(t, "https://twitter.com/vanished", embed.Author.URL)
	assert.Equal(t, "see you there", sent[1].Embeds[0].Description)
}

func TestTweets_PostKeywordPlain(t *testing.T) {
	b, session, twitter := newTestBot(t)
	ctx := context.Background()
	tweet := testTweet("111", "55", "hello &lt;world&gt;")
	twitter.statuses["111"] = &tweet
	b.handleCommand(ctx, guildMessage(testOwnerID, "!tweet add hi 111"))
	require.NoError(t, b.core.Set(Guild(testGuildID), "embeds", false))

	b.handleCommand(ctx, guildMessage("1", "!tweet post hi"))

	msg := session.lastSent(t)
	assert.Empty(t, msg.Embeds)
	assert.Equal(
		t,
		"**The Vanished** (@vanished): hello <world>\n<https://twitter.com/vanished/status/111>",
		msg.Content,
	)
}

func TestTweets_PostAccount(t *testing.T) {
	b, session, twitter := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.core.Set(Global(), "embeds", false))
	twitter.users["vanished"] = &TwitterUser{ID: "55", ScreenName: "vanished"}
	for _, id := range []string{"1", "2", "3"} {
		twitter.pushTweet(testTweet(id, "55", "tweet "+id))
	}

	b.handleCommand(ctx, guildMessage(testOwnerID, "!tweet adduser vanished vanished"))
	accounts, err := b.tweets.Accounts(testGuildID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"vanished": "55"}, accounts)

	// each post comes from a different user, posts have a cooldown
	b.handleCommand(ctx, guildMessage("1", "!tweet post vanished"))
	assert.Contains(t, session.lastSent(t).Content, "tweet 3")

	b.handleCommand(ctx, guildMessage("2", "!tweet post vanished 2"))
	assert.Contains(t, session.lastSent(t).Content, "tweet 2")

	b.handleCommand(ctx, guildMessage("3", "!tweet post vanished two"))
	assert.Equal(t, "You must type a number after account name", session.lastSent(t).Content)

	b.handleCommand(ctx, guildMessage("4", "!tweet post vanished 21"))
	assert.Equal(t, "You can access only last 20 tweets", session.lastSent(t).Content)

	b.handleCommand(ctx, guildMessage("5", "!tweet post vanished 4"))
	assert.Equal(t, "No such tweet", session.lastSent(t).Content)

	b.setTwitter(nil)
	b.handleCommand(ctx, guildMessage("6", "!tweet post vanished"))
	assert.Equal(t, "Twitter credentials are not configured.", session.lastSent(t).Content)
}

func TestTweets_PostUnknown(t *testing.T) {
	b, session, _ := newTestBot(t)
	ctx := context.Background()
	want := "Could not find account or keywords nothing here.\nPlease check keyword and account list."

	b.handleCommand(ctx, guildMessage("1", "!tweet post nothing here"))
	assert.Equal(t, want, session.lastSent(t).Content)

	// misses don't count against the cooldown
	b.handleCommand(ctx, guildMessage("1", "!tweet post nothing here"))
	assert.Equal(t, want, session.lastSent(t).Content)
}

func TestTweets_Accounts(t *testing.T) {
	b, session, twitter := newTestBot(t)
	ctx := context.Background()
	twitter.users["55"] = &TwitterUser{ID: "55"}
	twitter.users["66"] = &TwitterUser{ID: "66"}

	b.handleCommand(ctx, guildMessage(testOwnerID, "!tweet adduser zeta 55"))
	b.handleCommand(ctx, guildMessage(testOwnerID, "!tweet adduser alpha 66"))
	b.handleCommand(ctx, guildMessage("1", "!tweet accounts"))
	assert.Equal(t, "```\nFollowing accounts:\nalpha\nzeta\n```", session.lastSent(t).Content)

	b.handleCommand(ctx, guildMessage(testOwnerID, "!tweet adduser ghost nobody"))
	assert.Equal(t, "Could not find twitter user nobody", session.lastSent(t).Content)

	b.handleCommand(ctx, guildMessage(testOwnerID, "!tweet removeuser zeta"))
	b.handleCommand(ctx, guildMessage(testOwnerID, "!tweet removeuser zeta"))
	assert.Equal(t, "Could not find account zeta", session.lastSent(t).Content)

	accounts, err := b.tweets.Accounts(testGuildID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alpha": "66"}, accounts)

	b.setTwitter(nil)
	b.handleCommand(ctx, guildMessage(testOwnerID, "!tweet adduser beta 77"))
	assert.Equal(t, "Twitter credentials are not configured.", session.lastSent(t).Content)
}

func TestTweets_SetAuth(t *testing.T) {
	b, session, _ := newTestBot(t)
	ctx := context.Background()
	b.setTwitter(nil)

	b.handleCommand(ctx, guildMessage("800", "!auth key secret token tokensecret"))
	assert.Empty(t, session.sentMessages(), "only the bot owner sets credentials")

	b.handleCommand(ctx, guildMessage(testOwnerID, "!auth key secret"))
	assert.Contains(t, session.lastSent(t).Content, "!auth <consumer key>")

	b.handleCommand(ctx, guildMessage(testOwnerID, "!auth key secret token tokensecret"))
	assert.Equal(t, "Twitter credentials set.", session.lastSent(t).Content)

	creds, err := b.tweets.Credentials()
	require.NoError(t, err)
	assert.Equal(
		t,
		TwitterCredentials{
			ConsumerKey:       "key",
			ConsumerSecret:    "secret",
			AccessToken:       "token",
			AccessTokenSecret: "tokensecret",
		},
		creds,
	)
	assert.IsType(t, &TwitterAPI{}, b.Twitter())

	raw, err := b.tweets.conf.Get(Global(), "auth__consumer_key")
	require.NoError(t, err)
	assert.Equal(t, "key", raw)
}

func TestTweets_LoadCache(t *testing.T) {
	b, _, twitter := newTestBot(t)
	ctx := context.Background()
	tweet := testTweet("111", "55", "hello")
	twitter.statuses["111"] = &tweet

	require.NoError(
		t,
		b.tweets.conf.Set(Guild("1"), "tweets", map[string][]string{"a": {"111"}}),
	)
	require.NoError(
		t,
		b.tweets.conf.Set(Guild("2"), "tweets", map[string][]string{"b": {"222"}}),
	)

	require.NoError(t, b.tweets.loadCache(ctx))
	assert.Equal(t, 1, b.tweets.cacheLen())

	b.setTwitter(nil)
	assert.ErrorIs(t, b.tweets.loadCache(ctx), ErrTwitterUnauthorized)
}

func TestTweetEmbeds_Media(t *testing.T) {
	b, _, _ := newTestBot(t)
	require.NoError(t, b.core.Set(Global(), "color", 0x1da1f2))

	tweet := testTweet("111", "55", "short")
	tweet.ExtendedTweet = &ExtendedTweet{
		FullText: "the long version",
		Entities: TweetEntities{
			Media: []TweetMedia{
				{Type: "photo", MediaURLHTTPS: "https://pbs.twimg.com/a.jpg"},
				{Type: "video", MediaURLHTTPS: "https://pbs.twimg.com/thumb.jpg"},
				{Type: "photo", MediaURLHTTPS: "https://pbs.twimg.com/b.jpg"},
			},
		},
	}

	embeds := b.tweetEmbeds(&tweet)
	require.Len(t, embeds, 2)
	assert.Equal(t, "the long version _tweet has a video_", embeds[0].Description)
	assert.Equal(t, &discordgo.MessageEmbedImage{URL: "https://pbs.twimg.com/a.jpg"}, embeds[0].Image)
	assert.Equal(t, &discordgo.MessageEmbedImage{URL: "https://pbs.twimg.com/b.jpg"}, embeds[1].Image)
	assert.Empty(t, embeds[1].Description)
	for _, e := range embeds {
		assert.Equal(t, 0x1da1f2, e.Color)
		assert.Equal(t, "Tweet created on", e.Footer.Text)
	}
}
