package thebotvanished

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

// timelineMaxTweets is how far back `tweet post <account> [n]` can reach.
const timelineMaxTweets = 20

var (
	ErrTwitterNotFound     = errors.New("not found on twitter")
	ErrTwitterUnauthorized = errors.New("twitter credentials not configured")
)

// tweetTimeLayout is the layout of the v1.1 `created_at` field.
const tweetTimeLayout = "Mon Jan 02 15:04:05 -0700 2006"

// Tweet is the subset of a v1.1 status object the bot relays.
type Tweet struct {
	ID              string         `json:"id_str"`
	CreatedAt       string         `json:"created_at"`
	Text            string         `json:"text,omitempty"`
	FullText        string         `json:"full_text,omitempty"`
	User            TwitterUser    `json:"user"`
	Entities        TweetEntities  `json:"entities"`
	ExtendedTweet   *ExtendedTweet `json:"extended_tweet,omitempty"`
	RetweetedStatus *Tweet         `json:"retweeted_status,omitempty"`
}

// ExtendedTweet carries the untruncated text of tweets over 140 characters.
type ExtendedTweet struct {
	FullText string        `json:"full_text"`
	Entities TweetEntities `json:"entities"`
}

type TweetEntities struct {
	Media []TweetMedia `json:"media,omitempty"`
}

type TweetMedia struct {
	Type          string `json:"type"`
	MediaURLHTTPS string `json:"media_url_https"`
}

type TwitterUser struct {
	ID              string `json:"id_str"`
	Name            string `json:"name"`
	ScreenName      string `json:"screen_name"`
	ProfileImageURL string `json:"profile_image_url_https"`
}

// IsRetweet reports whether t is a retweet of another status.
func (t Tweet) IsRetweet() bool {
	return t.RetweetedStatus != nil
}

// Content returns the full text and entities of the tweet, preferring the
// extended form.
func (t Tweet) Content() (string, TweetEntities) {
	switch {
	case t.ExtendedTweet != nil:
		return t.ExtendedTweet.FullText, t.ExtendedTweet.Entities
	case t.FullText != "":
		return t.FullText, t.Entities
	default:
		return t.Text, t.Entities
	}
}

// URL links to the tweet on twitter.com
func (t Tweet) URL() string {
	return fmt.Sprintf("https://twitter.com/%s/status/%s", t.User.ScreenName, t.ID)
}

// Created parses CreatedAt, returning the zero time if it's malformed.
func (t Tweet) Created() time.Time {
	ts, err := time.Parse(tweetTimeLayout, t.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// TwitterClient defines the twitter REST API operations used by the bot,
// to enable testing/mocking.
type TwitterClient interface {
	// Status fetches a single tweet by ID
	Status(ctx context.Context, id string) (*Tweet, error)

	// UserTimeline fetches up to count of the most recent tweets of a user,
	// newest first. If sinceID is set, only newer tweets are returned.
	UserTimeline(ctx context.Context, userID string, sinceID string, count int) ([]Tweet, error)

	// LookupUser finds a user by numeric ID or screen name
	LookupUser(ctx context.Context, user string) (*TwitterUser, error)
}

// TwitterCredentials are the application keys stored in the Twitter
// settings `auth` group.
type TwitterCredentials struct {
	ConsumerKey       string `json:"consumer_key"`
	ConsumerSecret    string `json:"consumer_secret"`
	AccessToken       string `json:"access_token"`
	AccessTokenSecret string `json:"access_token_secret"`
}

// TwitterAPI implements TwitterClient against the v1.1 REST API, with
// app-only authentication.
type TwitterAPI struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	requestLimiter *rate.Limiter
	mu             sync.RWMutex
}

// NewTwitterAPI builds a client authenticated with config.BearerToken if
// set, or else by exchanging the consumer key and secret of creds for a
// bearer token at config.TokenURL.
func NewTwitterAPI(
	ctx context.Context,
	config *TwitterConfig,
	creds TwitterCredentials,
	httpClient *http.Client,
	logger *slog.Logger,
) (*TwitterAPI, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}

	// oauth2 picks the base transport up from the context, and keeps it
	// for fetching tokens after ctx is done
	ctx = context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, httpClient)

	var client *http.Client
	switch {
	case config.BearerToken != "":
		client = oauth2.NewClient(
			ctx,
			oauth2.StaticTokenSource(
				&oauth2.Token{AccessToken: config.BearerToken, TokenType: "Bearer"},
			),
		)
	case creds.ConsumerKey != "" && creds.ConsumerSecret != "":
		cc := &clientcredentials.Config{
			ClientID:     creds.ConsumerKey,
			ClientSecret: creds.ConsumerSecret,
			TokenURL:     config.TokenURL,
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		client = cc.Client(ctx)
	default:
		return nil, ErrTwitterUnauthorized
	}
	client.Timeout = config.Timeout

	return &TwitterAPI{
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		client:  client,
		logger:  logger.With(loggerNameKey, "twitter"),
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			1,
		),
	}, nil
}

// SetRequestLimit updates the number of requests allowed per second.
func (t *TwitterAPI) SetRequestLimit(perSecond int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requestLimiter.SetLimit(rate.Limit(perSecond))
}

func (t *TwitterAPI) waitOnRequestLimiter(ctx context.Context) error {
	t.mu.RLock()
	requestLimiter := t.requestLimiter
	t.mu.RUnlock()
	return requestLimiter.Wait(ctx)
}

func (t *TwitterAPI) Status(ctx context.Context, id string) (*Tweet, error) {
	params := url.Values{}
	params.Set("id", id)
	params.Set("tweet_mode", "extended")

	var tweet Tweet
	if err := t.get(ctx, "/statuses/show.json", params, &tweet); err != nil {
		return nil, err
	}
	return &tweet, nil
}

func (t *TwitterAPI) UserTimeline(
	ctx context.Context,
	userID string,
	sinceID string,
	count int,
) ([]Tweet, error) {
	params := url.Values{}
	params.Set("user_id", userID)
	params.Set("tweet_mode", "extended")
	if count > 0 {
		params.Set("count", fmt.Sprintf("%d", count))
	}
	if sinceID != "" {
		params.Set("since_id", sinceID)
	}

	var tweets []Tweet
	if err := t.get(ctx, "/statuses/user_timeline.json", params, &tweets); err != nil {
		return nil, err
	}
	return tweets, nil
}

func (t *TwitterAPI) LookupUser(ctx context.Context, user string) (*TwitterUser, error) {
	params := url.Values{}
	if isSnowflake(user) {
		params.Set("user_id", user)
	} else {
		params.Set("screen_name", strings.TrimPrefix(user, "@"))
	}

	var u TwitterUser
	if err := t.get(ctx, "/users/show.json", params, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *TwitterAPI) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	if err := t.waitOnRequestLimiter(ctx); err != nil {
		return err
	}

	u := t.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.ErrorContext(ctx, "twitter request failed", tint.Err(err), "endpoint", endpoint)
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	t.logger.DebugContext(
		ctx,
		"twitter request",
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrTwitterNotFound, params.Encode())
	case resp.StatusCode >= http.StatusBadRequest:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf(
			"twitter API error (status %d): %s",
			resp.StatusCode,
			strings.TrimSpace(string(body)),
		)
	}

	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding twitter response: %w", err)
	}
	return nil
}

// isSnowflake reports whether s is made only of digits, like twitter and
// discord IDs.
func isSnowflake(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// TweetSource delivers tweets posted by a set of followed accounts.
type TweetSource interface {
	// Stream delivers new tweets by any of the given user IDs until ctx is
	// done, then closes the returned channel.
	Stream(ctx context.Context, follow []string) (<-chan Tweet, error)
}

// TimelinePoller is a TweetSource that polls each followed user's
// timeline for tweets newer than the last one seen.
type TimelinePoller struct {
	client   TwitterClient
	interval time.Duration
	logger   *slog.Logger
}

func NewTimelinePoller(client TwitterClient, interval time.Duration, logger *slog.Logger) *TimelinePoller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultTwitterPollInterval
	}
	return &TimelinePoller{
		client:   client,
		interval: interval,
		logger:   logger.With(loggerNameKey, "timeline_poller"),
	}
}

func (p *TimelinePoller) Stream(ctx context.Context, follow []string) (<-chan Tweet, error) {
	if len(follow) == 0 {
		return nil, errors.New("no accounts to follow")
	}
	follow = append([]string(nil), follow...)
	ch := make(chan Tweet)

	go func() {
		defer close(ch)

		// the first poll only records where each timeline starts. An empty
		// timeline starts at "", so its first tweet is delivered.
		started := time.Now()
		lastSeen := make(map[string]string, len(follow))
		for _, userID := range follow {
			tweets, err := p.client.UserTimeline(ctx, userID, "", 1)
			if err != nil {
				p.logger.WarnContext(ctx, "error reading timeline", tint.Err(err), "user_id", userID)
				continue
			}
			lastSeen[userID] = ""
			if len(tweets) > 0 {
				lastSeen[userID] = tweets[0].ID
			}
		}

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			for _, userID := range follow {
				if !p.poll(ctx, ch, userID, lastSeen, started) {
					return
				}
			}
		}
	}()
	return ch, nil
}

// poll sends new tweets of userID, oldest first. A timeline whose start
// could not be read yet only gets tweets created after started. Returns
// false once ctx is done.
func (p *TimelinePoller) poll(
	ctx context.Context,
	ch chan<- Tweet,
	userID string,
	lastSeen map[string]string,
	started time.Time,
) bool {
	tweets, err := p.client.UserTimeline(ctx, userID, lastSeen[userID], timelineMaxTweets)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.logger.WarnContext(ctx, "error polling timeline", tint.Err(err), "user_id", userID)
		return true
	}
	_, seen := lastSeen[userID]
	if len(tweets) > 0 {
		lastSeen[userID] = tweets[0].ID
	} else if !seen {
		lastSeen[userID] = ""
	}
	for i := len(tweets) - 1; i >= 0; i-- {
		if !seen && !tweets[i].Created().After(started) {
			continue
		}
		select {
		case ch <- tweets[i]:
		case <-ctx.Done():
			return false
		}
	}
	return true
}
