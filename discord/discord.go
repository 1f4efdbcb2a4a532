// Package discord implements gitcord.ChatPlatform on Discord forum channels
// and feeds Discord gateway events to a Handler.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"

	"gitcord"
)

// Threads auto-archive after a week without activity.
const autoArchiveMinutes = 10080

// DefaultWebhookName names the relay webhook created in each forum channel.
const DefaultWebhookName = "gitcord"

type Client struct {
	Session     *discordgo.Session
	WebhookName string
	Logger      *slog.Logger

	mu       sync.Mutex
	webhooks map[string]*discordgo.Webhook // by forum channel id
	own      map[string]bool               // webhook id -> created by this bot
}

var _ gitcord.ChatPlatform = &Client{}

// New creates a client for a bot token.
// The gateway connection is opened by Open.
func New(token string) (*Client, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, errors.Wrap(err, "creating Discord session")
	}
	s.Identify.Intents = discordgo.IntentGuilds | discordgo.IntentGuildMessages | discordgo.IntentMessageContent
	return &Client{Session: s}, nil
}

func (c *Client) Open() error {
	return errors.Wrap(c.Session.Open(), "opening Discord gateway")
}

func (c *Client) Close() error {
	return c.Session.Close()
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Client) webhookName() string {
	if c.WebhookName == "" {
		return DefaultWebhookName
	}
	return c.WebhookName
}

func (c *Client) selfID() string {
	if c.Session.State == nil || c.Session.State.User == nil {
		return ""
	}
	return c.Session.State.User.ID
}

// mapErr maps Discord REST errors to gitcord.ErrNotFound and gitcord.ErrRateLimited.
func mapErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var (
		re *discordgo.RESTError
		rl *discordgo.RateLimitError
	)
	switch {
	case errors.As(err, &rl):
		err = fmt.Errorf("%w: %w", gitcord.ErrRateLimited, err)
	case errors.As(err, &re) && re.Response != nil:
		switch re.Response.StatusCode {
		case http.StatusNotFound:
			err = fmt.Errorf("%w: %w", gitcord.ErrNotFound, err)
		case http.StatusTooManyRequests:
			err = fmt.Errorf("%w: %w", gitcord.ErrRateLimited, err)
		}
	}
	return errors.Wrapf(err, format, args...)
}

func (c *Client) CreateThread(ctx context.Context, channelID string, t gitcord.NewThread) (*gitcord.ChatThread, error) {
	ch, err := c.Session.ForumThreadStartComplex(channelID, &discordgo.ThreadStart{
		Name:                t.Name,
		AutoArchiveDuration: autoArchiveMinutes,
		AppliedTags:         t.AppliedTags,
	}, &discordgo.MessageSend{
		Content:         t.Content,
		AllowedMentions: noMentions(),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapErr(err, "creating thread in channel %s", channelID)
	}
	th := threadFromChannel(ch, c.selfID())
	th.StarterContent = t.Content
	return &th, nil
}

// PostMessage posts into a thread.
// With p.Username set it posts through the channel's relay webhook,
// creating the webhook on first use.
func (c *Client) PostMessage(ctx context.Context, p gitcord.ChatPost) (string, error) {
	if p.Username == "" {
		msg, err := c.Session.ChannelMessageSendComplex(p.ThreadID, &discordgo.MessageSend{
			Content:         p.Content,
			AllowedMentions: noMentions(),
		}, discordgo.WithContext(ctx))
		if err != nil {
			return "", mapErr(err, "posting to thread %s", p.ThreadID)
		}
		return msg.ID, nil
	}

	wh, err := c.webhook(ctx, p.ChannelID)
	if err != nil {
		return "", err
	}
	msg, err := c.Session.WebhookThreadExecute(wh.ID, wh.Token, true, p.ThreadID, &discordgo.WebhookParams{
		Content:         p.Content,
		Username:        p.Username,
		AvatarURL:       p.AvatarURL,
		AllowedMentions: noMentions(),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapErr(err, "relaying to thread %s", p.ThreadID)
	}
	return msg.ID, nil
}

func noMentions() *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}
}

func (c *Client) webhook(ctx context.Context, channelID string) (*discordgo.Webhook, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if wh := c.webhooks[channelID]; wh != nil {
		return wh, nil
	}

	hooks, err := c.Session.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapErr(err, "listing webhooks of channel %s", channelID)
	}
	var found *discordgo.Webhook
	for _, wh := range hooks {
		if wh.Name == c.webhookName() && wh.Token != "" {
			found = wh
			break
		}
	}
	if found == nil {
		found, err = c.Session.WebhookCreate(channelID, c.webhookName(), "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, mapErr(err, "creating webhook in channel %s", channelID)
		}
		c.logger().Info("Created relay webhook", "channel", channelID, "webhook", found.ID)
	}

	if c.webhooks == nil {
		c.webhooks = make(map[string]*discordgo.Webhook)
		c.own = make(map[string]bool)
	}
	c.webhooks[channelID] = found
	c.own[found.ID] = true
	return found, nil
}

// ownWebhook reports whether a webhook was created by this bot.
func (c *Client) ownWebhook(id string) bool {
	c.mu.Lock()
	own, known := c.own[id]
	c.mu.Unlock()
	if known {
		return own
	}

	wh, err := c.Session.Webhook(id)
	own = err == nil && wh.User != nil && wh.User.ID == c.selfID()

	c.mu.Lock()
	if c.own == nil {
		c.own = make(map[string]bool)
	}
	c.own[id] = own
	c.mu.Unlock()
	return own
}

func (c *Client) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	err := c.Session.ChannelMessageDelete(threadID, messageID, discordgo.WithContext(ctx))
	return mapErr(err, "deleting message %s", messageID)
}

func (c *Client) EditThread(ctx context.Context, threadID string, e gitcord.ThreadEdit) error {
	data := &discordgo.ChannelEdit{
		Archived:    e.Archived,
		Locked:      e.Locked,
		AppliedTags: e.AppliedTags,
	}
	if e.Name != nil {
		data.Name = *e.Name
	}
	_, err := c.Session.ChannelEdit(threadID, data, discordgo.WithContext(ctx))
	return mapErr(err, "editing thread %s", threadID)
}

func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	_, err := c.Session.ChannelDelete(threadID, discordgo.WithContext(ctx))
	return mapErr(err, "deleting thread %s", threadID)
}

func (c *Client) Tags(ctx context.Context, channelID string) ([]gitcord.Tag, error) {
	ch, err := c.Session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapErr(err, "getting channel %s", channelID)
	}
	var tags []gitcord.Tag
	for _, t := range ch.AvailableTags {
		tags = append(tags, gitcord.Tag{ID: t.ID, Name: t.Name})
	}
	return tags, nil
}

// ListThreads lists the active and archived threads of a forum channel.
func (c *Client) ListThreads(ctx context.Context, channelID string) ([]gitcord.ChatThread, error) {
	ch, err := c.Session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapErr(err, "getting channel %s", channelID)
	}

	var channels []*discordgo.Channel

	active, err := c.Session.GuildThreadsActive(ch.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapErr(err, "listing active threads of guild %s", ch.GuildID)
	}
	for _, th := range active.Threads {
		if th.ParentID == channelID {
			channels = append(channels, th)
		}
	}

	var before *time.Time
	for {
		archived, err := c.Session.ThreadsArchived(channelID, before, 100, discordgo.WithContext(ctx))
		if err != nil {
			return nil, mapErr(err, "listing archived threads of channel %s", channelID)
		}
		channels = append(channels, archived.Threads...)
		if !archived.HasMore || len(archived.Threads) == 0 {
			break
		}
		last := archived.Threads[len(archived.Threads)-1]
		if last.ThreadMetadata == nil {
			break
		}
		ts := last.ThreadMetadata.ArchiveTimestamp
		before = &ts
	}

	self := c.selfID()
	result := make([]gitcord.ChatThread, 0, len(channels))
	for _, th := range channels {
		t := threadFromChannel(th, self)
		starter, err := c.Session.ChannelMessage(th.ID, th.ID, discordgo.WithContext(ctx))
		if err == nil {
			t.StarterContent = starter.Content
		} else if err = mapErr(err, "getting starter of thread %s", th.ID); !errors.Is(err, gitcord.ErrNotFound) {
			return nil, err
		}
		result = append(result, t)
	}
	return result, nil
}

func threadFromChannel(ch *discordgo.Channel, selfID string) gitcord.ChatThread {
	t := gitcord.ChatThread{
		ID:          ch.ID,
		ParentID:    ch.ParentID,
		Name:        ch.Name,
		AppliedTags: ch.AppliedTags,
		URL:         fmt.Sprintf("https://discord.com/channels/%s/%s", ch.GuildID, ch.ID),
		FromSelf:    selfID != "" && ch.OwnerID == selfID,
	}
	if md := ch.ThreadMetadata; md != nil {
		t.Archived, t.Locked = md.Archived, md.Locked
	}
	return t
}
