package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"gitcord"
)

// Handler receives forum events.
// *gitcord.Service implements it.
type Handler interface {
	OnThreadCreate(context.Context, gitcord.ChatThread) error
	OnMessageCreate(context.Context, gitcord.ChatMessage) error
	OnMessageDelete(context.Context, gitcord.ChatMessage) error
	OnThreadUpdate(context.Context, gitcord.ChatThread) error
	OnThreadDelete(context.Context, gitcord.ChatThread) error
}

// eventTimeout bounds the handling of one gateway event.
const eventTimeout = 2 * time.Minute

// Attach registers gateway handlers that forward forum events to h.
// Discordgo runs each handler call in its own goroutine.
func (c *Client) Attach(h Handler) {
	c.Session.AddHandler(func(_ *discordgo.Session, ev *discordgo.ThreadCreate) {
		c.handle("thread.create", func(ctx context.Context) error {
			return h.OnThreadCreate(ctx, threadFromChannel(ev.Channel, c.selfID()))
		})
	})

	c.Session.AddHandler(func(_ *discordgo.Session, ev *discordgo.ThreadUpdate) {
		c.handle("thread.update", func(ctx context.Context) error {
			return h.OnThreadUpdate(ctx, threadFromChannel(ev.Channel, c.selfID()))
		})
	})

	c.Session.AddHandler(func(_ *discordgo.Session, ev *discordgo.ThreadDelete) {
		c.handle("thread.delete", func(ctx context.Context) error {
			return h.OnThreadDelete(ctx, threadFromChannel(ev.Channel, c.selfID()))
		})
	})

	c.Session.AddHandler(func(_ *discordgo.Session, ev *discordgo.MessageCreate) {
		c.handle("message.create", func(ctx context.Context) error {
			msg, ok := c.chatMessage(ctx, ev.Message)
			if !ok {
				return nil
			}
			return h.OnMessageCreate(ctx, msg)
		})
	})

	c.Session.AddHandler(func(_ *discordgo.Session, ev *discordgo.MessageDelete) {
		c.handle("message.delete", func(ctx context.Context) error {
			msg := gitcord.ChatMessage{ID: ev.ID, ThreadID: ev.ChannelID}
			if th, err := c.Session.State.Channel(ev.ChannelID); err == nil {
				if !th.IsThread() {
					return nil
				}
				msg.ParentID = th.ParentID
			}
			return h.OnMessageDelete(ctx, msg)
		})
	})
}

func (c *Client) handle(event string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		c.logger().Error("Handling Discord event", "event", event, "err", err)
	}
}

// chatMessage converts a gateway message.
// It reports false for messages outside threads.
func (c *Client) chatMessage(ctx context.Context, m *discordgo.Message) (gitcord.ChatMessage, bool) {
	th, err := c.thread(ctx, m.ChannelID)
	if err != nil {
		c.logger().Warn("Looking up message channel", "channel", m.ChannelID, "err", err)
		return gitcord.ChatMessage{}, false
	}
	if !th.IsThread() {
		return gitcord.ChatMessage{}, false
	}

	msg := gitcord.ChatMessage{
		ID:         m.ID,
		ThreadID:   m.ChannelID,
		ParentID:   th.ParentID,
		ThreadName: th.Name,
		Content:    m.ContentWithMentionsReplaced(),
		URL:        fmt.Sprintf("https://discord.com/channels/%s/%s/%s", th.GuildID, m.ChannelID, m.ID),
	}
	if m.Author != nil {
		msg.AuthorName = m.Author.GlobalName
		if msg.AuthorName == "" {
			msg.AuthorName = m.Author.Username
		}
		msg.FromSelf = m.Author.ID == c.selfID()
	}
	if m.Member != nil && m.Member.Nick != "" {
		msg.AuthorName = m.Member.Nick
	}
	if m.WebhookID != "" && c.ownWebhook(m.WebhookID) {
		msg.FromSelf = true
	}
	for _, a := range m.Attachments {
		msg.Attachments = append(msg.Attachments, a.URL)
	}
	return msg, true
}

func (c *Client) thread(ctx context.Context, id string) (*discordgo.Channel, error) {
	if c.Session.State != nil {
		if ch, err := c.Session.State.Channel(id); err == nil {
			return ch, nil
		}
	}
	ch, err := c.Session.Channel(id, discordgo.WithContext(ctx))
	return ch, mapErr(err, "getting channel %s", id)
}
