// Package gmailx wraps the Gmail API for watch registration, history
// deltas, and draft handling.
package gmailx

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/jetsmx/opsrelay/internal/normalize"
	"github.com/jetsmx/opsrelay/pkg/models"
)

// Client operates on one mailbox.
type Client struct {
	svc  *gmail.Service
	user string
}

// NewClient builds a Gmail client for the given mailbox. A service account
// cannot open a user mailbox directly, so when both a credentials file and
// a user email are given the client authenticates through domain-wide
// delegation, impersonating that user.
func NewClient(ctx context.Context, credentialsFile, userEmail string) (*Client, error) {
	opts := []option.ClientOption{
		option.WithScopes(gmail.GmailModifyScope),
	}
	if credentialsFile != "" && userEmail != "" {
		data, err := os.ReadFile(credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read credentials file: %w", err)
		}
		jwt, err := google.JWTConfigFromJSON(data, gmail.GmailModifyScope)
		if err != nil {
			return nil, fmt.Errorf("parse service account credentials: %w", err)
		}
		jwt.Subject = userEmail
		opts = append(opts, option.WithTokenSource(jwt.TokenSource(ctx)))
	} else if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("init gmail client: %w", err)
	}
	return &Client{svc: svc, user: "me"}, nil
}

// Watch registers push notifications for the mailbox to a Pub/Sub topic.
func (c *Client) Watch(ctx context.Context, topic string, labelIDs []string) (historyID uint64, expiresAt time.Time, err error) {
	req := &gmail.WatchRequest{
		TopicName: topic,
		LabelIds:  labelIDs,
	}
	resp, err := c.svc.Users.Watch(c.user, req).Context(ctx).Do()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("users.watch: %w", err)
	}
	return resp.HistoryId, time.UnixMilli(resp.Expiration), nil
}

// Stop tears down the mailbox watch.
func (c *Client) Stop(ctx context.Context) error {
	if err := c.svc.Users.Stop(c.user).Context(ctx).Do(); err != nil {
		return fmt.Errorf("users.stop: %w", err)
	}
	return nil
}

// History returns the messages added since startID, paging through the
// full delta.
func (c *Client) History(ctx context.Context, startID uint64) ([]normalize.MessageRef, error) {
	var refs []normalize.MessageRef
	call := c.svc.Users.History.List(c.user).
		StartHistoryId(startID).
		HistoryTypes("messageAdded").
		Context(ctx)
	err := call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		for _, h := range page.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil {
					continue
				}
				refs = append(refs, normalize.MessageRef{
					MessageID: added.Message.Id,
					ThreadID:  added.Message.ThreadId,
					LabelIDs:  added.Message.LabelIds,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("users.history.list since %d: %w", startID, err)
	}
	return refs, nil
}

// CreateDraft stores an RFC 2822 message as a draft and returns its id.
func (c *Client) CreateDraft(ctx context.Context, raw []byte, threadID string) (string, error) {
	draft := &gmail.Draft{
		Message: &gmail.Message{
			Raw:      base64.URLEncoding.EncodeToString(raw),
			ThreadId: threadID,
		},
	}
	created, err := c.svc.Users.Drafts.Create(c.user, draft).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("users.drafts.create: %w", err)
	}
	return created.Id, nil
}

// SendDraft sends a previously created draft and returns the thread id of
// the sent message so replies can be tracked.
func (c *Client) SendDraft(ctx context.Context, draftID string) (string, error) {
	msg, err := c.svc.Users.Drafts.Send(c.user, &gmail.Draft{Id: draftID}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("users.drafts.send %s: %w", draftID, err)
	}
	return msg.ThreadId, nil
}

// ── Registrar provider ──────────────────────────────────────

// WatchProvider re-registers the mailbox watch for the registrar. Gmail has
// no extend call, so Refresh is another Watch.
type WatchProvider struct {
	client *Client
	topic  string
	labels []string
}

func NewWatchProvider(client *Client, topic string, labels []string) *WatchProvider {
	return &WatchProvider{client: client, topic: topic, labels: labels}
}

// Find always reports no existing registration: Gmail exposes no way to
// list watches. Gmail keeps at most one watch per mailbox and a new Watch
// replaces it, so a blind re-create cannot accumulate duplicates either.
func (p *WatchProvider) Find(ctx context.Context) (*models.Subscription, error) {
	return nil, nil
}

func (p *WatchProvider) Create(ctx context.Context) (*models.Subscription, error) {
	historyID, expiresAt, err := p.client.Watch(ctx, p.topic, p.labels)
	if err != nil {
		return nil, err
	}
	return &models.Subscription{
		ResourceType: models.ResourceGmailWatch,
		ExternalID:   fmt.Sprintf("%d", historyID),
		ExpiresAt:    expiresAt,
		UpdatedAt:    time.Now().UTC(),
	}, nil
}

func (p *WatchProvider) Refresh(ctx context.Context, _ *models.Subscription) (*models.Subscription, error) {
	// Stop first so the replacement watch starts from a clean slate. A stop
	// failure is not fatal; Watch overwrites the registration anyway.
	if err := p.client.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("gmail watch stop before re-register failed")
	}
	return p.Create(ctx)
}
