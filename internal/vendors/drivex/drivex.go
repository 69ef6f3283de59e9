// Package drivex wraps the Drive API for changes watch channels and file
// metadata.
package drivex

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/jetsmx/opsrelay/pkg/models"
)

type Client struct {
	svc *drive.Service
}

func NewClient(ctx context.Context, credentialsFile string) (*Client, error) {
	opts := []option.ClientOption{
		option.WithScopes(drive.DriveReadonlyScope),
	}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("init drive client: %w", err)
	}
	return &Client{svc: svc}, nil
}

// StartPageToken returns the current changes cursor for a fresh watch.
func (c *Client) StartPageToken(ctx context.Context) (string, error) {
	resp, err := c.svc.Changes.GetStartPageToken().Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("changes.getStartPageToken: %w", err)
	}
	return resp.StartPageToken, nil
}

// WatchChanges opens a push channel delivering change notifications to
// address. Returns the channel id, the resource id needed to stop it, and
// its expiry.
func (c *Client) WatchChanges(ctx context.Context, pageToken, address string) (channelID, resourceID string, expiresAt time.Time, err error) {
	ch := &drive.Channel{
		Id:      uuid.NewString(),
		Type:    "web_hook",
		Address: address,
	}
	resp, err := c.svc.Changes.Watch(pageToken, ch).Context(ctx).Do()
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("changes.watch: %w", err)
	}
	return resp.Id, resp.ResourceId, time.UnixMilli(resp.Expiration), nil
}

// StopChannel tears down a push channel.
func (c *Client) StopChannel(ctx context.Context, channelID, resourceID string) error {
	ch := &drive.Channel{Id: channelID, ResourceId: resourceID}
	if err := c.svc.Channels.Stop(ch).Context(ctx).Do(); err != nil {
		return fmt.Errorf("channels.stop %s: %w", channelID, err)
	}
	return nil
}

// GetFile fetches the metadata the resume pipeline needs.
func (c *Client) GetFile(ctx context.Context, fileID string) (*drive.File, error) {
	f, err := c.svc.Files.Get(fileID).Fields("id", "name", "mimeType", "parents").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("files.get %s: %w", fileID, err)
	}
	return f, nil
}

// DownloadFile streams the file content.
func (c *Client) DownloadFile(ctx context.Context, fileID string) (io.ReadCloser, error) {
	resp, err := c.svc.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("files.get media %s: %w", fileID, err)
	}
	return resp.Body, nil
}

// ── Registrar provider ──────────────────────────────────────

// ChangesProvider keeps the Drive changes channel alive. Drive channels
// cannot be extended, so a refresh stops the old channel and opens a new
// one.
type ChangesProvider struct {
	client  *Client
	address string
}

func NewChangesProvider(client *Client, address string) *ChangesProvider {
	return &ChangesProvider{client: client, address: address}
}

// Find always reports no existing registration: the Drive API has no call
// to enumerate notification channels. An orphaned channel cannot be
// adopted, only left to expire.
func (p *ChangesProvider) Find(ctx context.Context) (*models.Subscription, error) {
	return nil, nil
}

func (p *ChangesProvider) Create(ctx context.Context) (*models.Subscription, error) {
	token, err := p.client.StartPageToken(ctx)
	if err != nil {
		return nil, err
	}
	channelID, resourceID, expiresAt, err := p.client.WatchChanges(ctx, token, p.address)
	if err != nil {
		return nil, err
	}
	return &models.Subscription{
		ResourceType: models.ResourceDriveWatch,
		ExternalID:   channelID + "/" + resourceID,
		ExpiresAt:    expiresAt,
		UpdatedAt:    time.Now().UTC(),
	}, nil
}

func (p *ChangesProvider) Refresh(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	if channelID, resourceID, ok := strings.Cut(sub.ExternalID, "/"); ok {
		// A stop failure is not fatal; the old channel expires on its own.
		_ = p.client.StopChannel(ctx, channelID, resourceID)
	}
	return p.Create(ctx)
}
