package notify

import (
	"context"
)

// CardPoster posts a card message to a Chat space. Implemented by the
// chatx client; a fake in tests.
type CardPoster interface {
	PostCard(ctx context.Context, space, title, text string) error
}

// ChatDriver posts alerts as card messages to a Google Chat space.
type ChatDriver struct {
	poster CardPoster
	space  string
}

func NewChatDriver(poster CardPoster, space string) *ChatDriver {
	return &ChatDriver{poster: poster, space: space}
}

func (d *ChatDriver) Name() string { return "chat" }

func (d *ChatDriver) Send(ctx context.Context, alert Alert) error {
	return d.poster.PostCard(ctx, d.space, alert.Title, alert.Text)
}
