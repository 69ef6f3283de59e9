// Package chatx posts messages and interactive cards to Google Chat
// spaces.
package chatx

import (
	"context"
	"fmt"

	chat "google.golang.org/api/chat/v1"
	"google.golang.org/api/option"
)

type Client struct {
	svc *chat.Service
}

func NewClient(ctx context.Context, credentialsFile string) (*Client, error) {
	opts := []option.ClientOption{
		option.WithScopes("https://www.googleapis.com/auth/chat.bot"),
	}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	svc, err := chat.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("init chat client: %w", err)
	}
	return &Client{svc: svc}, nil
}

// PostText posts a plain text message to a space.
func (c *Client) PostText(ctx context.Context, space, text string) error {
	msg := &chat.Message{Text: text}
	if _, err := c.svc.Spaces.Messages.Create(space, msg).Context(ctx).Do(); err != nil {
		return fmt.Errorf("post text to %s: %w", space, err)
	}
	return nil
}

// PostCard posts a simple titled card. Satisfies notify.CardPoster.
func (c *Client) PostCard(ctx context.Context, space, title, text string) error {
	msg := &chat.Message{
		CardsV2: []*chat.CardWithId{{
			CardId: "opsrelay-alert",
			Card: &chat.GoogleAppsCardV1Card{
				Header: &chat.GoogleAppsCardV1CardHeader{Title: title},
				Sections: []*chat.GoogleAppsCardV1Section{{
					Widgets: []*chat.GoogleAppsCardV1Widget{{
						TextParagraph: &chat.GoogleAppsCardV1TextParagraph{Text: text},
					}},
				}},
			},
		}},
	}
	if _, err := c.svc.Spaces.Messages.Create(space, msg).Context(ctx).Do(); err != nil {
		return fmt.Errorf("post card to %s: %w", space, err)
	}
	return nil
}

// PostApprovalCard posts the outreach review card. The approve button fires
// a card interaction with the record and draft ids as action parameters.
func (c *Client) PostApprovalCard(ctx context.Context, space, candidate, recordID, draftID, preview string) error {
	params := []*chat.GoogleAppsCardV1ActionParameter{
		{Key: "record_id", Value: recordID},
		{Key: "draft_id", Value: draftID},
	}
	msg := &chat.Message{
		CardsV2: []*chat.CardWithId{{
			CardId: "outreach-approval",
			Card: &chat.GoogleAppsCardV1Card{
				Header: &chat.GoogleAppsCardV1CardHeader{
					Title:    "Outreach draft ready",
					Subtitle: candidate,
				},
				Sections: []*chat.GoogleAppsCardV1Section{{
					Widgets: []*chat.GoogleAppsCardV1Widget{
						{
							TextParagraph: &chat.GoogleAppsCardV1TextParagraph{Text: preview},
						},
						{
							ButtonList: &chat.GoogleAppsCardV1ButtonList{
								Buttons: []*chat.GoogleAppsCardV1Button{
									{
										Text: "Approve & send",
										OnClick: &chat.GoogleAppsCardV1OnClick{
											Action: &chat.GoogleAppsCardV1Action{
												Function:   "approve_outreach",
												Parameters: params,
											},
										},
									},
									{
										Text: "Discard",
										OnClick: &chat.GoogleAppsCardV1OnClick{
											Action: &chat.GoogleAppsCardV1Action{
												Function:   "discard_outreach",
												Parameters: params,
											},
										},
									},
								},
							},
						},
					},
				}},
			},
		}},
	}
	if _, err := c.svc.Spaces.Messages.Create(space, msg).Context(ctx).Do(); err != nil {
		return fmt.Errorf("post approval card to %s: %w", space, err)
	}
	return nil
}
