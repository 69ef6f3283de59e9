package normalize

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/jetsmx/opsrelay/pkg/models"
)

// Google Chat delivers two payload shapes we care about: a MESSAGE event
// carrying a slash command, and a CARD_CLICKED event carrying an action
// method plus declared parameters.

type chatEvent struct {
	Type  string `json:"type"`
	Space struct {
		Name string `json:"name"`
	} `json:"space"`
	User struct {
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
	} `json:"user"`
	Message struct {
		Name string `json:"name"`
		Text string `json:"text"`
	} `json:"message"`
	Action struct {
		ActionMethodName string `json:"actionMethodName"`
		Parameters       []struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"parameters"`
	} `json:"action"`
}

// Chat converts a Chat app event into a single Event. For slash commands
// CurrentValues carries "command" and "args"; for card clicks it carries
// "action" plus the declared parameters, and ChangedFields lists the
// parameter keys so rules can match on them.
func (n *Normalizer) Chat(ctx context.Context, body []byte) ([]models.Event, error) {
	var ce chatEvent
	if err := json.Unmarshal(body, &ce); err != nil {
		return nil, malformed(models.SourceChat, "invalid event JSON", err)
	}
	if ce.Space.Name == "" {
		return nil, malformed(models.SourceChat, "missing space name", nil)
	}

	ev := newEvent(models.SourceChat, body)
	ev.Resource = ce.Space.Name

	switch {
	case ce.Action.ActionMethodName != "":
		ev.RecordID = ce.Message.Name
		ev.CurrentValues = map[string]any{
			"action": ce.Action.ActionMethodName,
			"user":   ce.User.Name,
		}
		for _, p := range ce.Action.Parameters {
			ev.CurrentValues[p.Key] = p.Value
			ev.ChangedFields = append(ev.ChangedFields, p.Key)
		}
		sort.Strings(ev.ChangedFields)

	case ce.Message.Text != "":
		command, args := splitCommand(ce.Message.Text)
		ev.RecordID = ce.Message.Name
		ev.CurrentValues = map[string]any{
			"command": command,
			"args":    args,
			"user":    ce.User.Name,
		}
		ev.ChangedFields = []string{"command"}

	default:
		return nil, malformed(models.SourceChat, "neither message text nor card action present", nil)
	}

	return []models.Event{ev}, nil
}

// splitCommand separates "/probe recXYZ" into the command token and the
// remaining argument string.
func splitCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	command, args, _ := strings.Cut(text, " ")
	return command, strings.TrimSpace(args)
}
