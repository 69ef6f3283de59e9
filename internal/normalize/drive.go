package normalize

import (
	"context"
	"encoding/json"

	"github.com/jetsmx/opsrelay/pkg/models"
)

type driveChange struct {
	FileID        string   `json:"fileId"`
	Name          string   `json:"name"`
	MimeType      string   `json:"mimeType"`
	Parents       []string `json:"parents"`
	ResourceState string   `json:"resourceState"`
}

// Drive is a pass-through: the change payload already names a single file,
// so one delivery maps to one Event. Resource is the parent folder so rules
// can scope themselves to a watched folder.
func (n *Normalizer) Drive(ctx context.Context, body []byte) ([]models.Event, error) {
	var change driveChange
	if err := json.Unmarshal(body, &change); err != nil {
		return nil, malformed(models.SourceDrive, "invalid change JSON", err)
	}
	if change.FileID == "" {
		return nil, malformed(models.SourceDrive, "missing fileId", nil)
	}

	ev := newEvent(models.SourceDrive, body)
	ev.RecordID = change.FileID
	if len(change.Parents) > 0 {
		ev.Resource = change.Parents[0]
	}
	ev.CurrentValues = map[string]any{
		"name":           change.Name,
		"mime_type":      change.MimeType,
		"resource_state": change.ResourceState,
	}
	return []models.Event{ev}, nil
}
