package normalize

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/jetsmx/opsrelay/pkg/models"
)

// Airtable webhook bodies batch changes per table and per record. One HTTP
// delivery therefore fans out into one Event per affected record.

type airtablePayload struct {
	BaseID            string                         `json:"baseId"`
	WebhookID         string                         `json:"webhookId"`
	Timestamp         string                         `json:"timestamp"`
	ChangedTablesByID map[string]airtableTableChange `json:"changedTablesById"`
}

type airtableTableChange struct {
	ChangedRecordsByID map[string]airtableRecordChange `json:"changedRecordsById"`
	CreatedRecordsByID map[string]airtableCellValues   `json:"createdRecordsById"`
	DestroyedRecordIDs []string                        `json:"destroyedRecordIds"`
}

type airtableRecordChange struct {
	Current  airtableCellValues `json:"current"`
	Previous airtableCellValues `json:"previous"`
}

type airtableCellValues struct {
	CellValuesByFieldID map[string]any `json:"cellValuesByFieldId"`
}

// Airtable converts one webhook delivery into one Event per affected record.
// Field and table ids are resolved to display names through the schema
// resolver; a failed lookup keeps the raw id so a single stale schema entry
// cannot poison the rest of the batch.
func (n *Normalizer) Airtable(ctx context.Context, body []byte) ([]models.Event, error) {
	var payload airtablePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, malformed(models.SourceAirtable, "invalid JSON body", err)
	}
	if len(payload.ChangedTablesByID) == 0 {
		return nil, malformed(models.SourceAirtable, "no changedTablesById", nil)
	}

	var events []models.Event
	for _, tableID := range sortedKeys(payload.ChangedTablesByID) {
		change := payload.ChangedTablesByID[tableID]
		tableName := n.tableName(ctx, tableID)

		for _, recordID := range sortedKeys(change.ChangedRecordsByID) {
			rec := change.ChangedRecordsByID[recordID]
			ev := newEvent(models.SourceAirtable, body)
			ev.Resource = tableName
			ev.RecordID = recordID
			ev.CurrentValues = n.namedValues(ctx, tableID, rec.Current.CellValuesByFieldID)
			ev.PreviousValues = n.namedValues(ctx, tableID, rec.Previous.CellValuesByFieldID)
			ev.ChangedFields = changedFieldNames(ev.CurrentValues, ev.PreviousValues)
			events = append(events, ev)
		}

		for _, recordID := range sortedKeys(change.CreatedRecordsByID) {
			rec := change.CreatedRecordsByID[recordID]
			ev := newEvent(models.SourceAirtable, body)
			ev.Resource = tableName
			ev.RecordID = recordID
			ev.CurrentValues = n.namedValues(ctx, tableID, rec.CellValuesByFieldID)
			events = append(events, ev)
		}

		for _, recordID := range change.DestroyedRecordIDs {
			ev := newEvent(models.SourceAirtable, body)
			ev.Resource = tableName
			ev.RecordID = recordID
			events = append(events, ev)
		}
	}

	if len(events) == 0 {
		return nil, malformed(models.SourceAirtable, "no record changes in payload", nil)
	}
	return events, nil
}

func (n *Normalizer) tableName(ctx context.Context, tableID string) string {
	if n.schema == nil {
		return tableID
	}
	name, err := n.schema.TableName(ctx, tableID)
	if err != nil {
		log.Warn().Err(err).Str("table_id", tableID).Msg("table name lookup failed, keeping raw id")
		return tableID
	}
	return name
}

// namedValues re-keys a cellValuesByFieldId map by field display name.
func (n *Normalizer) namedValues(ctx context.Context, tableID string, byFieldID map[string]any) map[string]any {
	if len(byFieldID) == 0 {
		return nil
	}
	out := make(map[string]any, len(byFieldID))
	for fieldID, val := range byFieldID {
		name := fieldID
		if n.schema != nil {
			resolved, err := n.schema.FieldName(ctx, tableID, fieldID)
			if err != nil {
				log.Warn().Err(err).Str("field_id", fieldID).Msg("field name lookup failed, keeping raw id")
			} else {
				name = resolved
			}
		}
		out[name] = val
	}
	return out
}

// changedFieldNames is the sorted union of field names present in either
// snapshot. Airtable only ships cells that actually changed, so presence
// alone marks a field as changed.
func changedFieldNames(current, previous map[string]any) []string {
	set := make(map[string]struct{}, len(current)+len(previous))
	for name := range current {
		set[name] = struct{}{}
	}
	for name := range previous {
		set[name] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
