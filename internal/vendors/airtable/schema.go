package airtable

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// Schema caches the base's table and field id-to-name mapping from the meta
// API. An unknown id triggers one reload before failing, so renamed or
// newly added fields resolve without a restart.
type Schema struct {
	client *Client

	mu     sync.RWMutex
	tables map[string]tableSchema
	loaded bool
}

type tableSchema struct {
	name   string
	fields map[string]string
}

func NewSchema(client *Client) *Schema {
	return &Schema{client: client, tables: make(map[string]tableSchema)}
}

func (s *Schema) TableName(ctx context.Context, tableID string) (string, error) {
	lookup := func() (string, bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		t, ok := s.tables[tableID]
		return t.name, ok && s.loaded
	}
	if name, ok := lookup(); ok {
		return name, nil
	}
	if err := s.reload(ctx); err != nil {
		return "", err
	}
	if name, ok := lookup(); ok {
		return name, nil
	}
	return "", fmt.Errorf("table %s not in base schema", tableID)
}

func (s *Schema) FieldName(ctx context.Context, tableID, fieldID string) (string, error) {
	lookup := func() (string, bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		t, ok := s.tables[tableID]
		if !ok || !s.loaded {
			return "", false
		}
		name, ok := t.fields[fieldID]
		return name, ok
	}
	if name, ok := lookup(); ok {
		return name, nil
	}
	if err := s.reload(ctx); err != nil {
		return "", err
	}
	if name, ok := lookup(); ok {
		return name, nil
	}
	return "", fmt.Errorf("field %s not in table %s schema", fieldID, tableID)
}

func (s *Schema) reload(ctx context.Context) error {
	var out struct {
		Tables []struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Fields []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"fields"`
		} `json:"tables"`
	}
	path := fmt.Sprintf("/v0/meta/bases/%s/tables", s.client.baseID)
	if err := s.client.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return fmt.Errorf("load base schema: %w", err)
	}

	tables := make(map[string]tableSchema, len(out.Tables))
	for _, t := range out.Tables {
		fields := make(map[string]string, len(t.Fields))
		for _, f := range t.Fields {
			fields[f.ID] = f.Name
		}
		tables[t.ID] = tableSchema{name: t.Name, fields: fields}
	}

	s.mu.Lock()
	s.tables = tables
	s.loaded = true
	s.mu.Unlock()
	return nil
}
