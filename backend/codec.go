package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"todosync/internal/utils"
)

// EncodeRecords renders the wire shape shared by the file-based providers:
// a single JSON array of task records.
func EncodeRecords(records []Task) ([]byte, error) {
	if records == nil {
		records = []Task{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding records: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeRecords parses the wire shape. An empty document decodes to an empty
// set; records without an id or with duplicate ids are rejected.
func DecodeRecords(source string, data []byte) ([]Task, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return []Task{}, nil
	}

	var records []Task
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, utils.ErrMalformed(source, err)
	}
	if records == nil {
		return []Task{}, nil
	}

	seen := make(map[string]bool, len(records))
	for i, r := range records {
		if r.ID == "" {
			return nil, utils.ErrMalformed(source, fmt.Errorf("record %d has no id", i))
		}
		if seen[r.ID] {
			return nil, utils.ErrMalformed(source, errors.New("duplicate id "+r.ID))
		}
		seen[r.ID] = true
	}
	return records, nil
}
