package domain

import (
	"encoding/json"
	"fmt"
)

// Wire names of the fields the broker reads or writes. Everything else in a
// task record is carried through untouched.
const (
	fieldUserID  = "userId"
	fieldGraphID = "graphId"
	fieldJobID   = "jobId"
	fieldTaskID  = "taskId"
)

// Task is one unit of analyst compute work. The broker only understands the
// addressing fields; the rest of the record is kept as raw JSON in Extra.
type Task struct {
	UserID  string
	GraphID string
	JobID   string
	// TaskID is assigned by the broker at enqueue time.
	TaskID int

	Extra map[string]json.RawMessage
}

// UnmarshalJSON decodes the addressing fields and keeps the remainder opaque.
func (t *Task) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("task must be a JSON object")
	}

	*t = Task{}
	strs := map[string]*string{
		fieldUserID:  &t.UserID,
		fieldGraphID: &t.GraphID,
		fieldJobID:   &t.JobID,
	}
	for key, dst := range strs {
		v, ok := raw[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		delete(raw, key)
	}
	if v, ok := raw[fieldTaskID]; ok {
		if err := json.Unmarshal(v, &t.TaskID); err != nil {
			return fmt.Errorf("decode %s: %w", fieldTaskID, err)
		}
		delete(raw, fieldTaskID)
	}
	if len(raw) > 0 {
		t.Extra = raw
	}
	return nil
}

// MarshalJSON merges the addressing fields back into the opaque remainder.
func (t Task) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(t.Extra)+4)
	for k, v := range t.Extra {
		out[k] = v
	}
	out[fieldUserID] = t.UserID
	out[fieldGraphID] = t.GraphID
	out[fieldJobID] = t.JobID
	out[fieldTaskID] = t.TaskID
	return json.Marshal(out)
}

// DecodeTasks decodes an ordered batch of task records.
func DecodeTasks(data []byte) ([]Task, error) {
	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	return tasks, nil
}

// EncodeTasks encodes an ordered batch of task records.
func EncodeTasks(tasks []Task) ([]byte, error) {
	if tasks == nil {
		tasks = []Task{}
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return nil, fmt.Errorf("encode tasks: %w", err)
	}
	return data, nil
}
