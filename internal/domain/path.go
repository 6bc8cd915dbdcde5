package domain

import (
	"strconv"
	"strings"
)

// NoTaskID marks a QueuePath that does not address a single task.
const NoTaskID = -1

// QueuePath addresses a queue scope: /{queueType}/{userId}/{graphId}/{jobId}/{taskId}.
// Any suffix may be omitted; omitted string segments are empty and an omitted
// or non-numeric task id is NoTaskID. QueuePath is comparable with ==.
type QueuePath struct {
	QueueType string
	UserID    string
	GraphID   string
	JobID     string
	TaskID    int
}

// ParseQueuePath never fails. A trailing empty segment is ignored.
func ParseQueuePath(uri string) QueuePath {
	p := QueuePath{TaskID: NoTaskID}

	uri = strings.TrimPrefix(uri, "/")
	if uri == "" {
		return p
	}
	parts := strings.Split(uri, "/")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}

	fields := []*string{&p.QueueType, &p.UserID, &p.GraphID, &p.JobID}
	for i, part := range parts {
		if i < len(fields) {
			*fields[i] = part
			continue
		}
		if i == len(fields) {
			if id, err := strconv.Atoi(part); err == nil && id >= 0 {
				p.TaskID = id
			}
		}
		break
	}
	return p
}

// HasTask reports whether the path addresses a single task.
func (p QueuePath) HasTask() bool {
	return p.TaskID != NoTaskID
}

// String renders the path back to its slash-delimited form, stopping at the
// first unset segment.
func (p QueuePath) String() string {
	var b strings.Builder
	for _, s := range []string{p.QueueType, p.UserID, p.GraphID, p.JobID} {
		if s == "" {
			return b.String()
		}
		b.WriteByte('/')
		b.WriteString(s)
	}
	if p.HasTask() {
		b.WriteByte('/')
		b.WriteString(strconv.Itoa(p.TaskID))
	}
	return b.String()
}
