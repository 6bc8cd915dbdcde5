package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseQueuePath_FullTask(t *testing.T) {
	p := ParseQueuePath("/analyst/userA/graphX/jobY/42")

	assert.Equal(t, QueuePath{
		QueueType: "analyst",
		UserID:    "userA",
		GraphID:   "graphX",
		JobID:     "jobY",
		TaskID:    42,
	}, p)
	assert.True(t, p.HasTask())
}

func TestParseQueuePath_GraphScope(t *testing.T) {
	p := ParseQueuePath("/analyst/userA/graphX")

	assert.Equal(t, "graphX", p.GraphID)
	assert.Empty(t, p.JobID)
	assert.Equal(t, NoTaskID, p.TaskID)
	assert.False(t, p.HasTask())
}

func TestParseQueuePath_Tolerant(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want QueuePath
	}{
		{"empty", "", QueuePath{TaskID: NoTaskID}},
		{"root", "/", QueuePath{TaskID: NoTaskID}},
		{"trailing slash", "/jobs/u/g/", QueuePath{QueueType: "jobs", UserID: "u", GraphID: "g", TaskID: NoTaskID}},
		{"bad task id", "/jobs/u/g/j/abc", QueuePath{QueueType: "jobs", UserID: "u", GraphID: "g", JobID: "j", TaskID: NoTaskID}},
		{"negative task id", "/jobs/u/g/j/-3", QueuePath{QueueType: "jobs", UserID: "u", GraphID: "g", JobID: "j", TaskID: NoTaskID}},
		{"extra segments", "/jobs/u/g/j/7/extra", QueuePath{QueueType: "jobs", UserID: "u", GraphID: "g", JobID: "j", TaskID: 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseQueuePath(tt.in))
		})
	}
}

func TestQueuePath_StructuralEquality(t *testing.T) {
	a := ParseQueuePath("/jobs/u/g/j/1")
	b := ParseQueuePath("/jobs/u/g/j/1/")
	assert.True(t, a == b)

	seen := map[QueuePath]bool{a: true}
	assert.True(t, seen[b])
}

func TestQueuePath_String(t *testing.T) {
	assert.Equal(t, "/jobs/u/g/j/9", ParseQueuePath("/jobs/u/g/j/9").String())
	assert.Equal(t, "/jobs/u/g", ParseQueuePath("/jobs/u/g").String())
}
