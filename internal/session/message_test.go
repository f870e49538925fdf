// ABOUTME: Tests for timeline builder operations and message snapshots.
// ABOUTME: Append-only ordering and clone isolation.

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendContent_ExtendsLastRun(t *testing.T) {
	msg := newAssistantMessage()
	now := time.Now()

	msg.appendContent("a", now)
	msg.appendContent("b", now)
	require.Len(t, msg.Timeline, 1)
	assert.Equal(t, "ab", msg.Timeline[0].Text)

	msg.openToolCall(&ToolCall{ID: "t1", Name: "Read", Status: ToolRunning}, now)
	msg.appendContent("c", now)
	require.Len(t, msg.Timeline, 3)
	assert.Equal(t, "c", msg.Timeline[2].Text)
}

func TestUpdateToolCall_InPlace(t *testing.T) {
	msg := newAssistantMessage()
	msg.openToolCall(&ToolCall{ID: "t1", Name: "Read", Status: ToolRunning}, time.Now())

	ok := msg.updateToolCall("t1", func(c *ToolCall) {
		c.Status = ToolSuccess
		c.Result = "done"
	})
	require.True(t, ok)

	// The timeline reference resolves to the mutated call.
	ref := msg.Timeline[0]
	assert.Equal(t, ItemToolCall, ref.Kind)
	assert.Equal(t, ToolSuccess, msg.ToolCalls[ref.ToolCallID].Status)

	assert.False(t, msg.updateToolCall("missing", func(c *ToolCall) {}))
}

func TestLastRunningToolCallByName(t *testing.T) {
	msg := newAssistantMessage()
	now := time.Now()
	msg.openToolCall(&ToolCall{ID: "t1", Name: "Read", Status: ToolRunning}, now)
	msg.openToolCall(&ToolCall{ID: "t2", Name: "Read", Status: ToolRunning}, now)
	msg.openToolCall(&ToolCall{ID: "t3", Name: "Bash", Status: ToolRunning}, now)

	// Most recent running "Read" is t2.
	call := msg.lastRunningToolCallByName("Read")
	require.NotNil(t, call)
	assert.Equal(t, "t2", call.ID)

	call.Status = ToolSuccess
	call = msg.lastRunningToolCallByName("Read")
	require.NotNil(t, call)
	assert.Equal(t, "t1", call.ID)

	assert.Nil(t, msg.lastRunningToolCallByName("Write"))
}

func TestClone_IsolatedFromFurtherMutation(t *testing.T) {
	msg := newAssistantMessage()
	now := time.Now()
	msg.appendContent("hello", now)
	msg.openToolCall(&ToolCall{ID: "t1", Name: "Read", Status: ToolRunning, Parameters: map[string]any{"path": "a.go"}}, now)

	clone := msg.Clone()

	msg.appendContent(" world", now)
	msg.updateToolCall("t1", func(c *ToolCall) { c.Status = ToolSuccess })
	msg.ToolCalls["t1"].Parameters["path"] = "b.go"

	assert.Equal(t, "hello", clone.Content)
	require.Len(t, clone.Timeline, 2)
	assert.Equal(t, "hello", clone.Timeline[0].Text)
	assert.Equal(t, ToolRunning, clone.ToolCalls["t1"].Status)
	assert.Equal(t, "a.go", clone.ToolCalls["t1"].Parameters["path"])
}

func TestClone_Nil(t *testing.T) {
	var msg *Message
	assert.Nil(t, msg.Clone())
}
