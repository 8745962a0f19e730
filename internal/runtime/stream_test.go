package runtime

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamDecoder_EventShapes(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"message_update","assistantMessageEvent":{"type":"text_delta","delta":"hel"}}`,
		`{"type":"message_update","assistantMessageEvent":{"type":"text_delta","delta":"lo"}}`,
		`{"type":"tool_execution_start","toolName":"bash","args":{"cmd":"ls"},"id":"t1"}`,
		`{"type":"agent_end"}`,
	}, "\n")

	d := NewStreamDecoder(strings.NewReader(input))

	ev, raw, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Contains(t, raw, "text_delta", "raw line accompanies decoded events")
	assert.Equal(t, "hel", ev.TextDelta())

	ev, _, err = d.Next()
	require.NoError(t, err)
	assert.Equal(t, "lo", ev.TextDelta())

	ev, _, err = d.Next()
	require.NoError(t, err)
	assert.Equal(t, EventToolExecutionStart, ev.Type)
	assert.Equal(t, "bash", ev.ToolName)
	assert.Equal(t, "t1", ev.ID)
	assert.Empty(t, ev.TextDelta())

	ev, _, err = d.Next()
	require.NoError(t, err)
	assert.Equal(t, EventAgentEnd, ev.Type)

	_, _, err = d.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamDecoder_NonJSONLines(t *testing.T) {
	input := "plain progress text\n{\"type\":\"agent_end\"}\n"
	d := NewStreamDecoder(strings.NewReader(input))

	ev, raw, err := d.Next()
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Equal(t, "plain progress text", raw)

	ev, _, err = d.Next()
	require.NoError(t, err)
	assert.Equal(t, EventAgentEnd, ev.Type)
}

func TestStreamDecoder_JSONWithoutTypeIsRaw(t *testing.T) {
	d := NewStreamDecoder(strings.NewReader(`{"noType": true}`))

	ev, raw, err := d.Next()
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Equal(t, `{"noType": true}`, raw)
}

func TestStreamDecoder_SkipsBlankLines(t *testing.T) {
	d := NewStreamDecoder(strings.NewReader("\n   \n{\"type\":\"agent_end\"}\n\n"))

	ev, _, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, EventAgentEnd, ev.Type)

	_, _, err = d.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamDecoder_UnknownEventTypeDecodes(t *testing.T) {
	d := NewStreamDecoder(strings.NewReader(`{"type":"usage_report","tokens":12}`))

	ev, _, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "usage_report", ev.Type)
	assert.Empty(t, ev.TextDelta())
}

func TestTextDelta_RequiresTextDeltaSubtype(t *testing.T) {
	ev := &Event{
		Type:                  EventMessageUpdate,
		AssistantMessageEvent: &AssistantMessageEvent{Type: "tool_call", Delta: "x"},
	}
	assert.Empty(t, ev.TextDelta())
}
