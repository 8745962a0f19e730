package runtime

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// Event types emitted on stdout by the external CLI, one JSON object per
// line.
const (
	// EventMessageUpdate carries an assistant message fragment.
	EventMessageUpdate = "message_update"

	// EventToolExecutionStart announces a tool invocation.
	EventToolExecutionStart = "tool_execution_start"

	// EventAgentEnd is the authoritative end-of-stream marker; lines after it
	// are ignored.
	EventAgentEnd = "agent_end"
)

// AssistantMessageEventTextDelta is the assistant-event subtype whose Delta
// is accumulated into the final text output.
const AssistantMessageEventTextDelta = "text_delta"

// Event is a single line-delimited JSON event from the external CLI. The
// Type field determines which other fields are populated. Unknown event
// types decode successfully and are skipped by the consumer, which keeps the
// protocol forward-compatible.
type Event struct {
	Type string `json:"type"`

	// AssistantMessageEvent is set for message_update events.
	AssistantMessageEvent *AssistantMessageEvent `json:"assistantMessageEvent,omitempty"`

	// Tool fields are set for tool_execution_start events.
	ToolName string          `json:"toolName,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	ID       string          `json:"id,omitempty"`
}

// AssistantMessageEvent is the payload of a message_update event.
type AssistantMessageEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta,omitempty"`
}

// TextDelta returns the text fragment carried by a message_update event, or
// an empty string for any other shape.
func (e *Event) TextDelta() string {
	if e.Type != EventMessageUpdate || e.AssistantMessageEvent == nil {
		return ""
	}
	if e.AssistantMessageEvent.Type != AssistantMessageEventTextDelta {
		return ""
	}
	return e.AssistantMessageEvent.Delta
}

// maxScannerBuffer is the maximum line length the decoder can handle (1MB).
// Tool results embedded in events can be very large.
const maxScannerBuffer = 1 << 20

// StreamDecoder reads the CLI's stdout line by line, decoding each line as
// an Event where possible and surfacing non-JSON lines verbatim so the
// caller can buffer them for the raw-output fallback.
type StreamDecoder struct {
	scanner *bufio.Scanner
}

// NewStreamDecoder creates a decoder reading from r.
func NewStreamDecoder(r io.Reader) *StreamDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBuffer)
	return &StreamDecoder{scanner: scanner}
}

// Next reads the next line. The raw line is always returned so callers can
// keep a full stdout capture; event is non-nil when the line decodes as a
// protocol event. At end of stream Next returns io.EOF; a scanner error is
// returned as-is. Empty and whitespace-only lines are skipped.
func (d *StreamDecoder) Next() (*Event, string, error) {
	for d.scanner.Scan() {
		line := strings.TrimSpace(d.scanner.Text())
		if line == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil || event.Type == "" {
			// Not a protocol event. The caller buffers the raw line.
			return nil, line, nil
		}
		return &event, line, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, "", err
	}
	return nil, "", io.EOF
}
