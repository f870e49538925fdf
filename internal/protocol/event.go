// ABOUTME: Tagged-union event model for the agent process stream.
// ABOUTME: One Event per protocol occurrence; payload fields are set per kind.

package protocol

// Kind discriminates the event union.
type Kind int

const (
	// KindStart announces (or confirms) the backend session identity.
	KindStart Kind = iota
	// KindText carries an assistant text delta.
	KindText
	// KindToolUse opens a tool invocation.
	KindToolUse
	// KindToolResult closes a tool invocation.
	KindToolResult
	// KindError terminates the turn with an agent-reported failure.
	KindError
	// KindEnd terminates the turn normally.
	KindEnd
)

// String returns a stable lowercase name for logging.
func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindText:
		return "text"
	case KindToolUse:
		return "tool_use"
	case KindToolResult:
		return "tool_result"
	case KindError:
		return "error"
	case KindEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is a single occurrence on an agent process stream. Only the fields
// relevant to Kind are populated; the rest stay zero.
type Event struct {
	Kind       Kind
	SessionID  string      // KindStart (also set on later events when the wire carries it)
	Text       string      // KindText
	ToolUse    *ToolUse    // KindToolUse
	ToolResult *ToolResult // KindToolResult
	Error      string      // KindError
	Usage      *Usage      // KindEnd, when the terminal record reports usage
}

// ToolUse describes a tool invocation opened by the agent.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult carries the outcome of a tool invocation. ID may be empty on
// some backends; Name is a correlation fallback in that case.
type ToolResult struct {
	ID      string
	Name    string
	Output  string
	IsError bool
}

// Usage reports token consumption for one completed turn.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// Terminal reports whether the event ends the turn.
func (e *Event) Terminal() bool {
	return e.Kind == KindEnd || e.Kind == KindError
}
