// ABOUTME: Fake agent CLI for end-to-end testing — emits scripted stream-json.
// ABOUTME: Accepts the real CLI's flags; scenario picked from the prompt text.

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

func main() {
	prompt := flag.String("p", "", "prompt text")
	flag.String("output-format", "stream-json", "ignored, accepted for compatibility")
	flag.Bool("verbose", false, "ignored, accepted for compatibility")
	resume := flag.String("resume", "", "session id to resume")
	model := flag.String("model", "", "ignored, accepted for compatibility")
	flag.String("permission-mode", "", "ignored, accepted for compatibility")
	delay := flag.Duration("delay", 30*time.Millisecond, "pause between output lines")
	flag.Parse()

	if err := run(*prompt, *resume, *model, *delay); err != nil {
		fmt.Fprintf(os.Stderr, "fake-claude: %v\n", err)
		os.Exit(1)
	}
}

func run(prompt, resume, model string, delay time.Duration) error {
	sessionID := resume
	if sessionID == "" {
		sessionID = "fake-" + uuid.New().String()
	}

	emit(map[string]any{
		"type":       "system",
		"subtype":    "init",
		"session_id": sessionID,
		"model":      model,
	})
	time.Sleep(delay)

	lower := strings.ToLower(prompt)
	switch {
	case strings.Contains(lower, "fail"):
		return scriptFailure(sessionID, delay)
	case strings.Contains(lower, "tool"):
		return scriptToolUse(sessionID, prompt, delay)
	case strings.Contains(lower, "slow"):
		return scriptSlow(sessionID, delay)
	default:
		return scriptEcho(sessionID, prompt, delay)
	}
}

// scriptEcho streams an echo reply in a few text deltas.
func scriptEcho(sessionID, prompt string, delay time.Duration) error {
	deltas := []string{"You said: ", prompt, ". Anything else?"}
	for _, d := range deltas {
		emitText(sessionID, d)
		time.Sleep(delay)
	}
	emitResult(sessionID, false, "")
	return nil
}

// scriptToolUse exercises the full tool lifecycle: text, a tool invocation,
// its result, then closing text.
func scriptToolUse(sessionID, prompt string, delay time.Duration) error {
	emitText(sessionID, "Let me look that up.")
	time.Sleep(delay)

	toolID := "toolu_" + uuid.New().String()
	emit(map[string]any{
		"type":       "assistant",
		"session_id": sessionID,
		"message": map[string]any{
			"content": []map[string]any{{
				"type":  "tool_use",
				"id":    toolID,
				"name":  "Read",
				"input": map[string]any{"file_path": "README.md"},
			}},
		},
	})
	time.Sleep(delay)

	emit(map[string]any{
		"type":       "user",
		"session_id": sessionID,
		"message": map[string]any{
			"content": []map[string]any{{
				"type":        "tool_result",
				"tool_use_id": toolID,
				"content":     "# Example\n\nA readme.",
			}},
		},
	})
	time.Sleep(delay)

	emitText(sessionID, " Found it: the readme has a single heading.")
	time.Sleep(delay)
	emitResult(sessionID, false, "")
	return nil
}

// scriptFailure ends the turn with an error result after partial output.
func scriptFailure(sessionID string, delay time.Duration) error {
	emitText(sessionID, "Starting...")
	time.Sleep(delay)
	emitResult(sessionID, true, "something went wrong upstream")
	return nil
}

// scriptSlow drips deltas slowly so interrupts have something to cancel.
// SIGTERM kills the process mid-stream, which is exactly the point.
func scriptSlow(sessionID string, delay time.Duration) error {
	for i := 1; i <= 50; i++ {
		emitText(sessionID, fmt.Sprintf("step %d... ", i))
		time.Sleep(delay * 10)
	}
	emitResult(sessionID, false, "")
	return nil
}

func emitText(sessionID, text string) {
	emit(map[string]any{
		"type":       "assistant",
		"session_id": sessionID,
		"message": map[string]any{
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	})
}

func emitResult(sessionID string, isError bool, msg string) {
	rec := map[string]any{
		"type":       "result",
		"subtype":    "success",
		"session_id": sessionID,
		"is_error":   isError,
		"usage": map[string]any{
			"input_tokens":  120,
			"output_tokens": 45,
		},
	}
	if isError {
		rec["subtype"] = "error_during_execution"
		rec["result"] = msg
	}
	emit(rec)
}

func emit(rec map[string]any) {
	line, err := json.Marshal(rec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fake-claude: marshal: %v\n", err)
		return
	}
	fmt.Println(string(line))
}
