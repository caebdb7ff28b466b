package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/vinayprograms/agentd/internal/stream"
)

// Event color scheme, one style per concern.
var (
	tailDimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))  // Gray - reasoning, usage
	tailToolStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12")) // Blue - tool activity
	tailErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // Red - failures
	tailDoneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // Green - completion
	tailWarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // Yellow - permission requests
)

const tailWrapWidth = 100

// Run connects to the daemon and renders the event stream until the
// terminal event arrives.
func (c *TailCmd) Run() error {
	path := "/conversations/" + c.ID + "/stream"
	if c.Job {
		path = "/jobs/" + c.ID + "/stream"
	}
	resp, err := http.Get("http://" + c.Addr + path)
	if err != nil {
		return fmt.Errorf("error connecting to daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	sc := stream.NewScanner(resp.Body)
	for {
		ev, err := sc.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stream ended unexpectedly: %w", err)
		}
		c.render(ev)
		if ev.IsTerminal() {
			return nil
		}
	}
}

func (c *TailCmd) render(ev stream.Event) {
	switch ev.Type {
	case stream.EventToken:
		var p stream.TokenPayload
		if json.Unmarshal(ev.Data, &p) == nil {
			fmt.Print(p.Text)
		}
	case stream.EventReasoning:
		var p stream.ReasoningPayload
		if json.Unmarshal(ev.Data, &p) == nil {
			c.println(tailDimStyle, p.Text)
		}
	case stream.EventToolCall:
		var p stream.ToolCallPayload
		if json.Unmarshal(ev.Data, &p) == nil {
			c.println(tailToolStyle, fmt.Sprintf("→ %s", p.Name))
		}
	case stream.EventToolComplete:
		var p stream.ToolCompletePayload
		if json.Unmarshal(ev.Data, &p) != nil {
			return
		}
		if p.Error != "" {
			c.println(tailErrorStyle, fmt.Sprintf("✗ %s: %s", p.Name, p.Error))
		} else {
			c.println(tailToolStyle, fmt.Sprintf("✓ %s", p.Name))
		}
	case stream.EventContentReplace:
		var p stream.ContentReplacePayload
		if json.Unmarshal(ev.Data, &p) == nil {
			fmt.Println()
			fmt.Print(p.Content)
		}
	case stream.EventPermissionRequest:
		var p stream.PermissionRequestPayload
		if json.Unmarshal(ev.Data, &p) == nil {
			c.println(tailWarnStyle, fmt.Sprintf("⚠ %s awaits approval (id %s)", p.Tool, p.ID))
		}
	case stream.EventUsage:
		var p stream.UsagePayload
		if json.Unmarshal(ev.Data, &p) == nil {
			c.println(tailDimStyle, fmt.Sprintf("tokens: %d in / %d out", p.InputTokens, p.OutputTokens))
		}
	case stream.EventComplete:
		fmt.Println()
		c.println(tailDoneStyle, "✓ complete")
	case stream.EventError:
		var p stream.ErrorPayload
		fmt.Println()
		if json.Unmarshal(ev.Data, &p) == nil && p.Cancelled {
			c.println(tailWarnStyle, "✗ cancelled")
		} else {
			c.println(tailErrorStyle, fmt.Sprintf("✗ %s", p.Message))
		}
	}
}

func (c *TailCmd) println(style lipgloss.Style, text string) {
	text = wordwrap.String(text, tailWrapWidth)
	if c.Plain {
		fmt.Fprintln(os.Stderr, text)
		return
	}
	fmt.Fprintln(os.Stderr, style.Render(text))
}
