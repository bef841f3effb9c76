package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/harun/conductor/pkg/promptstore"
	"github.com/harun/conductor/pkg/session"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	cellStyle   = lipgloss.NewStyle().PaddingRight(1)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))

	statusColors = map[string]lipgloss.Color{
		string(promptstore.StatusPending):     "#AAAAAA",
		string(promptstore.StatusDispatching): "#E5C07B",
		string(promptstore.StatusDispatched):  "#5B8DEF",
		string(session.StateQueued):           "#AAAAAA",
		string(session.StateRunning):          "#5B8DEF",
		string(session.StateCompleted):        "#98C379",
		string(session.StateFailed):           "#FF6B6B",
		string(session.StateCancelled):        "#E5C07B",
	}
)

func styleStatus(status string) string {
	color, ok := statusColors[status]
	if !ok {
		return status
	}
	return lipgloss.NewStyle().Foreground(color).Render(status)
}

// renderTable writes rows under headers without borders.
func renderTable(w io.Writer, headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderColumn(false).
		BorderHeader(false).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.PaddingRight(1)
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// excerpt shortens text to one line of at most n runes.
func excerpt(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n-1]) + "…"
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

func renderPrompts(w io.Writer, res *promptstore.ListResult) {
	if len(res.Prompts) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No prompts"))
		return
	}
	rows := make([][]string, 0, len(res.Prompts))
	for _, p := range res.Prompts {
		rows = append(rows, []string{
			p.ID,
			styleStatus(string(p.Status)),
			excerpt(p.Message, 48),
			p.Scope,
			ago(p.CreatedAt),
		})
	}
	renderTable(w, []string{"ID", "STATUS", "MESSAGE", "PROJECT", "CREATED"}, rows)
	if res.Total > len(res.Prompts) {
		fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("%d of %d prompts", len(res.Prompts), res.Total)))
	}
}

func sessionRows(list []*session.Session) [][]string {
	rows := make([][]string, 0, len(list))
	for _, s := range list {
		detail := s.CurrentActivity
		if detail == "" {
			detail = s.Error
		}
		if detail == "" {
			detail = s.LastAssistantMessage
		}
		state := string(s.State)
		if s.CancelRequested && !s.State.Terminal() {
			state += " (cancelling)"
		}
		rows = append(rows, []string{
			shortID(s.ID),
			styleStatus(state),
			excerpt(s.Prompt, 40),
			excerpt(detail, 40),
			ago(s.CreatedAt),
		})
	}
	return rows
}

func renderSessions(w io.Writer, title string, list []*session.Session) {
	fmt.Fprintf(w, "%s (%d)\n", headerStyle.Render(title), len(list))
	if len(list) == 0 {
		return
	}
	renderTable(w, []string{"SESSION", "STATE", "PROMPT", "DETAIL", "CREATED"}, sessionRows(list))
}

func renderSession(w io.Writer, s *session.Session) {
	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(w, "%-14s %s\n", name+":", value)
		}
	}
	field("Session", s.ID)
	field("Prompt", s.PromptID)
	field("State", styleStatus(string(s.State)))
	field("Project", s.ProjectPath)
	field("Conversation", s.ConversationID)
	field("Profile", s.ModelProfileID)
	field("Created", ago(s.CreatedAt))
	if s.CompletedAt != nil {
		field("Duration", s.Duration().Round(time.Second).String())
	}
	field("Activity", s.CurrentActivity)
	field("Error", s.Error)
	field("Message", s.Prompt)
	if s.LastAssistantMessage != "" {
		fmt.Fprintf(w, "\n%s\n", s.LastAssistantMessage)
	}
}

// renderEvent prints one progress event as a single line.
func renderEvent(w io.Writer, evt session.Event) {
	var text string
	switch evt.Type {
	case session.EventSessionStarted:
		text = "running"
		if evt.ConversationID != "" {
			text = "conversation " + evt.ConversationID
		}
	case session.EventToolUse:
		text = evt.Tool
	case session.EventToolResult, session.EventMessage, session.EventThinking:
		text = excerpt(evt.Content, 100)
	case session.EventFailed, session.EventCancelled:
		text = evt.Error
	case session.EventCompleted:
		text = excerpt(evt.Content, 100)
	}
	fmt.Fprintf(w, "%s %-14s %s\n", dimStyle.Render(fmt.Sprintf("#%d", evt.Seq)), styleStatus(string(evt.Type)), text)
}
