package chatsqlctl

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/chatsql/chatsql/internal/client"
	"github.com/chatsql/chatsql/internal/query"
	"github.com/chatsql/chatsql/internal/reconcile"
	"github.com/chatsql/chatsql/internal/session"
)

const maxPrintedRows = 20

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	assistantStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	sqlStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			PaddingLeft(2)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))
)

func statusStyle(status string) string {
	if status == string(session.StatusProcessing) {
		return assistantStyle.Render(status)
	}
	return dimStyle.Render(status)
}

// transcript prints each message once, plus progress and failures as they
// change between views.
type transcript struct {
	w         io.Writer
	since     time.Time
	seen      map[string]bool
	lastStep  string
	lastError string
}

func newTranscript(w io.Writer, since time.Time) *transcript {
	return &transcript{w: w, since: since, seen: map[string]bool{}}
}

func (t *transcript) update(view reconcile.View) {
	for _, msg := range view.Messages {
		if t.seen[msg.ID] || msg.Timestamp.Before(t.since) {
			continue
		}
		t.seen[msg.ID] = true
		var result *query.Result
		if cached, ok := view.Results[msg.ID]; ok {
			result = &cached
		}
		writeMessage(t.w, msg, result)
	}

	if view.Progress != nil && view.Progress.Step != "" {
		step := view.Progress.Step
		if view.Progress.Message != "" {
			step += ": " + view.Progress.Message
		}
		if step != t.lastStep {
			t.lastStep = step
			_, _ = fmt.Fprintln(t.w, dimStyle.Render("  ... "+step))
		}
	}

	if view.LastError != nil {
		line := view.LastError.Diagnostic
		if line == "" {
			line = view.LastError.Kind
		}
		if line != t.lastError {
			t.lastError = line
			_, _ = fmt.Fprintln(t.w, errorStyle.Render(line))
		}
	}
}

func writeMessage(w io.Writer, msg session.Message, result *query.Result) {
	label := userStyle.Render("you")
	if msg.Role == session.RoleAssistant {
		label = assistantStyle.Render("chatsql")
	}
	_, _ = fmt.Fprintf(w, "%s %s\n", label, dimStyle.Render(msg.Timestamp.Local().Format("15:04:05")))
	_, _ = fmt.Fprintln(w, strings.TrimSpace(msg.Content))
	if msg.Metadata != nil && msg.Metadata.SQL != nil && *msg.Metadata.SQL != "" {
		_, _ = fmt.Fprintln(w, sqlStyle.Render(*msg.Metadata.SQL))
	}
	if result != nil {
		writeResult(w, *result, maxPrintedRows)
	}
	_, _ = fmt.Fprintln(w)
}

func writeResult(w io.Writer, result query.Result, limit int) {
	if len(result.Columns) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, strings.Join(result.Columns, "\t"))
	for i, row := range result.Rows {
		if i >= limit {
			break
		}
		cells := make([]string, len(result.Columns))
		for j, column := range result.Columns {
			if value, ok := row[column]; ok && value != nil {
				cells[j] = fmt.Sprint(value)
			}
		}
		_, _ = fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	_ = tw.Flush()

	shown := len(result.Rows)
	if shown > limit {
		shown = limit
	}
	summary := fmt.Sprintf("%d row(s) in %dms", result.RowCount, result.ExecutionTimeMs)
	if shown < result.RowCount || result.Truncated {
		summary += fmt.Sprintf(", showing %d", shown)
	}
	_, _ = fmt.Fprintln(w, dimStyle.Render(summary))
}

func writeSessions(w io.Writer, sessions []client.SessionSummary) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, dimStyle.Render("no sessions"))
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSTATUS\tCONNECTION\tUPDATED\tTITLE")
	for _, s := range sessions {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Status, s.DatabaseConnectionRef, s.UpdatedAt.Local().Format(time.DateTime), s.Title)
	}
	return tw.Flush()
}
