// Package notifier sends the success email for a completed, non-duplicate
// scout execution: the agent's markdown response rendered to sanitized
// HTML and wrapped in a minimal message shell.
package notifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/scoutforge/scoutd/internal/helpers"
	"github.com/scoutforge/scoutd/internal/scout"
)

// Sender is the subset of provider/email.Client the notifier needs.
type Sender interface {
	Send(ctx context.Context, to, subject, html string) error
}

// AnalyticsSink is the subset of internal/analytics.Sink the notifier
// reports delivery failures to. Errors here never affect run status.
type AnalyticsSink interface {
	Track(event string, properties map[string]interface{})
}

// Notifier sends success notifications for completed runs.
type Notifier struct {
	sender    Sender
	analytics AnalyticsSink
}

// New constructs a Notifier. analytics may be nil.
func New(sender Sender, analytics AnalyticsSink) *Notifier {
	return &Notifier{sender: sender, analytics: analytics}
}

// SendSuccess renders and sends the success email for one scout's run.
// Only call this when taskCompleted is true and the run was not flagged a
// duplicate; the notifier itself does not make that decision. citations
// lists the sources the agent consulted during the run and are appended
// as a links section.
func (n *Notifier) SendSuccess(ctx context.Context, userEmail string, sc scout.Scout, responseMarkdown string, citations []helpers.Citation) error {
	html, err := renderHTML(sc.Title, responseMarkdown, citations)
	if err != nil {
		return fmt.Errorf("notifier: render: %w", err)
	}

	subject := fmt.Sprintf("New findings: %s", sc.Title)
	if err := n.sender.Send(ctx, userEmail, subject, html); err != nil {
		if n.analytics != nil {
			n.analytics.Track("notifier.send_failed", map[string]interface{}{
				"scout_id": sc.ID, "user_id": sc.UserID, "error": err.Error(),
			})
		}
		return fmt.Errorf("notifier: send: %w", err)
	}
	return nil
}

func renderHTML(title, markdown string, citations []helpers.Citation) (string, error) {
	var body strings.Builder
	if err := goldmark.Convert([]byte(markdown), &body); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	sanitized := helpers.SanitizeHTMLRichText(body.String())

	var out strings.Builder
	out.WriteString(`<div style="font-family: sans-serif; max-width: 640px; margin: 0 auto;">`)
	out.WriteString(fmt.Sprintf(`<h2>%s</h2>`, helpers.SanitizeHTMLStrict(title)))
	out.WriteString(sanitized)
	if len(citations) > 0 {
		out.WriteString(`<hr/><p><strong>Sources</strong></p><ul>`)
		for _, line := range helpers.FormatCitations(citations) {
			out.WriteString(fmt.Sprintf(`<li>%s</li>`, helpers.SanitizeHTMLStrict(line)))
		}
		out.WriteString(`</ul>`)
	}
	out.WriteString(`</div>`)
	return out.String(), nil
}
