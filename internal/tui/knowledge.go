package tui

import (
	"fmt"
	"strings"
	"time"

	"kbchat/internal/knowledge"
	"kbchat/internal/poller"
)

// KnowledgeModel renders the knowledge side panel.
type KnowledgeModel struct {
	Snapshot poller.Snapshot
	Records  []knowledge.Record
	LoadErr  string
}

// Render draws the knowledge panel.
func (m KnowledgeModel) Render(width int, theme Theme) string {
	snap := m.Snapshot
	lines := []string{
		"Knowledge: " + theme.StateStyle(snap.State).Render(fallbackText(string(snap.State), string(poller.StateConnecting))),
		fmt.Sprintf("Chunks: %d", snap.Status.ChunkCount),
	}
	if !snap.LastChecked.IsZero() {
		lines = append(lines, "Checked: "+snap.LastChecked.Format(time.TimeOnly))
	}
	if snap.NextDelay > 0 {
		lines = append(lines, "Next: "+snap.NextDelay.String())
	}

	lines = append(lines, "Records:")
	switch {
	case m.LoadErr != "":
		lines = append(lines, "  "+m.LoadErr)
	case len(m.Records) == 0:
		lines = append(lines, "  none")
	default:
		for i, rec := range m.Records {
			marker := " "
			if snap.Status.HasDomain(rec.JobRef) {
				marker = "*"
			}
			lines = append(lines, fmt.Sprintf("%s %d. %s (%d)", marker, i+1, rec.JobRef, len(rec.Chunks)))
		}
	}
	return renderPanel(width, theme.KnowledgeStyle, strings.Join(lines, "\n"))
}
