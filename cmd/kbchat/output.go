package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"kbchat/internal/conversation"
	"kbchat/internal/core"
	"kbchat/internal/knowledge"
	"kbchat/internal/poller"
)

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	okColor      = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
	subtleColor  = color.New(color.Faint)
	stateColours = map[poller.State]*color.Color{
		poller.StateReady:        okColor,
		poller.StateNoKnowledge:  warnColor,
		poller.StateProcessing:   warnColor,
		poller.StateUploading:    warnColor,
		poller.StateBackendError: errorColor,
	}
)

func printError(w io.Writer, err error) {
	_, _ = errorColor.Fprint(w, "kbchat: ")
	_, _ = fmt.Fprintln(w, err)
	if hint := errorHint(err); hint != "" {
		_, _ = subtleColor.Fprintln(w, hint)
	}
}

// errorHint maps failures onto the same user-facing guidance the chat shows.
func errorHint(err error) string {
	switch {
	case errors.Is(err, core.ErrPreconditionFailed):
		return conversation.TextNoKnowledge
	case errors.Is(err, knowledge.ErrDuplicateRecord):
		return "Remove the existing record first with `kbchat kb rm`."
	}
	switch core.Classify(err) {
	case core.FailureUnreachable:
		return conversation.TextUnreachable
	case core.FailureRateLimited:
		return "The backend is rate limiting requests; wait a minute and retry."
	default:
		return ""
	}
}

func printStatus(w io.Writer, namespace, token string, snap poller.Snapshot) {
	_, _ = headerColor.Fprintln(w, "Assistant status")
	_, _ = fmt.Fprintf(w, "  namespace: %s\n", namespace)
	_, _ = fmt.Fprintf(w, "  session:   %s\n", token)

	state := string(snap.State)
	if c, ok := stateColours[snap.State]; ok {
		state = c.Sprint(state)
	}
	_, _ = fmt.Fprintf(w, "  state:     %s\n", state)
	if snap.Message != "" {
		_, _ = fmt.Fprintf(w, "  detail:    %s\n", snap.Message)
	}
	_, _ = fmt.Fprintf(w, "  chunks:    %d\n", snap.Status.ChunkCount)
	if len(snap.Status.Domains) > 0 {
		_, _ = fmt.Fprintf(w, "  domains:   %s\n", strings.Join(snap.Status.Domains, ", "))
	}
}

func printRecords(w io.Writer, records []knowledge.Record) {
	if len(records) == 0 {
		_, _ = subtleColor.Fprintln(w, "Knowledge base is empty.")
		return
	}
	_, _ = headerColor.Fprintf(w, "%d knowledge record(s)\n", len(records))
	for i, rec := range records {
		_, _ = fmt.Fprintf(w, "%3d. %-24s %s  %d chunks  %s\n",
			i+1, rec.JobRef, rec.LocalID, len(rec.Chunks), rec.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
}

func printSources(w io.Writer, sources []core.Source, confidence *float64) {
	if len(sources) > 0 {
		names := make([]string, 0, len(sources))
		for _, src := range sources {
			switch {
			case src.Title != "":
				names = append(names, src.Title)
			case src.Domain != "":
				names = append(names, src.Domain)
			case src.ID != "":
				names = append(names, src.ID)
			}
		}
		if len(names) > 0 {
			_, _ = subtleColor.Fprintf(w, "sources: %s\n", strings.Join(names, ", "))
		}
	}
	if confidence != nil {
		_, _ = subtleColor.Fprintf(w, "confidence: %.0f%%\n", *confidence*100)
	}
}
