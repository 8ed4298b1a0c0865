package chatapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"kbchat/internal/knowledge"

	tea "github.com/charmbracelet/bubbletea"
)

var errNoController = errors.New("assistant is not initialized")

// HelpText lists the slash commands.
var HelpText = strings.Join([]string{
	"Slash commands:",
	"/help",
	"/status",
	"/kb",
	"/add <job-ref> <file>",
	"/rm <local-id|index>",
	"/clear",
	"/reset",
	"/retry",
	"/edit <text>",
	"/cancel",
}, "\n")

// ExecuteSlashCommand parses and handles one slash command. Commands that talk
// to the backend run in the returned command and report a ResultMsg.
func ExecuteSlashCommand(content string, env CommandEnv) tea.Cmd {
	if env.Controller == nil {
		appendError(env, errNoController.Error())
		return nil
	}

	parts := strings.Fields(strings.TrimSpace(content))
	if len(parts) == 0 {
		return nil
	}
	command := strings.TrimPrefix(parts[0], "/")
	args := parts[1:]
	ctl := env.Controller
	ctx := env.Context
	if ctx == nil {
		ctx = context.Background()
	}

	switch command {
	case "help":
		appendNotice(env, HelpText)
	case "status":
		return background(command, func() (string, error) {
			snap := ctl.Refresh(ctx)
			return FormatStatus(ctl.Namespace(), ctl.SessionToken(), string(snap.State), snap.Message, snap.Status.ChunkCount, snap.Status.Domains), nil
		})
	case "kb":
		return background(command, func() (string, error) {
			records, err := ctl.Records(ctx)
			if err != nil {
				return "", err
			}
			return FormatRecords(records), nil
		})
	case "add":
		if len(args) != 2 {
			appendError(env, "usage: /add <job-ref> <file>")
			return nil
		}
		jobRef, path := args[0], args[1]
		readFile := env.ReadFile
		if readFile == nil {
			readFile = os.ReadFile
		}
		return background(command, func() (string, error) {
			raw, err := readFile(path)
			if err != nil {
				return "", fmt.Errorf("read job result: %w", err)
			}
			res, err := ctl.AddKnowledge(ctx, jobRef, raw)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Added %s (%d chunks).", res.Record.JobRef, len(res.Record.Chunks)), nil
		})
	case "rm":
		if len(args) != 1 {
			appendError(env, "usage: /rm <local-id|index>")
			return nil
		}
		target := args[0]
		return background(command, func() (string, error) {
			localID, err := resolveRecord(ctx, ctl, target)
			if err != nil {
				return "", err
			}
			res, err := ctl.RemoveKnowledge(ctx, localID)
			if err != nil {
				return "", err
			}
			switch res.Op {
			case knowledge.OpReset:
				return "Removed the last record; session reset.", nil
			default:
				return fmt.Sprintf("Removed record; re-uploaded %d remaining.", res.Remaining), nil
			}
		})
	case "clear":
		if env.ActiveTurn {
			appendError(env, "cannot clear knowledge while a response is streaming")
			return nil
		}
		return background(command, func() (string, error) {
			if _, err := ctl.ClearKnowledge(ctx); err != nil {
				return "", err
			}
			return "Knowledge cleared; session reset.", nil
		})
	case "reset":
		if env.ActiveTurn {
			appendError(env, "cannot reset the session while a response is streaming")
			return nil
		}
		ctl.ResetSession()
		appendNotice(env, "Session reset. Local knowledge will be re-uploaded.")
	case "retry":
		if env.LastAssistantID == "" {
			appendError(env, "nothing to retry")
			return nil
		}
		id := env.LastAssistantID
		return background(command, func() (string, error) {
			_, err := ctl.Retry(ctx, id)
			return "", err
		})
	case "edit":
		text := strings.TrimSpace(strings.Join(args, " "))
		if env.LastUserID == "" {
			appendError(env, "nothing to edit")
			return nil
		}
		if text == "" {
			appendError(env, "usage: /edit <text>")
			return nil
		}
		id := env.LastUserID
		return background(command, func() (string, error) {
			_, err := ctl.Edit(ctx, id, text)
			return "", err
		})
	case "cancel":
		if !ctl.Cancel() {
			appendNotice(env, "No response is streaming.")
		}
	default:
		appendError(env, "unknown slash command: /"+command)
	}

	return nil
}

// FormatStatus renders a one-paragraph status report.
func FormatStatus(namespace, token, state, message string, chunks int, domains []string) string {
	lines := []string{
		"namespace: " + namespace,
		"session: " + token,
		"state: " + state,
		fmt.Sprintf("chunks: %d", chunks),
	}
	if len(domains) > 0 {
		lines = append(lines, "domains: "+strings.Join(domains, ", "))
	}
	if strings.TrimSpace(message) != "" {
		lines = append(lines, "detail: "+message)
	}
	return strings.Join(lines, "\n")
}

// FormatRecords renders the local knowledge list with 1-based indexes.
func FormatRecords(records []knowledge.Record) string {
	if len(records) == 0 {
		return "Knowledge base is empty."
	}
	lines := make([]string, 0, len(records)+1)
	lines = append(lines, "Knowledge records:")
	for i, rec := range records {
		lines = append(lines, fmt.Sprintf("%d. %s  %s  (%d chunks)", i+1, rec.JobRef, rec.LocalID, len(rec.Chunks)))
	}
	return strings.Join(lines, "\n")
}

func resolveRecord(ctx context.Context, ctl Controller, target string) (string, error) {
	index, err := strconv.Atoi(target)
	if err != nil {
		return target, nil
	}
	records, err := ctl.Records(ctx)
	if err != nil {
		return "", err
	}
	if index < 1 || index > len(records) {
		return "", fmt.Errorf("%w: index %d", knowledge.ErrRecordNotFound, index)
	}
	return records[index-1].LocalID, nil
}

func background(command string, fn func() (string, error)) tea.Cmd {
	return func() tea.Msg {
		text, err := fn()
		return ResultMsg{Command: command, Text: text, Err: err}
	}
}

func appendNotice(env CommandEnv, text string) {
	if env.AppendNotice != nil {
		env.AppendNotice(text)
	}
}

func appendError(env CommandEnv, errText string) {
	if env.AppendError != nil {
		env.AppendError(errText)
	}
}
