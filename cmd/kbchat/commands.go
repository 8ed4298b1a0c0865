package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kbchat/internal/conversation"
	"kbchat/internal/core"
	"kbchat/internal/knowledge"
)

const maxParallelReads = 4

func newAskCmd(opts *rootOptions) *cobra.Command {
	var noStream bool

	cmd := &cobra.Command{
		Use:   "ask <question...>",
		Short: "Ask one question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args, " "))
			out := cmd.OutOrStdout()
			if noStream {
				return askOnce(cmd.Context(), opts, out, question)
			}
			return askStreaming(cmd.Context(), opts, out, question)
		},
	}
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Wait for the full answer instead of streaming it")
	return cmd
}

func askOnce(ctx context.Context, opts *rootOptions, out io.Writer, question string) error {
	rt, err := openRuntime(ctx, opts, runtimeHooks{console: os.Stderr})
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.assistant.Refresh(ctx)
	resp, err := rt.assistant.Ask(ctx, question)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, strings.TrimSpace(resp.Response))
	var confidence *float64
	if c, ok := resp.Metadata.Confidence(); ok {
		confidence = &c
	}
	printSources(out, resp.Sources, confidence)
	return nil
}

// deltaPrinter writes the growing assistant text as conversation snapshots
// arrive. Snapshots can be delivered out of order, so only extensions of what
// was already printed are written.
type deltaPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	version uint64
	printed string
}

func (p *deltaPrinter) observe(snap conversation.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if snap.Version < p.version {
		return
	}
	p.version = snap.Version
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		msg := snap.Messages[i]
		if msg.Role != conversation.RoleAssistant {
			continue
		}
		if msg.Live() {
			p.writeLocked(msg.Content)
		}
		return
	}
}

func (p *deltaPrinter) flush(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeLocked(text)
}

func (p *deltaPrinter) wrote() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.printed != ""
}

func (p *deltaPrinter) writeLocked(text string) {
	if !strings.HasPrefix(text, p.printed) || len(text) == len(p.printed) {
		return
	}
	_, _ = io.WriteString(p.out, text[len(p.printed):])
	p.printed = text
}

func askStreaming(ctx context.Context, opts *rootOptions, out io.Writer, question string) error {
	printer := &deltaPrinter{out: out}
	rt, err := openRuntime(ctx, opts, runtimeHooks{console: os.Stderr, onConversation: printer.observe})
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.assistant.Refresh(ctx)
	turn, err := rt.assistant.Send(ctx, question)
	if err != nil {
		return err
	}

	<-turn.Done()
	outcome, _ := turn.Wait(context.Background())
	switch outcome.Kind {
	case core.OutcomeCompleted:
		printer.flush(outcome.Text)
		_, _ = fmt.Fprintln(out)
		msg := lastAssistant(rt.assistant.Conversation().Messages())
		printSources(out, msg.Status.Sources, msg.Status.Confidence)
		return nil
	case core.OutcomeAborted:
		_, _ = fmt.Fprintln(out)
		_, _ = subtleColor.Fprintln(out, "(stopped)")
		return nil
	default:
		if printer.wrote() {
			_, _ = fmt.Fprintln(out)
		}
		return outcome.Err
	}
}

func lastAssistant(messages []conversation.Message) conversation.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == conversation.RoleAssistant {
			return messages[i]
		}
	}
	return conversation.Message{}
}

func newKnowledgeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "kb",
		Aliases: []string{"knowledge"},
		Short:   "Manage the knowledge base",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List local knowledge records",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				rt, err := openRuntime(cmd.Context(), opts, runtimeHooks{console: os.Stderr})
				if err != nil {
					return err
				}
				defer rt.Close()

				records, err := rt.assistant.Records(cmd.Context())
				if err != nil {
					return err
				}
				printRecords(cmd.OutOrStdout(), records)
				return nil
			},
		},
		&cobra.Command{
			Use:   "add <[job-ref=]file>...",
			Short: "Add job result files to the knowledge base",
			Long: "Add job result files to the knowledge base. Each argument is a file, optionally\n" +
				"prefixed with a job reference (job-42=result.json). Without a prefix the file\n" +
				"name minus its extension is used.",
			Args: cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return addKnowledge(cmd.Context(), opts, cmd.OutOrStdout(), args)
			},
		},
		&cobra.Command{
			Use:   "rm <local-id|index>",
			Short: "Remove one knowledge record",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				rt, err := openRuntime(ctx, opts, runtimeHooks{console: os.Stderr})
				if err != nil {
					return err
				}
				defer rt.Close()

				localID, err := resolveLocalID(ctx, rt, args[0])
				if err != nil {
					return err
				}
				res, err := rt.assistant.RemoveKnowledge(ctx, localID)
				if err != nil {
					return err
				}
				_, _ = okColor.Fprintf(cmd.OutOrStdout(), "Removed %s; %d record(s) remain.\n", res.Record.JobRef, res.Remaining)
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every knowledge record and reset the session",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				rt, err := openRuntime(cmd.Context(), opts, runtimeHooks{console: os.Stderr})
				if err != nil {
					return err
				}
				defer rt.Close()

				if _, err := rt.assistant.ClearKnowledge(cmd.Context()); err != nil {
					return err
				}
				_, _ = okColor.Fprintln(cmd.OutOrStdout(), "Knowledge base cleared.")
				return nil
			},
		},
	)
	return cmd
}

type jobFile struct {
	jobRef string
	path   string
	raw    []byte
}

// parseJobArgs splits "job-ref=path" arguments, deriving the job reference from
// the file name when no prefix is given.
func parseJobArgs(args []string) ([]jobFile, error) {
	files := make([]jobFile, 0, len(args))
	seen := make(map[string]bool, len(args))
	for _, arg := range args {
		jobRef, path, ok := strings.Cut(arg, "=")
		if !ok {
			path = arg
			base := filepath.Base(path)
			jobRef = strings.TrimSuffix(base, filepath.Ext(base))
		}
		jobRef, path = strings.TrimSpace(jobRef), strings.TrimSpace(path)
		if jobRef == "" || path == "" {
			return nil, fmt.Errorf("%w: %q", core.ErrInvalidRequest, arg)
		}
		if seen[jobRef] {
			return nil, fmt.Errorf("%w: job reference %q given twice", core.ErrInvalidRequest, jobRef)
		}
		seen[jobRef] = true
		files = append(files, jobFile{jobRef: jobRef, path: path})
	}
	return files, nil
}

func readJobFiles(ctx context.Context, files []jobFile) error {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelReads)
	for i := range files {
		g.Go(func() error {
			raw, err := os.ReadFile(files[i].path)
			if err != nil {
				return fmt.Errorf("read %s: %w", files[i].path, err)
			}
			files[i].raw = raw
			return nil
		})
	}
	return g.Wait()
}

func addKnowledge(ctx context.Context, opts *rootOptions, out io.Writer, args []string) error {
	files, err := parseJobArgs(args)
	if err != nil {
		return err
	}
	if err := readJobFiles(ctx, files); err != nil {
		return err
	}

	rt, err := openRuntime(ctx, opts, runtimeHooks{console: os.Stderr})
	if err != nil {
		return err
	}
	defer rt.Close()

	// Bring the fresh session up to date with earlier records before adding
	// deltas on top of it.
	rt.assistant.Refresh(ctx)

	var errs []error
	for _, file := range files {
		res, err := rt.assistant.AddKnowledge(ctx, file.jobRef, file.raw)
		if err != nil {
			rt.logger.Warn("add job result failed", zap.String("job_ref", file.jobRef), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", file.jobRef, err))
			continue
		}
		_, _ = okColor.Fprintf(out, "Added %s (%d chunks)\n", res.Record.JobRef, len(res.Record.Chunks))
	}
	return errors.Join(errs...)
}

func resolveLocalID(ctx context.Context, rt *runtimeEnv, target string) (string, error) {
	index, err := strconv.Atoi(target)
	if err != nil {
		return target, nil
	}
	records, err := rt.assistant.Records(ctx)
	if err != nil {
		return "", err
	}
	if index < 1 || index > len(records) {
		return "", fmt.Errorf("%w: index %d", knowledge.ErrRecordNotFound, index)
	}
	return records[index-1].LocalID, nil
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe the backend and report knowledge status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, opts, runtimeHooks{console: os.Stderr})
			if err != nil {
				return err
			}
			defer rt.Close()

			var records []knowledge.Record
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				rt.assistant.Refresh(gctx)
				return nil
			})
			g.Go(func() error {
				var err error
				records, err = rt.assistant.Records(gctx)
				return err
			})
			if err := g.Wait(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printStatus(out, rt.assistant.Namespace(), rt.assistant.SessionToken(), rt.assistant.Status())
			_, _ = fmt.Fprintln(out)
			printRecords(out, records)
			return nil
		},
	}
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print JSON Schemas of the backend payloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			schemas, err := core.WireSchemas()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(schemas)
		},
	}
}
