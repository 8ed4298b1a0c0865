package chatapp

import (
	"context"
	"errors"
	"strings"
	"testing"

	"kbchat/internal/conversation"
	"kbchat/internal/core"
	"kbchat/internal/knowledge"
	"kbchat/internal/poller"
)

type fakeController struct {
	records []knowledge.Record
	status  poller.Snapshot
	token   string

	added     map[string][]byte
	removed   []string
	cleared   int
	resets    int
	retried   []string
	edited    map[string]string
	cancelled bool
	live      bool
	addErr    error
}

func (f *fakeController) Namespace() string                       { return "default" }
func (f *fakeController) SessionToken() string                    { return f.token }
func (f *fakeController) Status() poller.Snapshot                 { return f.status }
func (f *fakeController) Refresh(context.Context) poller.Snapshot { return f.status }
func (f *fakeController) Retry(_ context.Context, id string) (*conversation.Turn, error) {
	f.retried = append(f.retried, id)
	return nil, nil
}
func (f *fakeController) Edit(_ context.Context, id, text string) (*conversation.Turn, error) {
	if f.edited == nil {
		f.edited = make(map[string]string)
	}
	f.edited[id] = text
	return nil, nil
}
func (f *fakeController) Cancel() bool {
	f.cancelled = f.live
	return f.live
}
func (f *fakeController) Records(context.Context) ([]knowledge.Record, error) {
	return append([]knowledge.Record(nil), f.records...), nil
}
func (f *fakeController) AddKnowledge(_ context.Context, jobRef string, raw []byte) (knowledge.Result, error) {
	if f.addErr != nil {
		return knowledge.Result{}, f.addErr
	}
	if f.added == nil {
		f.added = make(map[string][]byte)
	}
	f.added[jobRef] = raw
	rec := knowledge.Record{LocalID: "id-" + jobRef, JobRef: jobRef, Chunks: []core.KnowledgeChunk{{ID: jobRef + "#0"}}}
	return knowledge.Result{Op: knowledge.OpDeltaUpload, Record: rec, Remaining: 1}, nil
}
func (f *fakeController) RemoveKnowledge(_ context.Context, localID string) (knowledge.Result, error) {
	f.removed = append(f.removed, localID)
	remaining := len(f.records) - 1
	op := knowledge.OpFullReplace
	if remaining == 0 {
		op = knowledge.OpReset
	}
	return knowledge.Result{Op: op, Remaining: remaining}, nil
}
func (f *fakeController) ClearKnowledge(context.Context) (knowledge.Result, error) {
	f.cleared++
	return knowledge.Result{Op: knowledge.OpReset}, nil
}
func (f *fakeController) ResetSession() string {
	f.resets++
	f.token = "session-new"
	return f.token
}

type recorder struct {
	notices []string
	errors  []string
}

func (r *recorder) env(ctl Controller) CommandEnv {
	return CommandEnv{
		Controller:   ctl,
		Context:      context.Background(),
		AppendNotice: func(text string) { r.notices = append(r.notices, text) },
		AppendError:  func(text string) { r.errors = append(r.errors, text) },
	}
}

func runResult(t *testing.T, content string, env CommandEnv) ResultMsg {
	t.Helper()

	cmd := ExecuteSlashCommand(content, env)
	if cmd == nil {
		t.Fatalf("ExecuteSlashCommand(%q) returned nil command", content)
	}
	msg, ok := cmd().(ResultMsg)
	if !ok {
		t.Fatalf("command message type = %T, want ResultMsg", msg)
	}
	return msg
}

func TestHelpCommand(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	if cmd := ExecuteSlashCommand("/help", rec.env(&fakeController{})); cmd != nil {
		t.Fatalf("help returned a command")
	}
	if len(rec.notices) != 1 || !strings.Contains(rec.notices[0], "/add <job-ref> <file>") {
		t.Fatalf("notices = %v, want help text", rec.notices)
	}
}

func TestAddReadsFileAndUploads(t *testing.T) {
	t.Parallel()

	ctl := &fakeController{}
	rec := &recorder{}
	env := rec.env(ctl)
	env.ReadFile = func(path string) ([]byte, error) {
		if path != "result.json" {
			t.Fatalf("ReadFile path = %q, want result.json", path)
		}
		return []byte(`{"summary":"ok"}`), nil
	}

	msg := runResult(t, "/add job-1 result.json", env)
	if msg.Err != nil {
		t.Fatalf("add error = %v", msg.Err)
	}
	if msg.Text != "Added job-1 (1 chunks)." {
		t.Fatalf("add text = %q", msg.Text)
	}
	if string(ctl.added["job-1"]) != `{"summary":"ok"}` {
		t.Fatalf("uploaded raw = %q", ctl.added["job-1"])
	}
}

func TestAddReportsErrors(t *testing.T) {
	t.Parallel()

	ctl := &fakeController{addErr: knowledge.ErrDuplicateRecord}
	rec := &recorder{}
	env := rec.env(ctl)
	env.ReadFile = func(string) ([]byte, error) { return []byte("x"), nil }

	msg := runResult(t, "/add job-1 result.json", env)
	if !errors.Is(msg.Err, knowledge.ErrDuplicateRecord) {
		t.Fatalf("add error = %v, want ErrDuplicateRecord", msg.Err)
	}

	if cmd := ExecuteSlashCommand("/add job-1", env); cmd != nil {
		t.Fatalf("usage error returned a command")
	}
	if len(rec.errors) != 1 || !strings.HasPrefix(rec.errors[0], "usage:") {
		t.Fatalf("errors = %v, want usage", rec.errors)
	}
}

func TestRemoveByIndex(t *testing.T) {
	t.Parallel()

	ctl := &fakeController{records: []knowledge.Record{
		{LocalID: "a", JobRef: "job-a"},
		{LocalID: "b", JobRef: "job-b"},
	}}
	rec := &recorder{}

	msg := runResult(t, "/rm 2", rec.env(ctl))
	if msg.Err != nil {
		t.Fatalf("rm error = %v", msg.Err)
	}
	if len(ctl.removed) != 1 || ctl.removed[0] != "b" {
		t.Fatalf("removed = %v, want [b]", ctl.removed)
	}
	if msg.Text != "Removed record; re-uploaded 1 remaining." {
		t.Fatalf("rm text = %q", msg.Text)
	}

	msg = runResult(t, "/rm 7", rec.env(ctl))
	if !errors.Is(msg.Err, knowledge.ErrRecordNotFound) {
		t.Fatalf("rm error = %v, want ErrRecordNotFound", msg.Err)
	}
}

func TestRemoveLastResets(t *testing.T) {
	t.Parallel()

	ctl := &fakeController{records: []knowledge.Record{{LocalID: "a", JobRef: "job-a"}}}
	rec := &recorder{}

	msg := runResult(t, "/rm a", rec.env(ctl))
	if msg.Text != "Removed the last record; session reset." {
		t.Fatalf("rm text = %q", msg.Text)
	}
}

func TestKBListsRecords(t *testing.T) {
	t.Parallel()

	ctl := &fakeController{records: []knowledge.Record{
		{LocalID: "a", JobRef: "job-a", Chunks: make([]core.KnowledgeChunk, 2)},
	}}
	rec := &recorder{}

	msg := runResult(t, "/kb", rec.env(ctl))
	if !strings.Contains(msg.Text, "1. job-a  a  (2 chunks)") {
		t.Fatalf("kb text = %q", msg.Text)
	}

	msg = runResult(t, "/kb", rec.env(&fakeController{}))
	if msg.Text != "Knowledge base is empty." {
		t.Fatalf("kb text = %q", msg.Text)
	}
}

func TestStatusCommand(t *testing.T) {
	t.Parallel()

	ctl := &fakeController{
		token: "session-1",
		status: poller.Snapshot{
			State:  poller.StateReady,
			Status: core.KnowledgeStatus{HasKnowledge: true, ChunkCount: 4, Domains: []string{"job-a"}},
		},
	}
	rec := &recorder{}

	msg := runResult(t, "/status", rec.env(ctl))
	for _, want := range []string{"session: session-1", "state: ready", "chunks: 4", "domains: job-a"} {
		if !strings.Contains(msg.Text, want) {
			t.Fatalf("status text = %q, want %q", msg.Text, want)
		}
	}
}

func TestStreamingGuards(t *testing.T) {
	t.Parallel()

	ctl := &fakeController{}
	rec := &recorder{}
	env := rec.env(ctl)
	env.ActiveTurn = true

	for _, command := range []string{"/clear", "/reset"} {
		if cmd := ExecuteSlashCommand(command, env); cmd != nil {
			t.Fatalf("%s returned a command while streaming", command)
		}
	}
	if len(rec.errors) != 2 {
		t.Fatalf("errors = %v, want 2", rec.errors)
	}
	if ctl.cleared != 0 || ctl.resets != 0 {
		t.Fatalf("cleared=%d resets=%d, want none", ctl.cleared, ctl.resets)
	}
}

func TestResetAndClear(t *testing.T) {
	t.Parallel()

	ctl := &fakeController{token: "session-old"}
	rec := &recorder{}

	if cmd := ExecuteSlashCommand("/reset", rec.env(ctl)); cmd != nil {
		t.Fatalf("reset returned a command")
	}
	if ctl.resets != 1 || ctl.token != "session-new" {
		t.Fatalf("resets=%d token=%q", ctl.resets, ctl.token)
	}

	msg := runResult(t, "/clear", rec.env(ctl))
	if msg.Err != nil || ctl.cleared != 1 {
		t.Fatalf("clear err=%v cleared=%d", msg.Err, ctl.cleared)
	}
}

func TestRetryAndEditTargetLastMessages(t *testing.T) {
	t.Parallel()

	ctl := &fakeController{}
	rec := &recorder{}
	env := rec.env(ctl)

	if cmd := ExecuteSlashCommand("/retry", env); cmd != nil {
		t.Fatalf("retry without messages returned a command")
	}

	env.LastUserID = "u1"
	env.LastAssistantID = "a1"
	runResult(t, "/retry", env)
	if len(ctl.retried) != 1 || ctl.retried[0] != "a1" {
		t.Fatalf("retried = %v, want [a1]", ctl.retried)
	}

	runResult(t, "/edit what   changed?", env)
	if ctl.edited["u1"] != "what changed?" {
		t.Fatalf("edited = %v", ctl.edited)
	}
}

func TestCancelAndUnknown(t *testing.T) {
	t.Parallel()

	ctl := &fakeController{}
	rec := &recorder{}

	ExecuteSlashCommand("/cancel", rec.env(ctl))
	if len(rec.notices) != 1 || rec.notices[0] != "No response is streaming." {
		t.Fatalf("notices = %v", rec.notices)
	}

	ExecuteSlashCommand("/bogus", rec.env(ctl))
	if len(rec.errors) != 1 || rec.errors[0] != "unknown slash command: /bogus" {
		t.Fatalf("errors = %v", rec.errors)
	}
}

func TestNilController(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	ExecuteSlashCommand("/kb", CommandEnv{AppendError: func(text string) { rec.errors = append(rec.errors, text) }})
	if len(rec.errors) != 1 {
		t.Fatalf("errors = %v, want one", rec.errors)
	}
}
