package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boassistant/bo/internal/storage"
)

// Task is the step-independent classification used to select a model
// tier. Extraction tasks are cheap and go to the simple model;
// conversation/routing go to the standard model; personality/safety
// tasks get the complex model.
type Task int

const (
	TaskSimple Task = iota
	TaskStandard
	TaskComplex
)

// taskByStep is the fixed table mapping a gateway step to its task
// tier. Steps not listed default to TaskStandard.
var taskByStep = map[string]Task{
	"fact_finding":              TaskSimple,
	"what_to_do":                TaskStandard,
	"create_response":           TaskStandard,
	"send_to_contact_recipient": TaskStandard,
	"send_to_contact_sender":    TaskStandard,
	"summary":                   TaskStandard,
	"friend_mode":               TaskComplex,
	"crisis_check":              TaskComplex,
	"moderation":                TaskComplex,
}

func taskForStep(step string) Task {
	if t, ok := taskByStep[step]; ok {
		return t
	}
	return TaskStandard
}

// Models names the three model tiers the gateway selects between.
type Models struct {
	Simple   string
	Standard string
	Complex  string
}

func (m Models) selectModel(task Task) string {
	switch task {
	case TaskSimple:
		return m.Simple
	case TaskComplex:
		return m.Complex
	default:
		return m.Standard
	}
}

// Audit is the subset of the persistence layer the gateway writes
// audit rows to.
type Audit interface {
	InsertLLMAudit(ctx context.Context, e storage.LLMAuditEntry) error
}

// Call is one gateway invocation.
type Call struct {
	RequestID   string
	Owner       string
	UserID      string
	FamilyID    string
	Step        string
	SystemText  string
	UserText    string
	Temperature float64
}

// mockEntry is one (step -> response) pair in a deterministic mock file.
type mockEntry struct {
	Step     string `json:"step"`
	Response any    `json:"response"`
}

// Gateway is the single choke-point for every LLM call: model
// selection, mock substitution in test mode, and audit logging all
// happen here so no caller talks to a provider directly.
type Gateway struct {
	client     Client
	models     Models
	audit      Audit
	logger     *slog.Logger
	requestLog string

	mu       sync.Mutex
	mock     map[string][]any // step -> queued responses, consumed FIFO
	mockFile *os.File
}

// New constructs a Gateway backed by a real provider client.
func New(client Client, models Models, audit Audit, logger *slog.Logger, requestLog string) *Gateway {
	return &Gateway{
		client:     client,
		models:     models,
		audit:      audit,
		logger:     logger.With("component", "llm_gateway"),
		requestLog: requestLog,
	}
}

// LoadMock configures the gateway to serve pre-recorded responses
// instead of calling a provider, for deterministic test runs. The mock
// file is a JSON array of {step, response} objects; responses for a
// step are served in file order, and the last is repeated once
// exhausted.
func (g *Gateway) LoadMock(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read mock file: %w", err)
	}
	var entries []mockEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse mock file: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.mock = make(map[string][]any)
	for _, e := range entries {
		g.mock[e.Step] = append(g.mock[e.Step], e.Response)
	}
	return nil
}

// SetMockRecordFile configures an append-only file that every mock
// (request, response) pair is recorded to, for offline inspection.
func (g *Gateway) SetMockRecordFile(f *os.File) {
	g.mockFile = f
}

const defaultCallTimeout = 30 * time.Second

// Complete executes one gateway call and returns the trimmed text of
// the first choice. Persistence failures are logged and swallowed —
// they must never block the caller's reply.
func (g *Gateway) Complete(ctx context.Context, call Call) (string, error) {
	if call.RequestID == "" {
		id, _ := uuid.NewV7()
		call.RequestID = id.String()
	}

	reqDoc := g.buildRequestDoc(call)

	var responseText string
	var err error
	if g.mockEnabled() {
		responseText = g.mockRespond(call.Step, reqDoc)
	} else {
		responseText, err = g.invoke(ctx, call)
		if err != nil {
			return "", fmt.Errorf("llm call (step %s): %w", call.Step, err)
		}
	}

	g.persist(ctx, call, reqDoc, responseText)
	return responseText, nil
}

func (g *Gateway) mockEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mock != nil
}

func (g *Gateway) mockRespond(step, reqDoc string) string {
	g.mu.Lock()
	queue := g.mock[step]
	var resp any
	if len(queue) == 0 {
		resp = fmt.Sprintf("mock response for step %q", step)
	} else if len(queue) == 1 {
		resp = queue[0]
	} else {
		resp = queue[0]
		g.mock[step] = queue[1:]
	}
	g.mu.Unlock()

	text := stringifyMockResponse(resp)
	if g.mockFile != nil {
		line, _ := json.Marshal(map[string]string{"step": step, "request": reqDoc, "response": text})
		fmt.Fprintln(g.mockFile, string(line))
	}
	return text
}

func stringifyMockResponse(resp any) string {
	if s, ok := resp.(string); ok {
		return s
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Sprintf("%v", resp)
	}
	return string(b)
}

func (g *Gateway) invoke(ctx context.Context, call Call) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	model := g.models.selectModel(taskForStep(call.Step))
	messages := []Message{
		{Role: "system", Content: call.SystemText},
		{Role: "user", Content: call.UserText},
	}

	resp, err := g.client.Chat(ctx, model, messages, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

func (g *Gateway) buildRequestDoc(call Call) string {
	doc := map[string]any{
		"request_id":  call.RequestID,
		"owner":       call.Owner,
		"step":        call.Step,
		"system_text": call.SystemText,
		"user_text":   call.UserText,
		"temperature": call.Temperature,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Sprintf("%v", doc)
	}
	return string(b)
}

func (g *Gateway) persist(ctx context.Context, call Call, reqDoc, responseText string) {
	if g.requestLog != "" {
		g.appendRequestLog(call, reqDoc, responseText)
	}
	if g.audit == nil {
		return
	}
	err := g.audit.InsertLLMAudit(ctx, storage.LLMAuditEntry{
		RequestID:    call.RequestID,
		UserID:       call.UserID,
		FamilyID:     call.FamilyID,
		Owner:        call.Owner,
		Step:         call.Step,
		RequestDoc:   reqDoc,
		ResponseText: responseText,
	})
	if err != nil {
		g.logger.Warn("llm audit persistence failed", "request_id", call.RequestID, "step", call.Step, "error", err)
	}
}

func (g *Gateway) appendRequestLog(call Call, reqDoc, responseText string) {
	f, err := os.OpenFile(g.requestLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		g.logger.Warn("request log open failed", "error", err)
		return
	}
	defer f.Close()
	line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s\n", time.Now().UTC().Format(time.RFC3339), call.RequestID, call.Step, call.Owner, strings.ReplaceAll(responseText, "\n", " "))
	if _, err := f.WriteString(line); err != nil {
		g.logger.Warn("request log write failed", "error", err)
	}
	_ = reqDoc
}
