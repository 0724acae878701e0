package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	cfotel "github.com/textualy/autoreply/internal/adapter/otel"
	"github.com/textualy/autoreply/internal/domain"
	"github.com/textualy/autoreply/internal/domain/agent"
	"github.com/textualy/autoreply/internal/domain/audit"
	"github.com/textualy/autoreply/internal/domain/conversation"
	"github.com/textualy/autoreply/internal/domain/lead"
	"github.com/textualy/autoreply/internal/port/database"
	"github.com/textualy/autoreply/internal/port/llm"
)

// LoopState is a state of the tool-calling loop.
type LoopState int

const (
	StateAgent LoopState = iota
	StateTools
	StateEnd
)

func (s LoopState) String() string {
	switch s {
	case StateAgent:
		return "agent"
	case StateTools:
		return "tools"
	case StateEnd:
		return "end"
	default:
		return fmt.Sprintf("LoopState(%d)", int(s))
	}
}

// identityAttempts bounds retries when a generated identity is already taken.
const identityAttempts = 3

// Turn is everything one run of the loop needs.
type Turn struct {
	Agent   *agent.Agent
	System  string
	History []conversation.Message
	Tools   ToolContext
}

// TurnResult describes a finished (or aborted) run.
type TurnResult struct {
	// Reply is the last assistant message; its body goes to the lead.
	Reply      conversation.Message
	Iterations int
	// Written lists the identities of every message the run persisted.
	Written []time.Time
}

// ToolLoop alternates model turns and tool execution until the model stops
// requesting tools. Every transition is persisted before the next one starts.
type ToolLoop struct {
	store         database.ConversationStore
	model         llm.ChatModel
	tools         *ToolExecutor
	stamper       *Stamper
	audit         *AuditRecorder
	metrics       *cfotel.Metrics
	maxIterations int
}

// NewToolLoop creates a ToolLoop capped at maxIterations model turns.
func NewToolLoop(store database.ConversationStore, model llm.ChatModel, tools *ToolExecutor, stamper *Stamper, recorder *AuditRecorder, maxIterations int) *ToolLoop {
	return &ToolLoop{
		store:         store,
		model:         model,
		tools:         tools,
		stamper:       stamper,
		audit:         recorder,
		maxIterations: maxIterations,
	}
}

// SetMetrics wires OpenTelemetry instruments.
func (l *ToolLoop) SetMetrics(m *cfotel.Metrics) { l.metrics = m }

// Run executes the loop. The result is non-nil even on error so callers
// can see what was persisted.
func (l *ToolLoop) Run(ctx context.Context, turn *Turn) (*TurnResult, error) {
	res := &TurnResult{}
	msgs := ToModelMessages(turn.System, turn.History)
	var pending []llm.ToolCall

	state := StateAgent
	for state != StateEnd {
		switch state {
		case StateAgent:
			if res.Iterations >= l.maxIterations {
				return res, fmt.Errorf("%w: %d model turns", lead.ErrToolLoopExceeded, res.Iterations)
			}
			res.Iterations++

			resp, err := l.callModel(ctx, turn, msgs, res.Iterations)
			if err != nil {
				return res, err
			}
			reply, err := l.appendMessage(ctx, turn, res, conversation.Message{
				Body:      resp.Content,
				Direction: conversation.DirectionOutbound,
				UserID:    conversation.AIUserID,
				UserName:  conversation.AIUserName,
				AgentID:   turn.Agent.ID,
				ToolCalls: toStoredToolCalls(resp.ToolCalls),
				ShowUser:  resp.Content != "",
			})
			if err != nil {
				return res, err
			}
			res.Reply = reply
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})

			if len(resp.ToolCalls) == 0 {
				state = StateEnd
			} else {
				pending = resp.ToolCalls
				state = StateTools
			}

		case StateTools:
			results, err := l.runTools(ctx, turn, res, pending)
			if err != nil {
				return res, err
			}
			msgs = append(msgs, results...)
			pending = nil
			state = StateAgent
		}
	}
	return res, nil
}

func (l *ToolLoop) callModel(ctx context.Context, turn *Turn, msgs []llm.Message, iteration int) (*llm.ChatResponse, error) {
	ctx, span := cfotel.StartModelTurnSpan(ctx, turn.Agent.ID, turn.Agent.Model, iteration)
	resp, err := l.model.Chat(ctx, llm.ChatRequest{
		APIKey:   turn.Agent.APIKey,
		Model:    turn.Agent.Model,
		Messages: msgs,
		Tools:    l.tools.Definitions(),
	})
	cfotel.EndSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("model turn %d: %w", iteration, err)
	}
	l.metrics.RecordModelTurn(ctx, turn.Agent.Model, resp.TokensIn, resp.TokensOut)
	slog.DebugContext(ctx, "model turn",
		"iteration", iteration,
		"tool_calls", len(resp.ToolCalls),
		"finish_reason", resp.FinishReason,
	)
	return resp, nil
}

// runTools validates every call before running any, then runs them
// concurrently. Results come back in call order.
func (l *ToolLoop) runTools(ctx context.Context, turn *Turn, res *TurnResult, calls []llm.ToolCall) ([]llm.Message, error) {
	bound := make([]boundCall, len(calls))
	for i, call := range calls {
		run, err := l.tools.Bind(call)
		if err != nil {
			return nil, err
		}
		bound[i] = run
	}

	out := make([]llm.Message, len(calls))
	written := make([]time.Time, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			tctx, span := cfotel.StartToolCallSpan(gctx, call.ID, call.Name)
			body, err := l.execute(tctx, turn, bound[i])
			cfotel.EndSpan(span, err)
			if err != nil {
				return fmt.Errorf("tool %s: %w", call.Name, err)
			}
			if l.metrics != nil {
				l.metrics.ToolCalls.Add(tctx, 1)
			}

			m, err := l.persist(gctx, turn, conversation.Message{
				Body:       body,
				Direction:  conversation.DirectionOutbound,
				UserID:     conversation.AIUserID,
				UserName:   conversation.AIUserName,
				AgentID:    turn.Agent.ID,
				ToolName:   call.Name,
				ToolCallID: call.ID,
			})
			if err != nil {
				return err
			}
			written[i] = m.DateAdded
			out[i] = llm.Message{Role: llm.RoleTool, Content: body, ToolCallID: call.ID, Name: call.Name}
			return nil
		})
	}
	err := g.Wait()
	for _, at := range written {
		if !at.IsZero() {
			res.Written = append(res.Written, at)
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *ToolLoop) execute(ctx context.Context, turn *Turn, run boundCall) (string, error) {
	result, err := run(ctx, turn.Tools)
	if err != nil {
		return "", err
	}
	return ResultBody(result)
}

func (l *ToolLoop) appendMessage(ctx context.Context, turn *Turn, res *TurnResult, m conversation.Message) (conversation.Message, error) {
	m, err := l.persist(ctx, turn, m)
	if err != nil {
		return m, err
	}
	res.Written = append(res.Written, m.DateAdded)
	return m, nil
}

// persist writes m under a fresh identity, retrying if the identity is taken.
func (l *ToolLoop) persist(ctx context.Context, turn *Turn, m conversation.Message) (conversation.Message, error) {
	var err error
	for range identityAttempts {
		m.DateAdded = l.stamper.Next()
		err = l.store.CreateMessage(ctx, turn.Tools.Ref, &m)
		if err == nil {
			l.audit.Record(ctx, turn.Tools.Endpoint, audit.OpDBWrite, turn.Tools.Session.LocationID, turn.Tools.ContactID, m)
			return m, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			break
		}
	}
	return m, fmt.Errorf("persist message: %w", err)
}

// ToModelMessages converts stored history into model input behind the system prompt.
// Tool results are placed directly after the assistant message that requested
// them. A history window can cut a call apart from its result, so results
// whose call is not in the window are dropped, and so are calls whose result
// is missing.
func ToModelMessages(system string, history []conversation.Message) []llm.Message {
	requested := make(map[string]bool)
	results := make(map[string]*conversation.Message)
	for i := range history {
		m := &history[i]
		if m.IsToolResult() {
			if _, seen := results[m.ToolCallID]; requested[m.ToolCallID] && !seen {
				results[m.ToolCallID] = m
			}
			continue
		}
		for _, c := range m.ToolCalls {
			requested[c.ID] = true
		}
	}

	out := make([]llm.Message, 0, len(history)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: system})
	for i := range history {
		m := &history[i]
		switch {
		case m.IsToolResult():
		case m.Direction == conversation.DirectionInbound:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Body})
		default:
			var calls []conversation.ToolCall
			for _, c := range m.ToolCalls {
				if results[c.ID] != nil {
					calls = append(calls, c)
				}
			}
			if len(m.ToolCalls) > 0 && len(calls) == 0 && m.Body == "" {
				continue
			}
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: m.Body, ToolCalls: toModelToolCalls(calls)})
			for _, c := range calls {
				r := results[c.ID]
				out = append(out, llm.Message{Role: llm.RoleTool, Content: r.Body, ToolCallID: r.ToolCallID, Name: r.ToolName})
				delete(results, c.ID)
			}
		}
	}
	return out
}

func toStoredToolCalls(calls []llm.ToolCall) []conversation.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]conversation.ToolCall, len(calls))
	for i, c := range calls {
		var args map[string]any
		if err := json.Unmarshal([]byte(c.Arguments), &args); err != nil {
			args = map[string]any{"_raw": c.Arguments}
		}
		out[i] = conversation.ToolCall{ID: c.ID, Name: c.Name, Args: args}
	}
	return out
}

func toModelToolCalls(calls []conversation.ToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, len(calls))
	for i, c := range calls {
		args, err := json.Marshal(c.Args)
		if err != nil || c.Args == nil {
			args = []byte("{}")
		}
		out[i] = llm.ToolCall{ID: c.ID, Name: c.Name, Arguments: string(args)}
	}
	return out
}
