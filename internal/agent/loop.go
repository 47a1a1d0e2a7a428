package agent

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/tether-agent/internal/analyzer"
	"github.com/nugget/tether-agent/internal/events"
	"github.com/nugget/tether-agent/internal/extract"
	"github.com/nugget/tether-agent/internal/history"
	"github.com/nugget/tether-agent/internal/llm"
	"github.com/nugget/tether-agent/internal/plugins"
	"github.com/nugget/tether-agent/internal/prompts"
	"github.com/nugget/tether-agent/internal/sanitize"
	"github.com/nugget/tether-agent/internal/session"
)

// Status texts shown while a request runs.
const (
	statusAnalyzing = "🧠 *Analyzing request with AI...*"
	statusStarting  = "⏳ *Analyzing request...*"
	statusRunning   = "📦 *Running %s...*"
)

// Deps are the collaborators a Loop drives. Personas and Events may be
// nil.
type Deps struct {
	Model     Model
	Analyzer  Analyzer
	Catalog   Catalog
	Executor  Executor
	Sessions  *session.Manager
	History   History
	Transport Transport
	Personas  Personas
	Events    *events.Bus
}

// Loop is the agent's request orchestrator. One Loop serves every user;
// the session manager keeps each user to one request at a time.
type Loop struct {
	cfg       Config
	model     Model
	analyzer  Analyzer
	catalog   Catalog
	executor  Executor
	sessions  *session.Manager
	history   History
	transport Transport
	personas  Personas
	bus       *events.Bus
	logger    *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLoop creates a loop. Zero Config fields take their defaults.
func NewLoop(cfg Config, deps Deps, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:       cfg.withDefaults(),
		model:     deps.Model,
		analyzer:  deps.Analyzer,
		catalog:   deps.Catalog,
		executor:  deps.Executor,
		sessions:  deps.Sessions,
		history:   deps.History,
		transport: deps.Transport,
		personas:  deps.Personas,
		bus:       deps.Events,
		logger:    logger.With("component", "agent"),
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// Config returns the effective configuration.
func (l *Loop) Config() Config { return l.cfg }

// Busy reports whether userID has a request in flight.
func (l *Loop) Busy(userID string) bool { return l.sessions.Active(userID) }

// Run handles one user message end to end: it records the message,
// analyzes it, and either replies immediately or iterates with tools
// until it can answer. Every reply goes out through the transport and
// into history.
//
// Run returns ErrBusy without side effects when the user already has a
// request in flight. Any other error means the request aborted; the user
// has already been sent a generic apology and the session is gone.
func (l *Loop) Run(ctx context.Context, req Request) (out *Outcome, err error) {
	start := l.now()
	out = &Outcome{RequestID: generateRequestID(), UserID: req.UserID}

	if err := l.sessions.TryBegin(req.UserID, req.Text); err != nil {
		return out, ErrBusy
	}

	log := l.logger.With("request_id", out.RequestID, "user", req.UserID)
	st := &status{transport: l.transport, userID: req.UserID, bus: l.bus, logger: log}
	ctx = plugins.WithUserID(ctx, req.UserID)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent loop panic: %v", r)
		}
		if err != nil {
			out.enter(StateFailed)
			log.Error("request failed", "error", err, "iterations", out.Iterations)

			// The apology goes out even if ctx is what failed.
			bg := context.WithoutCancel(ctx)
			st.clear(bg)
			if sendErr := l.transport.SendText(bg, req.UserID, prompts.ErrorReply); sendErr != nil {
				log.Warn("error reply failed", "error", sendErr)
			}
		}
		l.sessions.Clear(req.UserID)

		out.Elapsed = l.now().Sub(start)
		l.bus.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{
			"request_id": out.RequestID,
			"user":       req.UserID,
			"state":      string(out.State),
			"iterations": out.Iterations,
			"elapsed_ms": out.Elapsed.Milliseconds(),
		})
		log.Info("request complete",
			"state", out.State,
			"strategy", out.Strategy,
			"iterations", out.Iterations,
			"budget", out.Budget,
			"tools", out.Tools,
			"elapsed", out.Elapsed.Round(time.Millisecond),
		)
	}()

	l.remember(ctx, log, req.UserID, llm.RoleUser, req.Text)

	out.enter(StateAnalyzing)
	st.update(ctx, statusAnalyzing)

	recent := l.recent(ctx, log, req.UserID, l.cfg.AnalysisTurns)
	analysis := l.analyzer.Analyze(ctx, req.Text, promptTurns(recent))
	out.Strategy = string(analysis.Strategy)
	l.bus.Emit(events.SourceAgent, events.KindAnalysis, map[string]any{
		"request_id": out.RequestID,
		"user":       req.UserID,
		"intent":     analysis.Intent,
		"confidence": analysis.Confidence,
		"strategy":   out.Strategy,
	})
	if analysis.Reasoning != "" {
		log.Debug("analysis reasoning", "reasoning", analysis.Reasoning)
	}

	switch analysis.Strategy {
	case analyzer.StrategyClarify:
		return out, l.clarify(ctx, log, st, out, analysis.ClarifyingQuestion)
	case analyzer.StrategyDirectAnswer:
		if analysis.DirectAnswer != "" {
			out.enter(StateAnsweringDirect)
			if err := l.reply(ctx, log, req.UserID, analysis.DirectAnswer, out); err != nil {
				return out, err
			}
			st.clear(ctx)
			return out, nil
		}
	case analyzer.StrategyConversational:
		out.enter(StateConversing)
	}

	out.Budget = l.cfg.MaxIterations
	if analysis.Strategy.UsesTools() {
		out.Budget = analyzer.AdaptiveBudget(analysis.EstimatedIterations, l.cfg.MaxIterations)
	}
	l.bus.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"request_id": out.RequestID,
		"user":       req.UserID,
		"strategy":   out.Strategy,
		"budget":     out.Budget,
	})
	log.Info("agent loop starting",
		"strategy", out.Strategy,
		"estimated_iterations", analysis.EstimatedIterations,
		"budget", out.Budget,
	)

	return out, l.iterate(ctx, log, st, req, analysis.Guidance, out)
}

func (l *Loop) clarify(ctx context.Context, log *slog.Logger, st *status, out *Outcome, question string) error {
	out.enter(StateClarifying)
	if question == "" {
		question = prompts.DefaultClarification
	}
	if err := l.transport.SendText(ctx, out.UserID, prompts.ClarifyPrefix+question); err != nil {
		return fmt.Errorf("send clarification: %w", err)
	}
	out.Reply = question
	l.remember(ctx, log, out.UserID, llm.RoleAssistant, question)
	st.clear(ctx)
	return nil
}

// iterate runs the generate, extract, dispatch, record cycle until a
// finish signal or the budget runs out.
func (l *Loop) iterate(ctx context.Context, log *slog.Logger, st *status, req Request, guidance string, out *Outcome) error {
	catalog := prompts.ToolCatalog(l.catalog.List())
	persona := ""
	if l.personas != nil {
		persona = l.personas.Persona(ctx, req.UserID)
	}

	st.update(ctx, statusStarting)

	for iter := 1; iter <= out.Budget; iter++ {
		out.enter(StateIterating)
		out.Iterations = iter
		log.Info("agent iteration", "iter", iter, "budget", out.Budget)

		system := prompts.AgentSystemPrompt(prompts.AgentData{
			AgentName:     l.cfg.AgentName,
			OwnerName:     l.cfg.OwnerName,
			Persona:       persona,
			Now:           l.now(),
			Iteration:     iter,
			MaxIterations: out.Budget,
			Tools:         catalog,
			Context:       l.sessions.Context(req.UserID),
			Guidance:      guidance,
		})
		turns := llmTurns(l.recent(ctx, log, req.UserID, l.cfg.ContextTurns))
		if len(turns) == 0 {
			turns = []llm.Message{{Role: llm.RoleUser, Content: req.Text}}
		}

		l.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
			"request_id": out.RequestID,
			"iter":       iter,
		})
		text, err := l.model.Converse(ctx, system, turns)
		if err != nil {
			return fmt.Errorf("generation %d: %w", iter, err)
		}

		parsed := extract.Parse(text)
		l.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
			"request_id": out.RequestID,
			"iter":       iter,
			"chars":      len(text),
			"candidates": parsed.Candidates,
			"dropped":    parsed.Dropped,
		})
		if parsed.Thought != "" {
			log.Debug("thought", "text", parsed.Thought)
		}
		if parsed.Dropped > 0 {
			log.Warn("unrecoverable tool call dropped", "iter", iter, "dropped", parsed.Dropped)
		}

		hasCall := len(parsed.Calls) > 0
		repeated := false
		if hasCall {
			action := actionText(parsed)
			prev := l.lastIteration(req.UserID)
			if plugins.IsRepeat(action, prev.Action, prev.Failed) {
				log.Warn("model repeated its last successful action, finishing", "iter", iter, "action", action)
				l.bus.Emit(events.SourceAgent, events.KindRepeat, map[string]any{
					"request_id": out.RequestID,
					"iter":       iter,
					"action":     action,
				})
				repeated = true
			} else {
				out.enter(StateExecuting)
				results := l.execute(ctx, log, st, out, parsed.Calls)
				if err := l.sessions.AddIteration(req.UserID, session.IterationRecord{
					Thought:     parsed.Thought,
					Action:      action,
					Observation: plugins.Observation(results),
					Failed:      plugins.AnyFailed(results),
				}); err != nil {
					return fmt.Errorf("record iteration %d: %w", iter, err)
				}
				if !parsed.HasAnswer {
					if err := l.sleep(ctx, l.cfg.ActionDelay); err != nil {
						return err
					}
					continue
				}
			}
		}

		// A model that stops calling tools after the first iteration is
		// treated as done even without an answer marker.
		if parsed.HasAnswer || repeated || (!hasCall && iter > 1) {
			answer := parsed.Answer
			if !parsed.HasAnswer {
				answer = parsed.Stripped
			}
			return l.finish(ctx, log, st, out, sanitize.Text(answer), true)
		}

		if iter == 1 && !hasCall {
			if answer := sanitize.Text(parsed.Stripped); answer != "" {
				return l.finish(ctx, log, st, out, answer, false)
			}
		}
	}

	out.enter(StateTimedOut)
	log.Warn("iteration budget exhausted", "budget", out.Budget)
	st.clear(ctx)
	return l.reply(ctx, log, req.UserID, prompts.RephraseReply, out)
}

// execute dispatches every call of one iteration and returns the
// results in call order.
func (l *Loop) execute(ctx context.Context, log *slog.Logger, st *status, out *Outcome, calls []extract.ToolCall) []plugins.Result {
	results := make([]plugins.Result, 0, len(calls))
	for _, c := range calls {
		name := c.Plugin
		if d := l.catalog.Resolve(c.Plugin); d != nil {
			name = d.Label()
		}
		st.update(ctx, fmt.Sprintf(statusRunning, name))

		l.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
			"request_id": out.RequestID,
			"tool":       c.Plugin + "." + c.Function,
		})
		r := l.executor.Execute(ctx, plugins.Call{
			Plugin:   c.Plugin,
			Function: c.Function,
			Args:     c.Args,
			List:     c.List,
		})
		l.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
			"request_id":  out.RequestID,
			"tool":        r.Call,
			"ok":          !r.Failed(),
			"duration_ms": r.Duration.Milliseconds(),
		})

		if r.Failed() {
			log.Warn("tool call failed", "tool", r.Call, "error", r.Error, "stage", c.Stage)
		} else {
			log.Info("tool call complete", "tool", r.Call, "elapsed", r.Duration.Round(time.Millisecond))
		}
		if !slices.Contains(out.Tools, r.Call) {
			out.Tools = append(out.Tools, r.Call)
		}
		results = append(results, r)
	}
	return results
}

// finish sends the final answer and closes the session. complete adds
// the closing iteration to the trace.
func (l *Loop) finish(ctx context.Context, log *slog.Logger, st *status, out *Outcome, answer string, complete bool) error {
	out.enter(StateFinishing)

	reply := answer
	if reply == "" {
		reply = prompts.TaskCompleteReply
	}
	st.clear(ctx)
	if err := l.reply(ctx, log, out.UserID, reply, out); err != nil {
		return err
	}

	if complete {
		if err := l.sessions.AddIteration(out.UserID, session.IterationRecord{
			Thought:     "Task complete",
			Observation: "Final response sent to user",
		}); err != nil {
			log.Debug("closing iteration not recorded", "error", err)
		}
	}
	final := answer
	if final == "" {
		final = "Completed"
	}
	if s, ok := l.sessions.End(out.UserID, final); ok {
		log.Debug("session closed", "iterations", len(s.Iterations))
	}
	return nil
}

// reply sends text to the user and records it as an assistant turn.
func (l *Loop) reply(ctx context.Context, log *slog.Logger, userID, text string, out *Outcome) error {
	if err := l.transport.SendText(ctx, userID, text); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	out.Reply = text
	l.remember(ctx, log, userID, llm.RoleAssistant, text)
	return nil
}

// remember writes one turn to history. Storage failures are logged; the
// conversation goes on without them.
func (l *Loop) remember(ctx context.Context, log *slog.Logger, userID, role, content string) {
	if err := l.history.Append(ctx, userID, role, content); err != nil {
		log.Warn("history write failed", "role", role, "error", err)
	}
}

func (l *Loop) recent(ctx context.Context, log *slog.Logger, userID string, limit int) []history.Message {
	msgs, err := l.history.Recent(ctx, userID, limit)
	if err != nil {
		log.Warn("history read failed", "error", err)
		return nil
	}
	return msgs
}

func (l *Loop) lastIteration(userID string) session.IterationRecord {
	s, ok := l.sessions.Get(userID)
	if !ok {
		return session.IterationRecord{}
	}
	last, _ := s.Last()
	return last
}

// actionText is what the repeat guard compares: the labeled action
// region, or the first recovered call when the model skipped the marker.
func actionText(r extract.Result) string {
	if r.Action != "" {
		return r.Action
	}
	return r.FirstAction()
}

func promptTurns(msgs []history.Message) []prompts.Turn {
	turns := make([]prompts.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, prompts.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

func llmTurns(msgs []history.Message) []llm.Message {
	turns := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleUser, llm.RoleAssistant:
			turns = append(turns, llm.Message{Role: m.Role, Content: m.Content})
		}
	}
	return turns
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// generateRequestID returns a short id for correlating the log lines
// and events of one request.
func generateRequestID() string {
	id := uuid.New()
	return "r_" + hex.EncodeToString(id[:4])
}
