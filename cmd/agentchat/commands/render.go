package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/telnet2/go-practice/agentstream/internal/event"
	"github.com/telnet2/go-practice/agentstream/internal/reconcile"
	"github.com/telnet2/go-practice/agentstream/internal/trace"
	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

// Renderer prints a conversation and the live trace of the running turn.
type Renderer struct {
	out  io.Writer
	json bool
	now  func() time.Time

	mu      sync.Mutex
	turnID  string
	orch    int
	workers int
	start   time.Time
}

// NewRenderer creates a Renderer writing to out.
func NewRenderer(out io.Writer, noColor, jsonOut bool) *Renderer {
	color.NoColor = noColor || color.NoColor
	return &Renderer{out: out, json: jsonOut, now: time.Now}
}

var (
	dim       = color.New(color.FgHiBlack)
	userTag   = color.New(color.FgCyan, color.Bold)
	agentTag  = color.New(color.FgGreen, color.Bold)
	stepTag   = color.New(color.FgMagenta)
	toolTag   = color.New(color.FgYellow)
	errorTag  = color.New(color.FgRed, color.Bold)
	sourceTag = color.New(color.FgBlue)
)

// Attach renders the turn events published on bus. Events of other sessions
// are skipped when sessionID returns a non-empty id.
func (r *Renderer) Attach(bus *event.Bus, sessionID func() string) func() {
	return bus.SubscribeAll(func(e event.Event) {
		id := eventSession(e)
		if id == "" {
			return
		}
		if want := sessionID(); want != "" && id != want {
			return
		}
		r.Handle(e)
	})
}

func eventSession(e event.Event) string {
	switch d := e.Data.(type) {
	case event.TurnStartedData:
		return d.SessionID
	case event.TraceUpdatedData:
		return d.SessionID
	case event.TurnCompletedData:
		return d.SessionID
	case event.TurnFailedData:
		return d.SessionID
	case event.TurnAbortedData:
		return d.SessionID
	}
	return ""
}

// Handle renders one bus event.
func (r *Renderer) Handle(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch d := e.Data.(type) {
	case event.TurnStartedData:
		r.reset(d.TurnID)
	case event.TraceUpdatedData:
		if d.TurnID != r.turnID {
			r.reset(d.TurnID)
		}
		r.traceLocked(d.Trace)
	case event.TurnCompletedData:
		r.assistantLocked(d.Assistant)
		r.footerLocked(d.Assistant.Stats)
	case event.TurnFailedData:
		r.emit("error", d.Error, func() { errorTag.Fprintf(r.out, "error › %s\n", d.Error) })
	case event.TurnAbortedData:
		r.emit("aborted", "", func() { dim.Fprintln(r.out, "(turn aborted)") })
	}
}

func (r *Renderer) reset(turnID string) {
	r.turnID = turnID
	r.orch, r.workers = 0, 0
	r.start = time.Time{}
}

// traceLocked prints the steps of lt that were not printed yet. The trace is
// a whole snapshot, so the renderer only remembers how far it got.
func (r *Renderer) traceLocked(lt trace.LiveTrace) {
	if r.start.IsZero() {
		r.start = lt.StartTime
	}
	for _, st := range lt.OrchestratorSteps[min(r.orch, len(lt.OrchestratorSteps)):] {
		r.emit("orchestrator_step", st, func() {
			stepTag.Fprintf(r.out, "◆ %s", st.Phase)
			dim.Fprintf(r.out, " (%d tokens)", st.Tokens)
			if st.Reasoning != "" {
				fmt.Fprintf(r.out, " %s", st.Reasoning)
			}
			fmt.Fprintln(r.out)
		})
	}
	r.orch = max(r.orch, len(lt.OrchestratorSteps))

	for _, st := range lt.WorkerSteps[min(r.workers, len(lt.WorkerSteps)):] {
		r.emit("worker_step", st, func() {
			status := "ok"
			if !st.Success {
				status = "failed"
			}
			toolTag.Fprintf(r.out, "  → %s %s (%s", st.Tool, st.TaskID, status)
			if n := len(st.Documents); n > 0 {
				toolTag.Fprintf(r.out, ", %d docs", n)
			}
			toolTag.Fprintln(r.out, ")")
		})
	}
	r.workers = max(r.workers, len(lt.WorkerSteps))
}

func (r *Renderer) assistantLocked(m *types.ConfirmedMessage) {
	r.emit("assistant", m, func() {
		fmt.Fprintf(r.out, "%s %s\n", agentTag.Sprint("agent ›"), m.Content)
		for i, src := range m.Sources {
			line := fmt.Sprintf("  [%d] %s", i+1, src.Title)
			if src.DocumentID != "" {
				line += " (" + src.DocumentID + ")"
			} else if src.URL != "" {
				line += " <" + src.URL + ">"
			}
			sourceTag.Fprintln(r.out, line)
		}
	})
}

func (r *Renderer) footerLocked(stats *types.UsageStats) {
	if r.json || stats == nil {
		return
	}
	parts := []string{fmt.Sprintf("%d tokens (orchestrator %d, worker %d)",
		stats.TotalTokens, stats.OrchestratorTokens, stats.WorkerTokens)}
	if stats.CostUSD > 0 {
		parts = append(parts, fmt.Sprintf("$%.4f", stats.CostUSD))
	}
	if !r.start.IsZero() {
		parts = append(parts, r.now().Sub(r.start).Round(100*time.Millisecond).String())
	}
	dim.Fprintln(r.out, strings.Join(parts, " · "))
}

// User echoes the user's message.
func (r *Renderer) User(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emit("user", text, func() { fmt.Fprintf(r.out, "%s %s\n", userTag.Sprint("you ›"), text) })
}

// Info prints a dim status line.
func (r *Renderer) Info(format string, args ...any) {
	if r.json {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	dim.Fprintf(r.out, format+"\n", args...)
}

// History prints a session's message list.
func (r *Renderer) History(s reconcile.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range s.Messages {
		switch msg := m.(type) {
		case *types.ConfirmedMessage:
			if msg.Role == types.RoleUser {
				r.emit("user", msg.Content, func() { fmt.Fprintf(r.out, "%s %s\n", userTag.Sprint("you ›"), msg.Content) })
			} else {
				r.assistantLocked(msg)
			}
		case *types.PendingMessage:
			if msg.Role == types.RoleUser {
				r.emit("pending", msg.Content, func() { dim.Fprintf(r.out, "you › %s (sending)\n", msg.Content) })
			}
		}
	}
}

// emit writes v as a JSON line in JSON mode, or runs text otherwise.
func (r *Renderer) emit(kind string, v any, text func()) {
	if !r.json {
		text()
		return
	}
	b, _ := json.Marshal(map[string]any{"type": kind, "data": v})
	fmt.Fprintln(r.out, string(b))
}
