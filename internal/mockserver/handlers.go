package mockserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/telnet2/go-practice/agentstream/internal/protocol"
	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sortedSessions())
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
			return
		}
	}
	now := s.now().UnixMilli()
	rec := &sessionRecord{session: types.Session{
		ID:    newID("ses"),
		Title: req.Title,
		Time:  types.SessionTime{Created: now, Updated: now},
	}}

	s.mu.Lock()
	s.sessions[rec.session.ID] = rec
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, rec.session)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.sessionByID(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	s.mu.RLock()
	sess := rec.session
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.sessionByID(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	s.mu.RLock()
	msgs := append([]*types.ConfirmedMessage{}, rec.messages...)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) lookupDocument(w http.ResponseWriter, r *http.Request) {
	title := r.URL.Query().Get("title")
	for _, d := range s.cfg.Documents {
		if strings.EqualFold(d.Title, title) {
			writeJSON(w, http.StatusOK, map[string]string{"id": d.ID, "title": d.Title})
			return
		}
	}
	writeError(w, http.StatusNotFound, ErrCodeNotFound, "document not found")
}

type streamRequest struct {
	Message     string                 `json:"message"`
	Attachments []types.AttachmentInfo `json:"attachments"`
	AgentMode   types.AgentMode        `json:"agent_mode"`
}

// streamTurn plays the scenario matching the message.
func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	rec, ok := s.sessionByID(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "message is required")
		return
	}
	if _, err := types.ParseAgentMode(string(req.AgentMode)); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	sc := s.cfg.Find(req.Message)
	if sc == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no scenario matches the message")
		return
	}
	if sc.Status != 0 && (sc.Status < 200 || sc.Status > 299) {
		writeError(w, sc.Status, ErrCodeUnavailable, "agent is unavailable")
		return
	}

	format := s.format(r)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	log := s.log.With().Str("sessionID", sessionID).Str("scenario", sc.Name).Str("turnID", r.Header.Get("X-Turn-ID")).Logger()
	log.Debug().Str("format", format.String()).Msg("playing scenario")

	p := &player{
		ew:    newEventWriter(w, format),
		delay: time.Duration(s.cfg.Settings.StepDelayMS) * time.Millisecond,
		done:  r.Context().Done(),
	}
	if err := p.play(sc); err != nil {
		log.Debug().Err(err).Msg("client went away")
		return
	}
	if sc.Abrupt || sc.Error != "" {
		p.terminate(sc)
		return
	}

	user, assistant := s.persist(rec, req, sc, p.orchestratorTokens)
	payload := types.ResponsePayload{
		Content:            assistant.Content,
		Sources:            assistant.Sources,
		Stats:              assistant.Stats,
		Trace:              assistant.Trace,
		UserMessageID:      user.ID,
		AssistantMessageID: assistant.ID,
	}
	if p.send(types.EventResponse, payload) == nil {
		_ = p.send(types.EventDone, nil)
	}
}

// format picks the framing: ?format= wins, then the configured default.
func (s *Server) format(r *http.Request) protocol.Format {
	f := r.URL.Query().Get("format")
	if f == "" {
		f = s.cfg.Settings.Format
	}
	if f == "ndjson" {
		return protocol.FormatNDJSON
	}
	return protocol.FormatSSE
}

// persist records the turn's messages so history reflects it.
func (s *Server) persist(rec *sessionRecord, req streamRequest, sc *Scenario, orchestratorTokens int) (*types.ConfirmedMessage, *types.ConfirmedMessage) {
	now := s.now()
	reply := sc.Response
	if reply == nil {
		reply = &ResponseSpec{}
	}

	sources := make([]types.SourceRef, len(reply.Sources))
	for i, src := range reply.Sources {
		sources[i] = types.SourceRef{Title: src.Title, URL: src.URL, DocumentID: src.DocumentID, Score: src.Score}
	}
	stats := &types.UsageStats{
		OrchestratorTokens: orchestratorTokens,
		WorkerTokens:       reply.WorkerTokens,
		TotalTokens:        orchestratorTokens + reply.WorkerTokens,
		CostUSD:            reply.CostUSD,
	}
	tr := &types.AgentTrace{Stats: stats}
	for _, st := range sc.Steps {
		if st.IsWorker() {
			tr.WorkerSteps = append(tr.WorkerSteps, st.toWorker())
		} else {
			tr.OrchestratorSteps = append(tr.OrchestratorSteps, st.toOrchestrator())
		}
	}

	user := &types.ConfirmedMessage{
		ID:          newID("msg"),
		SessionID:   rec.session.ID,
		Role:        types.RoleUser,
		Content:     req.Message,
		Attachments: req.Attachments,
		CreatedAt:   now,
	}
	assistant := &types.ConfirmedMessage{
		ID:        newID("msg"),
		SessionID: rec.session.ID,
		Role:      types.RoleAssistant,
		Content:   reply.Content,
		Sources:   sources,
		Stats:     stats,
		Trace:     tr,
		CreatedAt: now,
	}

	s.mu.Lock()
	rec.messages = append(rec.messages, user, assistant)
	rec.session.Time.Updated = now.UnixMilli()
	s.mu.Unlock()
	return user, assistant
}

// player writes one scenario with pacing.
type player struct {
	ew                 *eventWriter
	delay              time.Duration
	done               <-chan struct{}
	orchestratorTokens int
}

func (p *player) wait() error {
	if p.delay <= 0 {
		select {
		case <-p.done:
			return http.ErrAbortHandler
		default:
			return nil
		}
	}
	t := time.NewTimer(p.delay)
	defer t.Stop()
	select {
	case <-p.done:
		return http.ErrAbortHandler
	case <-t.C:
		return nil
	}
}

func (p *player) send(t types.EventType, data any) error {
	if err := p.wait(); err != nil {
		return err
	}
	return p.ew.writeEvent(t, data)
}

func (p *player) play(sc *Scenario) error {
	if err := p.ew.writeHeartbeat(); err != nil {
		return err
	}
	if err := p.send(types.EventStart, nil); err != nil {
		return err
	}
	for i := 0; i < sc.Malformed; i++ {
		if err := p.ew.writeRaw("message", []byte(`{"type":"orchestrator_step","data":`)); err != nil {
			return err
		}
	}
	for _, st := range sc.Steps {
		var err error
		if st.IsWorker() {
			err = p.send(types.EventWorkerStep, st.toWorker())
		} else {
			p.orchestratorTokens += st.Tokens
			err = p.send(types.EventOrchestratorStep, st.toOrchestrator())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// terminate ends a scenario that has no successful response.
func (p *player) terminate(sc *Scenario) {
	if sc.Abrupt {
		return
	}
	if p.send(types.EventError, types.ErrorPayload{Message: sc.Error}) == nil {
		_ = p.send(types.EventDone, nil)
	}
}
