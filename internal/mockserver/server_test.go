package mockserver

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

const testScript = `
settings:
  format: ndjson
documents:
  - id: d1
    title: Handbook
fallback: ok
scenarios:
  - name: ok
    steps:
      - phase: planning
        tokens: 10
      - phase: synthesis
        tokens: 15
      - task_id: t1
        tool: search
    response:
      content: done
      worker_tokens: 15
      sources:
        - title: Handbook
  - name: boom
    match: {regex: "^explode"}
    error: exploded
  - name: cut
    match: {contains: cut}
    abrupt: true
  - name: down
    match: {exact: down}
    status: 502
`

func newTestServer(t *testing.T, script string) (*Server, *httptest.Server) {
	t.Helper()
	cfg, err := ParseConfig([]byte(script))
	require.NoError(t, err)
	s := New(cfg)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func createSession(t *testing.T, base string) types.Session {
	t.Helper()
	resp, err := http.Post(base+"/api/sessions", "application/json", strings.NewReader(`{"title":"t"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var s types.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	return s
}

func streamLines(t *testing.T, base, sessionID, message string) (int, []types.Envelope) {
	t.Helper()
	resp, err := http.Post(base+"/api/sessions/"+sessionID+"/stream", "application/json",
		strings.NewReader(`{"message":`+jsonString(message)+`}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var out []types.Envelope
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var env types.Envelope
		require.NoError(t, json.Unmarshal(sc.Bytes(), &env))
		out = append(out, env)
	}
	return resp.StatusCode, out
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func typesOf(envs []types.Envelope) []types.EventType {
	out := make([]types.EventType, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}

func TestStream_Success(t *testing.T) {
	_, srv := newTestServer(t, testScript)
	sess := createSession(t, srv.URL)

	status, envs := streamLines(t, srv.URL, sess.ID, "anything")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []types.EventType{
		types.EventStart, types.EventOrchestratorStep, types.EventOrchestratorStep,
		types.EventWorkerStep, types.EventResponse, types.EventDone,
	}, typesOf(envs))

	var payload types.ResponsePayload
	require.NoError(t, json.Unmarshal(envs[4].Data, &payload))
	assert.Equal(t, "done", payload.Content)
	assert.Equal(t, 40, payload.Stats.TotalTokens)
	assert.Equal(t, 25, payload.Stats.OrchestratorTokens)
	assert.NotEmpty(t, payload.UserMessageID)
	assert.NotEmpty(t, payload.AssistantMessageID)

	resp, err := http.Get(srv.URL + "/api/sessions/" + sess.ID + "/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	var msgs []types.ConfirmedMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, payload.UserMessageID, msgs[0].ID)
	assert.Equal(t, "anything", msgs[0].Content)
	assert.Equal(t, payload.AssistantMessageID, msgs[1].ID)
}

func TestStream_FailureModes(t *testing.T) {
	_, srv := newTestServer(t, testScript)
	sess := createSession(t, srv.URL)

	_, envs := streamLines(t, srv.URL, sess.ID, "Explode now")
	assert.Equal(t, []types.EventType{types.EventStart, types.EventError, types.EventDone}, typesOf(envs))

	_, envs = streamLines(t, srv.URL, sess.ID, "please cut")
	assert.Equal(t, []types.EventType{types.EventStart}, typesOf(envs))

	status, _ := streamLines(t, srv.URL, sess.ID, "down")
	assert.Equal(t, http.StatusBadGateway, status)

	status, _ = streamLines(t, srv.URL, "ses_missing", "hi")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = streamLines(t, srv.URL, sess.ID, "  ")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSessions(t *testing.T) {
	_, srv := newTestServer(t, testScript)
	sess := createSession(t, srv.URL)
	assert.True(t, strings.HasPrefix(sess.ID, "ses_"))
	assert.Equal(t, "t", sess.Title)

	resp, err := http.Get(srv.URL + "/api/sessions/" + sess.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/sessions/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list []types.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list, 1)
}

func TestDocumentLookup(t *testing.T) {
	_, srv := newTestServer(t, testScript)

	resp, err := http.Get(srv.URL + "/api/documents/lookup?title=handbook")
	require.NoError(t, err)
	defer resp.Body.Close()
	var doc map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, "d1", doc["id"])

	resp2, err := http.Get(srv.URL + "/api/documents/lookup?title=other")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestAPIKey(t *testing.T) {
	_, srv := newTestServer(t, "settings: {api_key: sekret}\nscenarios: [{name: a}]\n")

	resp, err := http.Post(srv.URL+"/api/sessions", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSSEFraming(t *testing.T) {
	_, srv := newTestServer(t, "scenarios: [{name: a, response: {content: hi}}]\nfallback: a\n")
	sess := createSession(t, srv.URL)

	resp, err := http.Post(srv.URL+"/api/sessions/"+sess.ID+"/stream", "application/json", strings.NewReader(`{"message":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.HasPrefix(text, ": heartbeat\n\n"))
	assert.Contains(t, text, "event: start\ndata: {\"type\":\"start\"}\n\n")
	assert.Contains(t, text, "event: done\n")
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "research", cfg.Find("what is our remote policy?").Name)
	assert.Equal(t, "backend-error", cfg.Find("make it FAIL").Name)
	assert.Equal(t, "dropped-connection", cfg.Find("please drop connection and fail").Name)

	_, err := ParseConfig([]byte("fallback: nope\n"))
	assert.Error(t, err)
	_, err = ParseConfig([]byte("scenarios: [{name: a, match: {regex: '('}}]\n"))
	assert.Error(t, err)
	_, err = ParseConfig([]byte("scenarios: [{name: a, error: x, response: {content: y}}]\n"))
	assert.Error(t, err)
	_, err = ParseConfig([]byte("settings: {format: xml}\n"))
	assert.Error(t, err)

	var m MatchConfig
	assert.False(t, m.Matches("anything"), "empty matcher matches nothing")
}
