package mockserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/telnet2/go-practice/agentstream/internal/protocol"
	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

// eventWriter frames protocol events onto a streaming response.
type eventWriter struct {
	w      io.Writer
	rc     *http.ResponseController
	format protocol.Format
}

func newEventWriter(w http.ResponseWriter, format protocol.Format) *eventWriter {
	return &eventWriter{w: w, rc: http.NewResponseController(w), format: format}
}

// writeEvent writes one envelope and flushes it.
func (e *eventWriter) writeEvent(t types.EventType, data any) error {
	env := struct {
		Type types.EventType `json:"type"`
		Data any             `json:"data,omitempty"`
	}{Type: t, Data: data}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return e.writeRaw(string(t), raw)
}

// writeRaw writes an arbitrary payload, used to inject malformed fragments.
func (e *eventWriter) writeRaw(name string, raw []byte) error {
	var err error
	if e.format == protocol.FormatNDJSON {
		_, err = fmt.Fprintf(e.w, "%s\n", raw)
	} else {
		_, err = fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", name, raw)
	}
	if err != nil {
		return err
	}
	return e.rc.Flush()
}

// writeHeartbeat writes an SSE comment; NDJSON has no equivalent.
func (e *eventWriter) writeHeartbeat() error {
	if e.format == protocol.FormatNDJSON {
		return nil
	}
	if _, err := io.WriteString(e.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	return e.rc.Flush()
}
