package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"mime"
	"strings"
)

// Format is the wire framing of a response body.
type Format int

const (
	// FormatSSE is text/event-stream: "event:"/"data:" lines, blank-line terminated.
	FormatSSE Format = iota
	// FormatNDJSON is one JSON envelope per line.
	FormatNDJSON
)

func (f Format) String() string {
	switch f {
	case FormatSSE:
		return "sse"
	case FormatNDJSON:
		return "ndjson"
	}
	return "unknown"
}

// ContentType returns the media type a server uses for f.
func (f Format) ContentType() string {
	if f == FormatNDJSON {
		return "application/x-ndjson"
	}
	return "text/event-stream"
}

// DetectFormat picks the framing from a Content-Type header. Anything that is
// not recognisably newline-delimited JSON is read as SSE.
func DetectFormat(contentType string) Format {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mediaType {
	case "application/x-ndjson", "application/ndjson", "application/jsonl", "application/x-jsonlines":
		return FormatNDJSON
	}
	return FormatSSE
}

// fragment is one complete unit read off the wire, not yet interpreted.
type fragment struct {
	// event is the SSE event name, empty for NDJSON.
	event string
	data  []byte
}

// framer assembles fragments from a body. next returns io.EOF once the body
// is exhausted; a fragment with data that is cut off by EOF is still returned.
type framer interface {
	next() (fragment, error)
}

func newFramer(r io.Reader, format Format) framer {
	br := bufio.NewReader(r)
	if format == FormatNDJSON {
		return &ndjsonFramer{r: br}
	}
	return &sseFramer{r: br}
}

type sseFramer struct {
	r *bufio.Reader
}

func (f *sseFramer) next() (fragment, error) {
	var frag fragment
	var hasData bool
	for {
		line, err := f.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fragment{}, err
		}
		eof := err != nil
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if frag.event != "" || hasData {
				return frag, nil
			}
		case strings.HasPrefix(line, ":"):
			// heartbeat / comment
		default:
			if after, ok := strings.CutPrefix(line, "event:"); ok {
				frag.event = strings.TrimSpace(after)
			} else if after, ok := strings.CutPrefix(line, "data:"); ok {
				after = strings.TrimPrefix(after, " ")
				if hasData {
					frag.data = append(frag.data, '\n')
				}
				frag.data = append(frag.data, after...)
				hasData = true
			}
			// id:, retry: and unknown fields carry nothing for us.
		}

		if eof {
			// A body that ends without the closing blank line still
			// completes its last fragment.
			if hasData {
				return frag, nil
			}
			return fragment{}, io.EOF
		}
	}
}

type ndjsonFramer struct {
	r *bufio.Reader
}

func (f *ndjsonFramer) next() (fragment, error) {
	for {
		line, err := f.r.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			if err != nil && err != io.EOF {
				return fragment{}, err
			}
			// The last line may lack a newline; it is still a whole object.
			return fragment{data: trimmed}, nil
		}
		if err != nil {
			return fragment{}, err
		}
	}
}
