// Package protocol turns a streamed response body into an ordered sequence of
// typed protocol events.
//
// The decoder is lazy and single-pass: each call to Decode reads the body as
// the consumer pulls events and never reorders them. It guarantees that every
// sequence it yields ends with exactly one done event, preceded by exactly
// one response or error event, whatever the body actually contained.
package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/telnet2/go-practice/agentstream/internal/logging"
	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

const (
	// DefaultMaxConsecutiveFailures is how many malformed fragments in a row are
	// tolerated before the stream is treated as broken.
	DefaultMaxConsecutiveFailures = 16

	// MsgConnectionClosed is reported when the body ends before a terminal event.
	MsgConnectionClosed = "connection closed unexpectedly"
	// MsgTooManyMalformed is reported when the failure bound is exceeded.
	MsgTooManyMalformed = "too many malformed fragments"
	// MsgNoResponse is reported when the backend sends done without a response or error.
	MsgNoResponse = "stream ended without a response"
	// MsgUnknownError replaces an empty backend error message.
	MsgUnknownError = "the agent reported an error"

	previewLen = 160
)

var (
	// ErrEmptyFragment is a fragment with neither a tag nor data.
	ErrEmptyFragment = errors.New("empty fragment")
	// ErrInvalidJSON is a fragment whose data is not a JSON object.
	ErrInvalidJSON = errors.New("fragment is not valid JSON")
)

// Options configures a Decoder.
type Options struct {
	// MaxConsecutiveFailures bounds consecutive malformed fragments.
	// Zero means DefaultMaxConsecutiveFailures.
	MaxConsecutiveFailures int
	// Logger receives decode diagnostics. Defaults to the "decoder" component logger.
	Logger *zerolog.Logger
}

// Decoder parses response bodies. It holds no per-stream state and is safe
// for concurrent use.
type Decoder struct {
	maxFailures int
	log         zerolog.Logger
}

// NewDecoder creates a Decoder.
func NewDecoder(opts Options) *Decoder {
	d := &Decoder{maxFailures: opts.MaxConsecutiveFailures}
	if d.maxFailures <= 0 {
		d.maxFailures = DefaultMaxConsecutiveFailures
	}
	if opts.Logger != nil {
		d.log = *opts.Logger
	} else {
		d.log = logging.Component("decoder")
	}
	return d
}

// Decode yields the events of body in arrival order. When ctx is cancelled
// the sequence stops without synthesizing anything: the consumer is gone.
func (d *Decoder) Decode(ctx context.Context, body io.Reader, format Format) iter.Seq[types.Event] {
	return func(yield func(types.Event) bool) {
		fr := newFramer(body, format)
		var (
			resolved bool // a response or error has been yielded
			failures int
		)

		finish := func(msg string) {
			if !resolved {
				if !yield(types.ErrorEvent{Message: msg, Synthetic: true}) {
					return
				}
			}
			yield(types.DoneEvent{Synthetic: true})
		}

		for {
			frag, err := fr.next()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					if !resolved {
						d.log.Warn().Str("format", format.String()).Msg("stream closed before a terminal event")
					}
					finish(MsgConnectionClosed)
					return
				}
				d.log.Warn().Err(err).Str("format", format.String()).Msg("stream read failed")
				finish(err.Error())
				return
			}

			ev, err := d.parse(frag)
			if err != nil {
				failures++
				d.log.Warn().
					Err(err).
					Str("event", frag.event).
					Str("preview", preview(frag.data)).
					Int("consecutive", failures).
					Msg("dropping malformed fragment")
				if failures >= d.maxFailures {
					d.log.Error().Int("limit", d.maxFailures).Msg("malformed fragment limit reached")
					finish(MsgTooManyMalformed)
					return
				}
				continue
			}
			failures = 0

			switch ev.EventType() {
			case types.EventDone:
				if !resolved {
					d.log.Warn().Msg("done received without response or error")
					finish(MsgNoResponse)
					return
				}
				yield(ev)
				return

			case types.EventResponse, types.EventError:
				if resolved {
					d.log.Warn().Str("type", string(ev.EventType())).Msg("dropping second terminal event")
					continue
				}
				resolved = true
				if e, ok := ev.(types.ErrorEvent); ok && e.Message == "" {
					ev = types.ErrorEvent{Message: MsgUnknownError}
				}

			default:
				if resolved {
					d.log.Warn().Str("type", string(ev.EventType())).Msg("dropping event after terminal event")
					continue
				}
			}

			if !yield(ev) {
				return
			}
		}
	}
}

// parse maps one fragment to an event. The envelope's "type" wins; an SSE
// event name is the fallback, in which case the whole data is the payload.
func (d *Decoder) parse(frag fragment) (types.Event, error) {
	data := bytes.TrimSpace(frag.data)
	if len(data) == 0 {
		if frag.event == "" {
			return nil, ErrEmptyFragment
		}
		return types.DecodeEvent(types.Envelope{Type: types.EventType(frag.event)})
	}
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return nil, ErrInvalidJSON
	}

	tag := gjson.GetBytes(data, "type")
	if tag.Exists() {
		env := types.Envelope{Type: types.EventType(tag.String())}
		if payload := gjson.GetBytes(data, "data"); payload.Exists() {
			env.Data = json.RawMessage(payload.Raw)
		}
		return types.DecodeEvent(env)
	}

	if frag.event == "" {
		return nil, fmt.Errorf("%w: missing type discriminator", types.ErrUnknownEventType)
	}
	return types.DecodeEvent(types.Envelope{Type: types.EventType(frag.event), Data: json.RawMessage(data)})
}

// Failure yields a synthetic error followed by done. It is used when the
// channel never opened (refused connection, non-success status).
func Failure(msg string) iter.Seq[types.Event] {
	return func(yield func(types.Event) bool) {
		if !yield(types.ErrorEvent{Message: msg, Synthetic: true}) {
			return
		}
		yield(types.DoneEvent{Synthetic: true})
	}
}

func preview(data []byte) string {
	if len(data) <= previewLen {
		return string(data)
	}
	return string(data[:previewLen]) + "..."
}
