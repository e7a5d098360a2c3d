package stream

import "go.opentelemetry.io/otel"

const scopeName = "github.com/telnet2/go-practice/agentstream/internal/stream"

var tracer = otel.Tracer(scopeName)
