package turn

import (
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/lexiqai/voice-agent/internal/turn"

var tracer = otel.Tracer(scopeName)
