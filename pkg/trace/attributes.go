package trace

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys shared across this domain's spans: session
// identity and the generic error pair that pkg/service attaches via
// ErrorAttrs (the Instrument* helpers in stt.go use RecordError instead).
// The per-component keys (segment/encoder/decoder/download) live in stt.go,
// next to the spans that set them.
const (
	AttrSessionID = "session.id"

	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"
)

// SessionAttrs creates attributes identifying the capture session a span
// belongs to.
func SessionAttrs(sessionID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
	}
}

// ErrorAttrs creates attributes describing an error outside of
// span.RecordError's own formatting, for callers that want the type and
// message as queryable span attributes.
func ErrorAttrs(errType, errMsg string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrErrorType, errType),
		attribute.String(AttrErrorMessage, errMsg),
	}
}
