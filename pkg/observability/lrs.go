// LRS-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LRS semantic convention attributes.
var (
	// HTTP surface attributes
	AttrResource = attribute.Key("lrs.resource") // statements, agents, state, ...
	AttrMethod   = attribute.Key("lrs.method")
	AttrClient   = attribute.Key("lrs.client") // API key label, never the secret

	// Statement pipeline attributes
	AttrStatementCount  = attribute.Key("lrs.statement.count")
	AttrAttachmentCount = attribute.Key("lrs.attachment.count")

	// Query attributes
	AttrQueryFormat = attribute.Key("lrs.query.format")
	AttrQueryLimit  = attribute.Key("lrs.query.limit")

	// Backend attributes
	AttrStoreBackend = attribute.Key("lrs.store.backend")
	AttrBlobBackend  = attribute.Key("lrs.blob.backend")
)

// ResourceOperation creates attributes for a request against one of the
// xAPI resources.
func ResourceOperation(resource, method string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrResource.String(resource),
		AttrMethod.String(method),
	}
}

// IngestOperation creates attributes for a statement write.
func IngestOperation(statements, attachments int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStatementCount.Int(statements),
		AttrAttachmentCount.Int(attachments),
	}
}

// QueryOperation creates attributes for a statement query.
func QueryOperation(format string, limit int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrQueryFormat.String(format),
		AttrQueryLimit.Int(limit),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
