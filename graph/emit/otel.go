package emit

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter records each event as a zero-duration span on the given
// tracer. Step timing lives in the event metadata, so a point-in-time
// span per event is enough for trace correlation; callers wanting true
// node spans can wrap nodes themselves.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter emits spans on tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit implements Emitter.
func (o *OTelEmitter) Emit(ev Event) {
	attrs := []attribute.KeyValue{
		attribute.String("ragflow.run_id", ev.RunID),
		attribute.Int("ragflow.step", ev.Step),
		attribute.String("ragflow.node_id", ev.NodeID),
		attribute.String("ragflow.msg", ev.Msg),
	}
	for k, v := range ev.Meta {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String("ragflow.meta."+k, val))
		case int:
			attrs = append(attrs, attribute.Int("ragflow.meta."+k, val))
		case int64:
			attrs = append(attrs, attribute.Int64("ragflow.meta."+k, val))
		case float64:
			attrs = append(attrs, attribute.Float64("ragflow.meta."+k, val))
		case bool:
			attrs = append(attrs, attribute.Bool("ragflow.meta."+k, val))
		}
	}
	_, span := o.tracer.Start(context.Background(), ev.Msg,
		trace.WithTimestamp(ev.Time),
		trace.WithAttributes(attrs...),
	)
	span.End(trace.WithTimestamp(ev.Time))
}
