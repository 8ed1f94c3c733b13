package telemetry

import (
	"fmt"
	"maps"
	"sort"

	"go.opentelemetry.io/otel/attribute"
)

type SpanAttributes struct {
	Client     optional[string] // snapfuzz.client
	Core       optional[int]    // snapfuzz.core
	Snapshot   optional[string] // snapfuzz.snapshot
	CorpusSize optional[int]    // fuzz.corpus.size
	Objectives optional[int]    // fuzz.objectives
	Executions optional[int64]  // fuzz.executions

	extraAttributes map[string]any
}

// returns an empty SpanAttributes instance that can be populated later.
func EmptySpanAttributes() *SpanAttributes {
	return &SpanAttributes{
		extraAttributes: make(map[string]any),
	}
}

// Merge copies the values set in other that are not yet set in o.
func (o *SpanAttributes) Merge(other *SpanAttributes) {
	if other == nil {
		return
	}

	mergeOptional(&o.Client, &other.Client)
	mergeOptional(&o.Core, &other.Core)
	mergeOptional(&o.Snapshot, &other.Snapshot)
	mergeOptional(&o.CorpusSize, &other.CorpusSize)
	mergeOptional(&o.Objectives, &other.Objectives)
	mergeOptional(&o.Executions, &other.Executions)

	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	for k, v := range other.extraAttributes {
		if _, exists := o.extraAttributes[k]; !exists {
			o.extraAttributes[k] = v
		}
	}
}

func (o *SpanAttributes) WithClient(val string) *SpanAttributes {
	o.Client.Set(val)
	return o
}

func (o *SpanAttributes) WithCore(val int) *SpanAttributes {
	o.Core.Set(val)
	return o
}

func (o *SpanAttributes) WithSnapshot(val string) *SpanAttributes {
	o.Snapshot.Set(val)
	return o
}

func (o *SpanAttributes) WithCorpusSize(val int) *SpanAttributes {
	o.CorpusSize.Set(val)
	return o
}

func (o *SpanAttributes) WithObjectives(val int) *SpanAttributes {
	o.Objectives.Set(val)
	return o
}

func (o *SpanAttributes) WithExecutions(val int64) *SpanAttributes {
	o.Executions.Set(val)
	return o
}

func (o *SpanAttributes) WithExtraAttribute(key string, val any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	o.extraAttributes[key] = val
	return o
}

func (o *SpanAttributes) WithExtraAttributes(attrs map[string]any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	maps.Copy(o.extraAttributes, attrs)
	return o
}

func (o SpanAttributes) Attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if o.Client.set {
		attrs = append(attrs, attribute.String("snapfuzz.client", o.Client.val))
	}
	if o.Core.set {
		attrs = append(attrs, attribute.Int("snapfuzz.core", o.Core.val))
	}
	if o.Snapshot.set {
		attrs = append(attrs, attribute.String("snapfuzz.snapshot", o.Snapshot.val))
	}
	if o.CorpusSize.set {
		attrs = append(attrs, attribute.Int("fuzz.corpus.size", o.CorpusSize.val))
	}
	if o.Objectives.set {
		attrs = append(attrs, attribute.Int("fuzz.objectives", o.Objectives.val))
	}
	if o.Executions.set {
		attrs = append(attrs, attribute.Int64("fuzz.executions", o.Executions.val))
	}

	keys := make([]string, 0, len(o.extraAttributes))
	for k := range o.extraAttributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch val := o.extraAttributes[k].(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	return attrs
}

type EventAttributes []attribute.KeyValue

func NewEventAttributes(attributes map[string]string) EventAttributes {
	attrs := make(EventAttributes, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

type optional[T any] struct {
	val T
	set bool
}

func (o *optional[T]) Set(val T) { o.val = val; o.set = true }

func mergeOptional[T any](target, source *optional[T]) {
	if !target.set && source.set {
		target.val = source.val
		target.set = true
	}
}
