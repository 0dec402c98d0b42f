package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for gateway telemetry.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrSymbol      = attribute.Key("symbol")
	AttrFrameType   = attribute.Key("frame.type")
	AttrMethod      = attribute.Key("backend.method")
	AttrTask        = attribute.Key("task")
	AttrResult      = attribute.Key("result")
	AttrReason      = attribute.Key("reason")
	AttrOperation   = attribute.Key("operation")
)

// Task kinds driven by the polling engine.
const (
	TaskBook    = "book"
	TaskAccount = "account"
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// ResultAttributes returns the environment-scoped attributes for an operation outcome.
func ResultAttributes(operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// TaskAttributes returns attributes describing one polling task cycle.
func TaskAttributes(task, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrTask.String(task),
		AttrResult.String(result),
	}
}

// SymbolAttributes returns attributes for per-channel market-data metrics.
func SymbolAttributes(symbol string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrSymbol.String(symbol),
	}
}
