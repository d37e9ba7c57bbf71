package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for connector telemetry, using namespace.attribute_name naming.
const (
	// AttrEnvironment specifies the deployment environment on every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrMarket identifies the market that produced the signal.
	AttrMarket = attribute.Key("market")
	// AttrTransport labels the transport kind (rest, websocket, batch_file).
	AttrTransport = attribute.Key("transport")
	// AttrDataKind labels canonical data kinds.
	AttrDataKind = attribute.Key("data.kind")
	// AttrEventType labels bus event types.
	AttrEventType = attribute.Key("event.type")
	// AttrConnectionState labels connection lifecycle states.
	AttrConnectionState = attribute.Key("connection.state")
	// AttrOrderSide labels order side.
	AttrOrderSide = attribute.Key("order.side")
	// AttrOrderType labels order kind.
	AttrOrderType = attribute.Key("order.type")
	// AttrOperation differentiates operations inside one instrument.
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrReason gives the rejection or failure class.
	AttrReason = attribute.Key("reason")
)

// Result values.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultRejected = "rejected"
	ResultDropped  = "dropped"
)

// MarketAttributes returns the common attributes of per-market metrics.
func MarketAttributes(market string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrMarket.String(market),
	}
}

// DataAttributes returns attributes for ingestion metrics.
func DataAttributes(market, kind, result string) []attribute.KeyValue {
	attrs := MarketAttributes(market)
	if kind != "" {
		attrs = append(attrs, AttrDataKind.String(kind))
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// ConnectionAttributes returns attributes for connection lifecycle metrics.
func ConnectionAttributes(market, transport, state string) []attribute.KeyValue {
	attrs := MarketAttributes(market)
	if transport != "" {
		attrs = append(attrs, AttrTransport.String(transport))
	}
	if state != "" {
		attrs = append(attrs, AttrConnectionState.String(state))
	}
	return attrs
}

// OrderAttributes returns attributes for order metrics.
func OrderAttributes(market, side, orderType, result string) []attribute.KeyValue {
	attrs := MarketAttributes(market)
	if side != "" {
		attrs = append(attrs, AttrOrderSide.String(side))
	}
	if orderType != "" {
		attrs = append(attrs, AttrOrderType.String(orderType))
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// OperationAttributes returns attributes for generic operation counters.
func OperationAttributes(market, operation, result string) []attribute.KeyValue {
	attrs := MarketAttributes(market)
	if operation != "" {
		attrs = append(attrs, AttrOperation.String(operation))
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}
