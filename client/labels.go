package client

// Metric label and attribute keys shared by the Prometheus and OpenTelemetry hooks.
const (
	labelBus       = "bus"
	labelDevice    = "device"
	labelEndpoint  = "endpoint"
	labelKind      = "kind"
	labelOperation = "operation"
	labelStatus    = "status"
)
