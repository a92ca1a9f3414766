// Package forward adapts push event sinks to monitor callbacks.
//
// Each constructor returns a dispatch.Callback that sends events to one
// destination:
//
//	Log        structured log line per event
//	EventLog   SQLite history (eventlog.Repository)
//	MQTT       JSON republish to <prefix>/<monitor>/<kind>/<subject>
//	InfluxDB   DataPoint and DeviceStatus events as points
//	WebSocket  live feed broadcast on the push.event channel
//
// Callbacks run on the push worker goroutine, in registration order. A
// slow sink delays acknowledgement of the batch, so sinks bound their own
// work with timeouts.
package forward
