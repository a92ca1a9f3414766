package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/devicecloud/internal/event"
	"github.com/nerrad567/devicecloud/internal/infrastructure/mqtt"
	"github.com/nerrad567/devicecloud/internal/push/dispatch"
	"github.com/nerrad567/devicecloud/internal/push/session"
)

// Channel names used on the websocket feed.
const (
	ChannelEvent = "push.event"
	ChannelState = "push.state"
)

// Measurements written to InfluxDB.
const (
	MeasurementDataPoint    = "datapoint"
	MeasurementDeviceStatus = "device_status"
)

const defaultRecordTimeout = 5 * time.Second

// Logger is the logging dependency of the Log sink.
type Logger interface {
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

// Publisher publishes one MQTT message. *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// PointWriter queues one time-series point. *influxdb.Client satisfies it.
type PointWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time)
}

// Recorder stores one event. eventlog.Repository satisfies it.
type Recorder interface {
	Record(ctx context.Context, ev event.PushEvent) error
}

// Broadcaster fans a payload out to websocket subscribers of a channel.
// *api.Hub satisfies it.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// Log logs each event at info, with the raw payload at debug.
func Log(logger Logger) dispatch.Callback {
	return func(ev event.PushEvent) error {
		logger.Info("push event",
			"monitor_id", ev.MonitorID,
			"topic", ev.Topic,
			"kind", string(ev.Kind),
			"subject", ev.Subject(),
			"operation", ev.Operation,
		)
		if len(ev.Raw) > 0 {
			logger.Debug("push event payload", "id", ev.ID.String(), "raw", string(ev.Raw))
		}
		return nil
	}
}

// EventLog records each event. A zero timeout selects 5 seconds.
func EventLog(r Recorder, timeout time.Duration) dispatch.Callback {
	if timeout <= 0 {
		timeout = defaultRecordTimeout
	}
	return func(ev event.PushEvent) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := r.Record(ctx, ev); err != nil {
			return fmt.Errorf("recording event %s: %w", ev.ID, err)
		}
		return nil
	}
}

// MQTT publishes each event as JSON to topics.Event(monitor, kind, subject).
func MQTT(p Publisher, topics mqtt.Topics, qos byte, retained bool) dispatch.Callback {
	return func(ev event.PushEvent) error {
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encoding event %s: %w", ev.ID, err)
		}
		topic := topics.Event(ev.MonitorID, string(ev.Kind), ev.Subject())
		if err := p.Publish(topic, body, qos, retained); err != nil {
			return fmt.Errorf("publishing event %s to %s: %w", ev.ID, topic, err)
		}
		return nil
	}
}

// InfluxDB writes DataPoint and DeviceStatus events; other kinds are
// skipped.
func InfluxDB(w PointWriter) dispatch.Callback {
	return func(ev event.PushEvent) error {
		if measurement, tags, fields, ts, ok := Point(ev); ok {
			w.WritePoint(measurement, tags, fields, ts)
		}
		return nil
	}
}

// Point maps an event onto an InfluxDB point.
//
// DataPoint: measurement "datapoint", tags monitor_id, stream_id and (when
// set) units and data_type; field "value" when the data is numeric, else
// "data"; field "quality" when non-zero.
//
// DeviceStatus: measurement "device_status", tags monitor_id and
// device_id; fields "connected" (0/1) and "connection_status".
func Point(ev event.PushEvent) (measurement string, tags map[string]string, fields map[string]any, ts time.Time, ok bool) {
	switch {
	case ev.DataPoint != nil:
		dp := ev.DataPoint
		tags = map[string]string{"monitor_id": ev.MonitorID, "stream_id": dp.StreamID}
		if dp.Units != "" {
			tags["units"] = dp.Units
		}
		if dp.DataType != "" {
			tags["data_type"] = dp.DataType
		}
		fields = map[string]any{}
		if v, numeric := dp.Float(); numeric {
			fields["value"] = v
		} else {
			fields["data"] = dp.Data
		}
		if dp.Quality != 0 {
			fields["quality"] = dp.Quality
		}
		return MeasurementDataPoint, tags, fields, firstTime(dp.Timestamp, ev.Timestamp, ev.ReceivedAt), true

	case ev.Device != nil:
		connected := 0
		if ev.Device.Connected() {
			connected = 1
		}
		tags = map[string]string{"monitor_id": ev.MonitorID, "device_id": ev.Subject()}
		fields = map[string]any{
			"connected":         connected,
			"connection_status": ev.Device.ConnectionStatus,
		}
		return MeasurementDeviceStatus, tags, fields, firstTime(ev.Timestamp, ev.ReceivedAt), true

	default:
		return "", nil, nil, time.Time{}, false
	}
}

// WebSocket broadcasts each event on ChannelEvent.
func WebSocket(b Broadcaster) dispatch.Callback {
	return func(ev event.PushEvent) error {
		b.Broadcast(ChannelEvent, ev)
		return nil
	}
}

// StateChange is the payload broadcast on ChannelState.
type StateChange struct {
	MonitorID string        `json:"monitor_id"`
	From      session.State `json:"from"`
	To        session.State `json:"to"`
}

// StateBroadcaster returns a monitor state listener that broadcasts each
// session transition on ChannelState.
func StateBroadcaster(b Broadcaster) func(monitorID string, from, to session.State) {
	return func(monitorID string, from, to session.State) {
		b.Broadcast(ChannelState, StateChange{MonitorID: monitorID, From: from, To: to})
	}
}

func firstTime(ts ...time.Time) time.Time {
	for _, t := range ts {
		if !t.IsZero() {
			return t
		}
	}
	return time.Now()
}
