package dispatch

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/devicecloud/internal/event"
	"github.com/nerrad567/devicecloud/internal/push/frame"
)

// Callback receives one event. A returned error is logged and counted; it
// never stops delivery or suppresses the acknowledgement.
type Callback func(ev event.PushEvent) error

// Sender writes frames back to the push server.
type Sender interface {
	Send(f frame.Frame) error
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config configures an Engine.
type Config struct {
	// MonitorID is copied into every event.
	MonitorID string

	// Topics are the monitor's topics; the first one names bare documents.
	Topics []string

	// Format is used when a frame declares an unknown format.
	Format frame.Format

	// MaxDocumentSize bounds an inflated document.
	// Default: DefaultMaxDocumentSize.
	MaxDocumentSize int

	// Logger is optional.
	Logger Logger

	// Now overrides the clock for ReceivedAt.
	Now func() time.Time
}

// Stats holds delivery counters.
type Stats struct {
	FramesHandled   uint64
	EventsDelivered uint64
	CallbackErrors  uint64
	DecodeErrors    uint64
	AcksSent        uint64
}

type registration struct {
	id int
	fn Callback
}

// Engine decodes PublishMessage frames and invokes callbacks.
//
// Thread Safety: AddCallback and RemoveCallback are safe to call from any
// goroutine, including from inside a callback. Deliveries observe a snapshot
// of the callback list taken when each event is dispatched.
type Engine struct {
	cfg Config

	mu        sync.RWMutex
	callbacks []registration
	nextID    int

	framesHandled   atomic.Uint64
	eventsDelivered atomic.Uint64
	callbackErrors  atomic.Uint64
	decodeErrors    atomic.Uint64
	acksSent        atomic.Uint64
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{cfg: cfg}
}

// MonitorID returns the monitor the engine delivers for.
func (e *Engine) MonitorID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.MonitorID
}

// SetMonitorID changes the monitor id stamped on new events. Used after the
// descriptor is re-created under a new id.
func (e *Engine) SetMonitorID(id string) {
	e.mu.Lock()
	e.cfg.MonitorID = id
	e.mu.Unlock()
}

// AddCallback registers fn and returns an id for RemoveCallback. Callbacks
// are invoked in registration order.
func (e *Engine) AddCallback(fn Callback) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.callbacks = append(e.callbacks, registration{id: e.nextID, fn: fn})
	return e.nextID
}

// RemoveCallback unregisters a callback. It reports whether id was found.
func (e *Engine) RemoveCallback(id int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.callbacks {
		if r.id == id {
			e.callbacks = append(e.callbacks[:i:i], e.callbacks[i+1:]...)
			return true
		}
	}
	return false
}

// CallbackCount returns the number of registered callbacks.
func (e *Engine) CallbackCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.callbacks)
}

// HandleFrame processes one inbound frame.
//
// PublishMessage frames are decoded, delivered and acknowledged. Other
// frame types are ignored. A payload too short to carry a data block id
// cannot be acknowledged and is reported as frame.ErrMalformedFrame.
//
// Returns:
//   - error: ErrAckFailed (wrapping the send error) if the acknowledgement
//     could not be written, frame.ErrMalformedFrame as above, nil otherwise
func (e *Engine) HandleFrame(f frame.Frame, s Sender) error {
	if f.Type != frame.TypePublishMessage {
		e.logDebug("ignoring frame", "type", f.Type.String())
		return nil
	}
	e.framesHandled.Add(1)

	msg, err := frame.ParsePublishMessage(f.Payload)
	if err != nil {
		if len(f.Payload) < 2 {
			return fmt.Errorf("%w: publish message without data block id", frame.ErrMalformedFrame)
		}
		blockID := binary.BigEndian.Uint16(f.Payload[:2])
		e.decodeErrors.Add(1)
		e.logDebug("dropping unparsable publish message", "data_block_id", blockID, "error", err)
		return e.ack(s, blockID)
	}

	events, err := e.Decode(msg)
	if err != nil {
		e.decodeErrors.Add(1)
		e.logDebug("dropping undecodable document",
			"data_block_id", msg.DataBlockID,
			"compression", msg.Compression.String(),
			"format", msg.Format.String(),
			"error", err)
	} else {
		e.Deliver(events)
	}

	return e.ack(s, msg.DataBlockID)
}

// Decode inflates and decodes the document of a PublishMessage.
func (e *Engine) Decode(msg frame.PublishMessage) ([]event.PushEvent, error) {
	doc, err := Decompress(msg.Document, msg.Compression, e.cfg.MaxDocumentSize)
	if err != nil {
		return nil, err
	}

	format := msg.Format
	if format != frame.FormatJSON && format != frame.FormatXML {
		format = e.cfg.Format
	}
	return event.Decode(doc, format, e.meta())
}

// DecodeDocument decodes an uncompressed document, e.g. a webhook body.
func (e *Engine) DecodeDocument(doc []byte, format frame.Format) ([]event.PushEvent, error) {
	return event.Decode(doc, format, e.meta())
}

func (e *Engine) meta() event.Meta {
	e.mu.RLock()
	monitorID := e.cfg.MonitorID
	e.mu.RUnlock()

	m := event.Meta{MonitorID: monitorID, ReceivedAt: e.cfg.Now()}
	if len(e.cfg.Topics) > 0 {
		m.DefaultTopic = e.cfg.Topics[0]
	}
	return m
}

// Deliver invokes every callback for every event, in order.
func (e *Engine) Deliver(events []event.PushEvent) {
	for _, ev := range events {
		e.mu.RLock()
		snapshot := make([]registration, len(e.callbacks))
		copy(snapshot, e.callbacks)
		e.mu.RUnlock()

		for _, r := range snapshot {
			if err := e.invoke(r, ev); err != nil {
				e.callbackErrors.Add(1)
				e.logError("callback failed",
					"callback", r.id,
					"topic", ev.Topic,
					"event_id", ev.ID.String(),
					"error", err)
			}
		}
		e.eventsDelivered.Add(1)
	}
}

// invoke runs one callback, converting a panic into an error.
func (e *Engine) invoke(r registration, ev event.PushEvent) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.fn(ev)
}

func (e *Engine) ack(s Sender, blockID uint16) error {
	ack := frame.PublishMessageReceived{DataBlockID: blockID, Status: frame.StatusOK}
	if err := s.Send(ack.Frame()); err != nil {
		return fmt.Errorf("%w: data block %d: %w", ErrAckFailed, blockID, err)
	}
	e.acksSent.Add(1)
	return nil
}

// Stats returns delivery counters.
func (e *Engine) Stats() Stats {
	return Stats{
		FramesHandled:   e.framesHandled.Load(),
		EventsDelivered: e.eventsDelivered.Load(),
		CallbackErrors:  e.callbackErrors.Load(),
		DecodeErrors:    e.decodeErrors.Load(),
		AcksSent:        e.acksSent.Load(),
	}
}

func (e *Engine) logDebug(msg string, keysAndValues ...any) {
	if e.cfg.Logger != nil {
		e.cfg.Logger.Debug(msg, keysAndValues...)
	}
}

func (e *Engine) logError(msg string, keysAndValues ...any) {
	if e.cfg.Logger != nil {
		e.cfg.Logger.Error(msg, keysAndValues...)
	}
}
