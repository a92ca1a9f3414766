package event

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/devicecloud/internal/push/frame"
)

// Meta is the context a document is decoded in.
type Meta struct {
	// MonitorID is copied into every event.
	MonitorID string

	// DefaultTopic is used for messages without a topic and for bare
	// payloads. Normally the monitor's first topic.
	DefaultTopic string

	// ReceivedAt is the arrival time. Default: time.Now().
	ReceivedAt time.Time
}

// payloadKeys maps a kind to the payload element names it may appear under.
var payloadKeys = map[Kind][]string{
	KindDataPoint:    {"DataPoint"},
	KindDeviceStatus: {"DeviceCore"},
	KindFileMetadata: {"FileData", "FileDataCore"},
}

// Decode parses one event document into events, in document order.
//
// Parameters:
//   - doc: The uncompressed document
//   - format: frame.FormatJSON or frame.FormatXML
//   - meta: Monitor id, default topic and arrival time
//
// Returns:
//   - []PushEvent: One event per message (a bare payload is one message)
//   - error: ErrDecode if the document is not valid or has the wrong shape
func Decode(doc []byte, format frame.Format, meta Meta) ([]PushEvent, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrDecode)
	}
	if meta.ReceivedAt.IsZero() {
		meta.ReceivedAt = time.Now()
	}

	var (
		tree any
		err  error
	)
	switch format {
	case frame.FormatJSON:
		tree, err = parseJSON(doc)
	case frame.FormatXML:
		tree, err = parseXML(doc)
	default:
		return nil, fmt.Errorf("%w: unsupported format %s", ErrDecode, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, format, err)
	}

	msgs, err := messages(tree)
	if err != nil {
		return nil, err
	}

	events := make([]PushEvent, 0, len(msgs))
	for i, m := range msgs {
		ev, err := buildEvent(m, meta)
		if err != nil {
			return nil, fmt.Errorf("%w: message %d: %w", ErrDecode, i, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// DetectFormat guesses the document format from its first byte. Used for
// webhook bodies sent without a usable Content-Type.
func DetectFormat(doc []byte) frame.Format {
	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) > 0 && trimmed[0] == '<' {
		return frame.FormatXML
	}
	return frame.FormatJSON
}

// message is one envelope entry or a bare payload.
type message struct {
	fields map[string]any
	bare   bool
}

// messages unwraps the Document/Msg envelope.
func messages(tree any) ([]message, error) {
	switch v := tree.(type) {
	case map[string]any:
		docVal, ok := v["Document"]
		if !ok {
			return []message{{fields: v, bare: true}}, nil
		}
		doc, ok := docVal.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: Document is not an object", ErrDecode)
		}
		return envelopeMessages(doc["Msg"])

	case []any:
		out := make([]message, 0, len(v))
		for i, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: item %d is not an object", ErrDecode, i)
			}
			out = append(out, message{fields: obj, bare: true})
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: document is not an object", ErrDecode)
	}
}

func envelopeMessages(msg any) ([]message, error) {
	switch v := msg.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return []message{{fields: v}}, nil
	case []any:
		out := make([]message, 0, len(v))
		for i, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: Msg %d is not an object", ErrDecode, i)
			}
			out = append(out, message{fields: obj})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: Msg is not an object", ErrDecode)
	}
}

func buildEvent(m message, meta Meta) (PushEvent, error) {
	ev := PushEvent{
		ID:         uuid.New(),
		MonitorID:  meta.MonitorID,
		ReceivedAt: meta.ReceivedAt,
	}

	var payload map[string]any
	if m.bare {
		ev.Topic = meta.DefaultTopic
		ev.Kind = KindForTopic(ev.Topic)
		// A bare document may still be wrapped in its type element,
		// e.g. <DataPoint>...</DataPoint>.
		if kind, p := envelopePayload(m.fields, ev.Kind); p != nil && len(m.fields) == 1 {
			ev.Kind, payload = kind, p
		} else {
			payload = m.fields
		}
	} else {
		ev.Topic = stringField(m.fields, "topic")
		if ev.Topic == "" {
			ev.Topic = meta.DefaultTopic
		}
		ev.Operation = stringField(m.fields, "operation")
		ev.Timestamp = timeField(m.fields, "timestamp")

		ev.Kind, payload = envelopePayload(m.fields, KindForTopic(ev.Topic))
		if payload == nil {
			ev.Kind = KindUnknown
		}
	}

	raw, err := json.Marshal(m.fields)
	if err != nil {
		return PushEvent{}, err
	}
	ev.Raw = raw

	switch ev.Kind {
	case KindDataPoint:
		ev.DataPoint = parseDataPoint(payload)
	case KindDeviceStatus:
		ev.Device = parseDeviceStatus(payload)
	case KindFileMetadata:
		ev.File = parseFileMetadata(payload)
	}
	return ev, nil
}

// envelopePayload finds the payload object inside an envelope message. The
// topic's kind is tried first, then any known payload element.
func envelopePayload(fields map[string]any, kind Kind) (Kind, map[string]any) {
	if kind != KindUnknown {
		if p := payloadFor(fields, kind); p != nil {
			return kind, p
		}
	}
	for _, k := range []Kind{KindDataPoint, KindDeviceStatus, KindFileMetadata} {
		if p := payloadFor(fields, k); p != nil {
			return k, p
		}
	}
	return kind, nil
}

func payloadFor(fields map[string]any, kind Kind) map[string]any {
	for _, key := range payloadKeys[kind] {
		if obj, ok := fields[key].(map[string]any); ok {
			return obj
		}
	}
	return nil
}

func parseDataPoint(f map[string]any) *DataPoint {
	dp := &DataPoint{
		ID:              stringField(f, "id"),
		StreamID:        stringField(f, "streamId", "stream"),
		Data:            stringField(f, "data", "value"),
		Timestamp:       timeField(f, "timestamp", "timestampISO"),
		ServerTimestamp: timeField(f, "serverTimestamp", "serverTimestampISO"),
		Quality:         intField(f, "quality"),
		Description:     stringField(f, "description"),
		Units:           stringField(f, "units"),
		DataType:        stringField(f, "dataType"),
		Location:        stringField(f, "location"),
		CustomerID:      stringField(f, "cstId"),
	}
	// Some records carry the stream id inside a composite id object.
	if id, ok := f["id"].(map[string]any); ok {
		dp.ID = stringField(id, "id")
		if dp.StreamID == "" {
			dp.StreamID = stringField(id, "streamId")
		}
	}
	return dp
}

func parseDeviceStatus(f map[string]any) *DeviceStatus {
	d := &DeviceStatus{
		ConnectwareID:    stringField(f, "devConnectwareId"),
		MAC:              stringField(f, "devMac"),
		DeviceType:       stringField(f, "dpDeviceType"),
		LastKnownIP:      stringField(f, "dpLastKnownIp"),
		GlobalIP:         stringField(f, "dpGlobalIp"),
		ConnectionStatus: intField(f, "dpConnectionStatus"),
		LastConnect:      timeField(f, "dpLastConnectTime"),
		LastDisconnect:   timeField(f, "dpLastDisconnectTime"),
		CustomerID:       stringField(f, "cstId"),
	}
	if id, ok := f["id"].(map[string]any); ok {
		d.DeviceID = stringField(id, "devId")
	} else {
		d.DeviceID = stringField(f, "devId")
	}
	return d
}

func parseFileMetadata(f map[string]any) *FileMetadata {
	fm := &FileMetadata{
		Path:         stringField(f, "fdPath"),
		Name:         stringField(f, "fdName"),
		Type:         stringField(f, "fdType"),
		ContentType:  stringField(f, "fdContentType"),
		Size:         int64(intField(f, "fdSize")),
		Created:      timeField(f, "fdCreatedDate"),
		LastModified: timeField(f, "fdLastModifiedDate"),
		CustomerID:   stringField(f, "cstId"),
	}
	if id, ok := f["id"].(map[string]any); ok {
		fm.Path = stringField(id, "fdPath")
		fm.Name = stringField(id, "fdName")
	}
	return fm
}

func parseJSON(doc []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()

	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after document")
	}
	return tree, nil
}

// parseXML converts an XML document into the same tree shape encoding/json
// produces: elements with child elements become objects (repeated names
// become arrays), leaf elements become strings, attributes become fields.
// The root element is wrapped so <Document> lines up with {"Document":...}.
func parseXML(doc []byte) (any, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		// ISO-8859-1 and friends: the fields used here are ASCII.
		return input, nil
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("no root element")
			}
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			root, err := xmlElement(dec, start)
			if err != nil {
				return nil, err
			}
			return map[string]any{start.Name.Local: root}, nil
		}
	}
}

func xmlElement(dec *xml.Decoder, start xml.StartElement) (any, error) {
	var (
		children map[string]any
		text     strings.Builder
	)
	addChild := func(name string, v any) {
		if children == nil {
			children = make(map[string]any)
		}
		switch existing := children[name].(type) {
		case nil:
			children[name] = v
		case []any:
			children[name] = append(existing, v)
		default:
			children[name] = []any{existing, v}
		}
	}

	for _, a := range start.Attr {
		addChild(a.Name.Local, a.Value)
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := xmlElement(dec, t)
			if err != nil {
				return nil, err
			}
			addChild(t.Name.Local, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if children == nil {
				return strings.TrimSpace(text.String()), nil
			}
			return children, nil
		}
	}
}
