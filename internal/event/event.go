package event

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the payload carried by a PushEvent.
type Kind string

// Event kinds.
const (
	KindDataPoint    Kind = "DataPoint"
	KindDeviceStatus Kind = "DeviceStatus"
	KindFileMetadata Kind = "FileMetadata"
	KindUnknown      Kind = "Unknown"
)

// Operations reported in the message envelope.
const (
	OperationInsert = "INSERTION"
	OperationUpdate = "UPDATE"
	OperationDelete = "DELETION"
)

// KindForTopic returns the event kind selected by a topic. A leading numeric
// customer-id segment and an operation suffix such as "[U]" are ignored:
// "7603/DataPoint/temp", "DataPoint[U]" and "DataPoint" are all data points.
func KindForTopic(topic string) Kind {
	resource := TopicResource(topic)
	switch {
	case strings.EqualFold(resource, "DataPoint"):
		return KindDataPoint
	case strings.EqualFold(resource, "DeviceCore"):
		return KindDeviceStatus
	case strings.EqualFold(resource, "FileData"), strings.EqualFold(resource, "FileDataCore"):
		return KindFileMetadata
	default:
		return KindUnknown
	}
}

// TopicResource returns the resource name at the head of a topic.
func TopicResource(topic string) string {
	parts := strings.Split(strings.TrimSpace(topic), "/")
	if len(parts) > 1 && isDigits(parts[0]) {
		parts = parts[1:]
	}
	resource := parts[0]
	if i := strings.IndexByte(resource, '['); i >= 0 {
		resource = resource[:i]
	}
	return resource
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// DataPoint is one value written to a data stream.
type DataPoint struct {
	ID              string    `json:"id,omitempty"`
	StreamID        string    `json:"streamId"`
	Data            string    `json:"data"`
	Timestamp       time.Time `json:"timestamp,omitzero"`
	ServerTimestamp time.Time `json:"serverTimestamp,omitzero"`
	Quality         int       `json:"quality,omitempty"`
	Description     string    `json:"description,omitempty"`
	Units           string    `json:"units,omitempty"`
	DataType        string    `json:"dataType,omitempty"`
	Location        string    `json:"location,omitempty"`
	CustomerID      string    `json:"cstId,omitempty"`
}

// Float returns Data as a number when it parses as one.
func (d DataPoint) Float() (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(d.Data), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// DeviceStatus is a DeviceCore record: the identity and connection state of
// one device.
type DeviceStatus struct {
	DeviceID         string    `json:"devId,omitempty"`
	ConnectwareID    string    `json:"devConnectwareId,omitempty"`
	MAC              string    `json:"devMac,omitempty"`
	DeviceType       string    `json:"dpDeviceType,omitempty"`
	LastKnownIP      string    `json:"dpLastKnownIp,omitempty"`
	GlobalIP         string    `json:"dpGlobalIp,omitempty"`
	ConnectionStatus int       `json:"dpConnectionStatus"`
	LastConnect      time.Time `json:"dpLastConnectTime,omitzero"`
	LastDisconnect   time.Time `json:"dpLastDisconnectTime,omitzero"`
	CustomerID       string    `json:"cstId,omitempty"`
}

// Connected reports whether the device is connected to the cloud.
func (d DeviceStatus) Connected() bool {
	return d.ConnectionStatus > 0
}

// FileMetadata describes a file in the filedata store.
type FileMetadata struct {
	Path         string    `json:"fdPath"`
	Name         string    `json:"fdName"`
	Type         string    `json:"fdType,omitempty"`
	ContentType  string    `json:"fdContentType,omitempty"`
	Size         int64     `json:"fdSize"`
	Created      time.Time `json:"fdCreatedDate,omitzero"`
	LastModified time.Time `json:"fdLastModifiedDate,omitzero"`
	CustomerID   string    `json:"cstId,omitempty"`
}

// FullPath returns Path joined with Name.
func (f FileMetadata) FullPath() string {
	if f.Path == "" {
		return f.Name
	}
	if strings.HasSuffix(f.Path, "/") {
		return f.Path + f.Name
	}
	return f.Path + "/" + f.Name
}

// PushEvent is a decoded notification. It is immutable once built; exactly
// one of DataPoint, Device and File is set unless Kind is KindUnknown.
type PushEvent struct {
	ID         uuid.UUID       `json:"id"`
	MonitorID  string          `json:"monitorId"`
	Topic      string          `json:"topic"`
	Kind       Kind            `json:"kind"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Operation  string          `json:"operation,omitempty"`
	Timestamp  time.Time       `json:"timestamp,omitzero"`
	DataPoint  *DataPoint      `json:"dataPoint,omitempty"`
	Device     *DeviceStatus   `json:"device,omitempty"`
	File       *FileMetadata   `json:"file,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// Subject names the resource an event is about: the stream id, the device
// id or the file path.
func (e PushEvent) Subject() string {
	switch {
	case e.DataPoint != nil:
		return e.DataPoint.StreamID
	case e.Device != nil:
		if e.Device.DeviceID != "" {
			return e.Device.DeviceID
		}
		return e.Device.ConnectwareID
	case e.File != nil:
		return e.File.FullPath()
	default:
		return ""
	}
}
