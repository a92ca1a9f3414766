package monitor

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/devicecloud/internal/cloud"
	"github.com/nerrad567/devicecloud/internal/push/frame"
)

// Transport is how the server delivers a monitor's events.
type Transport string

// Supported transports.
const (
	TransportTCP  Transport = "tcp"
	TransportHTTP Transport = "http"
)

// Descriptor attribute names, usable in cloud conditions.
const (
	AttrID            = "monId"
	AttrCustomerID    = "cstId"
	AttrTopic         = "monTopic"
	AttrTransportType = "monTransportType"
	AttrFormatType    = "monFormatType"
	AttrBatchSize     = "monBatchSize"
	AttrBatchDuration = "monBatchDuration"
	AttrCompression   = "monCompression"
	AttrStatus        = "monStatus"
	AttrLastConnect   = "monLastConnect"
	AttrLastSent      = "monLastSent"
)

// HTTPOptions configure an HTTP transport monitor.
type HTTPOptions struct {
	// URL the server posts batches to. Required.
	URL string

	// Token is sent by the server as HTTP Basic credentials ("user:pass").
	Token string

	// Method is PUT or POST. Default: PUT.
	Method string

	// ConnectTimeout and ResponseTimeout bound the server's callback.
	// Sent in milliseconds; zero leaves the server default.
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
}

// Options describe a monitor to create.
type Options struct {
	// Topics to subscribe to, e.g. "DataPoint[U]", "DeviceCore". Required.
	Topics []string

	// Transport defaults to TCP.
	Transport Transport

	// Format of pushed documents. Default: JSON.
	Format frame.Format

	// Compression applied by the server. Default: none.
	Compression frame.Compression

	// BatchSize is how many messages the server collects before sending.
	// Default: 1.
	BatchSize int

	// BatchDuration is the longest the server waits to fill a batch.
	BatchDuration time.Duration

	// HTTP is required when Transport is TransportHTTP.
	HTTP HTTPOptions
}

func (o *Options) applyDefaults() {
	if o.Transport == "" {
		o.Transport = TransportTCP
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1
	}
	if o.Transport == TransportHTTP && o.HTTP.Method == "" {
		o.HTTP.Method = "PUT"
	}
}

// Validate checks the options after defaults are applied.
func (o Options) Validate() error {
	var problems []string
	if len(o.Topics) == 0 {
		problems = append(problems, "at least one topic is required")
	}
	for _, t := range o.Topics {
		if strings.TrimSpace(t) == "" || strings.Contains(t, ",") {
			problems = append(problems, fmt.Sprintf("invalid topic %q", t))
		}
	}
	switch o.Transport {
	case TransportTCP:
	case TransportHTTP:
		u, err := url.Parse(o.HTTP.URL)
		if o.HTTP.URL == "" || err != nil || u.Host == "" {
			problems = append(problems, fmt.Sprintf("http transport needs an absolute url, got %q", o.HTTP.URL))
		}
		if m := strings.ToUpper(o.HTTP.Method); m != "PUT" && m != "POST" {
			problems = append(problems, fmt.Sprintf("http method %q (use PUT or POST)", o.HTTP.Method))
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown transport %q", o.Transport))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidOptions, strings.Join(problems, "; "))
	}
	return nil
}

// monitorXML is the request body of POST /ws/Monitor.
type monitorXML struct {
	XMLName         xml.Name `xml:"Monitor"`
	Topic           string   `xml:"monTopic"`
	BatchSize       int      `xml:"monBatchSize"`
	BatchDuration   int      `xml:"monBatchDuration,omitempty"`
	FormatType      string   `xml:"monFormatType"`
	TransportType   string   `xml:"monTransportType"`
	TransportURL    string   `xml:"monTransportUrl,omitempty"`
	TransportToken  string   `xml:"monTransportToken,omitempty"`
	TransportMethod string   `xml:"monTransportMethod,omitempty"`
	ConnectTimeout  *int64   `xml:"monConnectTimeout,omitempty"`
	ResponseTimeout *int64   `xml:"monResponseTimeout,omitempty"`
	Compression     string   `xml:"monCompression"`
}

// requestBody renders the creation request.
func (o Options) requestBody() ([]byte, error) {
	body := monitorXML{
		Topic:         strings.Join(o.Topics, ","),
		BatchSize:     o.BatchSize,
		BatchDuration: int(o.BatchDuration / time.Second),
		FormatType:    o.Format.String(),
		TransportType: string(o.Transport),
		Compression:   o.Compression.String(),
	}
	if o.Transport == TransportHTTP {
		connect := o.HTTP.ConnectTimeout.Milliseconds()
		response := o.HTTP.ResponseTimeout.Milliseconds()
		body.TransportURL = o.HTTP.URL
		body.TransportToken = o.HTTP.Token
		body.TransportMethod = strings.ToUpper(o.HTTP.Method)
		body.ConnectTimeout = &connect
		body.ResponseTimeout = &response
	}

	out, err := xml.MarshalIndent(body, "", "    ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// Descriptor is a monitor as stored by the server.
type Descriptor struct {
	ID            string            `json:"id"`
	CustomerID    string            `json:"customer_id,omitempty"`
	Topics        []string          `json:"topics"`
	Transport     Transport         `json:"transport"`
	Format        frame.Format      `json:"-"`
	Compression   frame.Compression `json:"-"`
	BatchSize     int               `json:"batch_size"`
	BatchDuration time.Duration     `json:"batch_duration"`
	Status        string            `json:"status,omitempty"`
	LastConnect   time.Time         `json:"last_connect,omitzero"`
	LastSent      time.Time         `json:"last_sent,omitzero"`
	HTTP          HTTPOptions       `json:"-"`
}

// Options returns the parameters needed to re-create the descriptor.
func (d Descriptor) Options() Options {
	return Options{
		Topics:        append([]string(nil), d.Topics...),
		Transport:     d.Transport,
		Format:        d.Format,
		Compression:   d.Compression,
		BatchSize:     d.BatchSize,
		BatchDuration: d.BatchDuration,
		HTTP:          d.HTTP,
	}
}

// descriptorJSON mirrors a /ws/Monitor item; the service sends every
// value as a string.
type descriptorJSON struct {
	ID              cloud.Count `json:"monId"`
	CustomerID      cloud.Count `json:"cstId"`
	Topic           string      `json:"monTopic"`
	TransportType   string      `json:"monTransportType"`
	FormatType      string      `json:"monFormatType"`
	BatchSize       cloud.Count `json:"monBatchSize"`
	BatchDuration   cloud.Count `json:"monBatchDuration"`
	Compression     string      `json:"monCompression"`
	Status          string      `json:"monStatus"`
	LastConnect     string      `json:"monLastConnect"`
	LastSent        string      `json:"monLastSent"`
	TransportURL    string      `json:"monTransportUrl"`
	TransportToken  string      `json:"monTransportToken"`
	TransportMethod string      `json:"monTransportMethod"`
	ConnectTimeout  cloud.Count `json:"monConnectTimeout"`
	ResponseTimeout cloud.Count `json:"monResponseTimeout"`
}

// ParseDescriptor decodes one /ws/Monitor JSON item.
func ParseDescriptor(data []byte) (Descriptor, error) {
	var raw descriptorJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return Descriptor{}, fmt.Errorf("%w: descriptor: %w", ErrRegistry, err)
	}
	if raw.ID == 0 {
		return Descriptor{}, fmt.Errorf("%w: descriptor without monId", ErrRegistry)
	}

	format, err := frame.ParseFormat(raw.FormatType)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: descriptor %d: %w", ErrRegistry, raw.ID, err)
	}
	compression, err := frame.ParseCompression(raw.Compression)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: descriptor %d: %w", ErrRegistry, raw.ID, err)
	}

	d := Descriptor{
		ID:            strconv.Itoa(int(raw.ID)),
		Topics:        splitTopics(raw.Topic),
		Transport:     Transport(strings.ToLower(raw.TransportType)),
		Format:        format,
		Compression:   compression,
		BatchSize:     int(raw.BatchSize),
		BatchDuration: time.Duration(raw.BatchDuration) * time.Second,
		Status:        raw.Status,
		LastConnect:   parseTimestamp(raw.LastConnect),
		LastSent:      parseTimestamp(raw.LastSent),
	}
	if raw.CustomerID != 0 {
		d.CustomerID = strconv.Itoa(int(raw.CustomerID))
	}
	if d.Transport == TransportHTTP {
		d.HTTP = HTTPOptions{
			URL:             raw.TransportURL,
			Token:           raw.TransportToken,
			Method:          raw.TransportMethod,
			ConnectTimeout:  time.Duration(raw.ConnectTimeout) * time.Millisecond,
			ResponseTimeout: time.Duration(raw.ResponseTimeout) * time.Millisecond,
		}
	}
	return d, nil
}

func splitTopics(s string) []string {
	var topics []string
	for t := range strings.SplitSeq(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

func parseTimestamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z0700", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// locationResult is the response body of POST /ws/Monitor.
type locationResult struct {
	Location string `xml:"location"`
}

// parseLocation extracts "178008" from <result><location>Monitor/178008</location></result>.
func parseLocation(body []byte) (string, error) {
	var res locationResult
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = passthroughCharset
	if err := dec.Decode(&res); err != nil {
		return "", fmt.Errorf("%w: create response: %w", ErrRegistry, err)
	}
	loc := strings.TrimSpace(res.Location)
	id := loc[strings.LastIndex(loc, "/")+1:]
	if _, err := strconv.Atoi(id); err != nil {
		return "", fmt.Errorf("%w: create response location %q", ErrRegistry, loc)
	}
	return id, nil
}
