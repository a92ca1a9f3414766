package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nerrad567/devicecloud/internal/cloud"
)

const monitorPath = "/ws/Monitor"

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Registry manages monitor descriptors through the /ws/Monitor web service.
//
// Thread Safety: all methods are safe for concurrent use.
type Registry struct {
	client *cloud.Client
	logger Logger
}

// NewRegistry creates a Registry. logger may be nil.
func NewRegistry(client *cloud.Client, logger Logger) *Registry {
	return &Registry{client: client, logger: logger}
}

// Client returns the underlying request client.
func (r *Registry) Client() *cloud.Client {
	return r.client
}

// Create registers a new monitor.
//
// Parameters:
//   - ctx: Context for cancellation
//   - opts: Descriptor options; zero values select defaults
//
// Returns:
//   - Descriptor: The options as registered, with the server-assigned ID
//   - error: ErrInvalidOptions or ErrRegistry
func (r *Registry) Create(ctx context.Context, opts Options) (Descriptor, error) {
	opts.applyDefaults()
	if err := opts.Validate(); err != nil {
		return Descriptor{}, err
	}

	body, err := opts.requestBody()
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: encode monitor: %w", ErrRegistry, err)
	}

	resp, err := r.client.Post(ctx, monitorPath, "text/xml", body)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: create monitor: %w", ErrRegistry, err)
	}
	id, err := parseLocation(resp.Body)
	if err != nil {
		return Descriptor{}, err
	}

	r.logInfo("monitor created", "monitor_id", id, "topics", strings.Join(opts.Topics, ","), "transport", string(opts.Transport))
	return Descriptor{
		ID:            id,
		Topics:        append([]string(nil), opts.Topics...),
		Transport:     opts.Transport,
		Format:        opts.Format,
		Compression:   opts.Compression,
		BatchSize:     opts.BatchSize,
		BatchDuration: opts.BatchDuration,
		HTTP:          opts.HTTP,
	}, nil
}

// CreateTCP registers a monitor pushed over the TCP/TLS push protocol.
func (r *Registry) CreateTCP(ctx context.Context, opts Options) (Descriptor, error) {
	opts.Transport = TransportTCP
	return r.Create(ctx, opts)
}

// CreateHTTP registers a monitor whose batches the server posts to
// opts.HTTP.URL.
func (r *Registry) CreateHTTP(ctx context.Context, opts Options) (Descriptor, error) {
	opts.Transport = TransportHTTP
	return r.Create(ctx, opts)
}

// Get fetches one descriptor by id.
func (r *Registry) Get(ctx context.Context, id string) (Descriptor, error) {
	var page cloud.Page
	err := r.client.GetJSON(ctx, monitorPath+"/"+id, nil, &page)
	if err != nil {
		if cloud.StatusCode(err) == http.StatusNotFound {
			return Descriptor{}, fmt.Errorf("%w: monitor %s", ErrNotFound, id)
		}
		return Descriptor{}, fmt.Errorf("%w: get monitor %s: %w", ErrRegistry, id, err)
	}
	if len(page.Items) == 0 {
		return Descriptor{}, fmt.Errorf("%w: monitor %s", ErrNotFound, id)
	}
	return ParseDescriptor(page.Items[0])
}

// List returns every descriptor matching cond; nil matches all.
func (r *Registry) List(ctx context.Context, cond cloud.Expression) ([]Descriptor, error) {
	var out []Descriptor
	err := r.client.IterJSONPages(ctx, monitorPath, cloud.Query(cond), 0, func(item json.RawMessage) error {
		d, err := ParseDescriptor(item)
		if err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRegistry) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: list monitors: %w", ErrRegistry, err)
	}
	return out, nil
}

// Find returns the first descriptor whose topic list equals topics.
func (r *Registry) Find(ctx context.Context, topics []string) (Descriptor, error) {
	cond := cloud.Attr(AttrTopic).Eq(strings.Join(topics, ","))

	var (
		found Descriptor
		ok    bool
	)
	err := r.client.IterJSONPages(ctx, monitorPath, cloud.Query(cond), 0, func(item json.RawMessage) error {
		d, err := ParseDescriptor(item)
		if err != nil {
			return err
		}
		found, ok = d, true
		return cloud.ErrStopIteration
	})
	if err != nil {
		if errors.Is(err, ErrRegistry) {
			return Descriptor{}, err
		}
		return Descriptor{}, fmt.Errorf("%w: find monitor: %w", ErrRegistry, err)
	}
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: topics %s", ErrNotFound, strings.Join(topics, ","))
	}
	return found, nil
}

// Delete removes a descriptor.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if _, err := r.client.Delete(ctx, monitorPath+"/"+id); err != nil {
		if cloud.StatusCode(err) == http.StatusNotFound {
			return fmt.Errorf("%w: monitor %s", ErrNotFound, id)
		}
		return fmt.Errorf("%w: delete monitor %s: %w", ErrRegistry, id, err)
	}
	r.logInfo("monitor deleted", "monitor_id", id)
	return nil
}

// Bind confirms desc still exists on the server. When the server has lost
// it, Bind re-creates it from the cached options and returns the new
// descriptor, whose ID differs.
func (r *Registry) Bind(ctx context.Context, desc Descriptor) (Descriptor, error) {
	current, err := r.Get(ctx, desc.ID)
	if err == nil {
		return current, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Descriptor{}, err
	}

	r.logWarn("monitor missing on server, re-creating", "monitor_id", desc.ID)
	return r.Create(ctx, desc.Options())
}

// passthroughCharset lets encoding/xml read the ISO-8859-1 declarations
// the service emits; its responses are ASCII.
func passthroughCharset(_ string, input io.Reader) (io.Reader, error) {
	return input, nil
}

func (r *Registry) logInfo(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Info(msg, keysAndValues...)
	}
}

func (r *Registry) logWarn(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Warn(msg, keysAndValues...)
	}
}
