package monitor

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/devicecloud/internal/event"
	"github.com/nerrad567/devicecloud/internal/push/dispatch"
	"github.com/nerrad567/devicecloud/internal/push/frame"
)

// MonitorIDParam is the route parameter the Receiver reads the monitor id
// from, e.g. "/webhook/{monitorID}".
const MonitorIDParam = "monitorID"

// maxWebhookBody bounds a callback body before decompression.
const maxWebhookBody = 16 << 20

// Receiver accepts HTTP transport callbacks from the server and hands the
// documents to the matching Handle.
//
// Thread Safety: all methods are safe for concurrent use.
type Receiver struct {
	mu      sync.RWMutex
	handles map[string]*Handle
	logger  Logger
}

// NewReceiver creates an empty Receiver. logger may be nil.
func NewReceiver(logger Logger) *Receiver {
	return &Receiver{handles: make(map[string]*Handle), logger: logger}
}

// Register routes callbacks for h's monitor id to h.
func (r *Receiver) Register(h *Handle) error {
	desc := h.Descriptor()
	if desc.Transport != TransportHTTP {
		return fmt.Errorf("%w: monitor %s uses %s transport", ErrInvalidOptions, desc.ID, desc.Transport)
	}
	r.mu.Lock()
	r.handles[desc.ID] = h
	r.mu.Unlock()
	return nil
}

// Unregister stops routing callbacks for id.
func (r *Receiver) Unregister(id string) {
	r.mu.Lock()
	delete(r.handles, id)
	r.mu.Unlock()
}

// lookup finds the handle for id. An empty id resolves to the only
// registered handle, so a callback URL can be configured before the
// monitor id is known.
func (r *Receiver) lookup(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == "" && len(r.handles) == 1 {
		for _, h := range r.handles {
			return h, true
		}
	}
	h, ok := r.handles[id]
	return h, ok
}

// ServeHTTP handles one callback. It answers 200 once every callback has
// run, 400 for undecodable bodies, 401 for a wrong token and 404 for an
// unknown monitor.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h, ok := r.lookup(chi.URLParam(req, MonitorIDParam))
	if !ok || h.Closed() {
		http.Error(w, "unknown monitor", http.StatusNotFound)
		return
	}
	id := h.ID()

	if !tokenMatches(req, h.Descriptor().HTTP.Token) {
		w.Header().Set("WWW-Authenticate", `Basic realm="devicecloud"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	doc, err := inflateBody(body, req.Header.Get("Content-Encoding"))
	if err != nil {
		r.logDebug("undecodable webhook body", "monitor_id", id, "error", err)
		http.Error(w, "bad content encoding", http.StatusBadRequest)
		return
	}

	n, err := h.Deliver(doc, bodyFormat(req.Header.Get("Content-Type"), doc))
	if err != nil {
		if errors.Is(err, ErrClosed) {
			http.Error(w, "unknown monitor", http.StatusNotFound)
			return
		}
		r.logDebug("undecodable webhook document", "monitor_id", id, "error", err)
		http.Error(w, "undecodable document", http.StatusBadRequest)
		return
	}

	r.logDebug("webhook delivered", "monitor_id", id, "events", n)
	w.WriteHeader(http.StatusOK)
}

// tokenMatches checks HTTP Basic credentials against a "user:pass" token.
// An empty token accepts any request.
func tokenMatches(req *http.Request, token string) bool {
	if token == "" {
		return true
	}
	user, pass, ok := req.BasicAuth()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(user+":"+pass), []byte(token)) == 1
}

func inflateBody(body []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip":
		return dispatch.Decompress(body, frame.CompressionGzip, 0)
	case "deflate":
		return dispatch.Decompress(body, frame.CompressionZlib, 0)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

func bodyFormat(contentType string, doc []byte) frame.Format {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err == nil {
		switch {
		case strings.HasSuffix(mediaType, "json"):
			return frame.FormatJSON
		case strings.HasSuffix(mediaType, "xml"):
			return frame.FormatXML
		}
	}
	return event.DetectFormat(doc)
}

func (r *Receiver) logDebug(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Debug(msg, keysAndValues...)
	}
}
