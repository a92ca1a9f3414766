package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/devicecloud/internal/event"
	"github.com/nerrad567/devicecloud/internal/eventlog"
)

// handleListEvents pages through the event log, newest first.
//
// Query parameters: monitor_id, kind, topic, since (RFC 3339), limit, offset.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeUnavailable(w, "event log is not enabled")
		return
	}

	filter, err := parseEventFilter(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	res, err := s.events.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing events failed", "error", err)
		writeInternalError(w, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseEventFilter(r *http.Request) (eventlog.Filter, error) {
	q := r.URL.Query()
	filter := eventlog.Filter{
		MonitorID: q.Get("monitor_id"),
		Kind:      event.Kind(q.Get("kind")),
		Topic:     q.Get("topic"),
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return filter, errors.New("since must be an RFC 3339 timestamp")
		}
		filter.Since = t
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("%s must be a non-negative integer", name)
		}
		*dst = n
	}
	return filter, nil
}
