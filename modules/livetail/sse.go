package livetail

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// sseSink adapts an http connection to the Sink interface using server-sent
// events.
type sseSink struct {
	mtx     sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
	done    chan struct{}
}

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	return &sseSink{w: w, flusher: flusher, done: make(chan struct{})}, nil
}

func (s *sseSink) Send(event string, data interface{}) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return fmt.Errorf("sink closed")
	}

	payload := []byte("{}")
	if data != nil {
		var err error
		payload, err = json.Marshal(data)
		if err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Close() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// LogStreamHandler serves GET stream subscriptions:
// ?query=&regex=&startTime=&endTime=. The connection stays open until the
// client goes away or the handle expires.
func (t *Tailer) LogStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sink, err := newSSESink(w)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		params := r.URL.Query()
		regex, _ := strconv.ParseBool(params.Get("regex"))

		var startTime, endTime *int64
		if v := params.Get("startTime"); v != "" {
			if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
				startTime = &ts
			}
		}
		if v := params.Get("endTime"); v != "" {
			if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
				endTime = &ts
			}
		}

		id, err := t.SubscribeLogs(r.Context(), params.Get("query"), regex, startTime, endTime, sink)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		select {
		case <-r.Context().Done():
			t.Unsubscribe(id)
		case <-sink.done:
		}
	}
}

// WidgetStreamHandler serves GET widget subscriptions:
// ?dashboardId=&widgetId=.
func (t *Tailer) WidgetStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := r.URL.Query()
		dashboardID := params.Get("dashboardId")
		widgetID := params.Get("widgetId")
		if dashboardID == "" || widgetID == "" {
			http.Error(w, "dashboardId and widgetId are required", http.StatusBadRequest)
			return
		}

		sink, err := newSSESink(w)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		id, err := t.SubscribeWidget(dashboardID, widgetID, sink)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		select {
		case <-r.Context().Done():
			t.Unsubscribe(id)
		case <-sink.done:
		}
	}
}

// StatsHandler serves the subscription registry snapshot.
func (t *Tailer) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(t.Stats())
	}
}
