package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// maxWait bounds how long a long-poll request is held open.
const maxWait = 60 * time.Second

// eventsResponse is the long-poll response body. Seq is the cursor the
// client passes back as "since" on its next request.
type eventsResponse struct {
	Seq    uint64  `json:"seq"`
	Events []Event `json:"events"`
}

// Server wraps a MemoryRelay and provides HTTP endpoints.
type Server struct {
	relay *MemoryRelay
}

// NewServer creates a new relay HTTP server.
func NewServer(relay *MemoryRelay) *Server {
	return &Server{relay: relay}
}

// Handler returns the http.Handler for the relay service endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /events", s.handlePublish)
	mux.HandleFunc("GET /events", s.handleEvents)

	return mux
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var e Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		http.Error(w, "Bad Request: valid JSON expected", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if err := s.relay.Publish(r.Context(), e); err != nil {
		if errors.Is(err, ErrSignatureInvalid) {
			http.Error(w, "Bad Request: signature invalid", http.StatusBadRequest)
			return
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleEvents serves both one-shot queries (wait absent or zero) and
// long-poll subscriptions (wait > 0): it blocks until an event newer than
// "since" matches the filter or the wait elapses.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := Filter{
		Owner: query.Get("owner"),
		Kind:  query.Get("kind"),
		Key:   query.Get("key"),
	}

	var since uint64
	if v := query.Get("since"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "Bad Request: invalid since", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	var wait time.Duration
	if v := query.Get("wait"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			http.Error(w, "Bad Request: invalid wait", http.StatusBadRequest)
			return
		}
		wait = min(parsed, maxWait)
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		updated := s.relay.Updated()
		events, seq := s.relay.Since(filter, since)
		if len(events) > 0 || wait <= 0 {
			s.respond(w, eventsResponse{Seq: seq, Events: events})
			return
		}

		select {
		case <-updated:
		case <-deadline.C:
			s.respond(w, eventsResponse{Seq: seq})
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) respond(w http.ResponseWriter, body eventsResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
