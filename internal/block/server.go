package block

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Server exposes a Store over the blob fallback protocol:
//
//	GET  /{address}  -> raw block bytes with Content-Length
//	HEAD /{address}  -> size probe
//	PUT  /{address}  -> content-addressed write, rejected on hash mismatch
//	POST /           -> write, responds with the computed address
//
// Responses to clients advertising "Accept-Encoding: zstd" are compressed;
// PUT and POST bodies may likewise arrive with "Content-Encoding: zstd".
type Server struct {
	store    Store
	readOnly bool
	log      *slog.Logger
}

// NewServer creates a blob server over the given store.
func NewServer(store Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{store: store, log: log}
}

// ReadOnly disables the write endpoints; writes respond 405.
func (s *Server) ReadOnly() *Server {
	s.readOnly = true
	return s
}

// Handler returns the http.Handler for the blob endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{address}", s.handleGet)
	mux.HandleFunc("HEAD /{address}", s.handleHead)
	mux.HandleFunc("PUT /{address}", s.handlePut)
	mux.HandleFunc("POST /", s.handlePost)

	return mux
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}

func acceptsZstd(r *http.Request) bool {
	for enc := range strings.SplitSeq(r.Header.Get("Accept-Encoding"), ",") {
		if strings.TrimSpace(enc) == "zstd" {
			return true
		}
	}
	return false
}

// requestBody returns the request body, transparently decoding a
// zstd-compressed upload.
func requestBody(r *http.Request) (io.ReadCloser, error) {
	if r.Header.Get("Content-Encoding") != "zstd" {
		return r.Body, nil
	}
	dec, err := zstd.NewReader(r.Body)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	data, ok := s.store.Get(address)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	defer data.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "immutable")
	w.Header().Set("ETag", address)

	if acceptsZstd(r) {
		w.Header().Set("Content-Encoding", "zstd")
		w.WriteHeader(http.StatusOK)
		enc, err := zstd.NewWriter(w)
		if err != nil {
			s.log.Error("failed to create zstd writer", "error", err)
			return
		}
		defer enc.Close()
		io.Copy(enc, data)
		return
	}

	if size, ok := s.store.Size(address); ok {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	io.Copy(w, data)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	size, ok := s.store.Size(address)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("ETag", address)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if s.readOnly {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	address := r.PathValue("address")
	defer r.Body.Close()

	body, err := requestBody(r)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	defer body.Close()

	ok, err := s.store.StoreAt(address, body)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if !ok {
		// Body did not hash to the requested address.
		http.Error(w, "Bad Request: hash mismatch", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(address))
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if s.readOnly {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	body, err := requestBody(r)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	defer body.Close()

	address, err := s.store.Store(body)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(address))
}
