package drive

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"canopy/internal/broker"
	"canopy/internal/caplink"
	"canopy/internal/crypt"
	"canopy/internal/tree"
)

// maxFileUpload bounds PUT bodies on the local API.
const maxFileUpload = 1 << 30

// treeInfo is the JSON description of an open tree.
type treeInfo struct {
	Name       string `json:"name"`
	Visibility string `json:"visibility"`
	Root       string `json:"root"`
}

type createRequest struct {
	Visibility string `json:"visibility"`
}

type rootResponse struct {
	Root string `json:"root"`
}

type publishResponse struct {
	Timestamp int64 `json:"timestamp"`
}

type linkResponse struct {
	Link string `json:"link"`
}

// Server exposes a Drive over HTTP for the local UI process. Trees are
// opened lazily from their published roots on first use.
type Server struct {
	drive *Drive

	mu    sync.Mutex
	trees map[string]*Tree
}

// NewServer creates a drive HTTP server.
func NewServer(d *Drive) *Server {
	return &Server{drive: d, trees: make(map[string]*Tree)}
}

// Handler returns the http.Handler for the drive endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /trees", s.handleListTrees)
	mux.HandleFunc("POST /trees/{tree}", s.handleCreate)
	mux.HandleFunc("GET /trees/{tree}", s.handleTreeInfo)
	mux.HandleFunc("POST /trees/{tree}/publish", s.handlePublish)
	mux.HandleFunc("GET /trees/{tree}/link", s.handleLink)
	mux.HandleFunc("GET /trees/{tree}/entries", s.handleEntries)
	mux.HandleFunc("GET /trees/{tree}/entries/{path...}", s.handleEntries)
	mux.HandleFunc("GET /trees/{tree}/files/{path...}", s.handleReadFile)
	mux.HandleFunc("PUT /trees/{tree}/files/{path...}", s.handleWriteFile)
	mux.HandleFunc("DELETE /trees/{tree}/files/{path...}", s.handleDeleteFile)
	mux.HandleFunc("GET /view/{owner}/{tree}/{path...}", s.handleView)
	mux.HandleFunc("GET /blocks/{address}", s.handleBlock)

	return mux
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}

// writeError maps the error taxonomy onto distinct status codes so the UI
// can tell "doesn't exist" from "no access" from "temporarily unreachable".
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tree.ErrNotFound), errors.Is(err, ErrNoRoot):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, crypt.ErrDecryptionFailure):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, broker.ErrContentUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, tree.ErrInvalidName), errors.Is(err, tree.ErrDuplicateName),
		errors.Is(err, caplink.ErrInvalidLink), errors.Is(err, ErrPrivateLink):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// splitPath turns the {path...} wildcard into path segments.
func splitPath(raw string) []string {
	raw = strings.Trim(raw, "/")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "/")
}

// getTree returns the open handle for name, reopening from the published
// root when the tree is not yet loaded.
func (s *Server) getTree(r *http.Request, name string) (*Tree, error) {
	s.mu.Lock()
	if t, ok := s.trees[name]; ok {
		s.mu.Unlock()
		return t, nil
	}
	s.mu.Unlock()

	t, err := s.drive.Open(r.Context(), name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.trees[name]; ok {
		return existing, nil
	}
	s.trees[name] = t
	return t, nil
}

func (s *Server) handleListTrees(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	infos := make([]treeInfo, 0, len(s.trees))
	for _, t := range s.trees {
		infos = append(infos, treeInfo{
			Name:       t.Name(),
			Visibility: string(t.Visibility()),
			Root:       t.Root().String(),
		})
	}
	s.mu.Unlock()
	writeJSON(w, infos)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("tree")

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request: valid JSON expected", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	vis := crypt.Visibility(req.Visibility)
	if req.Visibility == "" {
		vis = crypt.Private
	}
	if !vis.Valid() {
		http.Error(w, "Bad Request: unknown visibility tier", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	_, exists := s.trees[name]
	s.mu.Unlock()
	if exists {
		http.Error(w, "tree already exists", http.StatusConflict)
		return
	}

	t, err := s.drive.Create(name, vis)
	if err != nil {
		writeError(w, err)
		return
	}

	s.mu.Lock()
	s.trees[name] = t
	s.mu.Unlock()

	writeJSON(w, rootResponse{Root: t.Root().String()})
}

func (s *Server) handleTreeInfo(w http.ResponseWriter, r *http.Request) {
	t, err := s.getTree(r, r.PathValue("tree"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, treeInfo{
		Name:       t.Name(),
		Visibility: string(t.Visibility()),
		Root:       t.Root().String(),
	})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	t, err := s.getTree(r, r.PathValue("tree"))
	if err != nil {
		writeError(w, err)
		return
	}
	ts, err := t.Publish()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, publishResponse{Timestamp: ts})
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	t, err := s.getTree(r, r.PathValue("tree"))
	if err != nil {
		writeError(w, err)
		return
	}
	link, err := t.ShareLink(splitPath(r.URL.Query().Get("path")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, linkResponse{Link: link.String()})
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	t, err := s.getTree(r, r.PathValue("tree"))
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := t.List(r.Context(), splitPath(r.PathValue("path")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, entries)
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	t, err := s.getTree(r, r.PathValue("tree"))
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := t.ReadFile(r.Context(), splitPath(r.PathValue("path")))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	t, err := s.getTree(r, r.PathValue("tree"))
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxFileUpload))
	if err != nil {
		http.Error(w, "Bad Request: cannot read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	root, err := t.WriteFile(r.Context(), splitPath(r.PathValue("path")), data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rootResponse{Root: root.String()})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	t, err := s.getTree(r, r.PathValue("tree"))
	if err != nil {
		writeError(w, err)
		return
	}
	path := splitPath(r.PathValue("path"))
	if len(path) == 0 {
		http.Error(w, "Bad Request: file path required", http.StatusBadRequest)
		return
	}
	root, err := t.RemoveEntry(r.Context(), path[:len(path)-1], path[len(path)-1])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rootResponse{Root: root.String()})
}

// handleView reads a file from someone else's tree. The "k" query parameter
// carries the hex key from a capability link, if any.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	link, err := caplink.Parse(caplink.Scheme + "://" + r.PathValue("owner") + "/" +
		r.PathValue("tree") + "/" + r.PathValue("path") + "?" + r.URL.RawQuery)
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := s.drive.OpenLink(r.Context(), link)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := view.ReadFile(r.Context(), link.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	data, err := s.drive.Fetch(r.Context(), r.PathValue("address"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}
