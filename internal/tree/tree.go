// Package tree implements the content-addressed directory tree: plaintext
// or sealed leaf blocks, chunk index nodes for large files, and ordered
// directory nodes, all linked by CIDs. Mutation is copy-on-write: editing an
// entry produces new nodes along the edited path only, so unchanged subtrees
// keep their CIDs and a single-entry edit costs O(depth) new blocks.
//
// Directory nodes are stored in the clear for public and unlisted trees so
// that structure stays resolvable without the tree key; leaf content and
// chunk indexes are sealed for any non-public tier. Private trees seal their
// directory nodes as well.
package tree

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"canopy/internal/cid"
)

var (
	// ErrNotFound is returned when a path names an entry that does not
	// exist, or traverses a non-directory. It is an expected condition
	// (e.g. probing for an optional file), distinct from transport
	// failure.
	ErrNotFound = errors.New("not found")

	// ErrMalformedNode is returned when stored bytes cannot be decoded as
	// the expected node kind. It is a local data-model error and is not
	// retried.
	ErrMalformedNode = errors.New("malformed node")

	// ErrDuplicateName is returned when a directory would contain two
	// entries with the same name.
	ErrDuplicateName = errors.New("duplicate entry name")

	// ErrInvalidName is returned for empty names or names containing a
	// path separator.
	ErrInvalidName = errors.New("invalid entry name")
)

// LinkType distinguishes what an entry's CID points at.
type LinkType string

const (
	// BlobLink marks file content: a single block or a chunk index.
	BlobLink LinkType = "blob"
	// DirLink marks a directory node.
	DirLink LinkType = "dir"
)

// Entry is one row of a directory node.
type Entry struct {
	Name string   `json:"name"`
	CID  cid.CID  `json:"cid"`
	Size uint64   `json:"size"`
	Link LinkType `json:"linkType"`
	// Chunked marks blobs whose CID points at a chunk index node rather
	// than the content itself.
	Chunked bool `json:"chunked,omitempty"`
}

const (
	dirKind   = "dir"
	indexKind = "index"
)

// dirNode is the serialized form of a directory.
type dirNode struct {
	Kind    string  `json:"kind"`
	Entries []Entry `json:"entries"`
}

// indexNode lists the chunks of a large file in order.
type indexNode struct {
	Kind   string     `json:"kind"`
	Chunks []ChunkRef `json:"chunks"`
}

// ChunkRef locates one chunk of a chunked file.
type ChunkRef struct {
	Address string `json:"address"`
	Size    uint64 `json:"size"`
}

// PutResult describes content written by Put or a finalized stream.
type PutResult struct {
	CID     cid.CID
	Size    uint64
	Chunked bool
}

// Entry builds a directory entry referencing the written content.
func (r PutResult) Entry(name string) Entry {
	return Entry{Name: name, CID: r.CID, Size: r.Size, Link: BlobLink, Chunked: r.Chunked}
}

// ValidName reports whether name is usable as a directory entry name.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsRune(name, '/')
}

// normalizeEntries validates, sorts, and checks entries for duplicates.
func normalizeEntries(entries []Entry) ([]Entry, error) {
	out := append([]Entry(nil), entries...)
	for _, e := range out {
		if !ValidName(e.Name) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidName, e.Name)
		}
		if e.Link != BlobLink && e.Link != DirLink {
			return nil, fmt.Errorf("%w: unknown link type %q", ErrMalformedNode, e.Link)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	for i := 1; i < len(out); i++ {
		if out[i].Name == out[i-1].Name {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, out[i].Name)
		}
	}
	return out, nil
}

// findEntry locates name in a sorted entry list.
func findEntry(entries []Entry, name string) (Entry, bool) {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Name >= name })
	if i < len(entries) && entries[i].Name == name {
		return entries[i], true
	}
	return Entry{}, false
}

// setEntryIn inserts or replaces e in a sorted entry list.
func setEntryIn(entries []Entry, e Entry) []Entry {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Name >= e.Name })
	if i < len(entries) && entries[i].Name == e.Name {
		out := append([]Entry(nil), entries...)
		out[i] = e
		return out
	}
	out := make([]Entry, 0, len(entries)+1)
	out = append(out, entries[:i]...)
	out = append(out, e)
	out = append(out, entries[i:]...)
	return out
}

// removeEntryIn removes name from a sorted entry list.
func removeEntryIn(entries []Entry, name string) ([]Entry, bool) {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Name >= name })
	if i >= len(entries) || entries[i].Name != name {
		return entries, false
	}
	out := make([]Entry, 0, len(entries)-1)
	out = append(out, entries[:i]...)
	out = append(out, entries[i+1:]...)
	return out, true
}
