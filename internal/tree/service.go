package tree

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"canopy/internal/block"
	"canopy/internal/broker"
	"canopy/internal/cid"
	"canopy/internal/crypt"
)

// Fetcher retrieves a missing block from remote sources. The returned bytes
// are already hash-verified and written into the local store by the
// implementation (the transport broker).
type Fetcher interface {
	Fetch(ctx context.Context, address string) ([]byte, error)
}

// maxResolveDepth bounds path walks. Content addressing cannot express a
// true cycle, so hitting the bound means a malformed tree.
const maxResolveDepth = 255

const defaultDirCacheSize = 512

// Service reads and writes one tree at a given visibility tier. The key is
// the tree key for non-public tiers; it may be nil for a consumer holding
// only the pointer, in which case structural operations still work but
// sealed content yields crypt.ErrDecryptionFailure.
type Service struct {
	store    block.Store
	fetcher  Fetcher
	vis      crypt.Visibility
	key      []byte
	dirCache *lru.Cache[string, []Entry]
	log      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithFetcher routes missing blocks through the given remote fetcher.
func WithFetcher(f Fetcher) Option {
	return func(s *Service) { s.fetcher = f }
}

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// NewService creates a Service over the given store.
func NewService(store block.Store, vis crypt.Visibility, key []byte, opts ...Option) (*Service, error) {
	if !vis.Valid() {
		return nil, fmt.Errorf("unknown visibility tier %q", vis)
	}
	cache, err := lru.New[string, []Entry](defaultDirCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Service{
		store:    store,
		vis:      vis,
		key:      key,
		dirCache: cache,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Visibility returns the tier the service was opened at.
func (s *Service) Visibility() crypt.Visibility {
	return s.vis
}

// Key returns the tree key, or nil when the service has none.
func (s *Service) Key() []byte {
	return s.key
}

// sealsDirs reports whether directory nodes are sealed at this tier.
// Public and unlisted trees keep structure readable without the key.
func (s *Service) sealsDirs() bool {
	return s.vis == crypt.Private
}

// loadBlock returns the stored bytes at address, fetching remotely when the
// local store misses.
func (s *Service) loadBlock(ctx context.Context, address string) ([]byte, error) {
	if data, ok := block.GetBytes(s.store, address); ok {
		return data, nil
	}
	if s.fetcher == nil {
		return nil, fmt.Errorf("%w: %s", broker.ErrContentUnavailable, address)
	}
	return s.fetcher.Fetch(ctx, address)
}

// effectiveKey prefers a key embedded in the CID over the tree key.
func (s *Service) effectiveKey(c cid.CID) []byte {
	if c.HasKey() {
		return c.Key
	}
	return s.key
}

// sealContent encrypts leaf or index bytes according to the tier.
func (s *Service) sealContent(plain []byte) ([]byte, error) {
	if !s.vis.Encrypted() {
		return plain, nil
	}
	if s.key == nil {
		return nil, fmt.Errorf("%w: tree key required to write %s content", crypt.ErrDecryptionFailure, s.vis)
	}
	return crypt.Seal(s.key, plain)
}

// openContent decrypts leaf or index bytes according to the tier.
func (s *Service) openContent(stored []byte, key []byte) ([]byte, error) {
	if !s.vis.Encrypted() {
		return stored, nil
	}
	return crypt.Open(key, stored)
}

// storeNode writes the given bytes and returns their address.
func (s *Service) storeNode(data []byte) (string, error) {
	address := block.Address(data)
	ok, err := s.store.StoreAt(address, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("store rejected block %s", address)
	}
	return address, nil
}

// Put writes file content into the tree. Content above the chunking
// threshold is split into content-defined chunks behind an index node.
// Writing identical bytes at the same tier always yields the same CID.
func (s *Service) Put(data []byte) (PutResult, error) {
	st := s.NewStream()
	if err := st.Append(data); err != nil {
		return PutResult{}, err
	}
	return st.Finalize()
}

// Get reads file content. chunked mirrors the entry's Chunked flag: when
// set, the CID points at an index node whose chunks are concatenated.
func (s *Service) Get(ctx context.Context, c cid.CID, chunked bool) ([]byte, error) {
	stored, err := s.loadBlock(ctx, c.Address())
	if err != nil {
		return nil, err
	}
	if !chunked {
		return s.openContent(stored, s.effectiveKey(c))
	}

	idxPlain, err := s.openContent(stored, s.effectiveKey(c))
	if err != nil {
		return nil, err
	}
	var idx indexNode
	if err := json.Unmarshal(idxPlain, &idx); err != nil || idx.Kind != indexKind {
		return nil, fmt.Errorf("%w: expected chunk index at %s", ErrMalformedNode, c.Address())
	}

	var total uint64
	for _, ref := range idx.Chunks {
		total += ref.Size
	}
	out := make([]byte, 0, total)
	for i, ref := range idx.Chunks {
		stored, err := s.loadBlock(ctx, ref.Address)
		if err != nil {
			return nil, err
		}
		plain, err := s.openContent(stored, s.effectiveKey(c))
		if err != nil {
			return nil, err
		}
		if uint64(len(plain)) != ref.Size {
			return nil, fmt.Errorf("%w: chunk %d size mismatch", ErrMalformedNode, i)
		}
		out = append(out, plain...)
	}
	return out, nil
}

// PutDirectory writes a directory node for the given entries and returns
// its CID. Entries are sorted by name; duplicate names are rejected.
func (s *Service) PutDirectory(entries []Entry) (cid.CID, error) {
	c, _, err := s.putDirNode(entries)
	return c, err
}

func (s *Service) putDirNode(entries []Entry) (cid.CID, uint64, error) {
	normalized, err := normalizeEntries(entries)
	if err != nil {
		return cid.CID{}, 0, err
	}
	if normalized == nil {
		normalized = []Entry{}
	}
	plain, err := json.Marshal(dirNode{Kind: dirKind, Entries: normalized})
	if err != nil {
		return cid.CID{}, 0, err
	}

	stored := plain
	if s.sealsDirs() {
		stored, err = s.sealContent(plain)
		if err != nil {
			return cid.CID{}, 0, err
		}
	}
	address, err := s.storeNode(stored)
	if err != nil {
		return cid.CID{}, 0, err
	}
	s.dirCache.Add(address, normalized)

	c, err := cid.FromAddress(address)
	if err != nil {
		return cid.CID{}, 0, err
	}
	return c, uint64(len(stored)), nil
}

// ListDirectory returns the entries of the directory node at c. A key
// embedded in c is handed down to keyless child CIDs, so a keyed root acts
// as a self-contained read capability for the whole subtree.
func (s *Service) ListDirectory(ctx context.Context, c cid.CID) ([]Entry, error) {
	if entries, ok := s.dirCache.Get(c.Address()); ok {
		return propagateKey(append([]Entry(nil), entries...), c), nil
	}

	stored, err := s.loadBlock(ctx, c.Address())
	if err != nil {
		return nil, err
	}
	plain := stored
	if s.sealsDirs() {
		plain, err = crypt.Open(s.effectiveKey(c), stored)
		if err != nil {
			return nil, err
		}
	}

	var node dirNode
	if err := json.Unmarshal(plain, &node); err != nil || node.Kind != dirKind {
		return nil, fmt.Errorf("%w: expected directory at %s", ErrMalformedNode, c.Address())
	}
	entries := node.Entries
	if entries == nil {
		entries = []Entry{}
	}
	s.dirCache.Add(c.Address(), entries)
	return propagateKey(append([]Entry(nil), entries...), c), nil
}

// propagateKey copies a key embedded in the parent directory's CID onto
// children that carry none. The cache keeps bare entries; keys attach only
// on the returned copies.
func propagateKey(entries []Entry, parent cid.CID) []Entry {
	if !parent.HasKey() {
		return entries
	}
	for i := range entries {
		if !entries[i].CID.HasKey() {
			entries[i].CID = entries[i].CID.WithKey(parent.Key)
		}
	}
	return entries
}

// ResolvePath walks the tree from root along path segments and returns the
// entry at the end. A missing name or a path through a non-directory entry
// returns ErrNotFound; callers distinguish that from transport failure.
// An empty path resolves to the root directory itself.
func (s *Service) ResolvePath(ctx context.Context, root cid.CID, path []string) (Entry, error) {
	if len(path) > maxResolveDepth {
		return Entry{}, fmt.Errorf("%w: path exceeds depth limit", ErrMalformedNode)
	}

	current := Entry{Name: "", CID: root, Link: DirLink}
	for _, segment := range path {
		if current.Link != DirLink {
			return Entry{}, fmt.Errorf("%w: %q is not a directory", ErrNotFound, current.Name)
		}
		entries, err := s.ListDirectory(ctx, current.CID)
		if err != nil {
			return Entry{}, err
		}
		next, ok := findEntry(entries, segment)
		if !ok {
			return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, segment)
		}
		current = next
	}
	return current, nil
}

// SetEntry writes e into the directory at dirPath below root, creating
// intermediate directories as needed, and returns the new root CID. A zero
// root denotes an empty tree. Unrelated entries keep their CIDs.
func (s *Service) SetEntry(ctx context.Context, root cid.CID, dirPath []string, e Entry) (cid.CID, error) {
	if !ValidName(e.Name) {
		return cid.CID{}, fmt.Errorf("%w: %q", ErrInvalidName, e.Name)
	}
	c, _, err := s.editDirectory(ctx, root, dirPath, func(entries []Entry) ([]Entry, error) {
		return setEntryIn(entries, e), nil
	})
	return c, err
}

// RemoveEntry removes the named entry from the directory at dirPath below
// root and returns the new root CID. A missing entry returns ErrNotFound.
func (s *Service) RemoveEntry(ctx context.Context, root cid.CID, dirPath []string, name string) (cid.CID, error) {
	c, _, err := s.editDirectory(ctx, root, dirPath, func(entries []Entry) ([]Entry, error) {
		out, ok := removeEntryIn(entries, name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return out, nil
	})
	return c, err
}

// editDirectory rebuilds the directory chain from the edited directory up
// to the root, leaving all other subtrees untouched.
func (s *Service) editDirectory(ctx context.Context, root cid.CID, dirPath []string, edit func([]Entry) ([]Entry, error)) (cid.CID, uint64, error) {
	if len(dirPath) > maxResolveDepth {
		return cid.CID{}, 0, fmt.Errorf("%w: path exceeds depth limit", ErrMalformedNode)
	}

	var entries []Entry
	if !root.IsZero() {
		var err error
		// Walk bare addresses: a key embedded in the root is a read
		// capability and must not be serialized into rewritten nodes.
		entries, err = s.ListDirectory(ctx, root.Bare())
		if err != nil {
			return cid.CID{}, 0, err
		}
	}

	if len(dirPath) == 0 {
		edited, err := edit(entries)
		if err != nil {
			return cid.CID{}, 0, err
		}
		return s.putDirNode(edited)
	}

	segment := dirPath[0]
	if !ValidName(segment) {
		return cid.CID{}, 0, fmt.Errorf("%w: %q", ErrInvalidName, segment)
	}

	childRoot := cid.CID{}
	if child, ok := findEntry(entries, segment); ok {
		if child.Link != DirLink {
			return cid.CID{}, 0, fmt.Errorf("%w: %q is not a directory", ErrNotFound, segment)
		}
		childRoot = child.CID
	}

	newChild, childSize, err := s.editDirectory(ctx, childRoot, dirPath[1:], edit)
	if err != nil {
		return cid.CID{}, 0, err
	}

	entries = setEntryIn(entries, Entry{
		Name: segment,
		CID:  newChild,
		Size: childSize,
		Link: DirLink,
	})
	return s.putDirNode(entries)
}
