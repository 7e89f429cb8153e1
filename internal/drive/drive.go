// Package drive is the consumer surface over the storage core. A Drive owns
// one identity and wires the local block store, the remote fetch broker and
// the root pointer resolver together; Tree handles expose writable trees the
// identity owns, View handles expose read-only trees resolved from a
// published root pointer.
package drive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"canopy/internal/block"
	"canopy/internal/caplink"
	"canopy/internal/cid"
	"canopy/internal/crypt"
	"canopy/internal/identity"
	"canopy/internal/pointer"
	"canopy/internal/tree"
)

var (
	// ErrNoRoot is returned when no root pointer for the requested tree
	// arrived before the context expired.
	ErrNoRoot = errors.New("no published root")

	// ErrPrivateLink is returned when a share link is requested for a
	// private tree. Private trees never leave the owner's keyring.
	ErrPrivateLink = errors.New("private trees cannot be shared by link")
)

// Drive binds an identity to the storage core.
type Drive struct {
	self     *identity.KeyPair
	store    block.Store
	resolver *pointer.Resolver
	fetcher  tree.Fetcher
	log      *slog.Logger
}

// Option configures a Drive.
type Option func(*Drive)

// WithFetcher routes blocks missing from the local store through the given
// remote fetcher.
func WithFetcher(f tree.Fetcher) Option {
	return func(d *Drive) { d.fetcher = f }
}

// WithLogger sets the drive logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Drive) { d.log = log }
}

// New creates a Drive for the given identity.
func New(self *identity.KeyPair, store block.Store, resolver *pointer.Resolver, opts ...Option) *Drive {
	d := &Drive{
		self:     self,
		store:    store,
		resolver: resolver,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ID returns the drive's own identity.
func (d *Drive) ID() string {
	return d.self.ID()
}

// Fetch retrieves a block by address, preferring the local store.
func (d *Drive) Fetch(ctx context.Context, address string) ([]byte, error) {
	if data, ok := block.GetBytes(d.store, address); ok {
		return data, nil
	}
	if d.fetcher == nil {
		return nil, fmt.Errorf("no remote fetcher: %s", address)
	}
	return d.fetcher.Fetch(ctx, address)
}

// SubscribeRoot delivers root updates for (owner, name) to cb until the
// returned cancel function is called.
func (d *Drive) SubscribeRoot(owner string, name string, cb pointer.Callback) (func(), error) {
	return d.resolver.Subscribe(owner, name, cb)
}

// treeKey derives or generates the key for a new tree at the given tier.
// Private keys are derived from the owner secret so the owner can reopen the
// tree from the seed alone; unlisted keys are random so a share link is the
// only way in.
func (d *Drive) treeKey(name string, vis crypt.Visibility) ([]byte, error) {
	switch vis {
	case crypt.Public:
		return nil, nil
	case crypt.Private:
		return crypt.DeriveTreeKey(d.self.OwnerSecret(), name), nil
	case crypt.Unlisted:
		return crypt.NewKey()
	}
	return nil, fmt.Errorf("unknown visibility tier %q", vis)
}

// Create makes a new empty tree owned by this identity. Nothing is visible
// to other parties until Publish is called.
func (d *Drive) Create(name string, vis crypt.Visibility) (*Tree, error) {
	if name == "" {
		return nil, fmt.Errorf("tree name must not be empty")
	}
	key, err := d.treeKey(name, vis)
	if err != nil {
		return nil, err
	}
	svc, err := tree.NewService(d.store, vis, key, d.serviceOptions()...)
	if err != nil {
		return nil, err
	}
	root, err := svc.PutDirectory(nil)
	if err != nil {
		return nil, fmt.Errorf("creating empty root: %w", err)
	}
	return &Tree{drive: d, name: name, svc: svc, root: root}, nil
}

// Open reopens a tree this identity owns from its published root pointer,
// recovering the tree key from the owner-sealed copy carried alongside it.
func (d *Drive) Open(ctx context.Context, name string) (*Tree, error) {
	state, err := d.waitRoot(ctx, d.self.ID(), name)
	if err != nil {
		return nil, err
	}
	var key []byte
	if len(state.OwnerKey) > 0 {
		key, err = crypt.OpenOwnerSealedKey(d.self.OwnerSecret(), state.OwnerKey)
		if err != nil {
			return nil, fmt.Errorf("recovering key for tree '%s': %w", name, err)
		}
	}
	svc, err := tree.NewService(d.store, state.Vis, key, d.serviceOptions()...)
	if err != nil {
		return nil, err
	}
	return &Tree{drive: d, name: name, svc: svc, root: state.Root}, nil
}

// View opens a read-only handle on someone's tree at a resolved root state.
// key unlocks sealed content for unlisted trees; pass nil to read only what
// the tier leaves in the clear. The owner's own sealed key copy is used
// automatically when viewing an own tree.
func (d *Drive) View(owner string, name string, state pointer.RootState, key []byte) (*View, error) {
	if key == nil && owner == d.self.ID() && len(state.OwnerKey) > 0 {
		recovered, err := crypt.OpenOwnerSealedKey(d.self.OwnerSecret(), state.OwnerKey)
		if err != nil {
			return nil, fmt.Errorf("recovering key for tree '%s': %w", name, err)
		}
		key = recovered
	}
	svc, err := tree.NewService(d.store, state.Vis, key, d.serviceOptions()...)
	if err != nil {
		return nil, err
	}
	// A keyed root is a self-contained read capability: it flows down to
	// every entry resolved through it.
	root := state.Root
	if key != nil {
		root = root.WithKey(key)
	}
	return &View{owner: owner, name: name, svc: svc, root: root}, nil
}

// OpenLink resolves a capability link to a read-only view, waiting for the
// tree's root pointer if it is not yet cached.
func (d *Drive) OpenLink(ctx context.Context, link caplink.Link) (*View, error) {
	state, err := d.waitRoot(ctx, link.Owner, link.Tree)
	if err != nil {
		return nil, err
	}
	return d.View(link.Owner, link.Tree, state, link.Key)
}

// waitRoot returns the resolved root for (owner, name), blocking until one
// arrives or ctx expires.
func (d *Drive) waitRoot(ctx context.Context, owner string, name string) (pointer.RootState, error) {
	if state, ok := d.resolver.Cached(owner, name); ok {
		return state, nil
	}
	ch := make(chan pointer.RootState, 1)
	cancel, err := d.resolver.Subscribe(owner, name, func(state pointer.RootState) {
		select {
		case ch <- state:
		default:
		}
	})
	if err != nil {
		return pointer.RootState{}, err
	}
	defer cancel()
	select {
	case state := <-ch:
		return state, nil
	case <-ctx.Done():
		return pointer.RootState{}, fmt.Errorf("%w for %s/%s: %v", ErrNoRoot, owner, name, ctx.Err())
	}
}

func (d *Drive) serviceOptions() []tree.Option {
	opts := []tree.Option{tree.WithLogger(d.log)}
	if d.fetcher != nil {
		opts = append(opts, tree.WithFetcher(d.fetcher))
	}
	return opts
}

// Tree is a writable handle on a tree owned by the drive's identity. The
// root advances locally with each edit; Publish asserts the current root to
// the relay network.
type Tree struct {
	drive *Drive
	name  string
	svc   *tree.Service

	mu   sync.Mutex
	root cid.CID
}

// Name returns the tree's name.
func (t *Tree) Name() string {
	return t.name
}

// Visibility returns the tree's tier.
func (t *Tree) Visibility() crypt.Visibility {
	return t.svc.Visibility()
}

// Root returns the current (possibly unpublished) root.
func (t *Tree) Root() cid.CID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// Put writes file content and returns its CID. The root is unchanged until
// the content is linked with SetEntry.
func (t *Tree) Put(data []byte) (tree.PutResult, error) {
	return t.svc.Put(data)
}

// Get reads the content an entry points at.
func (t *Tree) Get(ctx context.Context, e tree.Entry) ([]byte, error) {
	return t.svc.Get(ctx, e.CID, e.Chunked)
}

// PutDirectory writes a directory node and returns its CID.
func (t *Tree) PutDirectory(entries []tree.Entry) (cid.CID, error) {
	return t.svc.PutDirectory(entries)
}

// ListDirectory returns the entries of the directory at c.
func (t *Tree) ListDirectory(ctx context.Context, c cid.CID) ([]tree.Entry, error) {
	return t.svc.ListDirectory(ctx, c)
}

// List returns the entries of the directory at path under the current root.
func (t *Tree) List(ctx context.Context, path []string) ([]tree.Entry, error) {
	root := t.Root()
	if len(path) == 0 {
		return t.svc.ListDirectory(ctx, root)
	}
	e, err := t.svc.ResolvePath(ctx, root, path)
	if err != nil {
		return nil, err
	}
	if e.Link != tree.DirLink {
		return nil, fmt.Errorf("%w: '%s' is not a directory", tree.ErrNotFound, e.Name)
	}
	return t.svc.ListDirectory(ctx, e.CID)
}

// ResolvePath walks path from the current root.
func (t *Tree) ResolvePath(ctx context.Context, path []string) (tree.Entry, error) {
	return t.svc.ResolvePath(ctx, t.Root(), path)
}

// SetEntry links e into the directory at dirPath, creating intermediate
// directories as needed, and advances the root.
func (t *Tree) SetEntry(ctx context.Context, dirPath []string, e tree.Entry) (cid.CID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	root, err := t.svc.SetEntry(ctx, t.root, dirPath, e)
	if err != nil {
		return cid.CID{}, err
	}
	t.root = root
	return root, nil
}

// RemoveEntry unlinks name from the directory at dirPath and advances the
// root.
func (t *Tree) RemoveEntry(ctx context.Context, dirPath []string, name string) (cid.CID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	root, err := t.svc.RemoveEntry(ctx, t.root, dirPath, name)
	if err != nil {
		return cid.CID{}, err
	}
	t.root = root
	return root, nil
}

// CreateStream starts a chunked write for large or growing content. Link
// the finalized result with SetEntry.
func (t *Tree) CreateStream() *tree.Stream {
	return t.svc.NewStream()
}

// WriteFile writes data at path, creating or replacing the file, and
// returns the new root.
func (t *Tree) WriteFile(ctx context.Context, path []string, data []byte) (cid.CID, error) {
	if len(path) == 0 {
		return cid.CID{}, fmt.Errorf("%w: empty file path", tree.ErrInvalidName)
	}
	res, err := t.svc.Put(data)
	if err != nil {
		return cid.CID{}, err
	}
	return t.SetEntry(ctx, path[:len(path)-1], res.Entry(path[len(path)-1]))
}

// ReadFile reads the file at path under the current root.
func (t *Tree) ReadFile(ctx context.Context, path []string) ([]byte, error) {
	e, err := t.ResolvePath(ctx, path)
	if err != nil {
		return nil, err
	}
	if e.Link != tree.BlobLink {
		return nil, fmt.Errorf("%w: '%s' is not a file", tree.ErrNotFound, e.Name)
	}
	return t.svc.Get(ctx, e.CID, e.Chunked)
}

// Publish asserts the current root to the relay network, carrying an
// owner-sealed copy of the tree key for non-public tiers. It returns the
// assertion timestamp.
func (t *Tree) Publish() (int64, error) {
	var ownerKey []byte
	if key := t.svc.Key(); key != nil {
		sealed, err := crypt.SealKeyToOwner(t.drive.self.OwnerSecret(), key)
		if err != nil {
			return 0, fmt.Errorf("sealing key for tree '%s': %w", t.name, err)
		}
		ownerKey = sealed
	}
	state := pointer.RootState{
		Root:     t.Root(),
		Vis:      t.svc.Visibility(),
		OwnerKey: ownerKey,
	}
	return t.drive.resolver.Publish(t.drive.self, t.name, state)
}

// ShareLink builds a capability link for path within this tree. Unlisted
// links embed the tree key; private trees are not shareable.
func (t *Tree) ShareLink(path []string) (caplink.Link, error) {
	switch t.svc.Visibility() {
	case crypt.Private:
		return caplink.Link{}, ErrPrivateLink
	case crypt.Unlisted:
		return caplink.Link{
			Owner: t.drive.self.ID(),
			Tree:  t.name,
			Path:  path,
			Key:   t.svc.Key(),
		}, nil
	}
	return caplink.Link{Owner: t.drive.self.ID(), Tree: t.name, Path: path}, nil
}

// View is a read-only handle on a tree at a fixed root.
type View struct {
	owner string
	name  string
	svc   *tree.Service
	root  cid.CID
}

// Owner returns the identity of the tree's owner.
func (v *View) Owner() string {
	return v.owner
}

// Name returns the tree's name.
func (v *View) Name() string {
	return v.name
}

// Root returns the root the view was opened at.
func (v *View) Root() cid.CID {
	return v.root
}

// Visibility returns the tree's tier.
func (v *View) Visibility() crypt.Visibility {
	return v.svc.Visibility()
}

// ResolvePath walks path from the view's root.
func (v *View) ResolvePath(ctx context.Context, path []string) (tree.Entry, error) {
	return v.svc.ResolvePath(ctx, v.root, path)
}

// ListDirectory returns the entries of the directory at c.
func (v *View) ListDirectory(ctx context.Context, c cid.CID) ([]tree.Entry, error) {
	return v.svc.ListDirectory(ctx, c)
}

// Get reads the content an entry points at.
func (v *View) Get(ctx context.Context, e tree.Entry) ([]byte, error) {
	return v.svc.Get(ctx, e.CID, e.Chunked)
}

// ReadFile reads the file at path under the view's root.
func (v *View) ReadFile(ctx context.Context, path []string) ([]byte, error) {
	e, err := v.ResolvePath(ctx, path)
	if err != nil {
		return nil, err
	}
	if e.Link != tree.BlobLink {
		return nil, fmt.Errorf("%w: '%s' is not a file", tree.ErrNotFound, e.Name)
	}
	return v.svc.Get(ctx, e.CID, e.Chunked)
}
