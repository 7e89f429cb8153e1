// Package tree_test provides tests for the content-addressed tree.
package tree_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"canopy/internal/block"
	"canopy/internal/broker"
	"canopy/internal/cid"
	"canopy/internal/crypt"
	"canopy/internal/tree"
)

func newService(t *testing.T, store block.Store, vis crypt.Visibility, key []byte) *tree.Service {
	t.Helper()
	s, err := tree.NewService(store, vis, key)
	if err != nil {
		t.Fatalf("failed to create tree service: %v", err)
	}
	return s
}

func newKey(t *testing.T) []byte {
	t.Helper()
	key, err := crypt.NewKey()
	if err != nil {
		t.Fatalf("failed to create key: %v", err)
	}
	return key
}

// randomBytes is deterministic across runs so failures reproduce.
func randomBytes(n int) []byte {
	rng := rand.NewChaCha8([32]byte{7})
	out := make([]byte, n)
	rng.Read(out)
	return out
}

func TestPutIdempotence(t *testing.T) {
	key := newKey(t)
	tiers := []struct {
		vis crypt.Visibility
		key []byte
	}{
		{crypt.Public, nil},
		{crypt.Unlisted, key},
		{crypt.Private, key},
	}

	data := []byte("some file content")
	for _, tier := range tiers {
		store := block.NewMemoryStore()
		svc := newService(t, store, tier.vis, tier.key)

		first, err := svc.Put(data)
		if err != nil {
			t.Fatalf("%s: failed to put: %v", tier.vis, err)
		}
		before := store.Len()
		second, err := svc.Put(data)
		if err != nil {
			t.Fatalf("%s: failed to put again: %v", tier.vis, err)
		}
		if !first.CID.Equal(second.CID) {
			t.Fatalf("%s: expected identical CIDs, got %s and %s", tier.vis, first.CID, second.CID)
		}
		if store.Len() != before {
			t.Fatalf("%s: second put of identical bytes grew the store", tier.vis)
		}

		got, err := svc.Get(context.Background(), first.CID, first.Chunked)
		if err != nil {
			t.Fatalf("%s: failed to get: %v", tier.vis, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("%s: round trip mismatch", tier.vis)
		}
	}
}

func TestLargeContentChunksAndRoundTrips(t *testing.T) {
	data := randomBytes(2 << 20)
	store := block.NewMemoryStore()
	svc := newService(t, store, crypt.Unlisted, newKey(t))

	result, err := svc.Put(data)
	if err != nil {
		t.Fatalf("failed to put: %v", err)
	}
	if !result.Chunked {
		t.Fatalf("expected 2MB content to be chunked")
	}
	if result.Size != uint64(len(data)) {
		t.Fatalf("expected size %d, got %d", len(data), result.Size)
	}

	got, err := svc.Get(context.Background(), result.CID, result.Chunked)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("chunked round trip mismatch")
	}
}

func TestStreamMatchesPut(t *testing.T) {
	data := randomBytes(768 << 10)
	svc := newService(t, block.NewMemoryStore(), crypt.Private, newKey(t))

	direct, err := svc.Put(data)
	if err != nil {
		t.Fatalf("failed to put: %v", err)
	}

	st := svc.NewStream()
	for offset := 0; offset < len(data); offset += 10000 {
		end := min(offset+10000, len(data))
		if err := st.Append(data[offset:end]); err != nil {
			t.Fatalf("failed to append: %v", err)
		}
	}
	streamed, err := st.Finalize()
	if err != nil {
		t.Fatalf("failed to finalize: %v", err)
	}

	if !direct.CID.Equal(streamed.CID) {
		t.Fatalf("stream CID %s differs from put CID %s", streamed.CID, direct.CID)
	}
}

func TestAppendStabilityReusesPrefixChunks(t *testing.T) {
	prefix := randomBytes(1 << 20)
	suffix := randomBytes(1 << 20)
	store := block.NewMemoryStore()
	svc := newService(t, store, crypt.Public, nil)

	if _, err := svc.Put(prefix); err != nil {
		t.Fatalf("failed to put prefix: %v", err)
	}
	prefixBlocks := store.Len()

	full, err := svc.Put(append(append([]byte(nil), prefix...), suffix...))
	if err != nil {
		t.Fatalf("failed to put full content: %v", err)
	}
	if !full.Chunked {
		t.Fatalf("expected chunked content")
	}

	// Content-defined boundaries mean the full write re-stores at most the
	// prefix's trailing chunk plus the new suffix chunks and index; most
	// prefix chunks are shared. A byte-position chunker would share none.
	added := store.Len() - prefixBlocks
	fullBlocks := store.Len()
	if added >= fullBlocks-1 {
		t.Fatalf("no prefix chunks were reused: %d blocks added over %d", added, fullBlocks)
	}
}

func TestEmptyFile(t *testing.T) {
	svc := newService(t, block.NewMemoryStore(), crypt.Unlisted, newKey(t))
	result, err := svc.Put(nil)
	if err != nil {
		t.Fatalf("failed to put empty content: %v", err)
	}
	if result.Chunked || result.Size != 0 {
		t.Fatalf("expected unchunked empty result, got %+v", result)
	}
	got, err := svc.Get(context.Background(), result.CID, result.Chunked)
	if err != nil {
		t.Fatalf("failed to get empty content: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty content, got %d bytes", len(got))
	}
}

func buildDirectory(t *testing.T, svc *tree.Service, files map[string]string) cid.CID {
	t.Helper()
	root := cid.CID{}
	for name, content := range files {
		result, err := svc.Put([]byte(content))
		if err != nil {
			t.Fatalf("failed to put %s: %v", name, err)
		}
		newRoot, err := svc.SetEntry(context.Background(), root, nil, result.Entry(name))
		if err != nil {
			t.Fatalf("failed to set %s: %v", name, err)
		}
		root = newRoot
	}
	return root
}

func TestCopyOnWriteIsolation(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, block.NewMemoryStore(), crypt.Public, nil)

	files := map[string]string{}
	for i := 0; i < 8; i++ {
		files[fmt.Sprintf("file-%d.txt", i)] = fmt.Sprintf("content %d", i)
	}
	root := buildDirectory(t, svc, files)

	before, err := svc.ListDirectory(ctx, root)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}

	updated, err := svc.Put([]byte("rewritten"))
	if err != nil {
		t.Fatalf("failed to put: %v", err)
	}
	newRoot, err := svc.SetEntry(ctx, root, nil, updated.Entry("file-3.txt"))
	if err != nil {
		t.Fatalf("failed to set entry: %v", err)
	}
	if newRoot.Equal(root) {
		t.Fatalf("expected edit to produce a new root")
	}

	after, err := svc.ListDirectory(ctx, newRoot)
	if err != nil {
		t.Fatalf("failed to list new root: %v", err)
	}
	for _, e := range after {
		if e.Name == "file-3.txt" {
			if !e.CID.Equal(updated.CID) {
				t.Fatalf("edited entry does not reference new content")
			}
			continue
		}
		old, ok := findByName(before, e.Name)
		if !ok || !old.CID.Equal(e.CID) {
			t.Fatalf("unrelated entry %s changed CID", e.Name)
		}
	}

	// The old root still resolves to its original content.
	entry, err := svc.ResolvePath(ctx, root, []string{"file-3.txt"})
	if err != nil {
		t.Fatalf("failed to resolve on old root: %v", err)
	}
	got, err := svc.Get(ctx, entry.CID, entry.Chunked)
	if err != nil {
		t.Fatalf("failed to get old content: %v", err)
	}
	if string(got) != "content 3" {
		t.Fatalf("old root content changed: %q", got)
	}
}

func findByName(entries []tree.Entry, name string) (tree.Entry, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	return tree.Entry{}, false
}

func TestResolvePath(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, block.NewMemoryStore(), crypt.Public, nil)

	result, err := svc.Put([]byte("deep content"))
	if err != nil {
		t.Fatalf("failed to put: %v", err)
	}
	root, err := svc.SetEntry(ctx, cid.CID{}, []string{"a", "b"}, result.Entry("c.txt"))
	if err != nil {
		t.Fatalf("failed to set nested entry: %v", err)
	}

	entry, err := svc.ResolvePath(ctx, root, []string{"a", "b", "c.txt"})
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if !entry.CID.Equal(result.CID) {
		t.Fatalf("resolved wrong entry")
	}

	// Empty path resolves to the root directory itself.
	rootEntry, err := svc.ResolvePath(ctx, root, nil)
	if err != nil {
		t.Fatalf("failed to resolve empty path: %v", err)
	}
	if rootEntry.Link != tree.DirLink || !rootEntry.CID.Equal(root) {
		t.Fatalf("empty path did not resolve to root")
	}

	// Probing for an absent optional file is NotFound, not a failure.
	if _, err := svc.ResolvePath(ctx, root, []string{"a", "thumbnail.png"}); !errors.Is(err, tree.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing name, got %v", err)
	}

	// A path through a non-directory is NotFound as well.
	if _, err := svc.ResolvePath(ctx, root, []string{"a", "b", "c.txt", "d"}); !errors.Is(err, tree.ErrNotFound) {
		t.Fatalf("expected ErrNotFound through a file, got %v", err)
	}
}

func TestRemoveEntry(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, block.NewMemoryStore(), crypt.Public, nil)
	root := buildDirectory(t, svc, map[string]string{"a.txt": "a", "b.txt": "b"})

	newRoot, err := svc.RemoveEntry(ctx, root, nil, "a.txt")
	if err != nil {
		t.Fatalf("failed to remove: %v", err)
	}
	if _, err := svc.ResolvePath(ctx, newRoot, []string{"a.txt"}); !errors.Is(err, tree.ErrNotFound) {
		t.Fatalf("expected removed entry to be gone, got %v", err)
	}
	if _, err := svc.ResolvePath(ctx, newRoot, []string{"b.txt"}); err != nil {
		t.Fatalf("unrelated entry lost: %v", err)
	}

	if _, err := svc.RemoveEntry(ctx, root, nil, "absent.txt"); !errors.Is(err, tree.ErrNotFound) {
		t.Fatalf("expected ErrNotFound removing absent entry, got %v", err)
	}
}

func TestVisibilityEnforcement(t *testing.T) {
	ctx := context.Background()
	store := block.NewMemoryStore()
	key := newKey(t)

	owner := newService(t, store, crypt.Unlisted, key)
	root := buildDirectory(t, owner, map[string]string{"secret.txt": "classified"})

	// A keyless holder of the root pointer can walk the structure of an
	// unlisted tree but cannot read leaf content.
	keyless := newService(t, store, crypt.Unlisted, nil)
	entry, err := keyless.ResolvePath(ctx, root, []string{"secret.txt"})
	if err != nil {
		t.Fatalf("keyless resolve failed: %v", err)
	}
	if _, err := keyless.Get(ctx, entry.CID, entry.Chunked); !errors.Is(err, crypt.ErrDecryptionFailure) {
		t.Fatalf("expected ErrDecryptionFailure without the key, got %v", err)
	}

	// The key holder reads it fine.
	got, err := owner.Get(ctx, entry.CID, entry.Chunked)
	if err != nil {
		t.Fatalf("owner get failed: %v", err)
	}
	if string(got) != "classified" {
		t.Fatalf("expected %q, got %q", "classified", got)
	}

	// A CID carrying the key unlocks a single leaf for a keyless reader.
	linked := entry.CID.WithKey(key)
	got, err = keyless.Get(ctx, linked, entry.Chunked)
	if err != nil {
		t.Fatalf("keyed CID get failed: %v", err)
	}
	if string(got) != "classified" {
		t.Fatalf("expected %q via keyed CID, got %q", "classified", got)
	}
}

func TestPrivateTreeSealsStructure(t *testing.T) {
	ctx := context.Background()
	store := block.NewMemoryStore()
	key := newKey(t)

	owner := newService(t, store, crypt.Private, key)
	root := buildDirectory(t, owner, map[string]string{"doc.txt": "text"})

	keyless := newService(t, store, crypt.Private, nil)
	if _, err := keyless.ListDirectory(ctx, root); !errors.Is(err, crypt.ErrDecryptionFailure) {
		t.Fatalf("expected private structure to be sealed, got %v", err)
	}

	entries, err := owner.ListDirectory(ctx, root)
	if err != nil {
		t.Fatalf("owner list failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "doc.txt" {
		t.Fatalf("unexpected entries %v", entries)
	}
}

func TestMissingBlockIsContentUnavailable(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, block.NewMemoryStore(), crypt.Public, nil)

	absent := cid.Sum([]byte("never stored"))
	_, err := svc.Get(ctx, absent, false)
	if !errors.Is(err, broker.ErrContentUnavailable) {
		t.Fatalf("expected ErrContentUnavailable, got %v", err)
	}
	// The transport condition must stay distinguishable from a path miss.
	if errors.Is(err, tree.ErrNotFound) {
		t.Fatalf("ErrContentUnavailable must not satisfy ErrNotFound")
	}
}

func TestKeyedRootUnlocksKeylessReader(t *testing.T) {
	ctx := t.Context()
	store := block.NewMemoryStore()
	key := newKey(t)
	owner := newService(t, store, crypt.Unlisted, key)

	res, err := owner.Put([]byte("deep secret"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	root, err := owner.SetEntry(ctx, cid.CID{}, []string{"inner"}, res.Entry("file.txt"))
	if err != nil {
		t.Fatalf("SetEntry failed: %v", err)
	}

	reader := newService(t, store, crypt.Unlisted, nil)

	// The bare root resolves structure but not content.
	entry, err := reader.ResolvePath(ctx, root, []string{"inner", "file.txt"})
	if err != nil {
		t.Fatalf("ResolvePath failed: %v", err)
	}
	if _, err := reader.Get(ctx, entry.CID, entry.Chunked); !errors.Is(err, crypt.ErrDecryptionFailure) {
		t.Fatalf("expected ErrDecryptionFailure from a bare root, got %v", err)
	}

	// The keyed root carries the key down the walk.
	entry, err = reader.ResolvePath(ctx, root.WithKey(key), []string{"inner", "file.txt"})
	if err != nil {
		t.Fatalf("ResolvePath from keyed root failed: %v", err)
	}
	if !entry.CID.HasKey() {
		t.Fatalf("expected the resolved entry to inherit the root key")
	}
	got, err := reader.Get(ctx, entry.CID, entry.Chunked)
	if err != nil {
		t.Fatalf("Get via keyed root failed: %v", err)
	}
	if string(got) != "deep secret" {
		t.Fatalf("expected 'deep secret', got '%s'", got)
	}
}

func TestEditNeverPersistsPropagatedKeys(t *testing.T) {
	ctx := t.Context()
	store := block.NewMemoryStore()
	key := newKey(t)
	owner := newService(t, store, crypt.Unlisted, key)

	res, err := owner.Put([]byte("one"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	root, err := owner.SetEntry(ctx, cid.CID{}, []string{"dir"}, res.Entry("a.txt"))
	if err != nil {
		t.Fatalf("SetEntry failed: %v", err)
	}

	// Edit through a keyed root; the rewritten nodes must stay bare.
	res2, err := owner.Put([]byte("two"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	newRoot, err := owner.SetEntry(ctx, root.WithKey(key), []string{"dir"}, res2.Entry("b.txt"))
	if err != nil {
		t.Fatalf("SetEntry through keyed root failed: %v", err)
	}
	if newRoot.HasKey() {
		t.Fatalf("expected the new root CID to be bare")
	}

	reader := newService(t, store, crypt.Unlisted, nil)
	entries, err := reader.ListDirectory(ctx, newRoot)
	if err != nil {
		t.Fatalf("ListDirectory failed: %v", err)
	}
	for _, e := range entries {
		if e.CID.HasKey() {
			t.Fatalf("entry %q persisted a key into the directory node", e.Name)
		}
	}
	sub, err := reader.ResolvePath(ctx, newRoot, []string{"dir"})
	if err != nil {
		t.Fatalf("ResolvePath failed: %v", err)
	}
	inner, err := reader.ListDirectory(ctx, sub.CID)
	if err != nil {
		t.Fatalf("ListDirectory failed: %v", err)
	}
	for _, e := range inner {
		if e.CID.HasKey() {
			t.Fatalf("entry %q persisted a key into the directory node", e.Name)
		}
	}
}
