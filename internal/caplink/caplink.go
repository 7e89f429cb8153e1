// Package caplink formats and parses capability links: shareable URLs
// naming an owner's tree, optionally a path inside it, and, for unlisted
// trees, the symmetric key needed to read sealed content.
package caplink

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"canopy/internal/crypt"
	"canopy/internal/identity"
)

// Scheme is the capability link URL scheme.
const Scheme = "canopy"

// ErrInvalidLink is returned for strings that do not parse as capability
// links.
var ErrInvalidLink = errors.New("invalid capability link")

// Link names a tree, and optionally a path and key. The key is present
// only for unlisted trees; public trees need none and private trees never
// leave the owner's devices as links.
type Link struct {
	Owner string
	Tree  string
	Path  []string
	Key   []byte
}

// String formats the link as a URL. It round-trips through Parse.
func (l Link) String() string {
	var b strings.Builder
	b.WriteString(Scheme)
	b.WriteString("://")
	b.WriteString(l.Owner)
	b.WriteByte('/')
	b.WriteString(url.PathEscape(l.Tree))
	for _, segment := range l.Path {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(segment))
	}
	if len(l.Key) > 0 {
		b.WriteString("?k=")
		b.WriteString(hex.EncodeToString(l.Key))
	}
	return b.String()
}

// Parse decodes a capability link.
func Parse(s string) (Link, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	if u.Scheme != Scheme {
		return Link{}, fmt.Errorf("%w: scheme %q", ErrInvalidLink, u.Scheme)
	}
	owner := u.Host
	if !identity.ValidID(owner) {
		return Link{}, fmt.Errorf("%w: owner %q", ErrInvalidLink, owner)
	}

	segments := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return Link{}, fmt.Errorf("%w: missing tree name", ErrInvalidLink)
	}
	decoded := make([]string, 0, len(segments))
	for _, segment := range segments {
		plain, err := url.PathUnescape(segment)
		if err != nil || plain == "" {
			return Link{}, fmt.Errorf("%w: path segment %q", ErrInvalidLink, segment)
		}
		decoded = append(decoded, plain)
	}

	link := Link{Owner: owner, Tree: decoded[0], Path: decoded[1:]}
	if len(link.Path) == 0 {
		link.Path = nil
	}

	if k := u.Query().Get("k"); k != "" {
		key, err := hex.DecodeString(k)
		if err != nil || len(key) != crypt.KeySize {
			return Link{}, fmt.Errorf("%w: malformed key", ErrInvalidLink)
		}
		link.Key = key
	}
	return link, nil
}
