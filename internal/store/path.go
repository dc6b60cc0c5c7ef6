package store

import (
	"fmt"
	"strings"

	"chatsync/internal/domain"
)

// Path addresses a subtree in the key tree, e.g. "users/u1/friends". Segments
// are non-empty runs of [A-Za-z0-9_.@-] joined by '/'. The empty path is not
// addressable.
type Path string

// Join builds a path from segments without re-validating them.
func Join(segments ...string) Path {
	return Path(strings.Join(segments, "/"))
}

// ParsePath validates raw and returns it as a Path.
func ParsePath(raw string) (Path, error) {
	p := Path(raw)
	if err := p.Validate(); err != nil {
		return "", err
	}
	return p, nil
}

func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '.' || r == '@' || r == '-':
		default:
			return false
		}
	}
	return true
}

// Validate reports ErrInvalidPath for empty paths, empty segments and
// segments containing characters outside the path grammar.
func (p Path) Validate() error {
	if p == "" {
		return fmt.Errorf("%w: empty path", domain.ErrInvalidPath)
	}
	for _, seg := range p.Segments() {
		if !validSegment(seg) {
			return fmt.Errorf("%w: bad segment %q in %q", domain.ErrInvalidPath, seg, string(p))
		}
	}
	return nil
}

// Segments splits the path on '/'.
func (p Path) Segments() []string {
	return strings.Split(string(p), "/")
}

// Child appends one segment.
func (p Path) Child(segment string) Path {
	return Path(string(p) + "/" + segment)
}

// IsAncestorOf reports whether p is a strict ancestor of other.
func (p Path) IsAncestorOf(other Path) bool {
	return len(other) > len(p) && strings.HasPrefix(string(other), string(p)+"/")
}

// Touches reports whether a change at p is visible to a watcher of other:
// the paths are equal, or one contains the other.
func (p Path) Touches(other Path) bool {
	return p == other || p.IsAncestorOf(other) || other.IsAncestorOf(p)
}

func (p Path) String() string { return string(p) }
