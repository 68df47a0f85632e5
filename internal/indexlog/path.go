package indexlog

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPath is returned for paths that cannot be written.
var ErrInvalidPath = errors.New("invalid path")

// ValidatePath checks that path is absolute, has no empty segments and is not the root.
func ValidatePath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%q must start with /:\n%w", path, ErrInvalidPath)
	}

	if path == "/" {
		return fmt.Errorf("root is not writable:\n%w", ErrInvalidPath)
	}

	for _, seg := range strings.Split(path[1:], "/") {
		if seg == "" {
			return fmt.Errorf("%q has an empty segment:\n%w", path, ErrInvalidPath)
		}
	}

	return nil
}

// listPrefix normalizes a listing prefix to end with a single slash.
func listPrefix(prefix string) string {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}

	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return prefix
}

// ListItem is one direct child of a listed prefix.
// Containers stand for sub-trees holding further entries.
type ListItem struct {
	Path      string `json:"path"`
	Container bool   `json:"container"`
	Entry     *Entry `json:"entry,omitempty"`
}

// Reader is read access to index state.
type Reader interface {
	Get(path string) (*Entry, error)
	List(prefix string) ([]ListItem, error)
}

// collector folds sorted (path, entry) pairs under prefix into direct children.
type collector struct {
	prefix string
	items  []ListItem
	seen   map[string]bool
}

// add records one path found under the prefix.
func (c *collector) add(path string, e *Entry) {
	rest := strings.TrimPrefix(path, c.prefix)

	if i := strings.IndexByte(rest, '/'); i >= 0 {
		sub := c.prefix + rest[:i]
		if !c.seen[sub] {
			c.seen[sub] = true
			c.items = append(c.items, ListItem{Path: sub, Container: true})
		}
		return
	}

	c.items = append(c.items, ListItem{Path: path, Entry: e})
}
