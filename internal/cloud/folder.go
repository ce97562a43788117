// Package cloud models cloud folders and the clouds that group them.
package cloud

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/fruitsalade/homecloud/internal/apperr"
	"github.com/fruitsalade/homecloud/internal/vfs"
)

// MaxNameLen bounds folder and cloud names.
const MaxNameLen = 100

// Folder binds a logical name to a directory on disk. Root is canonical.
type Folder struct {
	Name string `json:"name"`
	Root string `json:"-"`
}

// NewFolder validates name and canonicalizes root. root must exist and be a
// directory.
func NewFolder(name, root string) (Folder, error) {
	if err := ValidateName(name); err != nil {
		return Folder{}, err
	}
	if strings.TrimSpace(root) == "" {
		return Folder{}, apperr.New(apperr.InvalidConfig, fmt.Sprintf("cloud folder %q has no path", name))
	}

	canon, err := vfs.Canonicalize(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Folder{}, apperr.Wrap(apperr.InvalidConfig,
				fmt.Sprintf("cloud folder %q path does not exist", name), err)
		}
		return Folder{}, apperr.Wrap(apperr.IoFailure,
			fmt.Sprintf("canonicalize cloud folder %q", name), err)
	}

	info, err := os.Stat(canon)
	if err != nil {
		return Folder{}, apperr.Wrap(apperr.IoFailure, fmt.Sprintf("stat cloud folder %q", name), err)
	}
	if !info.IsDir() {
		return Folder{}, apperr.New(apperr.InvalidConfig, fmt.Sprintf("cloud folder %q path is not a directory", name))
	}

	return Folder{Name: name, Root: canon}, nil
}

// ValidateName checks a folder or cloud name.
func ValidateName(name string) error {
	if name == "" || len(name) > MaxNameLen {
		return apperr.New(apperr.InvalidConfig, "name must be between 1 and 100 characters")
	}
	if strings.TrimSpace(name) == "" {
		return apperr.New(apperr.InvalidConfig, "name cannot be only whitespace")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\\x00") {
		return apperr.New(apperr.InvalidConfig, "name contains invalid characters")
	}
	return nil
}

// Catalog is the configured set of cloud folders, addressed by name. Clouds
// reference catalog entries.
type Catalog struct {
	order  []string
	byName map[string]Folder
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{byName: make(map[string]Folder)}
}

// Add registers f. Names must be unique within the catalog.
func (c *Catalog) Add(f Folder) error {
	if _, ok := c.byName[f.Name]; ok {
		return apperr.New(apperr.InvalidConfig, fmt.Sprintf("cloud folder %q already exists", f.Name))
	}
	c.byName[f.Name] = f
	c.order = append(c.order, f.Name)
	return nil
}

// Lookup returns the folder called name.
func (c *Catalog) Lookup(name string) (Folder, error) {
	f, ok := c.byName[name]
	if !ok {
		return Folder{}, apperr.New(apperr.FolderNotFound, "cloud folder not found")
	}
	return f, nil
}

// Resolve maps folder names to folders, preserving order.
func (c *Catalog) Resolve(names []string) ([]Folder, error) {
	folders := make([]Folder, 0, len(names))
	for _, n := range names {
		f, err := c.Lookup(n)
		if err != nil {
			return nil, apperr.New(apperr.InvalidConfig, fmt.Sprintf("unknown cloud folder %q", n))
		}
		folders = append(folders, f)
	}
	return folders, nil
}

// All returns every folder in insertion order.
func (c *Catalog) All() []Folder {
	out := make([]Folder, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, c.byName[n])
	}
	return out
}

// Len returns the number of folders.
func (c *Catalog) Len() int { return len(c.order) }
