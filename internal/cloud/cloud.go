package cloud

import (
	"fmt"
	"time"

	"github.com/fruitsalade/homecloud/internal/apperr"
)

// Cloud is a named, password-protected group of folders served on one port.
// A Cloud is immutable after construction; changing its folders means
// building a new Cloud and restarting it.
type Cloud struct {
	name              string
	port              int
	passwordHash      string
	passwordChangedAt time.Time
	folders           []Folder
	byName            map[string]int
}

// Options are the inputs to New.
type Options struct {
	Name              string
	Port              int
	PasswordHash      string
	PasswordChangedAt time.Time
	Folders           []Folder
}

// New validates opts and returns the cloud. Port 0 is accepted and means the
// registry picks one at start time.
func New(opts Options) (*Cloud, error) {
	if err := ValidateName(opts.Name); err != nil {
		return nil, err
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return nil, apperr.New(apperr.InvalidConfig, fmt.Sprintf("cloud %q port %d out of range", opts.Name, opts.Port))
	}

	c := &Cloud{
		name:              opts.Name,
		port:              opts.Port,
		passwordHash:      opts.PasswordHash,
		passwordChangedAt: opts.PasswordChangedAt,
		folders:           make([]Folder, 0, len(opts.Folders)),
		byName:            make(map[string]int, len(opts.Folders)),
	}
	for _, f := range opts.Folders {
		if _, dup := c.byName[f.Name]; dup {
			return nil, apperr.New(apperr.InvalidConfig,
				fmt.Sprintf("cloud %q references folder %q twice", opts.Name, f.Name))
		}
		c.byName[f.Name] = len(c.folders)
		c.folders = append(c.folders, f)
	}
	return c, nil
}

// WithPort returns a copy of c bound to port.
func (c *Cloud) WithPort(port int) *Cloud {
	cp := *c
	cp.port = port
	return &cp
}

func (c *Cloud) Name() string                 { return c.name }
func (c *Cloud) Port() int                    { return c.port }
func (c *Cloud) PasswordHash() string         { return c.passwordHash }
func (c *Cloud) PasswordChangedAt() time.Time { return c.passwordChangedAt }

// HasPassword reports whether a password hash is configured.
func (c *Cloud) HasPassword() bool { return c.passwordHash != "" }

// Folder returns the folder called name.
func (c *Cloud) Folder(name string) (Folder, error) {
	i, ok := c.byName[name]
	if !ok {
		return Folder{}, apperr.New(apperr.FolderNotFound, "cloud folder not found")
	}
	return c.folders[i], nil
}

// Folders returns the folders in configured order.
func (c *Cloud) Folders() []Folder {
	out := make([]Folder, len(c.folders))
	copy(out, c.folders)
	return out
}

// FolderNames returns the folder names in configured order.
func (c *Cloud) FolderNames() []string {
	names := make([]string, len(c.folders))
	for i, f := range c.folders {
		names[i] = f.Name
	}
	return names
}

// Startable reports why c cannot be served, or nil.
func (c *Cloud) Startable() error {
	if !c.HasPassword() {
		return apperr.New(apperr.InvalidConfig,
			fmt.Sprintf("cloud %q has no password set", c.name))
	}
	if len(c.folders) == 0 {
		return apperr.New(apperr.InvalidConfig,
			fmt.Sprintf("cloud %q has no cloud folders", c.name))
	}
	if c.port < 1 || c.port > 65535 {
		return apperr.New(apperr.InvalidConfig,
			fmt.Sprintf("cloud %q has no port assigned", c.name))
	}
	return nil
}
