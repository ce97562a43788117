// Package config loads server settings from HOMECLOUD_* environment
// variables and the cloud definitions from a TOML clouds file.
package config

import (
	"crypto/rand"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/fruitsalade/homecloud/internal/apperr"
	"github.com/fruitsalade/homecloud/internal/cloud"
	"github.com/fruitsalade/homecloud/internal/logging"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "HOMECLOUD"

// DefaultCloudsFile is used when neither a path nor HOMECLOUD_CLOUDS_FILE is
// given.
const DefaultCloudsFile = "~/.config/homecloud/clouds.toml"

// Config holds all server configuration.
type Config struct {
	// Server
	BindHost  string
	AdminAddr string

	// Logging
	LogLevel      string
	LogFormat     string
	LogOutput     string
	LogMaxSizeMB  int
	LogMaxBackups int

	// Auth
	JWTSecret []byte
	// JWTSecretGenerated is set when no secret was configured and a random
	// one was created. Tokens then do not survive a restart.
	JWTSecretGenerated bool
	TokenTTL           time.Duration

	// Serving
	MaxSegmentLen   int
	ShutdownTimeout time.Duration
	ListingOrder    string
	Autostart       bool

	// Clouds
	CloudsFile string
	Catalog    *cloud.Catalog
	Clouds     []*cloud.Cloud
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		OutputPath: c.LogOutput,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
	}
}

// Cloud returns the configured cloud called name.
func (c *Config) Cloud(name string) (*cloud.Cloud, error) {
	for _, cl := range c.Clouds {
		if cl.Name() == name {
			return cl, nil
		}
	}
	return nil, apperr.New(apperr.InvalidConfig, fmt.Sprintf("cloud %q is not configured", name))
}

type cloudsFile struct {
	CloudFolders []folderEntry `mapstructure:"cloud_folders"`
	Clouds       []cloudEntry  `mapstructure:"clouds"`
}

type folderEntry struct {
	Name string `mapstructure:"name"`
	Path string `mapstructure:"path"`
}

type cloudEntry struct {
	Name              string    `mapstructure:"name"`
	Port              int       `mapstructure:"port"`
	PasswordHash      string    `mapstructure:"password_hash"`
	PasswordChangedAt time.Time `mapstructure:"password_changed_at"`
	Folders           []string  `mapstructure:"folders"`
}

// Load reads configuration from environment variables with defaults, then
// the clouds file. A non-empty cloudsFile overrides HOMECLOUD_CLOUDS_FILE.
func Load(cloudsFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		BindHost:        v.GetString("bind_host"),
		AdminAddr:       v.GetString("admin_addr"),
		LogLevel:        v.GetString("log_level"),
		LogFormat:       v.GetString("log_format"),
		LogOutput:       v.GetString("log_output"),
		LogMaxSizeMB:    v.GetInt("log_max_size_mb"),
		LogMaxBackups:   v.GetInt("log_max_backups"),
		TokenTTL:        v.GetDuration("token_ttl"),
		MaxSegmentLen:   v.GetInt("max_segment_len"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		ListingOrder:    strings.ToLower(v.GetString("listing_order")),
		Autostart:       v.GetBool("autostart"),
		CloudsFile:      v.GetString("clouds_file"),
	}
	if cloudsFile != "" {
		cfg.CloudsFile = cloudsFile
	}

	if secret := v.GetString("jwt_secret"); secret != "" {
		cfg.JWTSecret = []byte(secret)
	} else {
		cfg.JWTSecret = make([]byte, 32)
		if _, err := rand.Read(cfg.JWTSecret); err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.JWTSecretGenerated = true
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	path, err := homedir.Expand(cfg.CloudsFile)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidConfig, "expand clouds file path", err)
	}
	cfg.CloudsFile = path

	if err := cfg.loadClouds(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bind_host", "0.0.0.0")
	v.SetDefault("admin_addr", "127.0.0.1:9090")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_output", "stdout")
	v.SetDefault("log_max_size_mb", 100)
	v.SetDefault("log_max_backups", 3)
	v.SetDefault("jwt_secret", "")
	v.SetDefault("token_ttl", "24h")
	v.SetDefault("max_segment_len", 255)
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("listing_order", "name")
	v.SetDefault("autostart", true)
	v.SetDefault("clouds_file", DefaultCloudsFile)
}

func (c *Config) validate() error {
	switch {
	case c.TokenTTL <= 0:
		return apperr.New(apperr.InvalidConfig, "HOMECLOUD_TOKEN_TTL must be positive")
	case c.MaxSegmentLen <= 0:
		return apperr.New(apperr.InvalidConfig, "HOMECLOUD_MAX_SEGMENT_LEN must be positive")
	case c.ShutdownTimeout <= 0:
		return apperr.New(apperr.InvalidConfig, "HOMECLOUD_SHUTDOWN_TIMEOUT must be positive")
	case c.ListingOrder != "name" && c.ListingOrder != "natural":
		return apperr.New(apperr.InvalidConfig, fmt.Sprintf("HOMECLOUD_LISTING_ORDER %q is not one of name, natural", c.ListingOrder))
	}
	return nil
}

func (c *Config) loadClouds() error {
	v := viper.New()
	v.SetConfigFile(c.CloudsFile)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return apperr.Wrap(apperr.InvalidConfig, fmt.Sprintf("read clouds file %s", c.CloudsFile), err)
	}

	var file cloudsFile
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&file, hook); err != nil {
		return apperr.Wrap(apperr.InvalidConfig, "parse clouds file", err)
	}

	catalog, err := buildCatalog(file.CloudFolders, filepath.Dir(c.CloudsFile))
	if err != nil {
		return err
	}
	clouds, err := buildClouds(file.Clouds, catalog)
	if err != nil {
		return err
	}
	c.Catalog = catalog
	c.Clouds = clouds
	return nil
}

// buildCatalog resolves relative folder paths against base, the directory of
// the clouds file.
func buildCatalog(entries []folderEntry, base string) (*cloud.Catalog, error) {
	catalog := cloud.NewCatalog()
	for _, e := range entries {
		path, err := homedir.Expand(e.Path)
		if err != nil {
			return nil, apperr.Wrap(apperr.InvalidConfig, fmt.Sprintf("expand path of cloud folder %q", e.Name), err)
		}
		if path != "" && !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		f, err := cloud.NewFolder(e.Name, path)
		if err != nil {
			return nil, err
		}
		if err := catalog.Add(f); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}

func buildClouds(entries []cloudEntry, catalog *cloud.Catalog) ([]*cloud.Cloud, error) {
	clouds := make([]*cloud.Cloud, 0, len(entries))
	names := make(map[string]bool, len(entries))
	ports := make(map[int]string, len(entries))
	for _, e := range entries {
		if names[e.Name] {
			return nil, apperr.New(apperr.InvalidConfig, fmt.Sprintf("cloud %q is defined twice", e.Name))
		}
		if owner, dup := ports[e.Port]; dup && e.Port != 0 {
			return nil, apperr.New(apperr.InvalidConfig,
				fmt.Sprintf("clouds %q and %q both use port %d", owner, e.Name, e.Port))
		}

		folders, err := catalog.Resolve(e.Folders)
		if err != nil {
			return nil, apperr.New(apperr.InvalidConfig, fmt.Sprintf("cloud %q: %s", e.Name, apperr.PublicMessage(err)))
		}
		c, err := cloud.New(cloud.Options{
			Name:              e.Name,
			Port:              e.Port,
			PasswordHash:      e.PasswordHash,
			PasswordChangedAt: e.PasswordChangedAt,
			Folders:           folders,
		})
		if err != nil {
			return nil, err
		}

		names[e.Name] = true
		ports[e.Port] = e.Name
		clouds = append(clouds, c)
	}
	return clouds, nil
}
