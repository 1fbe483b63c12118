package app

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jslofsgaard/oauth2ms/internal/cachestore"
	"github.com/jslofsgaard/oauth2ms/internal/crypt"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// RedirectMethod represents the scheme the redirect listener serves.
type RedirectMethod string

const (
	RedirectMethodHTTP  RedirectMethod = "http"
	RedirectMethodHTTPS RedirectMethod = "https"
)

// CacheStorageType represents the different storage types supported for the token cache.
type CacheStorageType string

const (
	CacheStorageTypeFile    CacheStorageType = "file"
	CacheStorageTypeKeyring CacheStorageType = "keyring"
)

// Default configuration values
const (
	DefaultConfigLogFormat       = LogFormatText
	DefaultConfigTenant          = "common"
	DefaultConfigRedirectMethod  = RedirectMethodHTTP
	DefaultConfigRedirectHost    = "localhost"
	DefaultConfigRedirectPort    = 5000
	DefaultConfigRedirectPath    = "/getToken/"
	DefaultConfigRedirectTimeout = 5 * time.Minute
	DefaultConfigCacheStorage    = CacheStorageTypeFile
)

// keyringService namespaces this application's entries in the OS keyring.
const keyringService = "oauth2ms"

// RedirectConfig describes the loopback endpoint the provider redirects back to.
type RedirectConfig struct {
	Method RedirectMethod `json:"method" validate:"oneof=http https"`
	Host   string         `json:"host" validate:"hostname_rfc1123|ip"`
	Port   uint16         `json:"port"` // Port range 0-65535 handled by uint16 type
	Path   string         `json:"path"`

	// TLS key pair served when Method is https. Some providers refuse plain
	// http redirect URIs.
	CertFile string `json:"cert_file,omitempty" validate:"required_if=Method https"`
	KeyFile  string `json:"key_file,omitempty" validate:"required_if=Method https"`

	// Timeout bounds the wait for the single redirect request.
	Timeout time.Duration `json:"timeout"`
}

// URI returns the redirect URI announced to the provider, with the path
// normalized by NormalizePath. It must match a redirect URI of the
// application registration byte for byte.
func (r RedirectConfig) URI() string {
	return fmt.Sprintf("%s://%s:%d%s", r.Method, r.Host, r.Port, NormalizePath(r.Path))
}

// NormalizePath strips exactly one trailing slash, keeping the root path
// intact. Registrations conventionally write the path with a trailing slash
// while the provider expects the redirect URI without one.
func NormalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	return strings.TrimSuffix(path, "/")
}

// CacheConfig describes where the token cache lives between runs.
type CacheConfig struct {
	Storage CacheStorageType `json:"storage" validate:"required,oneof=file keyring"`

	// Storage-specific settings (mutually exclusive based on Storage type)
	File        string `json:"file,omitempty"`         // For file storage: path to cache file
	KeyringUser string `json:"keyring_user,omitempty"` // For keyring storage: user identifier

	// AllowPlaintext opts in to persisting the cache without encryption.
	// Off by default: a changed cache is simply not saved when no encryption
	// recipient is configured.
	AllowPlaintext bool `json:"allow_plaintext"`
}

// NewStore creates a cache store from the cache configuration.
func (c *CacheConfig) NewStore() (cachestore.Store, error) {
	switch c.Storage {
	case CacheStorageTypeFile:
		return cachestore.NewFileStore(c.File)
	case CacheStorageTypeKeyring:
		return cachestore.NewKeyringStore(keyringService, c.KeyringUser)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", c.Storage)
	}
}

// EncryptionConfig selects the asymmetric backend protecting the stored
// cache. All fields empty means encryption is disabled.
type EncryptionConfig struct {
	// Fingerprint is the GPG recipient key id to encrypt the cache to.
	Fingerprint string `json:"fingerprint,omitempty"`

	// GPGHome overrides the GnuPG home directory (gpg --homedir).
	GPGHome string `json:"gpg_home,omitempty"`

	// AgeRecipient and AgeIdentity select the age backend instead of GPG:
	// the "age1..." public key to encrypt to and the identity file used for
	// decryption.
	AgeRecipient string `json:"age_recipient,omitempty"`
	AgeIdentity  string `json:"age_identity,omitempty"`
}

// Enabled reports whether any encryption backend is configured.
func (e *EncryptionConfig) Enabled() bool {
	return e.Fingerprint != "" || e.AgeRecipient != ""
}

// NewCrypt creates the configured encryption backend, or nil when encryption
// is disabled.
func (e *EncryptionConfig) NewCrypt() (crypt.Crypt, error) {
	switch {
	case e.Fingerprint != "":
		return crypt.NewGPG(e.Fingerprint, e.GPGHome)
	case e.AgeRecipient != "":
		return crypt.NewAge(e.AgeRecipient, e.AgeIdentity)
	default:
		return nil, nil
	}
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level `json:"log_level"`
	LogFormat LogFormat  `json:"log_format" validate:"oneof=text json"`

	// Identity provider coordinates. TenantID selects a Microsoft authority;
	// Issuer overrides it for any other OIDC-compatible provider.
	TenantID     string   `json:"tenant_id,omitempty"`
	Issuer       string   `json:"issuer,omitempty" validate:"omitempty,url"`
	ClientID     string   `json:"client_id" validate:"required"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes" validate:"required,min=1,dive,required"`

	Redirect   RedirectConfig   `json:"redirect"`
	Cache      CacheConfig      `json:"cache"`
	Encryption EncryptionConfig `json:"encryption"`

	// EncodeXOAUTH2 prints the SASL XOAUTH2 encoding of the token instead of
	// the raw token.
	EncodeXOAUTH2 bool `json:"encode_xoauth2"`

	// NoBrowser suppresses the browser launch; the authorization URL is
	// printed for the user to open manually.
	NoBrowser bool `json:"no_browser"`

	// IMAPVerify, when set to host:port, logs in to that IMAP server with
	// the acquired token before printing it.
	IMAPVerify string `json:"imap_verify,omitempty"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.TenantID == "" && c.Issuer == "" {
		c.TenantID = DefaultConfigTenant
	}
	if c.Redirect.Method == "" {
		c.Redirect.Method = DefaultConfigRedirectMethod
	}
	if c.Redirect.Host == "" {
		c.Redirect.Host = DefaultConfigRedirectHost
	}
	if c.Redirect.Port == 0 {
		c.Redirect.Port = DefaultConfigRedirectPort
	}
	if c.Redirect.Path == "" {
		c.Redirect.Path = DefaultConfigRedirectPath
	}
	if c.Redirect.Timeout == 0 {
		c.Redirect.Timeout = DefaultConfigRedirectTimeout
	}
	if c.Cache.Storage == "" {
		c.Cache.Storage = DefaultConfigCacheStorage
	}

	// Dynamic defaults based on storage type
	switch c.Cache.Storage {
	case CacheStorageTypeFile:
		if c.Cache.File == "" {
			dataDir, err := userDataDir()
			if err != nil {
				return fmt.Errorf("cache.file required (auto-detect failed: %w)", err)
			}
			c.Cache.File = filepath.Join(dataDir, "oauth2ms", "credentials")
		}
	case CacheStorageTypeKeyring:
		if c.Cache.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("cache.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Cache.KeyringUser = currentUser.Username
		}
	}

	return nil
}

// userDataDir resolves the per-user data directory: $XDG_DATA_HOME, falling
// back to ~/.local/share.
func userDataDir() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share"), nil
}

// FieldError locates one configuration defect: the json path of the field and
// the rule it failed.
type FieldError struct {
	Path string
	Kind string
}

func (e FieldError) String() string {
	return e.Path + ": " + e.Kind
}

// ConfigError is the structured result of configuration validation. Each
// entry names a field by its json path, so a caller (or user) can map it
// straight back to the config file.
type ConfigError struct {
	Fields []FieldError
}

func (e *ConfigError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Validate validates the configuration using struct tags plus the cross-field
// rules the tag language does not cover. Failures come back as a ConfigError
// listing every offending field.
func (c *Config) Validate() error {
	var fields []FieldError

	if err := newValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			fields = append(fields, FieldError{Path: fieldPath(fe), Kind: fe.Tag()})
		}
	}

	if c.Encryption.Fingerprint != "" && c.Encryption.AgeRecipient != "" {
		fields = append(fields, FieldError{Path: "encryption", Kind: "gpg and age backends are mutually exclusive"})
	}
	if c.Encryption.AgeRecipient != "" && c.Encryption.AgeIdentity == "" {
		fields = append(fields, FieldError{Path: "encryption.age_identity", Kind: "required"})
	}

	switch c.Cache.Storage {
	case CacheStorageTypeFile:
		if c.Cache.File == "" {
			fields = append(fields, FieldError{Path: "cache.file", Kind: "required"})
		}
	case CacheStorageTypeKeyring:
		if c.Cache.KeyringUser == "" {
			fields = append(fields, FieldError{Path: "cache.keyring_user", Kind: "required"})
		}
	}

	if c.IMAPVerify != "" {
		if _, _, err := net.SplitHostPort(c.IMAPVerify); err != nil {
			fields = append(fields, FieldError{Path: "imap_verify", Kind: "hostport"})
		}
	}

	if len(fields) > 0 {
		return &ConfigError{Fields: fields}
	}
	return nil
}

// newValidator builds a validator that reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldPath converts a validator namespace (Config.redirect.cert_file) to the
// json path of the field (redirect.cert_file).
func fieldPath(fe validator.FieldError) string {
	path := fe.Namespace()
	if _, rest, ok := strings.Cut(path, "."); ok {
		return rest
	}
	return path
}
