package filestore

import "github.com/koustreak/tsgate/internal/errs"

// Provider identifies the object storage backend.
type Provider string

const (
	ProviderMinIO Provider = "minio"
)

// DefaultMaxObjectSize bounds one payload object read into memory.
const DefaultMaxObjectSize int64 = 64 << 20

// Config holds the settings needed to reach an object storage backend.
type Config struct {
	// Provider is the storage backend. Empty means ProviderMinIO.
	Provider Provider `yaml:"provider"`

	// Endpoint is the host:port of the storage server, e.g. "localhost:9000".
	Endpoint string `yaml:"endpoint"`

	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key" json:"-"`

	// UseSSL controls whether TLS is used for the connection.
	UseSSL bool `yaml:"use_ssl"`

	// Region is used by region-aware backends (e.g. AWS S3).
	// Leave empty for MinIO.
	Region string `yaml:"region"`

	// MaxObjectSize is the largest payload object accepted, in bytes.
	MaxObjectSize int64 `yaml:"max_object_size"`
}

// DefaultConfig returns a local-dev config for MinIO.
func DefaultConfig(endpoint, accessKey, secretKey string) *Config {
	return &Config{
		Provider:      ProviderMinIO,
		Endpoint:      endpoint,
		AccessKey:     accessKey,
		SecretKey:     secretKey,
		MaxObjectSize: DefaultMaxObjectSize,
	}
}

// WithDefaults returns a copy with the provider and size limit filled in.
func (c Config) WithDefaults() Config {
	if c.Provider == "" {
		c.Provider = ProviderMinIO
	}
	if c.MaxObjectSize <= 0 {
		c.MaxObjectSize = DefaultMaxObjectSize
	}
	return c
}

// Validate checks the config before any I/O.
func (c *Config) Validate() error {
	if c.Provider != "" && c.Provider != ProviderMinIO {
		return errs.Newf(errs.ErrKindConfiguration, "unknown object store provider %q", c.Provider)
	}
	if c.Endpoint == "" {
		return errs.New(errs.ErrKindConfiguration, "object store endpoint is required")
	}
	if c.MaxObjectSize < 0 {
		return errs.New(errs.ErrKindConfiguration, "object store max_object_size must be >= 0")
	}
	return nil
}
