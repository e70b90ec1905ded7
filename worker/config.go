package worker

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

// ErrInvalidConfig wraps every validation failure of a config file.
var ErrInvalidConfig = errors.New("invalid worker config")

// Config is the on-disk description of a worker:
//
//	main_module: file:///srv/app/main.ts
//	memory_limit_mb: 256
//	storage_dir: /var/lib/app
//	permissions:
//	  allow_net: ["api.example.com"]
//	  allow_read: ["/srv/app"]
//	bootstrap:
//	  args: ["--verbose"]
//	  location: https://app.example.com/
type Config struct {
	MainModule    string             `yaml:"main_module" validate:"required,url"`
	MemoryLimitMB int                `yaml:"memory_limit_mb" validate:"gte=0"`
	StorageDir    string             `yaml:"storage_dir"`
	Permissions   PermissionsOptions `yaml:"permissions"`
	Bootstrap     BootstrapOptions   `yaml:"bootstrap"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseConfig decodes a YAML config. Bootstrap fields left out keep their
// DefaultBootstrap values.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{Bootstrap: DefaultBootstrap()}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing worker config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// LoadConfig reads and parses the config file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading worker config: %w", err)
	}
	return ParseConfig(data)
}

// NewFromConfig creates a worker from cfg. cfg's fields override the
// matching fields of opts.
func NewFromConfig(cfg *Config, opts WorkerOptions) (*MainWorker, error) {
	opts.Bootstrap = cfg.Bootstrap
	if cfg.MemoryLimitMB > 0 {
		opts.MemoryLimitMB = cfg.MemoryLimitMB
	}
	if cfg.StorageDir != "" {
		opts.StorageDir = cfg.StorageDir
	}
	return New(cfg.MainModule, cfg.Permissions, opts)
}
