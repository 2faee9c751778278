package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/illmade-knight/go-asyncops/pkg/batch"
	"github.com/illmade-knight/go-asyncops/pkg/cache"
	"github.com/illmade-knight/go-asyncops/pkg/jobs"
	"github.com/illmade-knight/go-asyncops/pkg/microservice"
	"github.com/illmade-knight/go-asyncops/pkg/notify"
	"github.com/illmade-knight/go-asyncops/pkg/pagination"
	"github.com/illmade-knight/go-asyncops/pkg/store"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ASYNCOPS_"

// Store backends.
const (
	BackendMemory    = "memory"
	BackendFirestore = "firestore"
)

// GCPConfig holds the project shared by all Google Cloud clients.
type GCPConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

// StoreConfig selects the persistent store. Items and jobs live in separate
// tables (Firestore collections).
type StoreConfig struct {
	Backend         string `yaml:"backend"`
	ItemsCollection string `yaml:"items_collection"`
	JobsCollection  string `yaml:"jobs_collection"`
}

// CacheConfig configures the page cache. When Redis is set, pages are cached
// in Redis so several replicas share them.
type CacheConfig struct {
	cache.Config `yaml:",inline"`
	Redis        *cache.RedisConfig `yaml:"redis"`
}

// JobsConfig configures the job manager and its task sinks.
type JobsConfig struct {
	jobs.Config `yaml:",inline"`
	Export      jobs.ExportConfig `yaml:"export"`
	// ReportDataset and ReportTable enable the BigQuery report sink when both are set.
	ReportDataset string `yaml:"report_dataset"`
	ReportTable   string `yaml:"report_table"`
}

// NotifyConfig configures the notification hub. When TopicID is set, job
// outcomes are also published to that Pub/Sub topic.
type NotifyConfig struct {
	notify.Config `yaml:",inline"`
	TopicID       string `yaml:"topic_id"`
}

// Config is the root configuration of the service.
type Config struct {
	Service    microservice.BaseConfig `yaml:"service"`
	GCP        GCPConfig               `yaml:"gcp"`
	Store      StoreConfig             `yaml:"store"`
	Cache      CacheConfig             `yaml:"cache"`
	Pagination pagination.Config       `yaml:"pagination"`
	Batch      batch.Config            `yaml:"batch"`
	Jobs       JobsConfig              `yaml:"jobs"`
	Notify     NotifyConfig            `yaml:"notify"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	return &Config{
		Service: microservice.BaseConfig{
			ServiceName:     "asyncops",
			LogLevel:        "info",
			LogFormat:       "json",
			HTTPPort:        ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Backend:         BackendMemory,
			ItemsCollection: "items",
			JobsCollection:  "jobs",
		},
		Cache: CacheConfig{
			Config: cache.Config{
				Capacity:      10000,
				DefaultTTL:    5 * time.Minute,
				SweepInterval: time.Minute,
			},
		},
		Pagination: defaultPagination(),
		Batch:      batch.DefaultConfig(),
		Jobs:       JobsConfig{Config: jobs.DefaultConfig()},
		Notify:     NotifyConfig{Config: notify.DefaultConfig()},
	}
}

func defaultPagination() pagination.Config {
	cfg := pagination.DefaultConfig()
	cfg.Indexes = []store.Index{
		{Name: "by-status", PartitionKey: "status", SortKey: "createdAt"},
		{Name: "by-category", PartitionKey: "category", SortKey: "createdAt"},
		{Name: "by-owner", PartitionKey: "ownerId", SortKey: "createdAt"},
	}
	cfg.Priority = []string{"status", "category", "ownerId"}
	cfg.Families = []pagination.Family{{Name: ItemsFamily, TTL: 5 * time.Minute}}
	return cfg
}

// ItemsFamily is the query family of the items listing.
const ItemsFamily = "items"

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s %q: %w", EnvPrefix, name, v, err)
		}
		*dst = n
		return nil
	}

	str("LOG_LEVEL", &c.Service.LogLevel)
	str("LOG_FORMAT", &c.Service.LogFormat)
	str("HTTP_PORT", &c.Service.HTTPPort)
	str("PROJECT_ID", &c.GCP.ProjectID)
	str("CREDENTIALS_FILE", &c.GCP.CredentialsFile)
	str("STORE_BACKEND", &c.Store.Backend)
	str("PUBSUB_TOPIC", &c.Notify.TopicID)
	str("EXPORT_BUCKET", &c.Jobs.Export.BucketName)
	if v, ok := lookup(EnvPrefix + "RESTART_POLICY"); ok && v != "" {
		c.Jobs.RestartPolicy = jobs.RestartPolicy(v)
	}
	if v, ok := lookup(EnvPrefix + "REDIS_ADDR"); ok && v != "" {
		if c.Cache.Redis == nil {
			c.Cache.Redis = &cache.RedisConfig{}
		}
		c.Cache.Redis.Addr = v
	}
	return errors.Join(
		integer("CACHE_CAPACITY", &c.Cache.Capacity),
		integer("MAX_CONCURRENT_PER_OWNER", &c.Jobs.MaxConcurrentPerOwner),
		integer("BATCH_MAX_RETRIES", &c.Batch.MaxRetries),
	)
}

// Validate reports configuration that cannot be started.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory:
	case BackendFirestore:
		if c.GCP.ProjectID == "" {
			errs = append(errs, errors.New("gcp.project_id is required for the firestore backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Cache.Capacity < 0 {
		errs = append(errs, fmt.Errorf("cache.capacity must not be negative, got %d", c.Cache.Capacity))
	}
	if c.Cache.Redis != nil && c.Cache.Redis.Addr == "" {
		errs = append(errs, errors.New("cache.redis.addr is required when redis is configured"))
	}
	if c.Pagination.MinPageSize > 0 && c.Pagination.MaxPageSize > 0 && c.Pagination.MinPageSize > c.Pagination.MaxPageSize {
		errs = append(errs, fmt.Errorf("pagination.min_page_size %d exceeds max_page_size %d",
			c.Pagination.MinPageSize, c.Pagination.MaxPageSize))
	}
	switch c.Jobs.RestartPolicy {
	case "", jobs.RestartFail, jobs.RestartRequeue:
	default:
		errs = append(errs, fmt.Errorf("unknown jobs.restart_policy %q", c.Jobs.RestartPolicy))
	}
	needsProject := c.Notify.TopicID != "" || c.Jobs.Export.BucketName != "" || c.ReportsEnabled()
	if needsProject && c.GCP.ProjectID == "" {
		errs = append(errs, errors.New("gcp.project_id is required when pubsub, export or report sinks are configured"))
	}
	return errors.Join(errs...)
}

// ReportsEnabled reports whether the BigQuery report sink is configured.
func (c *Config) ReportsEnabled() bool {
	return c.Jobs.ReportDataset != "" && c.Jobs.ReportTable != ""
}

// Retention is the job record retention window derived from jobs.retention_days.
func (c *Config) Retention() time.Duration {
	if c.Jobs.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.Jobs.RetentionDays) * 24 * time.Hour
}
