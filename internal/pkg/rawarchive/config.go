package rawarchive

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/POSBridge/internal/pkg/env"
)

// Config holds the raw page archive settings
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Prefix          string
	Enabled         bool
	// CreateBucket creates a missing bucket on startup (dev/staging only)
	CreateBucket bool
}

// LoadConfig loads the archive configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-east-1"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		Prefix:          strings.Trim(env.GetEnv("POS_RAW_ARCHIVE_PREFIX", "pos-raw"), "/"),
		Enabled:         env.GetBool("POS_RAW_ARCHIVE_ENABLED", false),
		CreateBucket:    env.GetEnv("APP_ENV", "prod") != "prod",
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the required fields when the archive is enabled
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.AccessKeyID == "" {
		return errors.New("S3_ACCESS_KEY_ID is required when the raw archive is enabled")
	}
	if c.SecretAccessKey == "" {
		return errors.New("S3_SECRET_ACCESS_KEY is required when the raw archive is enabled")
	}
	if c.BucketName == "" {
		return errors.New("S3_BUCKET_NAME is required when the raw archive is enabled")
	}
	return nil
}

// ObjectKey builds the key of one archived page:
// <prefix>/<provider>/<connection>/YYYY/MM/DD/<endpoint>/<unix-nanos>-p<page>.json
func (c *Config) ObjectKey(provider string, connectionID uint, endpoint string, page int, fetchedAt time.Time) string {
	t := fetchedAt.UTC()
	key := fmt.Sprintf("%s/%d/%04d/%02d/%02d/%s/%d-p%04d.json",
		provider, connectionID, t.Year(), t.Month(), t.Day(), endpointSlug(endpoint), t.UnixNano(), page)
	if c.Prefix == "" {
		return key
	}
	return c.Prefix + "/" + key
}

// endpointSlug turns "/v2/catalog/search" into "v2-catalog-search".
func endpointSlug(endpoint string) string {
	slug := strings.Trim(endpoint, "/")
	slug = strings.NewReplacer("/", "-", "?", "-", "&", "-", "=", "-").Replace(slug)
	if slug == "" {
		return "root"
	}
	return slug
}
