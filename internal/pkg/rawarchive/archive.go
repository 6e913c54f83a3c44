package rawarchive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/POSBridge/internal/pkg/pos"
)

// objectAPI is the part of *s3.Client the archive uses.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Archive writes verbatim provider response pages to S3-compatible storage.
// It implements pos.Archiver.
type Archive struct {
	api    objectAPI
	config *Config
}

var _ pos.Archiver = (*Archive)(nil)

// New creates an archive client and checks that the bucket is reachable
func New(ctx context.Context, cfg *Config) (*Archive, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("raw archive is disabled")
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			// S3-compatible services (MinIO, B2) need path-style URLs
			o.UsePathStyle = true
			o.UseAccelerate = false
		}
	})

	a := newWithAPI(client, cfg)
	if err := a.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to S3: %w", err)
	}

	log.Infof("[RawArchive] Archiving provider pages to bucket %s", cfg.BucketName)
	return a, nil
}

func newWithAPI(api objectAPI, cfg *Config) *Archive {
	return &Archive{api: api, config: cfg}
}

func (a *Archive) ensureBucket(ctx context.Context) error {
	_, err := a.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.config.BucketName)})
	if err == nil {
		return nil
	}
	if !a.config.CreateBucket {
		return fmt.Errorf("bucket %s not accessible: %w", a.config.BucketName, err)
	}

	log.Warnf("[RawArchive] Bucket %s not found, attempting to create it", a.config.BucketName)
	input := &s3.CreateBucketInput{Bucket: aws.String(a.config.BucketName)}
	// us-east-1 and S3-compatible endpoints reject a location constraint
	if a.config.EndpointURL == "" && a.config.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(a.config.Region),
		}
	}
	if _, err := a.api.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", a.config.BucketName, err)
	}
	return nil
}

// ArchivePage uploads one response body. The returned error is advisory;
// callers continue syncing without the archive.
func (a *Archive) ArchivePage(ctx context.Context, page pos.ArchivedPage) error {
	key := a.config.ObjectKey(page.Provider, page.ConnectionID, page.Endpoint, page.Page, page.FetchedAt)

	_, err := a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.config.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(page.Body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(page.Body))),
		Metadata: map[string]string{
			"provider":      page.Provider,
			"connection-id": strconv.FormatUint(uint64(page.ConnectionID), 10),
			"endpoint":      page.Endpoint,
			"page":          strconv.Itoa(page.Page),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", key, err)
	}

	log.Debugf("[RawArchive] Stored s3://%s/%s (%d bytes)", a.config.BucketName, key, len(page.Body))
	return nil
}

// ErrPageNotFound is returned by Page for a missing key.
var ErrPageNotFound = errors.New("archived page not found")

// Page reads an archived body back, for replays and support.
func (a *Archive) Page(ctx context.Context, key string) ([]byte, error) {
	out, err := a.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.config.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrPageNotFound
		}
		return nil, fmt.Errorf("failed to get archived page: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
