// Package s3blob stores settlement audit archives in S3-compatible
// object storage. Besides AWS itself it works against MinIO, Cloudflare
// R2 and similar providers, which is why the endpoint is configurable
// and path-style addressing can be forced.
package s3blob

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig selects the object storage provider and bucket.
type ClientConfig struct {
	// Endpoint overrides the AWS endpoint for compatible providers,
	// e.g. "https://minio.internal:9000". Empty means real AWS S3.
	Endpoint string

	// Region is passed through to the SDK. Compatible providers accept
	// any non-empty value here.
	Region string

	// Bucket receives every object this process writes or reads.
	Bucket string

	AccessKey string
	SecretKey string

	// UseSSL picks https when Endpoint carries no scheme of its own.
	UseSSL bool

	// ForcePathStyle puts the bucket in the URL path instead of the
	// hostname. MinIO and most self-hosted providers need this.
	ForcePathStyle bool
}

func (cfg ClientConfig) validate() error {
	if cfg.Bucket == "" {
		return errors.New("s3blob: bucket is required")
	}
	if cfg.Region == "" {
		return errors.New("s3blob: region is required")
	}
	return nil
}

// baseEndpoint returns the endpoint with a scheme, or "" for real AWS.
// strings.Contains instead of url.Parse: "minio:9000" parses as a URL
// with scheme "minio", which would slip through a Scheme != "" check.
func (cfg ClientConfig) baseEndpoint() string {
	if cfg.Endpoint == "" || strings.Contains(cfg.Endpoint, "://") {
		return cfg.Endpoint
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return scheme + "://" + cfg.Endpoint
}

func (cfg ClientConfig) clientOptions() []func(*s3.Options) {
	var opts []func(*s3.Options)
	if ep := cfg.baseEndpoint(); ep != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(ep)
		})
	}
	if cfg.ForcePathStyle {
		opts = append(opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return opts
}

// Client holds the SDK client and the bucket all operations target.
// Writer, Reader and the archive exporter all share one Client.
type Client struct {
	s3     *s3.Client
	bucket string
}

// New builds a Client from static credentials. The ambient AWS
// credential chain (IAM roles, profiles) is not consulted; the archive
// bucket keys come from the settlement config alone.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	return &Client{
		s3:     s3.NewFromConfig(awsCfg, cfg.clientOptions()...),
		bucket: cfg.Bucket,
	}, nil
}

// Health heads the bucket, which exercises endpoint, credentials and
// bucket permissions in one round trip.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3blob: head bucket %s: %w", c.bucket, err)
	}
	return nil
}

// Close is a no-op; the SDK holds no resources needing teardown. It
// keeps the wiring uniform with the database and cache clients.
func (c *Client) Close() error {
	return nil
}
