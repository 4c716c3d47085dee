package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/config"
	"github.com/oipwg/oipd/record"
)

// S3Client is the slice of the AWS S3 SDK the mirror uses. It abstracts the
// SDK client to enable dependency injection and testing with mocks.
type S3Client interface {
	// HeadBucket checks if a bucket exists and is accessible
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)

	// CreateBucket creates a new S3 bucket
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)

	// PutObject uploads an object to S3
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)

	// GetObject retrieves an object from S3
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Mirror uploads assets to an S3-compatible bucket and exposes them under
// a public HTTP base URL. It is the built-in `http` hint producer.
type S3Mirror struct {
	client  S3Client
	bucket  string
	baseURL string
	log     *logrus.Entry
}

// NewS3Mirror builds the mirror from configuration, wiring static
// credentials and a custom endpoint for MinIO-style deployments.
func NewS3Mirror(ctx context.Context, cfg config.MediaConfig) (*S3Mirror, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}
	if cfg.S3Endpoint != "" {
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					SigningRegion:     region,
					HostnameImmutable: true, // important for MinIO
				}, nil
			})))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load s3 configuration: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3Endpoint != "" // required for MinIO
	})
	return NewS3MirrorWithClient(client, cfg), nil
}

// NewS3MirrorWithClient wires an already constructed client, used by tests.
func NewS3MirrorWithClient(client S3Client, cfg config.MediaConfig) *S3Mirror {
	return &S3Mirror{
		client:  client,
		bucket:  cfg.S3Bucket,
		baseURL: strings.TrimRight(cfg.S3PublicBaseURL, "/"),
		log:     common.ComponentLogger("media-mirror"),
	}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *S3Mirror) EnsureBucket(ctx context.Context) error {
	_, err := m.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(m.bucket),
	})
	if err == nil {
		return nil // Bucket exists
	}
	_, err = m.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(m.bucket),
	})
	if err != nil {
		return common.Fail(common.FailureTransient, fmt.Errorf("create bucket %s: %w", m.bucket, err))
	}
	m.log.WithField("bucket", m.bucket).Info("mirror bucket created")
	return nil
}

// ObjectKey returns the content-addressed key an asset is stored under.
func ObjectKey(contentHash string) string { return "media/" + contentHash }

// Upload puts the asset into the bucket and returns its public HTTP hint.
// Re-uploading the same content overwrites the same key, so the operation
// is idempotent.
func (m *S3Mirror) Upload(ctx context.Context, asset *Asset) (record.Hint, error) {
	key := ObjectKey(asset.ContentHash)
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(asset.Data),
		ContentType: aws.String(asset.MIME),
		Metadata: map[string]string{
			"sha256": asset.ContentHash,
		},
	})
	if err != nil {
		return record.Hint{}, common.Fail(common.FailureTransient, fmt.Errorf("upload %s: %w", key, err))
	}
	m.log.WithFields(logrus.Fields{
		"key":  key,
		"size": humanize.Bytes(uint64(len(asset.Data))),
	}).Info("asset mirrored")
	return record.Hint{Kind: record.HintHTTP, Locator: m.baseURL + "/" + key}, nil
}

// Fetch streams a mirrored asset back by content hash, for the seeding
// endpoint. The second return is the stored content type.
func (m *S3Mirror) Fetch(ctx context.Context, contentHash string) (io.ReadCloser, string, error) {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(ObjectKey(contentHash)),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, "", common.Failf(common.FailureNotFound, "asset %s not mirrored", contentHash)
		}
		return nil, "", common.Fail(common.FailureTransient, fmt.Errorf("fetch %s: %w", contentHash, err))
	}
	mime := ""
	if out.ContentType != nil {
		mime = *out.ContentType
	}
	return out.Body, mime, nil
}
