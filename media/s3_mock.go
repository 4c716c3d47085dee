package media

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3Client is a mock implementation of S3Client for testing.
type MockS3Client struct {
	// Objects stores uploaded content by key
	Objects map[string]*MockS3Object
	// Buckets stores the set of existing buckets
	Buckets map[string]bool
	// Err to return from operations
	Err error
	// Track function calls
	HeadBucketCalled   bool
	CreateBucketCalled bool
	PutObjectCalled    bool
	GetObjectCalled    bool
	// Store last call parameters
	LastBucket   string
	LastKey      string
	LastMetadata map[string]string
}

// MockS3Object is one stored object with its content and metadata.
type MockS3Object struct {
	Key         string
	Content     []byte
	ContentType string
	Metadata    map[string]string
}

// NewMockS3Client creates a new mock S3 client.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		Objects: make(map[string]*MockS3Object),
		Buckets: make(map[string]bool),
	}
}

// HeadBucket mocks checking bucket existence.
func (m *MockS3Client) HeadBucket(_ context.Context, params *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.HeadBucketCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Bucket != nil && m.Buckets[*params.Bucket] {
		return &s3.HeadBucketOutput{}, nil
	}
	return nil, &types.NoSuchBucket{}
}

// CreateBucket mocks bucket creation.
func (m *MockS3Client) CreateBucket(_ context.Context, params *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.CreateBucketCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Bucket != nil {
		m.Buckets[*params.Bucket] = true
		m.LastBucket = *params.Bucket
	}
	return &s3.CreateBucketOutput{}, nil
}

// PutObject mocks uploading an object.
func (m *MockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.PutObjectCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if params.Key != nil {
		m.LastKey = *params.Key
	}
	if params.Metadata != nil {
		m.LastMetadata = params.Metadata
	}
	if m.Err != nil {
		return nil, m.Err
	}
	obj := &MockS3Object{Key: m.LastKey, Metadata: params.Metadata}
	if params.ContentType != nil {
		obj.ContentType = *params.ContentType
	}
	if params.Body != nil {
		content, err := io.ReadAll(params.Body)
		if err != nil {
			return nil, err
		}
		obj.Content = content
	}
	m.Objects[obj.Key] = obj
	return &s3.PutObjectOutput{}, nil
}

// GetObject mocks retrieving an object.
func (m *MockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.GetObjectCalled = true
	if params.Key != nil {
		m.LastKey = *params.Key
	}
	if m.Err != nil {
		return nil, m.Err
	}
	obj, ok := m.Objects[m.LastKey]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.Content)),
		ContentType:   aws.String(obj.ContentType),
		ContentLength: aws.Int64(int64(len(obj.Content))),
	}, nil
}
