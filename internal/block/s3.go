package block

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Assert that S3Store implements the Store interface.
var _ Store = (*S3Store)(nil)

// S3Store keeps blocks as objects in an S3 bucket, keyed by hex address
// under an optional prefix. It is used as the backend of a write-capable
// blob endpoint so clients without a direct peer path can still resolve
// content.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store creates a store over an existing S3 client.
func NewS3Store(client *s3.Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

// OpenS3 creates a store using the ambient AWS configuration (environment,
// shared config, instance role).
func OpenS3(ctx context.Context, bucket, prefix string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3Store(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func (s *S3Store) key(address string) *string {
	return aws.String(s.prefix + address)
}

// Has reports whether the bucket holds the given address.
func (s *S3Store) Has(address string) bool {
	_, err := s.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(address),
	})
	return err == nil
}

// Get returns the block bytes for the given address.
func (s *S3Store) Get(address string) (io.ReadCloser, bool) {
	out, err := s.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(address),
	})
	if err != nil {
		return nil, false
	}
	return out.Body, true
}

// Store saves the bytes read from r and returns their address.
func (s *S3Store) Store(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	address := Address(data)

	_, err = s.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(address),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put block %s: %w", address, err)
	}
	return address, nil
}

// StoreAt saves the bytes read from r at the given address. It returns false
// without storing anything when the bytes do not hash to the address.
func (s *S3Store) StoreAt(address string, r io.Reader) (bool, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return false, err
	}
	if Address(data) != address {
		return false, nil
	}

	_, err = s.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(address),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return false, fmt.Errorf("failed to put block %s: %w", address, err)
	}
	return true, nil
}

// Size returns the stored size of the block at address.
func (s *S3Store) Size(address string) (int64, bool) {
	out, err := s.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(address),
	})
	if err != nil || out.ContentLength == nil {
		return 0, false
	}
	return *out.ContentLength, true
}
