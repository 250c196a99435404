package keyvault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/cloudvolt/diskcryptd/interfaces"
)

// S3SecretStore escrows secrets as objects in an S3 or S3-compatible
// bucket.
type S3SecretStore struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3SecretStore creates an S3-backed secret store. Empty credentials
// fall back to the SDK's default chain (environment, instance profile).
func NewS3SecretStore(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3SecretStore, error) {
	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += "&endpoint=" + endpoint
	}

	return &S3SecretStore{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.Trim(prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

var _ interfaces.SecretStore = (*S3SecretStore)(nil)

func (b *S3SecretStore) objectKey(name string) string {
	return path.Join(b.prefix, "secrets", name)
}

// PutSecret uploads the secret object.
func (b *S3SecretStore) PutSecret(ctx context.Context, name string, data []byte) error {
	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(b.objectKey(name)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to write secret to S3: %w", err)
	}
	b.log.Info("Stored secret in S3",
		slog.String("name", name),
		slog.String("bucket", b.bucketName))
	return nil
}

// GetSecret downloads the secret object, or ErrSecretNotFound.
func (b *S3SecretStore) GetSecret(ctx context.Context, name string) ([]byte, error) {
	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(b.objectKey(name)),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			return nil, fmt.Errorf("%s: %w", name, interfaces.ErrSecretNotFound)
		}
		return nil, fmt.Errorf("failed to read secret from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret body: %w", err)
	}
	return data, nil
}

// DeleteSecret removes the secret object.
func (b *S3SecretStore) DeleteSecret(ctx context.Context, name string) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(b.objectKey(name)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete secret from S3: %w", err)
	}
	return nil
}

// Available reports whether the bucket responds to a HEAD request.
func (b *S3SecretStore) Available(ctx context.Context) bool {
	headCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := b.client.HeadBucketWithContext(headCtx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		b.log.Debug("S3 bucket check failed", "err", err)
		return false
	}
	return true
}

// LocationURI returns the store's URI with credentials elided.
func (b *S3SecretStore) LocationURI() string {
	return b.locationURI
}
