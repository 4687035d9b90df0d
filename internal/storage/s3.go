package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/vidfriends/vidgen/internal/config"
)

var (
	// ErrObjectExists is returned by Upload when overwrite is false and the key is taken.
	ErrObjectExists = errors.New("object already exists")
	// ErrObjectNotFound is returned when the key does not exist in the bucket.
	ErrObjectNotFound = errors.New("object not found")
)

// S3Storage stores video artifacts in an S3-compatible bucket.
type S3Storage struct {
	client   *s3.Client
	uploader *manager.Uploader
	signed   *SignedURLCache
	bucket   string
	endpoint string
	region   string
	baseURL  string
}

// NewS3Storage configures a client targeting the provided object store.
func NewS3Storage(ctx context.Context, cfg config.ObjectStoreConfig) (*S3Storage, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 storage: bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSuffix(strings.TrimSpace(cfg.Endpoint), "/")
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = true
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024
		u.LeavePartsOnError = false
	})

	s := &S3Storage{
		client:   client,
		uploader: uploader,
		bucket:   cfg.Bucket,
		endpoint: endpoint,
		region:   cfg.Region,
		baseURL:  strings.TrimSuffix(cfg.PublicBaseURL, "/"),
	}
	s.signed = NewSignedURLCache(SignerFunc(s.presign), 0)
	return s, nil
}

// Upload stores data under key. With overwrite false an existing object makes
// the upload fail with ErrObjectExists. It returns the stored key.
func (s *S3Storage) Upload(ctx context.Context, key string, data []byte, contentType string, overwrite bool) (string, error) {
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return "", fmt.Errorf("s3 storage: empty key")
	}

	if !overwrite {
		exists, err := s.exists(ctx, key)
		if err != nil {
			return "", err
		}
		if exists {
			return "", fmt.Errorf("s3 storage upload %s: %w", key, ErrObjectExists)
		}
	}

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         s3types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("s3 storage upload %s: %w", key, err)
	}

	s.signed.Invalidate(key)
	return key, nil
}

// PublicURL returns the unauthenticated location of key.
func (s *S3Storage) PublicURL(key string) string {
	return publicURL(s.baseURL, s.endpoint, s.bucket, s.region, key)
}

// Download reads the full object stored under key.
func (s *S3Storage) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("s3 storage download %s: %w", key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("s3 storage download %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 storage read %s: %w", key, err)
	}
	return data, nil
}

// Remove deletes every key in a single batch request.
func (s *S3Storage) Remove(ctx context.Context, keys ...string) error {
	objects := make([]s3types.ObjectIdentifier, 0, len(keys))
	for _, key := range keys {
		if key = strings.TrimLeft(key, "/"); key != "" {
			objects = append(objects, s3types.ObjectIdentifier{Key: aws.String(key)})
		}
	}
	if len(objects) == 0 {
		return nil
	}

	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("s3 storage delete: %w", err)
	}
	if len(out.Errors) > 0 {
		first := out.Errors[0]
		return fmt.Errorf("s3 storage delete %s: %s", aws.ToString(first.Key), aws.ToString(first.Message))
	}

	s.signed.Invalidate(keys...)
	return nil
}

// SignedURL returns a time-limited GET URL for key.
func (s *S3Storage) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return s.signed.SignedURL(ctx, key, expiry)
}

func (s *S3Storage) presign(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := s3.NewPresignClient(s.client).PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("s3 storage presign %s: %w", key, err)
	}
	return req.URL, nil
}

func (s *S3Storage) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("s3 storage head %s: %w", key, err)
}

func publicURL(baseURL, endpoint, bucket, region, key string) string {
	key = strings.TrimLeft(key, "/")
	escaped := (&url.URL{Path: key}).EscapedPath()
	switch {
	case baseURL != "":
		return baseURL + "/" + escaped
	case endpoint != "":
		return fmt.Sprintf("%s/%s/%s", endpoint, bucket, escaped)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, region, escaped)
	}
}
