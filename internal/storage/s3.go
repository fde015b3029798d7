package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// s3API is the part of *s3.Client the store uses.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3Store keeps content in an S3-compatible bucket keyed by its CID, so the
// bucket behaves as a content-addressed store.
type S3Store struct {
	client  s3API
	bucket  string
	gateway string
	tempDir string
}

type S3Config struct {
	Endpoint       string
	PublicEndpoint string // Used for gateway URLs; falls back to Endpoint if empty
	Bucket         string
	AccessKey      string
	SecretKey      string
	Region         string
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Region == "" {
		cfg.Region = "eu-central-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	public := cfg.Endpoint
	if cfg.PublicEndpoint != "" {
		public = cfg.PublicEndpoint
	}

	return &S3Store{
		client:  client,
		bucket:  cfg.Bucket,
		gateway: strings.TrimRight(public, "/") + "/" + cfg.Bucket,
	}, nil
}

func (s *S3Store) URL(contentHash string) string {
	return GatewayURL(s.gateway, contentHash)
}

// Put spools r to a temporary file while hashing it, then uploads the file
// under its CID. Content that is already present is not uploaded again.
func (s *S3Store) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	f, err := os.CreateTemp(s.tempDir, "vidchain-upload-*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %w", ErrUpload, err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()

	id, size, err := ComputeCID(io.TeeReader(r, f))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpload, err)
	}
	key := id.String()

	exists, err := s.exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w: head object %s: %w", ErrUpload, key, err)
	}
	if exists {
		slog.Info("storage: content already stored", "name", name, "hash", key)
		return key, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("%w: rewind temp file: %w", ErrUpload, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentTypeFor(name)),
		Metadata:      map[string]string{"filename": sanitizeFilename(name)},
	})
	if err != nil {
		return "", classifyS3Error(key, err)
	}

	slog.Info("storage: content stored", "name", name, "hash", key, "bytes", size)
	return key, nil
}

func (s *S3Store) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
		return false, nil
	}
	return false, err
}

func (s *S3Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err == nil {
		return nil
	}

	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// classifyS3Error separates refusals by the service from transport failures.
func classifyS3Error(key string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &RejectedError{StatusCode: httpStatus(err), Reason: apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()}
	}
	return fmt.Errorf("%w: put object %s: %w", ErrUpload, key, err)
}

func httpStatus(err error) int {
	var withStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &withStatus) {
		return withStatus.HTTPStatusCode()
	}
	return 0
}

func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r == '"' || r == '\\' || r < 0x20 || r > 0x7e {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func contentTypeFor(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(lower, ".webm"):
		return "video/webm"
	case strings.HasSuffix(lower, ".mov"):
		return "video/quicktime"
	case strings.HasSuffix(lower, ".mkv"):
		return "video/x-matroska"
	default:
		return "application/octet-stream"
	}
}
