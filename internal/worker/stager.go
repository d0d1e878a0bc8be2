package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/me/fairq/internal/config"
)

// ErrUnsupportedLocation is returned for artifact locations a stager cannot read.
var ErrUnsupportedLocation = errors.New("unsupported artifact location")

// Stager moves artifacts between a job's work directory and durable storage.
// Locations are URIs (file:// or s3://) that end up in result and
// checkpoint refs.
type Stager interface {
	StageIn(ctx context.Context, location string, destPath string) error
	StageOut(ctx context.Context, srcPath string, key string) (location string, size int64, err error)
}

// NewStager builds the stager selected by cfg.
func NewStager(ctx context.Context, cfg config.ArtifactConfig) (Stager, error) {
	switch cfg.Backend {
	case "", "local":
		return NewFileStager(cfg.Dir), nil
	case "s3":
		return NewS3Stager(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}

// FileStager stages artifacts on a filesystem. With an empty dir StageOut
// returns the source file in place; otherwise it copies to dir/key.
type FileStager struct {
	dir string
}

// NewFileStager creates a FileStager rooted at dir.
func NewFileStager(dir string) *FileStager {
	return &FileStager{dir: dir}
}

// StageIn copies a file:// location (or bare path) to destPath.
func (s *FileStager) StageIn(_ context.Context, location string, destPath string) error {
	p, ok := localPath(location)
	if !ok {
		return fmt.Errorf("file stager: %w: %s", ErrUnsupportedLocation, location)
	}
	return copyFile(p, destPath)
}

// StageOut publishes srcPath under key.
func (s *FileStager) StageOut(_ context.Context, srcPath string, key string) (string, int64, error) {
	info, err := os.Stat(srcPath)
	if err != nil {
		return "", 0, fmt.Errorf("file stager: %w", err)
	}

	dest := srcPath
	if s.dir != "" {
		dest = filepath.Join(s.dir, filepath.FromSlash(key))
		if err := copyFile(srcPath, dest); err != nil {
			return "", 0, fmt.Errorf("file stager: copy %s: %w", key, err)
		}
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return "", 0, fmt.Errorf("file stager: abs path: %w", err)
	}
	return "file://" + abs, info.Size(), nil
}

// localPath extracts the filesystem path of a file:// URI or bare path.
func localPath(location string) (string, bool) {
	if p, ok := strings.CutPrefix(location, "file://"); ok {
		return p, true
	}
	if strings.Contains(location, "://") {
		return "", false
	}
	return location, true
}

// copyFile copies src to dst, creating parent directories as needed.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// s3API is the subset of the S3 client the stager uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Stager stages artifacts in an S3 bucket. Endpoint and path-style
// addressing allow S3-compatible stores such as MinIO.
type S3Stager struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Stager loads AWS configuration for cfg and creates an S3Stager.
// Static credentials are used when both keys are set; otherwise the default
// credential chain applies.
func NewS3Stager(ctx context.Context, cfg config.S3Config) (*S3Stager, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 stager: bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 stager: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return newS3StagerWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3StagerWithClient(client s3API, bucket, prefix string) *S3Stager {
	return &S3Stager{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// StageIn downloads an s3://bucket/key location to destPath.
func (s *S3Stager) StageIn(ctx context.Context, location string, destPath string) error {
	bucket, key, err := parseS3Location(location)
	if err != nil {
		return err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 stager: get %s: %w", location, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		return fmt.Errorf("s3 stager: read %s: %w", location, err)
	}
	return f.Close()
}

// StageOut uploads srcPath to prefix/key.
func (s *S3Stager) StageOut(ctx context.Context, srcPath string, key string) (string, int64, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return "", 0, fmt.Errorf("s3 stager: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("s3 stager: %w", err)
	}

	objectKey := key
	if s.prefix != "" {
		objectKey = path.Join(s.prefix, key)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", 0, fmt.Errorf("s3 stager: put %s: %w", objectKey, err)
	}
	return "s3://" + s.bucket + "/" + objectKey, info.Size(), nil
}

func parseS3Location(location string) (bucket, key string, err error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("s3 stager: %w: %s", ErrUnsupportedLocation, location)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}
