package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
)

// ArchiveConfig configures the S3 report archive
type ArchiveConfig struct {
	Bucket          string
	Region          string
	Endpoint        string // S3-compatible services (MinIO, etc.)
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	UsePathStyle    bool
	// Compress snappy-encodes text formats before upload
	Compress bool
}

// ArchiveConfigFromEnv reads REPORT_S3_* variables. ok is false when no
// bucket is configured.
func ArchiveConfigFromEnv() (cfg ArchiveConfig, ok bool) {
	cfg = ArchiveConfig{
		Bucket:          os.Getenv("REPORT_S3_BUCKET"),
		Region:          os.Getenv("REPORT_S3_REGION"),
		Endpoint:        os.Getenv("REPORT_S3_ENDPOINT"),
		AccessKeyID:     os.Getenv("REPORT_S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("REPORT_S3_SECRET_ACCESS_KEY"),
		Prefix:          os.Getenv("REPORT_S3_PREFIX"),
		UsePathStyle:    os.Getenv("REPORT_S3_PATH_STYLE") == "true",
		Compress:        os.Getenv("REPORT_S3_COMPRESS") == "true",
	}
	return cfg, cfg.Bucket != ""
}

// Archive uploads rendered reports to S3
type Archive struct {
	client *s3.Client
	config ArchiveConfig
	now    func() time.Time
}

// NewArchive creates an S3 report archive
func NewArchive(ctx context.Context, cfg ArchiveConfig) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "eu-central-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
			// S3-compatible servers often reject trailing checksums
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		})
	}

	return &Archive{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		now:    time.Now,
	}, nil
}

// Key is the object key of a report: <prefix>/<marketplace>/<date>/<file>
func (a *Archive) Key(r *SessionReport, f Format) string {
	name := r.Filename(f)
	if a.compresses(f) {
		name += ".sz"
	}
	return path.Join(a.config.Prefix, string(r.Session.Marketplace), a.now().UTC().Format("2006-01-02"), name)
}

func (a *Archive) compresses(f Format) bool {
	return a.config.Compress && (f == FormatJSON || f == FormatCSV)
}

// Store renders the report and uploads it, returning the object key
func (a *Archive) Store(ctx context.Context, r *SessionReport, f Format) (string, error) {
	body, err := Render(r, f)
	if err != nil {
		return "", err
	}

	key := a.Key(r, f)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(f.ContentType()),
	}
	if a.compresses(f) {
		body = snappy.Encode(nil, body)
		input.ContentEncoding = aws.String("x-snappy")
	}
	input.Body = bytes.NewReader(body)

	if _, err := a.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("S3 put object failed: %w", err)
	}
	return key, nil
}
