package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Vault stores snapshots in an S3 bucket. Object keys are the snapshot
// keys, optionally under a prefix, so the bucket contents stay inspectable
// with standard tooling.
type S3Vault struct {
	name     string
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// S3VaultConfig configures an S3 vault.
type S3VaultConfig struct {
	Name   string
	Bucket string
	Prefix string
	Region string

	// Static credentials; when empty the default AWS credential chain is
	// used instead.
	AccessKeyID     string
	SecretAccessKey string

	// Endpoint overrides the S3 endpoint for S3-compatible stores; these
	// require path-style addressing.
	Endpoint string
}

// NewS3Vault creates an S3 vault and verifies bucket access. The bucket must
// already exist.
func NewS3Vault(ctx context.Context, cfg S3VaultConfig) (*S3Vault, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	v := &S3Vault{
		name:     cfg.Name,
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
	}
	if err := v.ValidateSetup(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *S3Vault) objectKey(key string) string {
	if v.prefix == "" {
		return key
	}
	return strings.TrimSuffix(v.prefix, "/") + "/" + key
}

// PutSnapshot uploads a snapshot. The upload manager splits large snapshots
// into multipart uploads; size is advisory only.
func (v *S3Vault) PutSnapshot(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.objectKey(key)),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("failed to upload snapshot to S3: %w", err)
	}
	return nil
}

// GetSnapshot downloads the snapshot stored under key and writes it to w.
func (v *S3Vault) GetSnapshot(ctx context.Context, key string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	result, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.objectKey(key)),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return fmt.Errorf("%s: %w", key, ErrSnapshotNotFound)
		}
		return fmt.Errorf("failed to get snapshot from S3: %w", err)
	}
	defer result.Body.Close()

	if _, err := io.Copy(w, result.Body); err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns all stored snapshot keys in lexical order.
func (v *S3Vault) ListSnapshots(ctx context.Context) ([]string, error) {
	var keys []string
	trim := ""
	if v.prefix != "" {
		trim = strings.TrimSuffix(v.prefix, "/") + "/"
	}

	paginator := s3.NewListObjectsV2Paginator(v.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(v.bucket),
		Prefix: aws.String(trim),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list snapshots: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), trim))
		}
	}
	return keys, nil
}

// ValidateSetup verifies the bucket is reachable.
func (v *S3Vault) ValidateSetup(ctx context.Context) error {
	_, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(v.bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to access bucket %q: %w", v.bucket, err)
	}
	return nil
}

// Compile-time check that S3Vault implements the Vault interface
var _ Vault = (*S3Vault)(nil)
