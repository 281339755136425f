package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"deploy-go/internal/config"
	"deploy-go/internal/deploy"
)

// S3Vault stores blobs in an S3 bucket under
//
//	<prefix>/content/<sha512>
//	<prefix>/metadata/<name>
type S3Vault struct {
	name     string
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

var _ deploy.Vault = (*S3Vault)(nil)

// NewS3Vault loads the default AWS credential chain unless static keys are
// configured. A custom endpoint switches to path-style addressing, which
// MinIO and most S3-compatible stores expect.
func NewS3Vault(ctx context.Context, cfg config.VaultConfig) (*S3Vault, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 vault requires s3_bucket to be set")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Vault{
		name:     cfg.Name,
		bucket:   cfg.S3Bucket,
		prefix:   strings.Trim(cfg.S3Prefix, "/"),
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (v *S3Vault) contentKey(hash string) string {
	return path.Join(v.prefix, "content", hash)
}

func (v *S3Vault) metadataKey(name string) string {
	return path.Join(v.prefix, "metadata", name)
}

// isNotFound matches both the GetObject and HeadObject flavours of a
// missing key.
func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

func (v *S3Vault) put(ctx context.Context, key string, r io.Reader, size int64) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := v.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

func (v *S3Vault) get(ctx context.Context, key string, w io.Writer) error {
	out, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", key, deploy.ErrNotFound)
		}
		return fmt.Errorf("fetching %s: %w", key, err)
	}
	defer out.Body.Close()
	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	return nil
}

func (v *S3Vault) PutContent(ctx context.Context, hash string, r io.Reader, size int64) error {
	if !deploy.ValidHash(hash) {
		return fmt.Errorf("malformed content key %q: %w", hash, deploy.ErrInvalidInput)
	}
	return v.put(ctx, v.contentKey(hash), r, size)
}

func (v *S3Vault) GetContent(ctx context.Context, hash string, w io.Writer) error {
	if !deploy.ValidHash(hash) {
		return fmt.Errorf("malformed content key %q: %w", hash, deploy.ErrInvalidInput)
	}
	return v.get(ctx, v.contentKey(hash), w)
}

func (v *S3Vault) HasContent(ctx context.Context, hash string) (bool, error) {
	_, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.contentKey(hash)),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("head %s: %w", hash, err)
}

// DeleteContent relies on S3 treating deletes of absent keys as success.
func (v *S3Vault) DeleteContent(ctx context.Context, hash string) error {
	if !deploy.ValidHash(hash) {
		return fmt.Errorf("malformed content key %q: %w", hash, deploy.ErrInvalidInput)
	}
	_, err := v.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.contentKey(hash)),
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", hash, err)
	}
	return nil
}

func (v *S3Vault) ListContent(ctx context.Context) ([]deploy.VaultObject, error) {
	prefix := v.contentKey("") + "/"
	p := s3.NewListObjectsV2Paginator(v.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(v.bucket),
		Prefix: aws.String(prefix),
	})

	var out []deploy.VaultObject
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing content: %w", err)
		}
		for _, obj := range page.Contents {
			hash := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if !deploy.ValidHash(hash) {
				continue
			}
			out = append(out, deploy.VaultObject{
				Hash:       hash,
				Size:       aws.ToInt64(obj.Size),
				ModifiedAt: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

func (v *S3Vault) PutMetadata(ctx context.Context, name string, r io.Reader, size int64) error {
	return v.put(ctx, v.metadataKey(name), r, size)
}

func (v *S3Vault) GetMetadata(ctx context.Context, name string, w io.Writer) error {
	return v.get(ctx, v.metadataKey(name), w)
}

// ValidateSetup checks that the bucket exists and the credentials can reach it.
func (v *S3Vault) ValidateSetup(ctx context.Context) error {
	if _, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(v.bucket)}); err != nil {
		return fmt.Errorf("s3 bucket %s not accessible: %w", v.bucket, err)
	}
	return nil
}
