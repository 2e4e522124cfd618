package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"mysql-backup-orchestrator/internal/config"
)

// S3Provider implements Provider for Amazon S3 and S3-compatible endpoints
type S3Provider struct {
	client     s3iface.S3API
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	bucket     string
	prefix     string
}

// NewS3Provider creates a new S3Provider instance
func NewS3Provider(cfg *config.S3Config) (*S3Provider, error) {
	if cfg == nil {
		return nil, NewValidationError("S3 storage configuration is required", nil)
	}
	if cfg.Bucket == "" {
		return nil, NewValidationError("S3 bucket is required", nil)
	}

	awsConfig := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, NewStorageError("failed to create AWS session", err).WithProvider(string(config.ProviderS3))
	}

	return NewS3ProviderWithClient(s3.New(sess), cfg.Bucket, cfg.Prefix), nil
}

// NewS3ProviderWithClient wires an existing client, used by tests
func NewS3ProviderWithClient(client s3iface.S3API, bucket, prefix string) *S3Provider {
	return &S3Provider{
		client:     client,
		uploader:   s3manager.NewUploaderWithClient(client),
		downloader: s3manager.NewDownloaderWithClient(client),
		bucket:     bucket,
		prefix:     prefix,
	}
}

// Name identifies the provider
func (p *S3Provider) Name() config.ProviderType {
	return config.ProviderS3
}

// Upload streams the artifact with multipart upload
func (p *S3Provider) Upload(ctx context.Context, path, id string) (Locator, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, NewStorageError("failed to open artifact", err).WithProvider(string(config.ProviderS3))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, NewStorageError("failed to stat artifact", err).WithProvider(string(config.ProviderS3))
	}

	key := objectKey(p.prefix, id)
	out, err := p.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]*string{
			"backup-id": aws.String(id),
		},
	})
	if err != nil {
		return nil, NewNetworkError("failed to upload artifact to S3", err).
			WithProvider(string(config.ProviderS3)).
			WithContext("key", key)
	}

	return Locator{
		"provider": string(config.ProviderS3),
		"size":     info.Size(),
		"bucket":   p.bucket,
		"key":      key,
		"url":      out.Location,
	}, nil
}

// Download fetches the artifact into dest
func (p *S3Provider) Download(ctx context.Context, id, dest string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	exists, err := p.Exists(ctx, id)
	if err != nil || !exists {
		return false, err
	}

	f, err := os.Create(dest)
	if err != nil {
		return false, NewStorageError("failed to create download target", err).WithProvider(string(config.ProviderS3))
	}
	defer f.Close()

	_, err = p.downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(objectKey(p.prefix, id)),
	})
	if err != nil {
		os.Remove(dest)
		if isS3NotFound(err) {
			return false, nil
		}
		return false, NewNetworkError(fmt.Sprintf("failed to download artifact %s from S3", id), err).
			WithProvider(string(config.ProviderS3))
	}
	return true, nil
}

// Delete removes the artifact object
func (p *S3Provider) Delete(ctx context.Context, id string) (bool, error) {
	exists, err := p.Exists(ctx, id)
	if err != nil || !exists {
		return false, err
	}

	_, err = p.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(objectKey(p.prefix, id)),
	})
	if err != nil {
		return false, NewNetworkError("failed to delete artifact from S3", err).WithProvider(string(config.ProviderS3))
	}
	return true, nil
}

// Exists checks for the artifact with a HEAD request
func (p *S3Provider) Exists(ctx context.Context, id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	_, err := p.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(objectKey(p.prefix, id)),
	})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, NewNetworkError("failed to check artifact in S3", err).WithProvider(string(config.ProviderS3))
}

// HealthCheck verifies the bucket is reachable
func (p *S3Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(p.bucket),
	})
	if err != nil {
		return NewNetworkError("S3 bucket is not accessible", err).WithProvider(string(config.ProviderS3))
	}
	return nil
}

func isS3NotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if stderrors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if stderrors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
