package source

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/depfetch/depfetch/pkg/deperr"
)

// ObjectGetter copies one stored object to w.
type ObjectGetter interface {
	GetObject(ctx context.Context, bucket, key string, w io.Writer) error
}

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3Client serves s3://bucket/key archive locators from any S3-compatible
// endpoint.
type S3Client struct {
	client *minio.Client
}

var _ ObjectGetter = &S3Client{}

func NewS3Client(cfg S3Config) (*S3Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	var creds *credentials.Credentials
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access != "" || secret != "" {
		creds = credentials.NewStaticV4(access, secret, "")
	} else {
		creds = credentials.NewEnvAWS()
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return &S3Client{client: client}, nil
}

func (c *S3Client) GetObject(ctx context.Context, bucket, key string, w io.Writer) error {
	obj, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return s3Error(ctx, bucket, key, err)
	}
	defer obj.Close()

	// GetObject is lazy; Stat surfaces a missing key before any bytes are copied.
	if _, err := obj.Stat(); err != nil {
		return s3Error(ctx, bucket, key, err)
	}
	if _, err := io.Copy(w, obj); err != nil {
		return s3Error(ctx, bucket, key, err)
	}
	return nil
}

func s3Error(ctx context.Context, bucket, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("s3://%s/%s: %w", bucket, key, deperr.ErrNotFound)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("s3://%s/%s: %w: %w", bucket, key, deperr.ErrNetwork, err)
}
