package export

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archive stores rendered exports in an S3-compatible bucket and hands out
// presigned download links.
type Archive struct {
	client *minio.Client
	bucket string
	expiry time.Duration
	now    func() time.Time
}

type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// LinkExpiry is how long presigned links stay valid.
	LinkExpiry time.Duration
}

// NewArchive connects to object storage and creates the bucket if needed.
func NewArchive(ctx context.Context, cfg ArchiveConfig) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	expiry := cfg.LinkExpiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Archive{client: client, bucket: cfg.Bucket, expiry: expiry, now: time.Now}, nil
}

// Store uploads result under exports/<scriptID>/ and returns a presigned URL.
func (a *Archive) Store(ctx context.Context, scriptID string, result *Result) (string, error) {
	key := objectKey(scriptID, result.Filename, a.now())
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(result.Data), int64(len(result.Data)), minio.PutObjectOptions{
		ContentType: result.MimeType,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	link, err := a.client.PresignedGetObject(ctx, a.bucket, key, a.expiry, params)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return link.String(), nil
}

func objectKey(scriptID, filename string, at time.Time) string {
	return path.Join("exports", scriptID, at.UTC().Format("20060102T150405Z")+"-"+filename)
}
