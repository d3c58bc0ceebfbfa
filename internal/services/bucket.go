package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/faults"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

// BucketService is the durable blob store for job inputs and artifacts.
// Keys are tenant-scoped paths like tenants/<id>/jobs/<id>/video.mp4.
type BucketService interface {
	UploadFile(ctx context.Context, key string, file io.Reader, contentType string) error
	DownloadTo(ctx context.Context, key string, dst io.Writer) (string, error)
	StatFile(ctx context.Context, key string) (int64, string, error)
	DeleteFile(ctx context.Context, key string) error
	GetPublicURL(key string) string
	// GCSURI returns the gs:// form of a key, for Google APIs that read
	// objects directly.
	GCSURI(key string) string
}

type bucketService struct {
	log           *logger.Logger
	storageClient *storage.Client
	bucketName    string
	cdnDomain     string
}

func NewBucketService(log *logger.Logger) (BucketService, error) {
	serviceLog := log.With("service", "BucketService")
	bucket := os.Getenv("GCS_BUCKET_NAME")
	if bucket == "" {
		return nil, fmt.Errorf("missing env var GCS_BUCKET_NAME")
	}
	cdnDomain := os.Getenv("CDN_DOMAIN")
	saPath := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")
	if saPath == "" {
		serviceLog.Warn("The storage client may rely on other ADC or fail because GOOGLE_APPLICATION_CREDENTIALS_JSON env var missing...")
	}
	ctx := context.Background()
	var stClient *storage.Client
	var err error
	if saPath != "" {
		stClient, err = storage.NewClient(ctx, option.WithCredentialsFile(saPath), option.WithScopes(storage.ScopeReadWrite))
	} else {
		stClient, err = storage.NewClient(ctx, option.WithScopes(storage.ScopeReadWrite))
	}
	if err != nil {
		return nil, fmt.Errorf("Failed to create storage client: %w", err)
	}
	return &bucketService{
		log:           serviceLog,
		storageClient: stClient,
		bucketName:    bucket,
		cdnDomain:     cdnDomain,
	}, nil
}

func (bs *bucketService) UploadFile(ctx context.Context, key string, file io.Reader, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	w := bs.storageClient.Bucket(bs.bucketName).Object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, file); err != nil {
		_ = w.Close()
		return faults.Wrap(faults.KindStorageError, err, "write object %q", key)
	}
	if err := w.Close(); err != nil {
		return faults.Wrap(faults.KindStorageError, err, "close writer for %q", key)
	}
	return nil
}

// DownloadTo streams the object into dst and returns its content type.
func (bs *bucketService) DownloadTo(ctx context.Context, key string, dst io.Writer) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	r, err := bs.storageClient.Bucket(bs.bucketName).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", faults.Wrap(faults.KindBadInput, err, "object %q not found", key)
		}
		return "", faults.Wrap(faults.KindStorageError, err, "open object %q", key)
	}
	defer r.Close()
	if _, err := io.Copy(dst, r); err != nil {
		return "", faults.Wrap(faults.KindStorageError, err, "read object %q", key)
	}
	return r.Attrs.ContentType, nil
}

func (bs *bucketService) StatFile(ctx context.Context, key string) (int64, string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	attrs, err := bs.storageClient.Bucket(bs.bucketName).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return 0, "", faults.Wrap(faults.KindBadInput, err, "object %q not found", key)
		}
		return 0, "", faults.Wrap(faults.KindStorageError, err, "stat object %q", key)
	}
	return attrs.Size, attrs.ContentType, nil
}

func (bs *bucketService) DeleteFile(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	o := bs.storageClient.Bucket(bs.bucketName).Object(key)
	if err := o.Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return faults.Wrap(faults.KindStorageError, err, "delete object %q", key)
	}
	return nil
}

func (bs *bucketService) GetPublicURL(key string) string {
	if bs.cdnDomain != "" {
		return fmt.Sprintf("https://%s/%s", bs.cdnDomain, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bs.bucketName, key)
}

func (bs *bucketService) GCSURI(key string) string {
	return fmt.Sprintf("gs://%s/%s", bs.bucketName, key)
}
