package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/jmdall/fileswap/internal/errs"
)

// MinioService is the blob store of the exchange: uploads land here through
// presigned PUTs, and downloads leave through presigned GETs.
type MinioService struct {
	Client     *minio.Client
	BucketName string
	log        *zap.Logger
}

func NewMinio(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool, log *zap.Logger) (*MinioService, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Info("created bucket", zap.String("bucket", bucket))
	}

	log.Info("connected to MinIO", zap.String("endpoint", endpoint))
	return &MinioService{Client: client, BucketName: bucket, log: log.Named("minio")}, nil
}

func (m *MinioService) CheckConnection(ctx context.Context) error {
	if m == nil || m.Client == nil {
		return errors.New("minio service not initialized")
	}
	_, err := m.Client.BucketExists(ctx, m.BucketName)
	return err
}

func (m *MinioService) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := m.Client.PutObject(ctx, m.BucketName, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get reads a whole object. Objects larger than maxBytes fail with errs.ErrTooLarge.
func (m *MinioService) Get(ctx context.Context, key string, maxBytes int64) ([]byte, error) {
	obj, err := m.Client.GetObject(ctx, m.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("get %s: %w", key, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	if maxBytes > 0 && info.Size > maxBytes {
		return nil, fmt.Errorf("get %s: %w", key, errs.ErrTooLarge)
	}
	return readAllLimited(obj, maxBytes)
}

func (m *MinioService) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := m.Client.PresignedPutObject(ctx, m.BucketName, key, ttl)
	if err != nil {
		return "", fmt.Errorf("presign put %s: %w", key, err)
	}
	return u.String(), nil
}

// PresignGet returns a read URL. A non-empty downloadName makes the browser save
// the object under that name.
func (m *MinioService) PresignGet(ctx context.Context, key string, ttl time.Duration, downloadName string) (string, error) {
	params := url.Values{}
	if downloadName != "" {
		params.Set("response-content-disposition", ContentDisposition(downloadName))
	}
	u, err := m.Client.PresignedGetObject(ctx, m.BucketName, key, ttl, params)
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", key, err)
	}
	return u.String(), nil
}

// DeleteObjectsByPrefix removes every object under prefix and returns how many went.
func (m *MinioService) DeleteObjectsByPrefix(ctx context.Context, prefix string) (int, error) {
	log := m.log.With(zap.String("prefix", prefix))

	var keys []string
	for obj := range m.Client.ListObjects(ctx, m.BucketName, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return 0, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	if len(keys) == 0 {
		log.Debug("no objects under prefix")
		return 0, nil
	}

	objectsCh := make(chan minio.ObjectInfo, len(keys))
	for _, k := range keys {
		objectsCh <- minio.ObjectInfo{Key: k}
	}
	close(objectsCh)

	for removeErr := range m.Client.RemoveObjects(ctx, m.BucketName, objectsCh, minio.RemoveObjectsOptions{}) {
		if removeErr.Err != nil {
			return 0, fmt.Errorf("remove %s: %w", removeErr.ObjectName, removeErr.Err)
		}
	}
	log.Info("deleted objects", zap.Int("count", len(keys)))
	return len(keys), nil
}

// ContentDisposition builds an attachment header that survives non-ASCII names.
func ContentDisposition(filename string) string {
	if plainASCII(filename) {
		return `attachment; filename="` + filename + `"`
	}
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return `attachment; filename="download"`
}

func plainASCII(s string) bool {
	for _, r := range s {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			return false
		}
	}
	return s != ""
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, errs.ErrTooLarge
	}
	return data, nil
}
