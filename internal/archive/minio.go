package archive

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/flashfs/flashfs/pkg/errors"
)

// NewMinioClient connects to a MinIO or other S3-compatible endpoint.
func NewMinioClient(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConnectionFailed, "failed to create minio client").
			WithComponent("archive").WithContext("endpoint", endpoint)
	}
	return client, nil
}

// MinioStore keeps archive objects in a MinIO bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioStore creates a store rooted at prefix in bucket.
func NewMinioStore(client *minio.Client, bucket, prefix string) *MinioStore {
	return &MinioStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *MinioStore) key(name string) string {
	return path.Join(s.prefix, name)
}

// Put uploads data under key.
func (s *MinioStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(key), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return s.translateError(err, errors.ErrCodeStorageWrite, "PutObject", key)
	}
	return nil
}

// Get downloads the object at key.
func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.translateError(err, errors.ErrCodeStorageRead, "GetObject", key)
	}
	defer obj.Close()

	// GetObject is lazy; a missing key surfaces on the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.translateError(err, errors.ErrCodeStorageRead, "GetObject", key)
	}
	return data, nil
}

// Delete removes the object at key. Missing objects are not an error.
func (s *MinioStore) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(key), minio.RemoveObjectOptions{})
	if err != nil && !isMinioNotFound(err) {
		return s.translateError(err, errors.ErrCodeStorageWrite, "RemoveObject", key)
	}
	return nil
}

// List returns the keys under prefix, relative to the store root.
func (s *MinioStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.key(prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, s.translateError(obj.Err, errors.ErrCodeStorageRead, "ListObjects", prefix)
		}
		name := strings.TrimPrefix(obj.Key, s.prefix)
		name = strings.TrimPrefix(name, "/")
		if name != "" {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MinioStore) translateError(err error, code errors.ErrorCode, operation, key string) error {
	if isMinioNotFound(err) {
		return errors.Wrap(ErrNotFound, errors.ErrCodeObjectNotFound, "object not found").
			WithComponent("archive").WithOperation(operation).
			WithContext("bucket", s.bucket).WithContext("key", key)
	}
	return errors.Wrap(err, code, operation+" failed").
		WithComponent("archive").WithOperation(operation).
		WithContext("bucket", s.bucket).WithContext("key", key)
}

func isMinioNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
