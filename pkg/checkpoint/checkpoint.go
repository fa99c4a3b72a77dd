// Package checkpoint persists finished blocks of a long-running build so an
// interrupted build can resume without recomputing them.
package checkpoint

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound is returned when no block was saved under the key
var ErrNotFound = stderrors.New("checkpoint not found")

// Store saves opaque blocks under (build, index). Implementations must make a
// saved block visible atomically: Load never observes a partial write.
type Store interface {
	Save(ctx context.Context, build string, index int, data []byte) error
	Load(ctx context.Context, build string, index int) ([]byte, error)

	// Clear drops every block of a build once its result is published
	Clear(ctx context.Context, build string) error
}

func blockName(index int) string { return fmt.Sprintf("block-%06d.bin", index) }

// Nop stores nothing; every Load misses
type Nop struct{}

func (Nop) Save(context.Context, string, int, []byte) error { return nil }

func (Nop) Load(context.Context, string, int) ([]byte, error) { return nil, ErrNotFound }

func (Nop) Clear(context.Context, string) error { return nil }

// FileStore keeps blocks under Dir/<build>/
type FileStore struct {
	Dir string
}

// NewFileStore creates dir if needed
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating checkpoint directory: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

func (f *FileStore) Save(_ context.Context, build string, index int, data []byte) error {
	dir := filepath.Join(f.Dir, build)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".block-*")
	if err != nil {
		return fmt.Errorf("error creating checkpoint file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("error writing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("error writing checkpoint: %w", err)
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, blockName(index)))
}

func (f *FileStore) Load(_ context.Context, build string, index int) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.Dir, build, blockName(index)))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error reading checkpoint: %w", err)
	}
	return data, nil
}

func (f *FileStore) Clear(_ context.Context, build string) error {
	return os.RemoveAll(filepath.Join(f.Dir, build))
}

// Blocks lists the indices saved for build, for diagnostics
func (f *FileStore) Blocks(build string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(f.Dir, build))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "block-") || !strings.HasSuffix(name, ".bin") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "block-"), ".bin"))
		if err == nil {
			out = append(out, n)
		}
	}
	return out, nil
}

// ObjectAPI is the part of the minio client the store uses
type ObjectAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

// MinioConfig locates the object store
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore keeps blocks as objects <build>/block-NNNNNN.bin in one bucket
type MinioStore struct {
	client ObjectAPI
	bucket string
}

// NewMinioStore wraps an existing client
func NewMinioStore(client ObjectAPI, bucket string) *MinioStore {
	return &MinioStore{client: client, bucket: bucket}
}

// DialMinio connects and makes sure the bucket exists
func DialMinio(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	s := NewMinioStore(client, cfg.Bucket)
	if err := s.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureBucket creates the bucket when missing
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func objectName(build string, index int) string { return build + "/" + blockName(index) }

func (s *MinioStore) Save(ctx context.Context, build string, index int, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectName(build, index), bytes.NewReader(data),
		int64(len(data)), minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("upload checkpoint %s: %w", objectName(build, index), err)
	}
	return nil
}

func (s *MinioStore) Load(ctx context.Context, build string, index int) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectName(build, index), minio.GetObjectOptions{})
	if err != nil {
		return nil, mapMinioError(err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapMinioError(err)
	}
	return data, nil
}

func (s *MinioStore) Clear(ctx context.Context, build string) error {
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: build + "/", Recursive: true}) {
		if info.Err != nil {
			return fmt.Errorf("list checkpoints of %s: %w", build, info.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, info.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove checkpoint %s: %w", info.Key, err)
		}
	}
	return nil
}

func mapMinioError(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrNotFound
	}
	return fmt.Errorf("download checkpoint: %w", err)
}
