package checkpoint

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestFileStore_SaveLoadClear(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Load(ctx, "build", 0)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(ctx, "build", 3, []byte("three")))
	require.NoError(t, store.Save(ctx, "build", 0, []byte("zero")))
	require.NoError(t, store.Save(ctx, "build", 3, []byte("three again")))

	data, err := store.Load(ctx, "build", 3)
	require.NoError(t, err)
	assert.Equal(t, "three again", string(data))

	blocks, err := store.Blocks("build")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 3}, blocks)

	// no temporary files survive a save
	entries, err := os.ReadDir(filepath.Join(store.Dir, "build"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, store.Clear(ctx, "build"))
	_, err = store.Load(ctx, "build", 3)
	assert.ErrorIs(t, err, ErrNotFound)
	blocks, err = store.Blocks("build")
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestNop(t *testing.T) {
	var s Store = Nop{}
	require.NoError(t, s.Save(context.Background(), "b", 0, []byte{1}))
	_, err := s.Load(context.Background(), "b", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

type mockObjects struct {
	mock.Mock
}

func (m *mockObjects) BucketExists(ctx context.Context, bucket string) (bool, error) {
	args := m.Called(ctx, bucket)
	return args.Bool(0), args.Error(1)
}

func (m *mockObjects) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	return m.Called(ctx, bucket, opts).Error(0)
}

func (m *mockObjects) PutObject(ctx context.Context, bucket, name string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, _ := io.ReadAll(reader)
	args := m.Called(ctx, bucket, name, data, size)
	return minio.UploadInfo{Bucket: bucket, Key: name, Size: size}, args.Error(0)
}

// GetObject cannot hand back a usable *minio.Object without a server, so the
// mock only exercises the error paths
func (m *mockObjects) GetObject(ctx context.Context, bucket, name string, opts minio.GetObjectOptions) (*minio.Object, error) {
	args := m.Called(ctx, bucket, name)
	return nil, args.Error(0)
}

func (m *mockObjects) RemoveObject(ctx context.Context, bucket, name string, opts minio.RemoveObjectOptions) error {
	return m.Called(ctx, bucket, name).Error(0)
}

func (m *mockObjects) ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	args := m.Called(ctx, bucket, opts.Prefix)
	return args.Get(0).(<-chan minio.ObjectInfo)
}

func TestMinioStore_Save(t *testing.T) {
	api := new(mockObjects)
	ctx := context.Background()
	api.On("PutObject", ctx, "ckpt", "run/block-000007.bin", []byte("gain"), int64(4)).Return(nil)

	s := NewMinioStore(api, "ckpt")
	require.NoError(t, s.Save(ctx, "run", 7, []byte("gain")))
	api.AssertExpectations(t)
}

func TestMinioStore_LoadMissing(t *testing.T) {
	api := new(mockObjects)
	ctx := context.Background()
	api.On("GetObject", ctx, "ckpt", "run/block-000001.bin").
		Return(minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404})
	api.On("GetObject", ctx, "ckpt", "run/block-000002.bin").
		Return(stderrors.New("connection reset"))

	s := NewMinioStore(api, "ckpt")
	_, err := s.Load(ctx, "run", 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Load(ctx, "run", 2)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestMinioStore_Clear(t *testing.T) {
	api := new(mockObjects)
	ctx := context.Background()
	ch := make(chan minio.ObjectInfo, 2)
	ch <- minio.ObjectInfo{Key: "run/block-000000.bin"}
	ch <- minio.ObjectInfo{Key: "run/block-000001.bin"}
	close(ch)
	api.On("ListObjects", ctx, "ckpt", "run/").Return((<-chan minio.ObjectInfo)(ch))
	api.On("RemoveObject", ctx, "ckpt", "run/block-000000.bin").Return(nil)
	api.On("RemoveObject", ctx, "ckpt", "run/block-000001.bin").Return(nil)

	s := NewMinioStore(api, "ckpt")
	require.NoError(t, s.Clear(ctx, "run"))
	api.AssertExpectations(t)
}

func TestMinioStore_EnsureBucket(t *testing.T) {
	api := new(mockObjects)
	ctx := context.Background()
	api.On("BucketExists", ctx, "ckpt").Return(false, nil)
	api.On("MakeBucket", ctx, "ckpt", minio.MakeBucketOptions{}).Return(nil)

	require.NoError(t, NewMinioStore(api, "ckpt").EnsureBucket(ctx))
	api.AssertExpectations(t)
}
