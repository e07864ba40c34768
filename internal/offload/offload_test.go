package offload

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaixapi/filelist/internal/metadata"
	"github.com/xaixapi/filelist/internal/metadata/memory"
)

type fakePresigner struct{ keys []string }

func (f *fakePresigner) PresignGet(_ context.Context, key, filename string) (string, error) {
	f.keys = append(f.keys, key)
	return "https://bucket.example/" + key + "?as=" + filename, nil
}

func TestLocation(t *testing.T) {
	store := memory.New()
	store.AddOffload(metadata.Offload{Path: "7/movie.mkv", URL: "https://cdn.example/movie.mkv"})
	store.AddOffload(metadata.Offload{Path: "7/dir/big.iso", S3Key: "objects/big.iso"})
	p := &fakePresigner{}
	r := NewRedirector(store, p)
	ctx := context.Background()

	loc, err := r.Location(ctx, "7/movie.mkv")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/movie.mkv", loc)

	loc, err = r.Location(ctx, "7/dir/big.iso")
	require.NoError(t, err)
	assert.Equal(t, "https://bucket.example/objects/big.iso?as=big.iso", loc)
	assert.Equal(t, []string{"objects/big.iso"}, p.keys)

	loc, err = r.Location(ctx, "7/local.txt")
	require.NoError(t, err)
	assert.Empty(t, loc)

	loc, err = NewRedirector(store, nil).Location(ctx, "7/dir/big.iso")
	require.NoError(t, err)
	assert.Empty(t, loc)

	var nilRedirector *Redirector
	loc, err = nilRedirector.Location(ctx, "7/movie.mkv")
	require.NoError(t, err)
	assert.Empty(t, loc)
}

func TestS3PresignerSignsLocally(t *testing.T) {
	p, err := NewS3Presigner(context.Background(), S3Config{
		Endpoint:  "http://127.0.0.1:9000",
		Bucket:    "offload",
		AccessKey: "minio",
		SecretKey: "minio123",
		Region:    "us-east-1",
		TTL:       10 * time.Minute,
	})
	require.NoError(t, err)

	raw, err := p.PresignGet(context.Background(), "objects/big file.iso", "big file.iso")
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", u.Host)
	assert.True(t, strings.HasPrefix(u.Path, "/offload/objects/"), u.Path)
	q := u.Query()
	assert.Equal(t, "600", q.Get("X-Amz-Expires"))
	assert.NotEmpty(t, q.Get("X-Amz-Signature"))
	assert.Contains(t, q.Get("response-content-disposition"), "filename*=UTF-8''big%20file.iso")
}
