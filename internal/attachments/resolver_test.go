package attachments

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homework-grader/internal/apperr"
	"homework-grader/internal/config"
)

type fakePresigner struct {
	base    string
	buckets []string
	expires time.Duration
}

func (f *fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	f.expires = opts.Expires
	f.buckets = append(f.buckets, *in.Bucket)
	return &v4.PresignedHTTPRequest{URL: f.base + "/" + *in.Key + "?sig=1", Method: http.MethodGet}, nil
}

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
	body []byte
	ct   string
}

func (f *fakeUploader) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := io.ReadAll(in.Body)
	f.keys = append(f.keys, *in.Key)
	f.body = b
	f.ct = *in.ContentType
	return &s3.PutObjectOutput{}, nil
}

func pngScan(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 200, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestHTTPPassThrough(t *testing.T) {
	r := NewWith(config.Config{}, nil, nil, nil, nil)
	got, err := r.Resolve(context.Background(), "  https://cdn.example.com/a.jpg ")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a.jpg", got)
}

func TestKeysArePresigned(t *testing.T) {
	p := &fakePresigner{base: "https://bucket.local"}
	r := NewWith(config.Config{S3Bucket: "scans", PresignTTL: 5 * time.Minute}, p, nil, nil, nil)

	got, err := r.Resolve(context.Background(), "/2024/sub-1/page1.png")
	require.NoError(t, err)
	assert.Equal(t, "https://bucket.local/2024/sub-1/page1.png?sig=1", got)
	assert.Equal(t, 5*time.Minute, p.expires)

	_, err = r.Resolve(context.Background(), "s3://archive/old/page.png")
	require.NoError(t, err)
	assert.Equal(t, []string{"scans", "archive"}, p.buckets)
}

func TestKeyWithoutStorage(t *testing.T) {
	r := NewWith(config.Config{}, nil, nil, nil, nil)
	_, err := r.Resolve(context.Background(), "uploads/page1.png")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = r.Resolve(context.Background(), "   ")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	r = NewWith(config.Config{}, &fakePresigner{}, nil, nil, nil)
	_, err = r.Resolve(context.Background(), "uploads/page1.png")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = r.Resolve(context.Background(), "s3://bucket-only")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestNormalizeDownscales(t *testing.T) {
	scan := pngScan(t, 400, 200)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(scan)
	}))
	defer srv.Close()

	p := &fakePresigner{base: "https://bucket.local"}
	u := &fakeUploader{}
	cfg := config.Config{S3Bucket: "scans", ScanMaxDim: 100, ScanPrefix: "normalized/"}
	r := NewWith(cfg, p, u, srv.Client(), nil)

	got, err := r.Resolve(context.Background(), srv.URL+"/page1.png")
	require.NoError(t, err)
	require.Len(t, u.keys, 1)
	assert.True(t, strings.HasPrefix(u.keys[0], "normalized/"))
	assert.True(t, strings.HasSuffix(u.keys[0], ".jpg"))
	assert.Equal(t, "https://bucket.local/"+u.keys[0]+"?sig=1", got)
	assert.Equal(t, "image/jpeg", u.ct)

	out, err := jpeg.Decode(bytes.NewReader(u.body))
	require.NoError(t, err)
	assert.Equal(t, 100, out.Bounds().Dx())
	assert.Equal(t, 50, out.Bounds().Dy())

	// same reference maps to the same object
	_, err = r.Resolve(context.Background(), srv.URL+"/page1.png")
	require.NoError(t, err)
	assert.Equal(t, u.keys[0], u.keys[1])
}

func TestNormalizeRejectsBadDownloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing.png":
			http.NotFound(w, r)
		case "/big.png":
			_, _ = w.Write(bytes.Repeat([]byte{1}, 2048))
		default:
			_, _ = w.Write([]byte("not an image"))
		}
	}))
	defer srv.Close()

	cfg := config.Config{S3Bucket: "scans", ScanMaxDim: 100, ScanMaxBytes: 1024}
	r := NewWith(cfg, &fakePresigner{base: "https://bucket.local"}, &fakeUploader{}, srv.Client(), nil)
	ctx := context.Background()

	_, err := r.Resolve(ctx, srv.URL+"/missing.png")
	assert.ErrorIs(t, err, apperr.ErrRemoteService)
	_, err = r.Resolve(ctx, srv.URL+"/big.png")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = r.Resolve(ctx, srv.URL+"/text.png")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
