package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	_ "golang.org/x/image/webp"

	"homework-grader/internal/apperr"
	"homework-grader/internal/config"
)

// Presigner issues time-limited GET URLs for bucket objects.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Uploader stores normalized scans.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Resolver turns an attachment reference into a URL the grading provider can
// fetch. Plain http(s) URLs pass through; bucket keys and s3:// URIs are
// presigned. With a max dimension set, scans are downscaled and re-encoded as
// JPEG before the provider sees them.
type Resolver struct {
	bucket     string
	prefix     string
	ttl        time.Duration
	maxDim     int
	maxBytes   int64
	httpClient *http.Client
	presign    Presigner
	upload     Uploader
	log        *slog.Logger
}

// NewS3Client builds an S3 client; a custom endpoint targets MinIO and friends.
func NewS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// New wires a resolver to an S3 client. client may be nil, in which case only
// http(s) references resolve.
func New(cfg config.Config, client *s3.Client, httpClient *http.Client, logger *slog.Logger) *Resolver {
	var (
		presign Presigner
		upload  Uploader
	)
	if client != nil {
		presign = s3.NewPresignClient(client)
		upload = client
	}
	return NewWith(cfg, presign, upload, httpClient, logger)
}

// NewWith builds a resolver from explicit S3 collaborators.
func NewWith(cfg config.Config, presign Presigner, upload Uploader, httpClient *http.Client, logger *slog.Logger) *Resolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	maxBytes := cfg.ScanMaxBytes
	if maxBytes <= 0 {
		maxBytes = 20 * 1024 * 1024
	}
	return &Resolver{
		bucket:     cfg.S3Bucket,
		prefix:     cfg.ScanPrefix,
		ttl:        ttl,
		maxDim:     cfg.ScanMaxDim,
		maxBytes:   maxBytes,
		httpClient: httpClient,
		presign:    presign,
		upload:     upload,
		log:        logger,
	}
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", apperr.New(apperr.KindValidation, "empty attachment reference")
	}

	var source string
	if isHTTP(ref) {
		if !r.normalizing() {
			return ref, nil
		}
		source = ref
	} else {
		bucket, key, err := r.location(ref)
		if err != nil {
			return "", err
		}
		signed, err := r.sign(ctx, bucket, key)
		if err != nil {
			return "", err
		}
		if !r.normalizing() {
			return signed, nil
		}
		source = signed
	}

	key, err := r.normalize(ctx, ref, source)
	if err != nil {
		return "", err
	}
	return r.sign(ctx, r.bucket, key)
}

func (r *Resolver) normalizing() bool {
	return r.maxDim > 0 && r.bucket != "" && r.upload != nil && r.presign != nil
}

func (r *Resolver) location(ref string) (bucket, key string, err error) {
	if r.presign == nil {
		return "", "", apperr.Newf(apperr.KindValidation, "attachment %q is not a URL and no object storage is configured", ref)
	}
	if strings.HasPrefix(ref, "s3://") {
		u, err := url.Parse(ref)
		if err != nil || u.Host == "" || len(u.Path) < 2 {
			return "", "", apperr.Newf(apperr.KindValidation, "malformed attachment uri %q", ref)
		}
		return u.Host, strings.TrimPrefix(u.Path, "/"), nil
	}
	if r.bucket == "" {
		return "", "", apperr.Newf(apperr.KindValidation, "attachment %q needs S3_BUCKET", ref)
	}
	return r.bucket, strings.TrimPrefix(ref, "/"), nil
}

func (r *Resolver) sign(ctx context.Context, bucket, key string) (string, error) {
	req, err := r.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(r.ttl))
	if err != nil {
		return "", apperr.Wrap(apperr.KindRemoteService, "presign attachment", err)
	}
	return req.URL, nil
}

// normalize downloads the scan, fits it inside maxDim and stores it as JPEG.
// The key is derived from the original reference so repeated runs reuse it.
func (r *Resolver) normalize(ctx context.Context, ref, source string) (string, error) {
	data, err := r.download(ctx, source)
	if err != nil {
		return "", err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, "attachment is not a readable image", err)
	}
	b := img.Bounds()
	if b.Dx() > r.maxDim || b.Dy() > r.maxDim {
		img = imaging.Fit(img, r.maxDim, r.maxDim, imaging.Lanczos)
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode scan: %w", err)
	}

	key := r.prefix + uuid.NewSHA1(uuid.NameSpaceURL, []byte(ref)).String() + ".jpg"
	_, err = r.upload.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("image/jpeg"),
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindRemoteService, "upload normalized scan", err)
	}
	r.log.Info("attachments.normalized", "ref", ref, "key", key, "source_format", format,
		"width", img.Bounds().Dx(), "height", img.Bounds().Dy(), "bytes", buf.Len())
	return key, nil
}

func (r *Resolver) download(ctx context.Context, src string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "build attachment request", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.KindNetworkTransient, "download attachment", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, apperr.Newf(apperr.KindRemoteService, "download attachment: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNetworkTransient, "read attachment", err)
	}
	if int64(len(body)) > r.maxBytes {
		return nil, apperr.Newf(apperr.KindValidation, "attachment too large (>%d bytes)", r.maxBytes)
	}
	return body, nil
}

func isHTTP(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
