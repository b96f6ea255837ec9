package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/google/uuid"
)

// MaxImageBytes bounds a profile image upload.
const MaxImageBytes = 5 << 20

var (
	ErrTooLarge   = errors.New("image exceeds size limit")
	ErrNotAnImage = errors.New("upload is not a supported image")
)

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// Store saves uploaded images and returns their public URL.
type Store interface {
	Put(ctx context.Context, folder, contentType string, body []byte) (string, error)
}

// ReadImage reads at most MaxImageBytes from r and sniffs its type.
func ReadImage(r io.Reader) ([]byte, string, error) {
	body, err := io.ReadAll(io.LimitReader(r, MaxImageBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(body) > MaxImageBytes {
		return nil, "", ErrTooLarge
	}
	ct := http.DetectContentType(body)
	if _, ok := extensions[ct]; !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNotAnImage, ct)
	}
	return body, ct, nil
}

func objectKey(folder, contentType string) string {
	return path.Join(folder, uuid.NewString()+extensions[contentType])
}

type S3Store struct {
	uploader s3manageriface.UploaderAPI
	bucket   string
	region   string
}

// NewS3Store uses the default AWS credential chain for region.
func NewS3Store(region, bucket string) (*S3Store, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return NewS3StoreWithUploader(s3manager.NewUploader(sess), region, bucket), nil
}

func NewS3StoreWithUploader(u s3manageriface.UploaderAPI, region, bucket string) *S3Store {
	return &S3Store{uploader: u, bucket: bucket, region: region}
}

func (s *S3Store) Put(ctx context.Context, folder, contentType string, body []byte) (string, error) {
	key := objectKey(folder, contentType)
	out, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload: %w", err)
	}
	if out != nil && out.Location != "" {
		return out.Location, nil
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key), nil
}

// DiskStore writes uploads below Dir and serves them from BaseURL/uploads.
type DiskStore struct {
	Dir     string
	BaseURL string
}

func (d DiskStore) Put(_ context.Context, folder, contentType string, body []byte) (string, error) {
	key := objectKey(folder, contentType)
	dst := filepath.Join(d.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(dst, body, 0o644); err != nil {
		return "", err
	}
	return strings.TrimRight(d.BaseURL, "/") + "/uploads/" + key, nil
}
