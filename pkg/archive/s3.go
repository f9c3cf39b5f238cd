// Package archive uploads completed trace log files to S3 for long-term
// retention. The node's trace log stays the durability floor; archival is
// an optional copy, never a correctness gate.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the slice of the S3 client the uploader needs; tests
// fake it.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader copies trace files into an S3 bucket under a key prefix.
type Uploader struct {
	client ObjectPutter
	bucket string
	prefix string
	log    *slog.Logger
}

// NewUploader builds an uploader over an S3 client (or a fake).
func NewUploader(client ObjectPutter, bucket, prefix string) *Uploader {
	return &Uploader{
		client: client,
		bucket: bucket,
		prefix: prefix,
		log:    slog.Default().With("component", "archive"),
	}
}

// UploadTrace uploads the trace file at filePath and returns the object
// key. Keys carry the upload time in Unix seconds, so uploads of the same
// file in different seconds get distinct keys; two uploads within the same
// second share a key and the later one replaces the earlier.
func (u *Uploader) UploadTrace(ctx context.Context, filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("archive: read %s: %w", filePath, err)
	}

	key := path.Join(u.prefix, fmt.Sprintf("%s.%d.jsonl", baseName(filePath), time.Now().Unix()))

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}

	u.log.Info("trace archived", "key", key, "bytes", len(data))
	return key, nil
}

func baseName(filePath string) string {
	base := filepath.Base(filePath)
	if ext := filepath.Ext(base); ext != "" {
		base = base[:len(base)-len(ext)]
	}
	return base
}
