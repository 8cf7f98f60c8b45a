/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures an S3-compatible backend.
type S3Config struct {
	// Endpoint is host[:port], e.g. s3.amazonaws.com or localhost:9000.
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// PathStyle forces path-style bucket addressing, as MinIO expects.
	PathStyle bool
	// Transport overrides the HTTP transport.
	Transport http.RoundTripper
}

// S3 serves s3:// locations.
type S3 struct {
	client *minio.Client
}

var _ Backend = (*S3)(nil)

// NewS3 creates an S3 backend. Static credentials are used when both keys are
// set; otherwise the standard AWS environment variables are consulted.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "s3.amazonaws.com"
	}
	creds := credentials.NewEnvAWS()
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	}
	opts := &minio.Options{
		Creds:     creds,
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	return &S3{client: client}, nil
}

// List implements Backend.
func (s *S3) List(ctx context.Context, dir Location) (Contents, error) {
	prefix := dir.Key
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var c Contents
	for obj := range s.client.ListObjects(ctx, dir.Bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return Contents{}, s.wrap(obj.Err)
		}
		if obj.Key == prefix {
			continue
		}
		key := Location{Scheme: SchemeS3, Bucket: dir.Bucket, Key: obj.Key}.String()
		switch {
		case strings.HasSuffix(obj.Key, "/"):
			c.Folders = append(c.Folders, Entry{Key: key, Name: path.Base(obj.Key), Type: KindFolder})
		case strings.HasSuffix(obj.Key, RolloutExt):
			c.Files = append(c.Files, Entry{
				Key:          key,
				Name:         path.Base(obj.Key),
				Type:         KindFile,
				Size:         obj.Size,
				LastModified: obj.LastModified.UTC(),
			})
		}
	}
	return c, nil
}

// Read implements Backend.
func (s *S3) Read(ctx context.Context, loc Location) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, loc.Bucket, loc.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrap(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.wrap(err)
	}
	return data, nil
}

// Write implements Backend.
func (s *S3) Write(ctx context.Context, loc Location, data []byte) error {
	_, err := s.client.PutObject(ctx, loc.Bucket, loc.Key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/jsonl"})
	return s.wrap(err)
}

// Exists implements Backend.
func (s *S3) Exists(ctx context.Context, loc Location) (bool, error) {
	_, err := s.client.StatObject(ctx, loc.Bucket, loc.Key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if err = s.wrap(err); errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (s *S3) wrap(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case retryableStatus(resp.StatusCode):
		return Transient(err)
	}
	return err
}
