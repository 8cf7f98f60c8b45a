/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS serves gs:// locations with application default credentials.
type GCS struct {
	client *gcs.Client
}

var _ Backend = (*GCS)(nil)

// NewGCS creates a GCS backend.
func NewGCS(ctx context.Context, opts ...option.ClientOption) (*GCS, error) {
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCS{client: client}, nil
}

// Close releases the client.
func (g *GCS) Close() error {
	return g.client.Close()
}

// List implements Backend.
func (g *GCS) List(ctx context.Context, dir Location) (Contents, error) {
	prefix := dir.Key
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var c Contents
	it := g.client.Bucket(dir.Bucket).Objects(ctx, &gcs.Query{Prefix: prefix, Delimiter: "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return Contents{}, wrapGCS(err)
		}
		if attrs.Prefix != "" {
			c.Folders = append(c.Folders, Entry{
				Key:  Location{Scheme: SchemeGCS, Bucket: dir.Bucket, Key: attrs.Prefix}.String(),
				Name: path.Base(attrs.Prefix),
				Type: KindFolder,
			})
			continue
		}
		if attrs.Name == prefix || !strings.HasSuffix(attrs.Name, RolloutExt) {
			continue
		}
		c.Files = append(c.Files, Entry{
			Key:          Location{Scheme: SchemeGCS, Bucket: dir.Bucket, Key: attrs.Name}.String(),
			Name:         path.Base(attrs.Name),
			Type:         KindFile,
			Size:         attrs.Size,
			LastModified: attrs.Updated.UTC(),
		})
	}
	return c, nil
}

// Read implements Backend.
func (g *GCS) Read(ctx context.Context, loc Location) ([]byte, error) {
	r, err := g.client.Bucket(loc.Bucket).Object(loc.Key).NewReader(ctx)
	if err != nil {
		return nil, wrapGCS(err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, wrapGCS(err)
	}
	return data, nil
}

// Write implements Backend. GCS commits the object on Close, so a failed
// upload leaves any previous generation in place.
func (g *GCS) Write(ctx context.Context, loc Location, data []byte) error {
	w := g.client.Bucket(loc.Bucket).Object(loc.Key).NewWriter(ctx)
	w.ContentType = "application/jsonl"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return wrapGCS(err)
	}
	return wrapGCS(w.Close())
}

// Exists implements Backend.
func (g *GCS) Exists(ctx context.Context, loc Location) (bool, error) {
	_, err := g.client.Bucket(loc.Bucket).Object(loc.Key).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, wrapGCS(err)
	}
	return true, nil
}

func wrapGCS(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && retryableStatus(gerr.Code) {
		return Transient(err)
	}
	return err
}
