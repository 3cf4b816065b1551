// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/modelkeeper/internal/failure"
)

// GCSSource reads gs://bucket/object URLs with ranged object reads.
type GCSSource struct {
	client *storage.Client
}

// NewGCSSource creates a GCS client. With an empty credentialsPath the
// application default credentials are used.
func NewGCSSource(ctx context.Context, credentialsPath string) (*GCSSource, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		if _, err := os.Stat(credentialsPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", credentialsPath)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSSource{client: client}, nil
}

// Close releases the underlying client.
func (s *GCSSource) Close() error {
	return s.client.Close()
}

// Open implements Source.
func (s *GCSSource) Open(ctx context.Context, rawURL string, offset int64) (*Stream, error) {
	bucket, object, err := parseGCSURL(rawURL)
	if err != nil {
		return nil, err
	}
	obj := s.client.Bucket(bucket).Object(object)

	if offset > 0 {
		attrs, err := obj.Attrs(ctx)
		if err != nil {
			return nil, gcsError(err)
		}
		if offset >= attrs.Size {
			return &Stream{Body: io.NopCloser(strings.NewReader("")), Offset: offset, TotalSize: attrs.Size}, nil
		}
	}

	r, err := obj.NewRangeReader(ctx, offset, -1)
	if err != nil {
		return nil, gcsError(err)
	}
	return &Stream{Body: r, Offset: offset, TotalSize: r.Attrs.Size}, nil
}

func parseGCSURL(rawURL string) (bucket, object string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse URL: %w", err)
	}
	if u.Scheme != "gs" || u.Host == "" {
		return "", "", fmt.Errorf("not a gs:// URL: %s", rawURL)
	}
	object = strings.TrimPrefix(u.Path, "/")
	if object == "" {
		return "", "", fmt.Errorf("gs:// URL has no object: %s", rawURL)
	}
	return u.Host, object, nil
}

func gcsError(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return &failure.StatusError{StatusCode: http.StatusNotFound, Status: err.Error()}
	}
	return err
}
