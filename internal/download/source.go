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
	"strings"
	"time"

	"github.com/awnumar/memguard"

	"github.com/AleutianAI/modelkeeper/internal/failure"
)

// Stream is an open read of a remote object.
type Stream struct {
	// Body yields the object bytes starting at Offset. Callers must close it.
	Body io.ReadCloser

	// Offset is where Body starts. It may be 0 even when a non-zero offset
	// was requested, if the server ignored the range.
	Offset int64

	// TotalSize is the full object size, or -1 when unknown.
	TotalSize int64
}

// Source opens remote objects for reading from a byte offset.
type Source interface {
	Open(ctx context.Context, rawURL string, offset int64) (*Stream, error)
}

// HTTPSource reads objects with HTTP range requests.
//
// # Description
//
// Sends "Range: bytes=<offset>-" when offset > 0. A 206 response resumes,
// a 200 response restarts from zero, a 416 response means the local bytes
// already cover the object. Every other non-2xx status is returned as a
// *failure.StatusError.
//
// An optional bearer token is kept in a memguard enclave and only
// decrypted while a request header is built.
//
// # Thread Safety
//
// HTTPSource is safe for concurrent use.
type HTTPSource struct {
	client    *http.Client
	token     *memguard.Enclave
	userAgent string
}

// HTTPSourceOption configures an HTTPSource.
type HTTPSourceOption func(*HTTPSource)

// WithBearerToken authenticates requests with token.
func WithBearerToken(token string) HTTPSourceOption {
	return func(s *HTTPSource) {
		if token == "" {
			return
		}
		s.token = memguard.NewEnclave([]byte(token))
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPSourceOption {
	return func(s *HTTPSource) { s.userAgent = ua }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPSourceOption {
	return func(s *HTTPSource) {
		if c != nil {
			s.client = c
		}
	}
}

// NewHTTPSource creates an HTTPSource. The default client has no overall
// timeout since model files take minutes to stream; stalls are bounded by
// the transport's header and idle timeouts instead.
func NewHTTPSource(opts ...HTTPSourceOption) *HTTPSource {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 30 * time.Second
	transport.IdleConnTimeout = 90 * time.Second

	s := &HTTPSource{
		client:    &http.Client{Transport: transport},
		userAgent: "modelkeeper/1",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open implements Source.
func (s *HTTPSource) Open(ctx context.Context, rawURL string, offset int64) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	if s.token != nil {
		buf, err := s.token.Open()
		if err != nil {
			return nil, fmt.Errorf("open credentials: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+buf.String())
		buf.Destroy()
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		return &Stream{Body: resp.Body, Offset: offset, TotalSize: contentRangeTotal(resp)}, nil
	case resp.StatusCode == http.StatusOK:
		return &Stream{Body: resp.Body, Offset: 0, TotalSize: resp.ContentLength}, nil
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		resp.Body.Close()
		return &Stream{Body: http.NoBody, Offset: offset, TotalSize: offset}, nil
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &failure.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
}

// contentRangeTotal parses the total from "Content-Range: bytes a-b/total".
func contentRangeTotal(resp *http.Response) int64 {
	cr := resp.Header.Get("Content-Range")
	idx := strings.LastIndexByte(cr, '/')
	if idx < 0 || cr[idx+1:] == "*" {
		return -1
	}
	var total int64
	if _, err := fmt.Sscanf(cr[idx+1:], "%d", &total); err != nil {
		return -1
	}
	return total
}

// ErrUnsupportedScheme is returned by MultiSource for unknown URL schemes.
var ErrUnsupportedScheme = errors.New("unsupported URL scheme")

// MultiSource routes each URL to a Source by scheme.
type MultiSource map[string]Source

// Open implements Source.
func (m MultiSource) Open(ctx context.Context, rawURL string, offset int64) (*Stream, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse URL: %w", err)
	}
	src, ok := m[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return src.Open(ctx, rawURL, offset)
}
