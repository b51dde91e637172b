// Copyright 2024 The davfuse Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package webdav implements the protocol procedures the caches drive:
// depth-0 and depth-1 PROPFIND (full and changes_since-windowed),
// conditional GET, PUT returning the new entity tag, MKCOL, MOVE, and
// DELETE.
//
// Paths given to the client are unescaped absolute remote paths; the
// client percent-escapes them per segment before they become request
// targets, and unescapes response hrefs before handing them back.
package webdav

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/davfuse/davfuse/internal/logger"
	"github.com/davfuse/davfuse/internal/webdav/api"
)

// Query-window slop subtracted from the changes_since timestamp so that
// clock skew between us and the server cannot hide updates.
const ClockSkew = 10 * time.Second

// ErrStaleWindow is returned by PropfindSince when the server rejects the
// requested window; the caller must fall back to a full listing.
var ErrStaleWindow = errors.New("changes_since window rejected as stale")

// ErrMoveLostSource is returned by Move when the server answers 404 or
// 500: the server has lost the source, but the caller can still complete
// the rename locally.
var ErrMoveLostSource = errors.New("server lost the move source")

// StatusError reports an HTTP status outside the set a procedure accepts.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return "unexpected status " + e.Status
	}
	return "unexpected status " + strconv.Itoa(e.Code)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Stat is the slice of a POSIX stat record a listing can populate.
type Stat struct {
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// VisitFunc receives one listing entry: the unescaped absolute remote
// path, its stat record, and the per-entry status code. Status 410 means
// the entry was removed.
type VisitFunc func(path string, st Stat, statusCode int)

type Options struct {
	// The mount URI, e.g. https://host/base/dir. Its path component
	// becomes the base directory prefixed onto every filesystem path.
	URI string

	Username string
	Password string

	// Optional PEM files: a CA bundle to trust and a combined client
	// certificate + key.
	CACertificate     string
	ClientCertificate string
}

type Client struct {
	hc       *http.Client
	scheme   string
	host     string
	baseDir  string
	username string
	password string
}

// New builds a client from the supplied options, validating the URI and
// loading any TLS material.
func New(opts Options) (*Client, error) {
	u, err := url.Parse(opts.URI)
	if err != nil {
		return nil, fmt.Errorf("parsing uri %q: %w", opts.URI, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("uri %q: unsupported scheme %q", opts.URI, u.Scheme)
	}

	baseDir := u.Path
	if baseDir == "" {
		baseDir = "/"
	}
	if len(baseDir) > 1 {
		baseDir = strings.TrimSuffix(baseDir, "/")
	}

	tlsConfig := &tls.Config{}
	if opts.CACertificate != "" {
		pem, err := os.ReadFile(opts.CACertificate)
		if err != nil {
			return nil, fmt.Errorf("reading ca_certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_certificate %q: no certificates found", opts.CACertificate)
		}
		tlsConfig.RootCAs = pool
	}
	if opts.ClientCertificate != "" {
		cert, err := tls.LoadX509KeyPair(opts.ClientCertificate, opts.ClientCertificate)
		if err != nil {
			return nil, fmt.Errorf("loading client_certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	hc := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:     tlsConfig,
			MaxIdleConnsPerHost: 8,
		},
	}

	return &Client{
		hc:       hc,
		scheme:   u.Scheme,
		host:     u.Host,
		baseDir:  baseDir,
		username: opts.Username,
		password: opts.Password,
	}, nil
}

// BaseDir returns the base directory prefixed onto filesystem paths; "/"
// when the URI has no path.
func (c *Client) BaseDir() string {
	return c.baseDir
}

// HostURL returns scheme://host, the prefix of every request target.
func (c *Client) HostURL() string {
	return c.scheme + "://" + c.host
}

// pathEscape percent-escapes a path per segment so it can be used as a
// request target.
func pathEscape(p string) string {
	return (&url.URL{Path: p}).EscapedPath()
}

func (c *Client) newRequest(ctx context.Context, method, path, rawQuery string, body io.Reader) (*http.Request, error) {
	u := &url.URL{
		Scheme:   c.scheme,
		Host:     c.host,
		Path:     path,
		RawQuery: rawQuery,
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<D:propfind xmlns:D="DAV:">
 <D:prop>
  <D:resourcetype/>
  <D:getcontentlength/>
  <D:getlastmodified/>
  <D:getetag/>
 </D:prop>
</D:propfind>
`

// Propfind performs a PROPFIND of the given depth (0 or 1) on path and
// invokes visit once per response entry.
func (c *Client) Propfind(ctx context.Context, path string, depth int, visit VisitFunc) error {
	return c.propfind(ctx, path, "", depth, visit)
}

// PropfindSince performs a depth-1 PROPFIND windowed with
// changes_since=<since>. The caller is expected to have already widened
// the window by ClockSkew. Returns ErrStaleWindow when the server rejects
// the window.
func (c *Client) PropfindSince(ctx context.Context, path string, since int64, visit VisitFunc) error {
	if since < 0 {
		since = 0
	}
	query := "changes_since=" + strconv.FormatInt(since, 10)
	err := c.propfind(ctx, path, query, 1, visit)
	if IsStatus(err, http.StatusGone) {
		return ErrStaleWindow
	}
	return err
}

func (c *Client) propfind(ctx context.Context, path, rawQuery string, depth int, visit VisitFunc) error {
	// Collections are addressed with a trailing slash.
	target := path
	if depth == 1 && !strings.HasSuffix(target, "/") {
		target += "/"
	}

	logger.Debugf(logger.DAV, "PROPFIND depth=%d %s %s", depth, target, rawQuery)

	req, err := c.newRequest(ctx, "PROPFIND", target, rawQuery, strings.NewReader(propfindBody))
	if err != nil {
		return err
	}
	req.Header.Set("Depth", strconv.Itoa(depth))
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("PROPFIND %s: %w", path, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusMultiStatus {
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	var result api.Multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("PROPFIND %s: decoding multistatus: %w", path, err)
	}

	for i := range result.Responses {
		item := &result.Responses[i]

		entryPath, err := hrefToPath(item.Href)
		if err != nil {
			logger.Warnf(logger.DAV, "PROPFIND %s: skipping unparseable href %q: %v", path, item.Href, err)
			continue
		}

		st := Stat{
			IsDir:   item.Props.IsCollection(),
			Size:    item.Props.Size,
			ModTime: time.Time(item.Props.Modified),
		}
		visit(entryPath, st, item.Props.StatusCode())
	}

	return nil
}

// hrefToPath converts a response href into an unescaped absolute path
// with any trailing slash stripped (except for the root).
func hrefToPath(href string) (string, error) {
	u, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	p := u.Path
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	if p == "" {
		p = "/"
	}
	return p, nil
}

// Get fetches path, conditional on etag when one is known. The returned
// status is one of 200 (body and possibly a new etag returned), 304, or
// 404; any other status comes back as a StatusError. The caller owns the
// body on 200.
func (c *Client) Get(ctx context.Context, path, etag string) (body io.ReadCloser, newETag string, status int, err error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, "", 0, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	logger.Debugf(logger.DAV, "GET %s (If-None-Match: %q)", path, etag)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, "", 0, fmt.Errorf("GET %s: %w", path, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, resp.Header.Get("ETag"), http.StatusOK, nil
	case http.StatusNotModified, http.StatusNotFound:
		drainAndClose(resp.Body)
		return nil, "", resp.StatusCode, nil
	default:
		drainAndClose(resp.Body)
		return nil, "", resp.StatusCode, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
}

// Put uploads size bytes from body to path and returns the entity tag the
// server assigned, empty if it did not return one.
func (c *Client) Put(ctx context.Context, path string, body io.Reader, size int64) (etag string, err error) {
	req, err := c.newRequest(ctx, http.MethodPut, path, "", body)
	if err != nil {
		return "", err
	}
	req.ContentLength = size

	logger.Debugf(logger.DAV, "PUT %s (%d bytes)", path, size)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("PUT %s: %w", path, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return resp.Header.Get("ETag"), nil
}

// Mkcol creates the collection at path.
func (c *Client) Mkcol(ctx context.Context, path string) error {
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	req, err := c.newRequest(ctx, "MKCOL", path, "", nil)
	if err != nil {
		return err
	}

	logger.Debugf(logger.DAV, "MKCOL %s", path)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("MKCOL %s: %w", path, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

// Move renames from to to on the server. A directory source must be
// passed with its trailing slash. 404 and 500 answers come back as
// ErrMoveLostSource so the caller can finish the rename locally.
func (c *Client) Move(ctx context.Context, from, to string) error {
	req, err := c.newRequest(ctx, "MOVE", from, "", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Destination", c.HostURL()+pathEscape(to))

	logger.Debugf(logger.DAV, "MOVE %s -> %s", from, to)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("MOVE %s: %w", from, err)
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusInternalServerError:
		return fmt.Errorf("MOVE %s: %s: %w", from, resp.Status, ErrMoveLostSource)
	default:
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
}

// Delete removes path. A directory must be passed with its trailing
// slash so the server targets the collection's contents, not the name.
func (c *Client) Delete(ctx context.Context, path string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, path, "", nil)
	if err != nil {
		return err
	}

	logger.Debugf(logger.DAV, "DELETE %s", path)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("DELETE %s: %w", path, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

// drainAndClose gobbles any remaining response data so the connection can
// be reused.
func drainAndClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, rc)
	_ = rc.Close()
}
