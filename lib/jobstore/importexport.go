// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package jobstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/jlaffaye/ftp"

	"github.com/quarryworks/quarry/lib/driver/s3driver"
)

// URLHandler moves content between the store and one external URL
// scheme. Open fetches for import; Store pushes for export. A handler
// that cannot export (plain http) returns an error from Store.
type URLHandler interface {
	Open(ctx context.Context, u *url.URL) (io.ReadCloser, error)
	Store(ctx context.Context, u *url.URL, content io.Reader) error
}

func builtinHandlers(s3cfg s3driver.Config) map[string]URLHandler {
	return map[string]URLHandler{
		"file":  fileURLHandler{},
		"http":  httpURLHandler{},
		"https": httpURLHandler{},
		"ftp":   ftpURLHandler{},
		"s3":    s3URLHandler{cfg: s3cfg},
	}
}

func (s *Store) handlerFor(rawURL string) (URLHandler, *url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, &ValidationError{Field: "url", Reason: err.Error()}
	}
	handler, ok := s.handlers[parsed.Scheme]
	if !ok {
		return nil, nil, &ValidationError{
			Field:  "url",
			Reason: fmt.Sprintf("no handler for scheme %q", parsed.Scheme),
		}
	}
	return handler, parsed, nil
}

// ImportFile copies the content at the URL into a new file owned by
// owner (empty for unowned). The URL path's base name is preserved in
// the returned FileID.
func (s *Store) ImportFile(ctx context.Context, rawURL, owner string) (FileID, error) {
	handler, parsed, err := s.handlerFor(rawURL)
	if err != nil {
		return "", err
	}
	source, err := handler.Open(ctx, parsed)
	if err != nil {
		return "", fmt.Errorf("importing %s: %w", rawURL, err)
	}
	defer source.Close()

	id, writer := s.writeStream(ctx, owner, path.Base(parsed.Path))
	if _, err := io.Copy(writer, source); err != nil {
		writer.Abort()
		return "", fmt.Errorf("importing %s: %w", rawURL, err)
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	return id, nil
}

// ImportSharedFile copies the content at the URL into the named
// shared file slot.
func (s *Store) ImportSharedFile(ctx context.Context, rawURL, name string, protected bool) error {
	handler, parsed, err := s.handlerFor(rawURL)
	if err != nil {
		return err
	}
	source, err := handler.Open(ctx, parsed)
	if err != nil {
		return fmt.Errorf("importing %s: %w", rawURL, err)
	}
	defer source.Close()

	writer, err := s.WriteSharedFileStream(ctx, name, protected)
	if err != nil {
		return err
	}
	if _, err := io.Copy(writer, source); err != nil {
		writer.Abort()
		return fmt.Errorf("importing %s: %w", rawURL, err)
	}
	return writer.Close()
}

// ExportFile copies the file's content to the URL.
func (s *Store) ExportFile(ctx context.Context, id FileID, rawURL string) error {
	handler, parsed, err := s.handlerFor(rawURL)
	if err != nil {
		return err
	}
	reader, err := s.ReadFileStream(ctx, id)
	if err != nil {
		return err
	}
	defer reader.Close()
	if err := handler.Store(ctx, parsed, reader); err != nil {
		return fmt.Errorf("exporting %s to %s: %w", id, rawURL, err)
	}
	return nil
}

// fileURLHandler serves file:// URLs against the local filesystem.
type fileURLHandler struct{}

func (fileURLHandler) Open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	return os.Open(u.Path)
}

func (fileURLHandler) Store(ctx context.Context, u *url.URL, content io.Reader) error {
	return atomicWriteLocal(u.Path, content)
}

// httpURLHandler serves http:// and https:// URLs. Import only;
// arbitrary HTTP endpoints have no portable upload semantics.
type httpURLHandler struct{}

func (httpURLHandler) Open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", u, response.Status)
	}
	return response.Body, nil
}

func (httpURLHandler) Store(ctx context.Context, u *url.URL, content io.Reader) error {
	return fmt.Errorf("export to %s: http URLs are import-only", u)
}

// ftpURLHandler serves ftp:// URLs. Credentials come from the URL's
// userinfo; the anonymous convention applies when absent.
type ftpURLHandler struct{}

func dialFTP(ctx context.Context, u *url.URL) (*ftp.ServerConn, error) {
	address := u.Host
	if u.Port() == "" {
		address += ":21"
	}
	conn, err := ftp.Dial(address, ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}
	user, pass := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp login to %s: %w", address, err)
	}
	return conn, nil
}

func (ftpURLHandler) Open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	conn, err := dialFTP(ctx, u)
	if err != nil {
		return nil, err
	}
	response, err := conn.Retr(u.Path)
	if err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp retrieve %s: %w", u.Path, err)
	}
	return &readCloser{
		Reader: response,
		close: func() error {
			response.Close()
			return conn.Quit()
		},
	}, nil
}

func (ftpURLHandler) Store(ctx context.Context, u *url.URL, content io.Reader) error {
	conn, err := dialFTP(ctx, u)
	if err != nil {
		return err
	}
	defer conn.Quit()
	if err := conn.Stor(u.Path, content); err != nil {
		return fmt.Errorf("ftp store %s: %w", u.Path, err)
	}
	return nil
}

// s3URLHandler serves s3:// URLs, the object store's native blob
// address form (s3://<bucket>/<key>). The bucket may belong to
// another job store; objects move as single blobs, so a cross-store
// transfer lands as plain content, not as the source store's internal
// chunked layout.
type s3URLHandler struct {
	cfg s3driver.Config
}

func splitS3URL(u *url.URL) (bucket, key string, err error) {
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", &ValidationError{
			Field:  "url",
			Reason: fmt.Sprintf("%q is not of the form s3://<bucket>/<key>", u),
		}
	}
	return bucket, key, nil
}

func (h s3URLHandler) Open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	bucket, key, err := splitS3URL(u)
	if err != nil {
		return nil, err
	}
	return s3driver.OpenObject(ctx, h.cfg, bucket, key)
}

func (h s3URLHandler) Store(ctx context.Context, u *url.URL, content io.Reader) error {
	bucket, key, err := splitS3URL(u)
	if err != nil {
		return err
	}
	return s3driver.StoreObject(ctx, h.cfg, bucket, key, content)
}
