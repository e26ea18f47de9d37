// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package s3driver backs the job store with an S3-compatible object
// store (AWS S3, MinIO, Ceph RGW) through the minio client.
//
// One store maps to one bucket. Keys map to object names unchanged.
// S3 listings are eventually consistent, which is exactly the listing
// contract lib/driver asks for; single-object reads-after-write are
// consistent on every substrate this driver targets.
package s3driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/quarryworks/quarry/lib/driver"
)

// inlineLimit is the size at or below which content is stored inside
// the owning manifest record rather than as its own object. A small
// object costs a PUT, a GET, and per-request latency on every access;
// below this size the record round-trip is strictly cheaper.
const inlineLimit = 256 * 1024

// presignExpiry is the lifetime of public URLs.
const presignExpiry = time.Hour

// Config carries connection parameters for an S3-compatible endpoint.
type Config struct {
	// Endpoint is the host:port of the S3 API. Defaults to AWS.
	Endpoint string

	// AccessKey and SecretKey authenticate requests. Empty values
	// fall back to anonymous access (public buckets only).
	AccessKey string
	SecretKey string

	// UseSSL selects https. Defaults to true when Endpoint is empty
	// (AWS), otherwise to the caller's setting.
	UseSSL bool
}

// S3 is an object-storage driver.
type S3 struct {
	client *minio.Client
	bucket string
	region string
}

const awsEndpoint = "s3.amazonaws.com"

func newClient(cfg Config, region string) (*minio.Client, error) {
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL
	if endpoint == "" {
		endpoint = awsEndpoint
		useSSL = true
	}
	options := &minio.Options{
		Secure: useSSL,
		Region: region,
	}
	if cfg.AccessKey != "" {
		options.Creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}
	return client, nil
}

// Provision creates the bucket for a new store. Fails with
// driver.ErrStoreExists when the bucket already exists in the
// requested region, and driver.ErrLocationConflict when a bucket of
// the same name exists in a different region.
func Provision(ctx context.Context, cfg Config, region, bucket string) (*S3, error) {
	client, err := newClient(cfg, region)
	if err != nil {
		return nil, err
	}
	existing, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, wrap("checking bucket", bucket, err)
	}
	if existing {
		location, err := client.GetBucketLocation(ctx, bucket)
		if err == nil && location != region {
			return nil, fmt.Errorf("bucket %s is in region %s, not %s: %w",
				bucket, location, region, driver.ErrLocationConflict)
		}
		return nil, fmt.Errorf("bucket %s: %w", bucket, driver.ErrStoreExists)
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return nil, wrap("creating bucket", bucket, err)
	}
	return &S3{client: client, bucket: bucket, region: region}, nil
}

// Open attaches to an existing store bucket.
func Open(ctx context.Context, cfg Config, region, bucket string) (*S3, error) {
	client, err := newClient(cfg, region)
	if err != nil {
		return nil, err
	}
	existing, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, wrap("checking bucket", bucket, err)
	}
	if !existing {
		return nil, fmt.Errorf("bucket %s: %w", bucket, driver.ErrNoSuchStore)
	}
	location, err := client.GetBucketLocation(ctx, bucket)
	if err == nil && location != region {
		return nil, fmt.Errorf("bucket %s is in region %s, not %s: %w",
			bucket, location, region, driver.ErrLocationConflict)
	}
	return &S3{client: client, bucket: bucket, region: region}, nil
}

// Create writes value at key only if absent. S3 has no conditional
// put the minio client exposes for this path, so this is a stat
// followed by a put. The job store only creates under freshly
// generated unique keys, so the window cannot be hit by a well-behaved
// caller.
func (d *S3) Create(ctx context.Context, key string, value []byte) error {
	if err := driver.ValidateKey(key); err != nil {
		return err
	}
	_, err := d.client.StatObject(ctx, d.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return fmt.Errorf("creating %s: %w", key, driver.ErrKeyExists)
	}
	if !isNoSuchKey(err) {
		return wrap("creating", key, err)
	}
	return d.Put(ctx, key, value)
}

// Put writes value at key. S3 object replacement is atomic.
func (d *S3) Put(ctx context.Context, key string, value []byte) error {
	if err := driver.ValidateKey(key); err != nil {
		return err
	}
	_, err := d.client.PutObject(ctx, d.bucket, key,
		bytes.NewReader(value), int64(len(value)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return wrap("writing", key, err)
	}
	return nil
}

// Get returns the value at key.
func (d *S3) Get(ctx context.Context, key string) ([]byte, error) {
	if err := driver.ValidateKey(key); err != nil {
		return nil, err
	}
	object, err := d.client.GetObject(ctx, d.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, wrap("reading", key, err)
	}
	defer object.Close()
	value, err := io.ReadAll(object)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("reading %s: %w", key, driver.ErrKeyNotFound)
		}
		return nil, wrap("reading", key, err)
	}
	return value, nil
}

// Stat returns the stored size of the value at key.
func (d *S3) Stat(ctx context.Context, key string) (int64, error) {
	if err := driver.ValidateKey(key); err != nil {
		return 0, err
	}
	info, err := d.client.StatObject(ctx, d.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return 0, fmt.Errorf("stating %s: %w", key, driver.ErrKeyNotFound)
		}
		return 0, wrap("stating", key, err)
	}
	return info.Size, nil
}

// Delete removes the value at key. S3 DELETE on a missing object
// already succeeds, matching the contract.
func (d *S3) Delete(ctx context.Context, key string) error {
	if err := driver.ValidateKey(key); err != nil {
		return err
	}
	if err := d.client.RemoveObject(ctx, d.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return wrap("deleting", key, err)
	}
	return nil
}

// List calls fn for every key under prefix. The listing may trail
// recent writes and deletes.
func (d *S3) List(ctx context.Context, prefix string, fn func(key string) error) error {
	objects := d.client.ListObjects(ctx, d.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for object := range objects {
		if object.Err != nil {
			return wrap("listing", prefix, object.Err)
		}
		if err := fn(object.Key); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// InlineLimit reports the object-store inlining threshold.
func (d *S3) InlineLimit() int { return inlineLimit }

// PublicURL returns a presigned GET URL for the value at key.
func (d *S3) PublicURL(ctx context.Context, key string) (string, error) {
	if _, err := d.Stat(ctx, key); err != nil {
		return "", err
	}
	presigned, err := d.client.PresignedGetObject(ctx, d.bucket, key, presignExpiry, url.Values{})
	if err != nil {
		return "", wrap("presigning", key, err)
	}
	return presigned.String(), nil
}

// Destroy deletes every object and then the bucket. Idempotent: a
// missing bucket is success.
func (d *S3) Destroy(ctx context.Context) error {
	objects := d.client.ListObjects(ctx, d.bucket, minio.ListObjectsOptions{Recursive: true})
	for object := range objects {
		if object.Err != nil {
			if isNoSuchBucket(object.Err) {
				return nil
			}
			return wrap("listing for destroy", d.bucket, object.Err)
		}
		err := d.client.RemoveObject(ctx, d.bucket, object.Key, minio.RemoveObjectOptions{})
		if err != nil && !isNoSuchKey(err) {
			return wrap("deleting", object.Key, err)
		}
	}
	if err := d.client.RemoveBucket(ctx, d.bucket); err != nil && !isNoSuchBucket(err) {
		return wrap("removing bucket", d.bucket, err)
	}
	return nil
}

// OpenObject reads a single object by bucket and key, outside any
// store handle. It backs the native s3:// scheme of the import/export
// bridge, so the bucket may belong to another job store entirely. The
// bucket's region is resolved from the endpoint.
func OpenObject(ctx context.Context, cfg Config, bucket, key string) (io.ReadCloser, error) {
	client, err := newClient(cfg, "")
	if err != nil {
		return nil, err
	}
	// GetObject defers errors to the first Read; stat first so a
	// missing object fails here, typed.
	if _, err := client.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("reading %s/%s: %w", bucket, key, driver.ErrKeyNotFound)
		}
		return nil, wrap("stating", bucket+"/"+key, err)
	}
	object, err := client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, wrap("reading", bucket+"/"+key, err)
	}
	return object, nil
}

// StoreObject writes content as a single object by bucket and key,
// the export side of the native s3:// scheme. The bucket must already
// exist.
func StoreObject(ctx context.Context, cfg Config, bucket, key string, content io.Reader) error {
	client, err := newClient(cfg, "")
	if err != nil {
		return err
	}
	_, err = client.PutObject(ctx, bucket, key, content, -1,
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return wrap("writing", bucket+"/"+key, err)
	}
	return nil
}

// isNoSuchKey reports whether err is S3's missing-object response.
func isNoSuchKey(err error) bool {
	response := minio.ToErrorResponse(err)
	return response.Code == "NoSuchKey" || response.StatusCode == 404
}

// isNoSuchBucket reports whether err is S3's missing-bucket response.
func isNoSuchBucket(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchBucket"
}

// wrap maps an S3 failure into the driver error vocabulary: missing
// keys become ErrKeyNotFound, rate limits and server errors become
// retryable transients, everything else is passed through with
// context.
func wrap(operation, subject string, err error) error {
	response := minio.ToErrorResponse(err)
	switch {
	case response.Code == "NoSuchKey":
		return fmt.Errorf("%s %s: %w", operation, subject, driver.ErrKeyNotFound)
	case response.StatusCode == 429 || response.Code == "SlowDown":
		return fmt.Errorf("%s %s: %w", operation, subject, driver.Transient(err))
	case response.StatusCode >= 500:
		return fmt.Errorf("%s %s: %w", operation, subject, driver.Transient(err))
	case response.StatusCode == 0 && !errors.Is(err, context.Canceled):
		// No HTTP response at all: connection refused, reset, DNS.
		return fmt.Errorf("%s %s: %w", operation, subject, driver.Transient(err))
	default:
		return fmt.Errorf("%s %s: %w", operation, subject, err)
	}
}
