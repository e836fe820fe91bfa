package buildcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/opencontainers/go-digest"
)

// RemoteConfig points the cache at an S3-compatible bucket. Credentials are
// only ever read from the environment.
type RemoteConfig struct {
	Endpoint  string `yaml:"endpoint" env:"MKIMAGE_CACHE_ENDPOINT"`
	Bucket    string `yaml:"bucket" env:"MKIMAGE_CACHE_BUCKET"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
	AccessKey string `yaml:"-" env:"MKIMAGE_CACHE_ACCESS_KEY"`
	SecretKey string `yaml:"-" env:"MKIMAGE_CACHE_SECRET_KEY"`
}

func (c RemoteConfig) Enabled() bool { return c.Endpoint != "" }

func (c RemoteConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("buildcache: remote endpoint is required")
	}
	if c.Bucket == "" {
		return errors.New("buildcache: remote bucket is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("buildcache: remote credentials are required")
	}
	return nil
}

// MinioBlobStore stores blobs as objects named <prefix>/<algorithm>/<hex>.
type MinioBlobStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioBlobStore connects to the bucket, creating it when missing.
func NewMinioBlobStore(ctx context.Context, cfg RemoteConfig) (*MinioBlobStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.Secure,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("buildcache: remote client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("buildcache: remote bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("buildcache: create remote bucket: %w", err)
		}
	}

	return &MinioBlobStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func (s *MinioBlobStore) object(d digest.Digest) string {
	return path.Join(s.prefix, d.Algorithm().String(), d.Encoded())
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (s *MinioBlobStore) Has(ctx context.Context, d digest.Digest) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}
	_, err := s.client.StatObject(ctx, s.bucket, s.object(d), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("buildcache: stat remote blob %s: %w", d, err)
	}
	return true, nil
}

func (s *MinioBlobStore) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.object(d), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("buildcache: get remote blob %s: %w", d, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, d)
		}
		return nil, fmt.Errorf("buildcache: read remote blob %s: %w", d, err)
	}
	if err := verify(d, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *MinioBlobStore) Put(ctx context.Context, d digest.Digest, data []byte) error {
	if err := verify(d, data); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.bucket, s.object(d), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/x-tar"})
	if err != nil {
		return fmt.Errorf("buildcache: put remote blob %s: %w", d, err)
	}
	return nil
}

func (s *MinioBlobStore) Delete(ctx context.Context, d digest.Digest) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, s.object(d), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("buildcache: delete remote blob %s: %w", d, err)
	}
	return nil
}
