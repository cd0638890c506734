package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStoreConfig points at a bucket prefix holding descriptor YAML objects.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region,omitempty"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix,omitempty"`
	UseSSL    bool   `yaml:"use_ssl,omitempty"`
}

// Validate checks required fields.
func (c ObjectStoreConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("object store endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("object store endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("object store bucket is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" || strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("object store credentials are required")
	}
	return nil
}

// objectSource is the read side of an object store.
type objectSource interface {
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

type minioSource struct {
	client *minio.Client
}

func newMinioSource(cfg ObjectStoreConfig) (*minioSource, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &minioSource{client: client}, nil
}

func (s *minioSource) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (s *minioSource) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// LoadObjectStore loads descriptors from every .yaml/.yml object under the
// configured bucket prefix.
func LoadObjectStore(ctx context.Context, cfg ObjectStoreConfig) ([]Descriptor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	src, err := newMinioSource(cfg)
	if err != nil {
		return nil, err
	}
	return loadObjects(ctx, src, cfg.Bucket, cfg.Prefix)
}

func loadObjects(ctx context.Context, src objectSource, bucket, prefix string) ([]Descriptor, error) {
	keys, err := src.List(ctx, bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, err)
	}
	sort.Strings(keys)

	var out []Descriptor
	for _, key := range keys {
		if !isYAML(key) {
			continue
		}
		ds, err := loadObject(ctx, src, bucket, key)
		if err != nil {
			return nil, err
		}
		out = append(out, ds...)
	}
	return out, nil
}

func loadObject(ctx context.Context, src objectSource, bucket, key string) ([]Descriptor, error) {
	rc, err := src.Get(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer rc.Close()
	return Decode(rc, fmt.Sprintf("s3://%s/%s", bucket, key))
}
