package invoice

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Storage defines the interface for uploaded document storage
type Storage interface {
	// Save stores a file and returns the path to retrieve it with
	Save(ctx context.Context, filename string, data []byte, contentType string) (string, error)

	// Get retrieves a file by path
	Get(ctx context.Context, path string) ([]byte, error)

	// Delete removes a file
	Delete(ctx context.Context, path string) error
}

// LocalStorage implements the Storage interface using the local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// resolve keeps paths inside the storage directory
func (l *LocalStorage) resolve(path string) (string, error) {
	clean := filepath.Clean(string(filepath.Separator) + path)
	if clean == string(filepath.Separator) {
		return "", fmt.Errorf("invalid path: %q", path)
	}
	return filepath.Join(l.basePath, clean), nil
}

// Save saves a file to local storage
func (l *LocalStorage) Save(ctx context.Context, filename string, data []byte, contentType string) (string, error) {
	fullPath, err := l.resolve(filename)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return filename, nil
}

// Get retrieves a file from local storage
func (l *LocalStorage) Get(ctx context.Context, path string) ([]byte, error) {
	fullPath, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes a file from local storage
func (l *LocalStorage) Delete(ctx context.Context, path string) error {
	fullPath, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

// MinioConfig holds the connection settings for MinioStorage
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStorage implements the Storage interface on S3-compatible object storage.
// Objects are stored under YYYY/MM/ prefixes.
type MinioStorage struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

// NewMinioStorage connects to the object store and creates the bucket if needed
func NewMinioStorage(ctx context.Context, config MinioConfig) (*MinioStorage, error) {
	if config.Bucket == "" {
		config.Bucket = "invoices"
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", config.Bucket, err)
		}
	}

	return &MinioStorage{client: client, bucket: config.Bucket, now: time.Now}, nil
}

func (m *MinioStorage) objectName(path string) string {
	return strings.TrimPrefix(path, m.bucket+"/")
}

// Save uploads a file and returns bucket/YYYY/MM/filename
func (m *MinioStorage) Save(ctx context.Context, filename string, data []byte, contentType string) (string, error) {
	now := m.now()
	objectName := fmt.Sprintf("%d/%02d/%s", now.Year(), now.Month(), filename)

	_, err := m.client.PutObject(ctx, m.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("uploading file: %w", err)
	}
	return m.bucket + "/" + objectName, nil
}

// Get downloads a file
func (m *MinioStorage) Get(ctx context.Context, path string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, m.objectName(path), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("reading object: %w", err)
	}
	return data, nil
}

// Delete removes a file
func (m *MinioStorage) Delete(ctx context.Context, path string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, m.objectName(path), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("removing object: %w", err)
	}
	return nil
}
