package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// NormalizedDocument is the canonical document payload held in object
// storage, produced by the collector once per source file.
type NormalizedDocument struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Docpath     string `json:"docpath"`
	PageContent string `json:"pageContent"`
	WordCount   int    `json:"wordCount"`
	TokenCount  int    `json:"token_count_estimate"`
	Published   string `json:"published,omitempty"`
}

// ObjectStore wraps the object storage bucket holding normalized
// documents and workspace avatars.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

// ObjectStoreConfig names the connection settings for object storage.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewObjectStore connects to object storage and ensures the bucket
// exists.
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object storage: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &ObjectStore{client: client, bucket: cfg.Bucket}, nil
}

// docObject maps a docpath to its object name.
func docObject(docpath string) string {
	return "documents/" + docpath
}

func pfpObject(workspaceID string) string {
	return "pfp/" + workspaceID
}

// GetDocument fetches and decodes a normalized document by docpath.
func (s *ObjectStore) GetDocument(ctx context.Context, docpath string) (*NormalizedDocument, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, docObject(docpath), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get document object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", docpath, err)
	}

	var doc NormalizedDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", docpath, err)
	}
	return &doc, nil
}

// PutDocument stores a normalized document under its docpath.
func (s *ObjectStore) PutDocument(ctx context.Context, doc *NormalizedDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, docObject(doc.Docpath), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("store document %s: %w", doc.Docpath, err)
	}
	return nil
}

// RemoveDocument deletes the stored object for a docpath.
func (s *ObjectStore) RemoveDocument(ctx context.Context, docpath string) error {
	err := s.client.RemoveObject(ctx, s.bucket, docObject(docpath), minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("remove document %s: %w", docpath, err)
	}
	return nil
}

// PutAvatar stores a workspace avatar image and returns its object
// name.
func (s *ObjectStore) PutAvatar(ctx context.Context, workspaceID, mime string, data []byte) (string, error) {
	name := pfpObject(workspaceID)
	_, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: mime})
	if err != nil {
		return "", fmt.Errorf("store avatar: %w", err)
	}
	return name, nil
}

// GetAvatar fetches a workspace avatar by object name.
func (s *ObjectStore) GetAvatar(ctx context.Context, name string) (*Asset, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get avatar object: %w", err)
	}
	defer obj.Close()

	stat, err := obj.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat avatar object: %w", err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read avatar object: %w", err)
	}
	return &Asset{Bytes: data, Mime: stat.ContentType}, nil
}

// RemoveAvatar deletes a workspace avatar object.
func (s *ObjectStore) RemoveAvatar(ctx context.Context, name string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove avatar: %w", err)
	}
	return nil
}
