package storage

import (
	"context"
	"errors"
	"time"
)

var ErrBucketRequired = errors.New("storage bucket is required")

type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// ArchiveOptions describes where a finished download is written in the bucket.
type ArchiveOptions struct {
	Bucket     string
	KeyPrefix  string
	OnProgress func(done, total int64)
}

// Archiver copies completed downloads to remote object storage.
type Archiver interface {
	Archive(ctx context.Context, localPath string, opts ArchiveOptions) (string, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	DeletePrefix(ctx context.Context, bucket, prefix string) error
	PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}
