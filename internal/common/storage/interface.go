package storage

import "context"

// ObjectStorage defines the object storage operations the sample store
// needs. It is intentionally small so MinIO/AWS-S3 implementations can
// be swapped without touching business logic.
type ObjectStorage interface {
	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (ObjectReader, error)

	// PutObject stores an object. sizeBytes must match the reader length.
	PutObject(ctx context.Context, bucket, objectKey string, reader ObjectReader, sizeBytes int64, contentType string) error

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)

	// ListObjects streams object metadata under a prefix.
	ListObjects(ctx context.Context, bucket, prefix string) <-chan ObjectInfo

	// RemoveObjects deletes the named objects.
	RemoveObjects(ctx context.Context, bucket string, keys []string) error
}

// ObjectReader is a streaming reader for object data.
type ObjectReader interface {
	Read(p []byte) (int, error)
	Close() error
}

// ObjectStat contains object metadata used for validation.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}

// ObjectInfo describes one listed object or a listing error.
type ObjectInfo struct {
	Key       string
	SizeBytes int64
	Err       error
}
