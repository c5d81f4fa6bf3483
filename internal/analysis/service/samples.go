package service

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"

	"blastpit/internal/analysis/model"
	appErr "blastpit/pkg/errors"
)

const defaultSampleListLimit = 100

// UploadSample stores sample bytes under their digest and returns the
// object key and digest. Re-uploading identical bytes lands on the same
// key.
func (s *AnalysisService) UploadSample(ctx context.Context, data []byte, contentType string) (string, string, error) {
	if len(data) == 0 {
		return "", "", appErr.ValidationError("sample", "required")
	}
	if int64(len(data)) > s.maxSampleBytes {
		return "", "", appErr.Newf(appErr.SampleTooLarge,
			"sample exceeds the %d byte limit", s.maxSampleBytes)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	sum := blake2b.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	key := fmt.Sprintf("%s/%s", s.sampleKeyPrefix, digest)

	reader := io.NopCloser(bytes.NewReader(data))
	defer reader.Close()
	ctxStorage := withTimeout(ctx, s.timeouts.Storage)
	defer ctxStorage.cancel()
	if err := s.storage.PutObject(ctxStorage.ctx, s.sampleBucket, key, reader, int64(len(data)), contentType); err != nil {
		return "", "", appErr.Wrapf(err, appErr.StorageError, "upload sample failed")
	}
	return key, digest, nil
}

// ListSamples returns up to limit stored samples.
func (s *AnalysisService) ListSamples(ctx context.Context, limit int) ([]model.SampleInfo, error) {
	if limit <= 0 {
		limit = defaultSampleListLimit
	}
	ctxStorage := withTimeout(ctx, s.timeouts.Storage)
	defer ctxStorage.cancel()

	samples := make([]model.SampleInfo, 0, limit)
	for info := range s.storage.ListObjects(ctxStorage.ctx, s.sampleBucket, s.sampleKeyPrefix+"/") {
		if info.Err != nil {
			return nil, appErr.Wrapf(info.Err, appErr.StorageError, "list samples failed")
		}
		samples = append(samples, model.SampleInfo{
			Key:       info.Key,
			SizeBytes: info.SizeBytes,
		})
		if len(samples) >= limit {
			break
		}
	}
	return samples, nil
}
