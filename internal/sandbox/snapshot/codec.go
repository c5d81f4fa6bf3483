// Package snapshot captures and restores instance state. A snapshot
// bundles the zstd-compressed memory image with the security events
// recorded up to the capture; only the origin instance may restore it.
package snapshot

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"blastpit/internal/sandbox/event"
	appErr "blastpit/pkg/errors"
)

type Snapshot struct {
	InstanceID     string        `json:"instance_id"`
	Timestamp      int64         `json:"timestamp"`
	MemorySnapshot []byte        `json:"memory_snapshot"`
	SecurityEvents []event.Event `json:"security_events"`
}

var (
	encOnce sync.Once
	enc     *zstd.Encoder
	decOnce sync.Once
	dec     *zstd.Decoder
)

func encoder() *zstd.Encoder {
	encOnce.Do(func() {
		enc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return enc
}

func decoder() *zstd.Decoder {
	decOnce.Do(func() {
		dec, _ = zstd.NewReader(nil)
	})
	return dec
}

// Capture builds a snapshot around a serialized memory image.
func Capture(instanceID string, imagePayload []byte, events []event.Event) Snapshot {
	return Snapshot{
		InstanceID:     instanceID,
		Timestamp:      time.Now().UnixMilli(),
		MemorySnapshot: encoder().EncodeAll(imagePayload, nil),
		SecurityEvents: append([]event.Event(nil), events...),
	}
}

// MemoryPayload decompresses the captured image.
func (s Snapshot) MemoryPayload() ([]byte, error) {
	payload, err := decoder().DecodeAll(s.MemorySnapshot, nil)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.SnapshotCorrupted).WithMessage("memory snapshot is corrupted")
	}
	return payload, nil
}

// Marshal encodes a snapshot for storage or transport.
func Marshal(s Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.InternalServerError)
	}
	return data, nil
}

// Unmarshal decodes a stored snapshot.
func Unmarshal(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, appErr.Wrap(err, appErr.SnapshotCorrupted).WithMessage("snapshot envelope is corrupted")
	}
	return s, nil
}
