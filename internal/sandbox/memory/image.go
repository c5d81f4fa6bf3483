// Package memory implements an instance's accountable memory image: a
// set of guest-allocated blocks plus named cells that survive across
// executions. Every byte held by the image is reserved through the
// instance monitor.
package memory

import (
	"encoding/json"
	"sync"

	"blastpit/internal/sandbox/monitor"
	appErr "blastpit/pkg/errors"
)

// Image is the serializable memory state of one instance.
type Image struct {
	mu         sync.Mutex
	mon        *monitor.Monitor
	nextHandle int64
	blocks     map[int64][]byte
	cells      map[string][]byte
}

// imagePayload is the wire form produced by Serialize.
type imagePayload struct {
	NextHandle int64             `json:"next_handle"`
	Blocks     map[int64][]byte  `json:"blocks"`
	Cells      map[string][]byte `json:"cells"`
}

func NewImage(mon *monitor.Monitor) *Image {
	return &Image{
		mon:    mon,
		blocks: make(map[int64][]byte),
		cells:  make(map[string][]byte),
	}
}

// Alloc reserves a zeroed block of n bytes and returns its handle.
func (im *Image) Alloc(n int64) (int64, error) {
	if n <= 0 {
		return 0, appErr.Newf(appErr.InvalidParams, "allocation size must be positive, got %d", n)
	}
	if err := im.mon.Allocate(n); err != nil {
		return 0, err
	}
	im.mu.Lock()
	defer im.mu.Unlock()
	im.nextHandle++
	h := im.nextHandle
	im.blocks[h] = make([]byte, n)
	return h, nil
}

// Free releases the block behind handle.
func (im *Image) Free(handle int64) error {
	im.mu.Lock()
	block, ok := im.blocks[handle]
	if ok {
		delete(im.blocks, handle)
	}
	im.mu.Unlock()
	if !ok {
		return appErr.Newf(appErr.InvalidParams, "unknown memory handle %d", handle)
	}
	im.mon.Release(int64(len(block)))
	return nil
}

// Write copies data into the block at offset. Blocks do not grow; writes
// past the end fail so accounting stays exact.
func (im *Image) Write(handle, offset int64, data []byte) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	block, ok := im.blocks[handle]
	if !ok {
		return appErr.Newf(appErr.InvalidParams, "unknown memory handle %d", handle)
	}
	if offset < 0 || offset+int64(len(data)) > int64(len(block)) {
		return appErr.Newf(appErr.InvalidParams, "write of %d bytes at offset %d exceeds block size %d",
			len(data), offset, len(block))
	}
	copy(block[offset:], data)
	return nil
}

// Read returns n bytes from the block starting at offset.
func (im *Image) Read(handle, offset, n int64) ([]byte, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	block, ok := im.blocks[handle]
	if !ok {
		return nil, appErr.Newf(appErr.InvalidParams, "unknown memory handle %d", handle)
	}
	if offset < 0 || n < 0 || offset+n > int64(len(block)) {
		return nil, appErr.Newf(appErr.InvalidParams, "read of %d bytes at offset %d exceeds block size %d",
			n, offset, len(block))
	}
	out := make([]byte, n)
	copy(out, block[offset:offset+n])
	return out, nil
}

// SetCell stores value under key, adjusting the memory reservation by the
// size delta. Cell keys themselves are not accounted.
func (im *Image) SetCell(key string, value []byte) error {
	im.mu.Lock()
	old, exists := im.cells[key]
	im.mu.Unlock()

	delta := int64(len(value))
	if exists {
		delta -= int64(len(old))
	}
	if delta > 0 {
		if err := im.mon.Allocate(delta); err != nil {
			return err
		}
	} else if delta < 0 {
		im.mon.Release(-delta)
	}

	im.mu.Lock()
	im.cells[key] = append([]byte(nil), value...)
	im.mu.Unlock()
	return nil
}

// Cell returns the value stored under key.
func (im *Image) Cell(key string) ([]byte, bool) {
	im.mu.Lock()
	defer im.mu.Unlock()
	v, ok := im.cells[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// DeleteCell removes key and releases its reservation.
func (im *Image) DeleteCell(key string) {
	im.mu.Lock()
	v, ok := im.cells[key]
	if ok {
		delete(im.cells, key)
	}
	im.mu.Unlock()
	if ok {
		im.mon.Release(int64(len(v)))
	}
}

// Bytes reports the total bytes held by blocks and cells.
func (im *Image) Bytes() int64 {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.bytesLocked()
}

func (im *Image) bytesLocked() int64 {
	var total int64
	for _, b := range im.blocks {
		total += int64(len(b))
	}
	for _, v := range im.cells {
		total += int64(len(v))
	}
	return total
}

// Reset drops all blocks and cells and returns their bytes to the
// monitor. Used on terminate.
func (im *Image) Reset() {
	im.mu.Lock()
	total := im.bytesLocked()
	im.blocks = make(map[int64][]byte)
	im.cells = make(map[string][]byte)
	im.nextHandle = 0
	im.mu.Unlock()
	im.mon.Release(total)
}

// Serialize captures a consistent copy of the image.
func (im *Image) Serialize() ([]byte, error) {
	im.mu.Lock()
	payload := imagePayload{
		NextHandle: im.nextHandle,
		Blocks:     make(map[int64][]byte, len(im.blocks)),
		Cells:      make(map[string][]byte, len(im.cells)),
	}
	for h, b := range im.blocks {
		payload.Blocks[h] = append([]byte(nil), b...)
	}
	for k, v := range im.cells {
		payload.Cells[k] = append([]byte(nil), v...)
	}
	im.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.InternalServerError)
	}
	return data, nil
}

// Load replaces the image content with a serialized payload. The swap is
// all-or-nothing: on any decode error the current content is untouched.
// Accounted memory is re-pinned to the restored footprint.
func (im *Image) Load(data []byte) error {
	var payload imagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return appErr.Wrap(err, appErr.SnapshotCorrupted)
	}
	if payload.Blocks == nil {
		payload.Blocks = make(map[int64][]byte)
	}
	if payload.Cells == nil {
		payload.Cells = make(map[string][]byte)
	}
	var total int64
	for _, b := range payload.Blocks {
		total += int64(len(b))
	}
	for _, v := range payload.Cells {
		total += int64(len(v))
	}

	im.mu.Lock()
	im.nextHandle = payload.NextHandle
	im.blocks = payload.Blocks
	im.cells = payload.Cells
	im.mu.Unlock()
	im.mon.ResetMemory(total)
	return nil
}
