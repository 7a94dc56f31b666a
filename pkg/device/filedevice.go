package device

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/exp/mmap"
)

// FileDevice is a Device backed by a regular file, emulating zone semantics
// on conventional storage. Reads go through a shared mmap of the file so
// repeated bucket reads avoid syscall overhead; writes use positional writes
// on the same file and are visible to the mapping through the page cache.
type FileDevice struct {
	file     *os.File
	reader   *mmap.ReaderAt
	size     uint64
	zoneSize uint64
	zoneCap  uint64
	pool     *BufferPool

	mu    sync.Mutex
	zones []zoneState
}

// OpenFileDevice opens (creating and pre-sizing if needed) a file-backed
// device of size bytes with the given emulated zone geometry.
func OpenFileDevice(path string, size, zoneSize, zoneCap uint64) (*FileDevice, error) {
	if zoneSize == 0 || zoneCap == 0 || zoneCap > zoneSize {
		return nil, fmt.Errorf("invalid zone geometry: size=%d cap=%d", zoneSize, zoneCap)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open device file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to size device file: %w", err)
	}
	r, err := mmap.Open(path)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map device file: %w", err)
	}
	return &FileDevice{
		file:     f,
		reader:   r,
		size:     size,
		zoneSize: zoneSize,
		zoneCap:  zoneCap,
		pool:     NewBufferPool(),
		zones:    make([]zoneState, size/zoneSize),
	}, nil
}

// Read implements Device.
func (d *FileDevice) Read(offset, size uint64, buf []byte) bool {
	if offset+size > d.size {
		return false
	}
	n, err := d.reader.ReadAt(buf[:size], int64(offset))
	return err == nil && uint64(n) == size
}

// Write implements Device.
func (d *FileDevice) Write(offset uint64, buf Buffer) bool {
	if offset+buf.Size() > d.size {
		return false
	}
	zone := offset / d.zoneSize
	d.mu.Lock()
	if int(zone) < len(d.zones) {
		if d.zones[zone] == zoneFinished {
			d.mu.Unlock()
			return false
		}
		d.zones[zone] = zoneOpen
	}
	d.mu.Unlock()
	n, err := d.file.WriteAt(buf.Data(), int64(offset))
	return err == nil && n == len(buf.Data())
}

// Reset implements Device. On conventional storage a reset just reopens the
// zone for writing; the stale bytes are overwritten by subsequent appends.
func (d *FileDevice) Reset(offset, size uint64) bool {
	zone := offset / d.zoneSize
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(zone) >= len(d.zones) {
		return false
	}
	d.zones[zone] = zoneEmpty
	return true
}

// Finish implements Device.
func (d *FileDevice) Finish(offset, size uint64) bool {
	zone := offset / d.zoneSize
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(zone) >= len(d.zones) {
		return false
	}
	d.zones[zone] = zoneFinished
	return true
}

// IOZoneSize implements Device.
func (d *FileDevice) IOZoneSize() uint64 {
	return d.zoneSize
}

// IOZoneCapSize implements Device.
func (d *FileDevice) IOZoneCapSize() uint64 {
	return d.zoneCap
}

// MakeIOBuffer implements Device.
func (d *FileDevice) MakeIOBuffer(size uint64) Buffer {
	return d.pool.Get(size)
}

// Close unmaps and closes the backing file.
func (d *FileDevice) Close() error {
	if err := d.reader.Close(); err != nil {
		d.file.Close()
		return err
	}
	return d.file.Close()
}
