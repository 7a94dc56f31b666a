package device

import (
	"sync"
	"sync/atomic"
)

// zoneState tracks the lifecycle of an emulated zone.
type zoneState int

const (
	zoneEmpty zoneState = iota
	zoneOpen
	zoneFinished
)

// MemDevice is an in-memory Device with zone emulation, used by tests. A
// zone rejects writes once Finished until it is Reset; zones that were
// never finished accept writes without a Reset. Fault injection hooks let tests
// exercise IO error paths, and atomic op counters let them assert how much
// device traffic an operation generated.
type MemDevice struct {
	mu       sync.Mutex
	data     []byte
	zoneSize uint64
	zoneCap  uint64
	zones    []zoneState
	pool     *BufferPool

	// Fault injection. When FailReads/FailWrites is set the corresponding
	// op returns false.
	FailReads  atomic.Bool
	FailWrites atomic.Bool

	// Op counters.
	ReadCount   atomic.Uint64
	WriteCount  atomic.Uint64
	ResetCount  atomic.Uint64
	FinishCount atomic.Uint64
}

// NewMemDevice creates an in-memory device of size bytes carved into zones
// of zoneSize bytes with zoneCap usable bytes each.
func NewMemDevice(size, zoneSize, zoneCap uint64) *MemDevice {
	numZones := size / zoneSize
	return &MemDevice{
		data:     make([]byte, size),
		zoneSize: zoneSize,
		zoneCap:  zoneCap,
		zones:    make([]zoneState, numZones),
		pool:     NewBufferPool(),
	}
}

// Read implements Device.
func (d *MemDevice) Read(offset, size uint64, buf []byte) bool {
	d.ReadCount.Add(1)
	if d.FailReads.Load() {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset+size > uint64(len(d.data)) {
		return false
	}
	copy(buf[:size], d.data[offset:offset+size])
	return true
}

// Write implements Device.
func (d *MemDevice) Write(offset uint64, buf Buffer) bool {
	d.WriteCount.Add(1)
	if d.FailWrites.Load() {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	size := buf.Size()
	if offset+size > uint64(len(d.data)) {
		return false
	}
	zone := offset / d.zoneSize
	if int(zone) < len(d.zones) && d.zones[zone] == zoneFinished {
		return false
	}
	if int(zone) < len(d.zones) {
		d.zones[zone] = zoneOpen
	}
	copy(d.data[offset:offset+size], buf.Data())
	return true
}

// Reset implements Device.
func (d *MemDevice) Reset(offset, size uint64) bool {
	d.ResetCount.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	zone := offset / d.zoneSize
	if int(zone) >= len(d.zones) {
		return false
	}
	d.zones[zone] = zoneEmpty
	start := zone * d.zoneSize
	end := start + d.zoneSize
	if end > uint64(len(d.data)) {
		end = uint64(len(d.data))
	}
	for i := start; i < end; i++ {
		d.data[i] = 0
	}
	return true
}

// Finish implements Device.
func (d *MemDevice) Finish(offset, size uint64) bool {
	d.FinishCount.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	zone := offset / d.zoneSize
	if int(zone) >= len(d.zones) {
		return false
	}
	d.zones[zone] = zoneFinished
	return true
}

// IOZoneSize implements Device.
func (d *MemDevice) IOZoneSize() uint64 {
	return d.zoneSize
}

// IOZoneCapSize implements Device.
func (d *MemDevice) IOZoneCapSize() uint64 {
	return d.zoneCap
}

// MakeIOBuffer implements Device.
func (d *MemDevice) MakeIOBuffer(size uint64) Buffer {
	return d.pool.Get(size)
}

// CorruptByte flips one on-device byte, for checksum tests.
func (d *MemDevice) CorruptByte(offset uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset < uint64(len(d.data)) {
		d.data[offset] ^= 0xff
	}
}

// ZoneIsFinished reports whether the zone containing offset is finished.
func (d *MemDevice) ZoneIsFinished(offset uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	zone := offset / d.zoneSize
	return int(zone) < len(d.zones) && d.zones[zone] == zoneFinished
}
