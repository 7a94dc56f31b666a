// Package wren implements the zone writer: a logical append-to-any-bucket
// API over an append-only device. Buckets are addressed by a stable logical
// id; every write lands at the device's current write pointer and the
// per-bucket erase-unit identifier table tracks where each bucket's live
// copy sits inside the ring of erase units.
package wren

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kangaroocache/kangaroo/pkg/device"
	"github.com/kangaroocache/kangaroo/pkg/logging"
)

// BucketID identifies a logical set bucket, in [0, numBuckets).
type BucketID uint32

// EuID addresses a bucket slot inside the erase-unit ring:
// eraseUnit*bucketsPerEu + slot.
type EuID uint64

var (
	// ErrZoneFull means the write pointer has caught the erase pointer:
	// the ring has no writable erase unit left. Callers apply
	// back-pressure and retry after cleaning advances the erase pointer.
	ErrZoneFull = errors.New("zone writer: write pointer caught erase pointer")

	// ErrDeviceIO is a device write, read, or reset failure.
	ErrDeviceIO = errors.New("zone writer: device IO failure")
)

// Wren maps logical bucket ids to physical bucket copies inside a ring of
// erase units. Two cursors chase each other around the ring: writeEu (next
// erase unit receiving appends) and eraseEu (next erase unit to reclaim).
type Wren struct {
	dev        device.Device
	log        logging.Logger
	euCap      uint64 // usable bytes per erase unit
	zoneSize   uint64 // physical bytes per erase unit
	numEus     uint64
	numBuckets uint64
	bucketSize uint64
	setOffset  uint64 // device byte offset where this region starts
	bucketsPer uint64 // buckets per erase unit

	writeMu     sync.Mutex
	writeEu     uint64
	writeOffset uint64 // next slot within writeEu
	eraseEu     uint64

	// table[bid] holds euid+1; zero means the bucket was never written.
	// Entries are atomics so the erase-unit scan can run against
	// concurrent writes to unrelated buckets.
	table []atomic.Uint64
}

// New creates a zone writer over dev for numBuckets logical buckets of
// bucketSize bytes, occupying totalSize device bytes starting at setOffset.
func New(dev device.Device, log logging.Logger, numBuckets, bucketSize, totalSize, setOffset uint64) (*Wren, error) {
	euCap := dev.IOZoneCapSize()
	if euCap == 0 || bucketSize == 0 || euCap < bucketSize {
		return nil, fmt.Errorf("invalid zone geometry: euCap=%d bucketSize=%d", euCap, bucketSize)
	}
	numEus := totalSize / euCap
	if numEus < 2 {
		return nil, fmt.Errorf("zone region too small: %d erase units from %d bytes", numEus, totalSize)
	}
	w := &Wren{
		dev:        dev,
		log:        log,
		euCap:      euCap,
		zoneSize:   dev.IOZoneSize(),
		numEus:     numEus,
		numBuckets: numBuckets,
		bucketSize: bucketSize,
		setOffset:  setOffset,
		bucketsPer: euCap / bucketSize,
		eraseEu:    numEus - 1,
		table:      make([]atomic.Uint64, numBuckets),
	}
	log.Info("zone writer ready",
		logging.Uint64("eraseUnits", numEus),
		logging.Uint64("bucketsPerEu", w.bucketsPer),
		logging.Uint64("setOffset", setOffset))
	return w, nil
}

// NumEus returns the number of erase units in the ring.
func (w *Wren) NumEus() uint64 {
	return w.numEus
}

func (w *Wren) calcEuID(eraseUnit, offset uint64) EuID {
	return EuID(eraseUnit*w.bucketsPer + offset)
}

// euIDLoc converts an EuID to a device byte offset. Erase units are spaced
// by the physical zone size even though only euCap bytes of each are used.
func (w *Wren) euIDLoc(euid EuID) uint64 {
	zoneOffset := uint64(euid) % w.bucketsPer
	zone := uint64(euid) / w.bucketsPer
	return w.setOffset + zoneOffset*w.bucketSize + zone*w.zoneSize
}

func (w *Wren) euLoc(eraseUnit, offset uint64) uint64 {
	return w.euIDLoc(w.calcEuID(eraseUnit, offset))
}

// findEuID returns the bucket's current EuID, or false if never written.
func (w *Wren) findEuID(bid BucketID) (EuID, bool) {
	raw := w.table[bid].Load()
	if raw == 0 {
		return 0, false
	}
	return EuID(raw - 1), true
}

// Read returns the bucket's live physical copy. found is false when the
// bucket was never written; err reports a device read failure.
func (w *Wren) Read(bid BucketID) (buf device.Buffer, found bool, err error) {
	euid, ok := w.findEuID(bid)
	if !ok {
		return device.Buffer{}, false, nil
	}
	buf = w.dev.MakeIOBuffer(w.bucketSize)
	if !w.dev.Read(w.euIDLoc(euid), buf.Size(), buf.Data()) {
		buf.Release()
		return device.Buffer{}, true, ErrDeviceIO
	}
	return buf, true, nil
}

// Write appends buf as the bucket's new live copy at the write pointer and
// updates the identifier table. The table is only updated after the device
// accepts the write, so a failed write leaves the previous copy live.
func (w *Wren) Write(bid BucketID, buf device.Buffer) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if w.writeEu == w.eraseEu {
		w.log.Warn("writing caught up to erasing", logging.Uint64("eraseUnit", w.writeEu))
		return ErrZoneFull
	}

	if w.writeOffset == 0 {
		if !w.dev.Reset(w.euLoc(w.writeEu, 0), w.zoneSize) {
			return ErrDeviceIO
		}
		w.log.Debug("opened erase unit for writing", logging.Uint64("eraseUnit", w.writeEu))
	}

	euid := w.calcEuID(w.writeEu, w.writeOffset)
	ok := w.dev.Write(w.euIDLoc(euid), buf)

	// The slot is consumed either way: on an append-only zone a failed
	// write leaves the write pointer position ambiguous, so retrying the
	// same slot is not safe.
	w.writeOffset++
	if w.writeOffset >= w.bucketsPer {
		w.dev.Finish(w.euLoc(w.writeEu, 0), w.zoneSize)
		w.writeEu = (w.writeEu + 1) % w.numEus
		w.writeOffset = 0
		w.log.Debug("advanced write pointer", logging.Uint64("eraseUnit", w.writeEu))
	}

	if !ok {
		return ErrDeviceIO
	}
	w.table[bid].Store(uint64(euid) + 1)
	return nil
}

// FreeEus returns the modular free distance between the write and erase
// pointers, in erase units.
func (w *Wren) FreeEus() uint64 {
	w.writeMu.Lock()
	writeEu := w.writeEu
	eraseEu := w.eraseEu
	w.writeMu.Unlock()

	if eraseEu >= writeEu {
		return eraseEu - writeEu
	}
	return eraseEu + (w.numEus - writeEu)
}

// ShouldClean reports whether the free distance between the write and
// erase pointers has shrunk to threshold*numEus or fewer erase units.
func (w *Wren) ShouldClean(threshold float64) bool {
	return float64(w.FreeEus()) <= threshold*float64(w.numEus)
}

// Erase reclaims the erase unit at the erase pointer and advances the
// pointer. Callers must have migrated every live bucket out of the unit
// first. The pointer only advances when the device accepts the reset.
func (w *Wren) Erase() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if !w.dev.Reset(w.euLoc(w.eraseEu, 0), w.euCap) {
		return ErrDeviceIO
	}
	w.eraseEu = (w.eraseEu + 1) % w.numEus
	w.log.Debug("advanced erase pointer", logging.Uint64("eraseUnit", w.eraseEu))
	return nil
}

// BucketsInEraseEu scans the identifier table and returns every bucket
// whose live copy sits in the erase unit about to be reclaimed.
func (w *Wren) BucketsInEraseEu() []BucketID {
	w.writeMu.Lock()
	eraseEu := w.eraseEu
	w.writeMu.Unlock()

	var bids []BucketID
	for i := uint64(0); i < w.numBuckets; i++ {
		raw := w.table[i].Load()
		if raw == 0 {
			continue
		}
		if (raw-1)/w.bucketsPer == eraseEu {
			bids = append(bids, BucketID(i))
		}
	}
	return bids
}

// Drop clears the bucket's identifier table entry, returning it to the
// never-written state. Used when a rewrite leaves the bucket empty so GC
// does not chase a dead pointer.
func (w *Wren) Drop(bid BucketID) {
	w.table[bid].Store(0)
}

// EuOf returns the erase unit currently holding the bucket, for invariant
// checks. ok is false when the bucket was never written.
func (w *Wren) EuOf(bid BucketID) (uint64, bool) {
	euid, ok := w.findEuID(bid)
	if !ok {
		return 0, false
	}
	return uint64(euid) / w.bucketsPer, true
}

// Cursors returns the ring cursor state for persistence.
func (w *Wren) Cursors() (writeEu, writeOffset, eraseEu uint64) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.writeEu, w.writeOffset, w.eraseEu
}

// RestoreCursors reinstates ring cursor state from a recovery record.
func (w *Wren) RestoreCursors(writeEu, writeOffset, eraseEu uint64) error {
	if writeEu >= w.numEus || eraseEu >= w.numEus || writeOffset > w.bucketsPer {
		return fmt.Errorf("cursor out of range: write=%d.%d erase=%d numEus=%d",
			writeEu, writeOffset, eraseEu, w.numEus)
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.writeEu = writeEu
	w.writeOffset = writeOffset
	w.eraseEu = eraseEu
	return nil
}

// Reset clears the identifier table and rewinds the cursors, dropping every
// bucket.
func (w *Wren) Reset() {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	for i := range w.table {
		w.table[i].Store(0)
	}
	w.writeEu = 0
	w.writeOffset = 0
	w.eraseEu = w.numEus - 1
}

// MarshalTable serializes the identifier table.
func (w *Wren) MarshalTable() []byte {
	out := make([]byte, 8*len(w.table))
	for i := range w.table {
		binary.LittleEndian.PutUint64(out[i*8:], w.table[i].Load())
	}
	return out
}

// UnmarshalTable restores the identifier table from MarshalTable output.
func (w *Wren) UnmarshalTable(data []byte) error {
	if len(data) != 8*len(w.table) {
		return fmt.Errorf("identifier table size mismatch: have %d bytes, want %d",
			len(data), 8*len(w.table))
	}
	for i := range w.table {
		w.table[i].Store(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return nil
}
