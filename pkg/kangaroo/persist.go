package kangaroo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"

	"github.com/kangaroocache/kangaroo/pkg/logging"
	"github.com/kangaroocache/kangaroo/pkg/wren"
)

// formatVersion is the serialization format version. Never 0; versions
// below 10 are reserved for tests.
const formatVersion = 10

// maxRecordSize bounds a single record so a corrupt length field cannot
// drive a giant allocation during recovery.
const maxRecordSize = 256 << 20

// Record kinds in persist order.
const (
	recHeader uint32 = iota + 1
	recColdTable
	recColdCursors
	recHotTable
	recHotCursors
	recGenCold
	recGenHot
	recBloom
	recBitVector
	recFwLog
)

// RecordWriter receives the engine's persisted state as typed records.
type RecordWriter interface {
	WriteRecord(kind uint32, data []byte) error
}

// RecordReader yields records written by a RecordWriter. It returns io.EOF
// after the last record.
type RecordReader interface {
	ReadRecord() (kind uint32, data []byte, err error)
}

// StreamRecordWriter frames records onto an io.Writer:
// kind(4) | compressedLen(4) | snappy(data) | crc32(compressed)(4),
// big-endian.
type StreamRecordWriter struct {
	w io.Writer
}

// NewStreamRecordWriter wraps w.
func NewStreamRecordWriter(w io.Writer) *StreamRecordWriter {
	return &StreamRecordWriter{w: w}
}

// WriteRecord implements RecordWriter.
func (s *StreamRecordWriter) WriteRecord(kind uint32, data []byte) error {
	comp := snappy.Encode(nil, data)
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:], kind)
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(comp)))
	if _, err := s.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := s.w.Write(comp); err != nil {
		return err
	}
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc32.ChecksumIEEE(comp))
	_, err := s.w.Write(sum[:])
	return err
}

// StreamRecordReader reads StreamRecordWriter framing.
type StreamRecordReader struct {
	r io.Reader
}

// NewStreamRecordReader wraps r.
func NewStreamRecordReader(r io.Reader) *StreamRecordReader {
	return &StreamRecordReader{r: r}
}

// ReadRecord implements RecordReader.
func (s *StreamRecordReader) ReadRecord() (uint32, []byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, io.EOF
		}
		return 0, nil, err
	}
	kind := binary.BigEndian.Uint32(hdr[0:])
	compLen := binary.BigEndian.Uint32(hdr[4:])
	if compLen > maxRecordSize {
		return 0, nil, fmt.Errorf("record of %d bytes exceeds the size cap", compLen)
	}
	comp := make([]byte, compLen)
	if _, err := io.ReadFull(s.r, comp); err != nil {
		return 0, nil, err
	}
	var sum [4]byte
	if _, err := io.ReadFull(s.r, sum[:]); err != nil {
		return 0, nil, err
	}
	if binary.BigEndian.Uint32(sum[:]) != crc32.ChecksumIEEE(comp) {
		return 0, nil, fmt.Errorf("record checksum mismatch for kind %d", kind)
	}
	data, err := snappy.Decode(nil, comp)
	if err != nil {
		return 0, nil, fmt.Errorf("record decompression failed for kind %d: %w", kind, err)
	}
	return kind, data, nil
}

// header fingerprints the configuration the state was persisted under.
type persistHeader struct {
	version       uint32
	bucketSize    uint64
	hotBucketSize uint64
	numBuckets    uint64
	logSize       uint64
	hotEnabled    bool
	setItems      uint64
}

func (h *persistHeader) marshal() []byte {
	out := make([]byte, 45)
	binary.LittleEndian.PutUint32(out[0:], h.version)
	binary.LittleEndian.PutUint64(out[4:], h.bucketSize)
	binary.LittleEndian.PutUint64(out[12:], h.hotBucketSize)
	binary.LittleEndian.PutUint64(out[20:], h.numBuckets)
	binary.LittleEndian.PutUint64(out[28:], h.logSize)
	if h.hotEnabled {
		out[36] = 1
	}
	binary.LittleEndian.PutUint64(out[37:], h.setItems)
	return out
}

func (h *persistHeader) unmarshal(data []byte) error {
	if len(data) != 45 {
		return fmt.Errorf("bad header length %d", len(data))
	}
	h.version = binary.LittleEndian.Uint32(data[0:])
	h.bucketSize = binary.LittleEndian.Uint64(data[4:])
	h.hotBucketSize = binary.LittleEndian.Uint64(data[12:])
	h.numBuckets = binary.LittleEndian.Uint64(data[20:])
	h.logSize = binary.LittleEndian.Uint64(data[28:])
	h.hotEnabled = data[36] == 1
	h.setItems = binary.LittleEndian.Uint64(data[37:])
	return nil
}

func marshalCursors(w *wren.Wren) []byte {
	writeEu, writeOffset, eraseEu := w.Cursors()
	out := make([]byte, 24)
	binary.LittleEndian.PutUint64(out[0:], writeEu)
	binary.LittleEndian.PutUint64(out[8:], writeOffset)
	binary.LittleEndian.PutUint64(out[16:], eraseEu)
	return out
}

func restoreCursors(w *wren.Wren, data []byte) error {
	if len(data) != 24 {
		return fmt.Errorf("bad cursor record length %d", len(data))
	}
	return w.RestoreCursors(
		binary.LittleEndian.Uint64(data[0:]),
		binary.LittleEndian.Uint64(data[8:]),
		binary.LittleEndian.Uint64(data[16:]))
}

func (k *Kangaroo) marshalGenerations(hot bool) []byte {
	gens := k.genCold
	if hot {
		gens = k.genHot
	}
	out := make([]byte, 4*len(gens))
	for i := range gens {
		binary.LittleEndian.PutUint32(out[i*4:], gens[i].Load())
	}
	return out
}

func (k *Kangaroo) restoreGenerations(hot bool, data []byte) error {
	gens := k.genCold
	if hot {
		gens = k.genHot
	}
	if len(data) != 4*len(gens) {
		return fmt.Errorf("generation table size mismatch: have %d, want %d", len(data), 4*len(gens))
	}
	for i := range gens {
		gens[i].Store(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return nil
}

// Persist writes the engine's recoverable state: identifier tables, ring
// cursors, generations, the Bloom bank, the hit bit-vector, and the log's
// in-memory state. The caller must have quiesced traffic; persist does not
// stop the world itself.
func (k *Kangaroo) Persist(w RecordWriter) error {
	hdr := persistHeader{
		version:       formatVersion,
		bucketSize:    k.bucketSize,
		hotBucketSize: k.hotBucketSize,
		numBuckets:    k.numBuckets,
		logSize:       k.cfg.LogSize,
		hotEnabled:    k.hot != nil,
		setItems:      k.ctr.setItems.Load(),
	}
	if err := w.WriteRecord(recHeader, hdr.marshal()); err != nil {
		return err
	}
	if err := w.WriteRecord(recColdTable, k.cold.MarshalTable()); err != nil {
		return err
	}
	if err := w.WriteRecord(recColdCursors, marshalCursors(k.cold)); err != nil {
		return err
	}
	if k.hot != nil {
		if err := w.WriteRecord(recHotTable, k.hot.MarshalTable()); err != nil {
			return err
		}
		if err := w.WriteRecord(recHotCursors, marshalCursors(k.hot)); err != nil {
			return err
		}
		if err := w.WriteRecord(recGenHot, k.marshalGenerations(true)); err != nil {
			return err
		}
	}
	if err := w.WriteRecord(recGenCold, k.marshalGenerations(false)); err != nil {
		return err
	}
	if err := w.WriteRecord(recBloom, k.bf.MarshalBinary()); err != nil {
		return err
	}
	if err := w.WriteRecord(recBitVector, k.bv.MarshalBinary()); err != nil {
		return err
	}
	fwState, err := k.fw.MarshalBinary()
	if err != nil {
		return err
	}
	if err := w.WriteRecord(recFwLog, fwState); err != nil {
		return err
	}
	k.log.Info("engine state persisted", logging.Uint64("numBuckets", k.numBuckets))
	return nil
}

// Recover restores state written by Persist against the same device
// contents and an identically sized configuration. On any mismatch or
// corruption it resets to empty and returns false.
func (k *Kangaroo) Recover(r RecordReader) bool {
	if err := k.recover(r); err != nil {
		k.log.Warn("recovery failed, starting empty", logging.Error(err))
		k.Reset()
		return false
	}
	k.publishItemCounts()
	k.log.Info("engine state recovered", logging.Uint64("items", k.ItemCount()))
	return true
}

func (k *Kangaroo) recover(r RecordReader) error {
	kind, data, err := r.ReadRecord()
	if err != nil {
		return err
	}
	if kind != recHeader {
		return fmt.Errorf("expected header record, got kind %d", kind)
	}
	var hdr persistHeader
	if err := hdr.unmarshal(data); err != nil {
		return err
	}
	if hdr.version != formatVersion {
		return fmt.Errorf("unsupported format version %d, want %d", hdr.version, formatVersion)
	}
	if hdr.bucketSize != k.bucketSize || hdr.hotBucketSize != k.hotBucketSize ||
		hdr.numBuckets != k.numBuckets || hdr.logSize != k.cfg.LogSize ||
		hdr.hotEnabled != (k.hot != nil) {
		return errors.New("persisted state does not match engine configuration")
	}
	k.ctr.setItems.Store(hdr.setItems)

	for {
		kind, data, err := r.ReadRecord()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch kind {
		case recColdTable:
			err = k.cold.UnmarshalTable(data)
		case recColdCursors:
			err = restoreCursors(k.cold, data)
		case recHotTable:
			if k.hot == nil {
				return errors.New("hot table record without hot region")
			}
			err = k.hot.UnmarshalTable(data)
		case recHotCursors:
			if k.hot == nil {
				return errors.New("hot cursor record without hot region")
			}
			err = restoreCursors(k.hot, data)
		case recGenCold:
			err = k.restoreGenerations(false, data)
		case recGenHot:
			err = k.restoreGenerations(true, data)
		case recBloom:
			err = k.bf.UnmarshalBinary(data)
		case recBitVector:
			err = k.bv.UnmarshalBinary(data)
		case recFwLog:
			err = k.fw.UnmarshalBinary(data)
		default:
			return fmt.Errorf("unknown record kind %d", kind)
		}
		if err != nil {
			return err
		}
	}
}
