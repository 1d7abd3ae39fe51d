// Package ringfs implements the wear-leveled, power-safe, append-only ring
// filesystem over NOR flash described in spec.md §4.2: a directory segment
// (a preamble plus a monotone array of 32-bit file start-offsets) and a data
// segment of variable-length, length-prefixed records, each recoverable from
// the other at any power-on boundary.
//
// This is a direct, idiom-translated port of the original firmware's
// norflash_ring_fs — same header layout, same allocation/eviction/wrap/
// recovery algorithm — adapted from a single-writer RefCell model to an
// explicit sync.Mutex and Go error values.
package ringfs

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/rpkgo/firmware/internal/board"
)

// formatMagic is stored big-endian in the header, matching the firmware's
// use of to_be_bytes for the magic number while every other on-disk word is
// little-endian.
const formatMagic uint32 = 0x6e0fac0b

// formatVersion is packed into the top byte of the header's second word;
// the low 24 bits of that word carry the directory size.
const formatVersion uint32 = 2

// endPagePattern is written at the last 4 bytes of the directory segment at
// format time. Its presence is how checkFormatted distinguishes "this
// flash was formatted with the DIR_SIZE this build expects" from "never
// formatted" / "formatted with an incompatible layout" before even looking
// at the 12-byte headers.
var endPagePattern = [4]byte{0x00, 0xff, 0xff, 0x00}

// preambleLen is the fixed 12-byte header size (magic + version/dirsize
// word + disk-size word) at the start of both the directory segment and the
// data-segment mirror header.
const preambleLen uint32 = 12

// ringEndMarker is the sentinel length value (u32::MAX >> 1) written in
// place of a record's length word to mark the point the data ring wraps
// back to the start, per the Glossary's "Ring-end sentinel".
const ringEndMarker uint32 = 0x7fffffff

// Errors returned by FS operations, per spec.md §4.2's failure-kinds list.
var (
	ErrOutOfSpace       = fmt.Errorf("ringfs: out of space")
	ErrFileOverrun      = fmt.Errorf("ringfs: write exceeds declared file length")
	ErrMissingFileLength = fmt.Errorf("ringfs: first write must supply the 4-byte length header")
	ErrInUse            = fmt.Errorf("ringfs: conflicting reader/writer already open")
	ErrUnrecoverableDisk = fmt.Errorf("ringfs: disk could not be recovered from either header")
	ErrFileTooLarge      = fmt.Errorf("ringfs: file exceeds the data segment capacity")
	ErrFileNotFound      = fmt.Errorf("ringfs: no file at that index")
	ErrFileClosed        = fmt.Errorf("ringfs: file descriptor already closed")
	ErrNotAligned        = fmt.Errorf("ringfs: unaligned flash access")
	ErrOutOfBounds       = fmt.Errorf("ringfs: access past end of file")
	ErrUnknown           = fmt.Errorf("ringfs: unknown flash error")
)

// state is the lifecycle of a FileDescriptor, per spec.md §3.
type state int

const (
	closed state = iota
	reading
	writing
)

// FileDescriptor is the ring FS's file handle: a state, an absolute on-flash
// location, a declared length, and a cursor offset from that location. At
// most one writer and, while a writer is open, no readers may be open (and
// vice versa) — see ErrInUse.
type FileDescriptor struct {
	state    state
	location uint32
	length   uint32
	offset   uint32
}

// IsClosed reports whether the descriptor has already been closed.
func (d *FileDescriptor) IsClosed() bool { return d.state == closed }

// Location returns the absolute data-segment offset of the file's length
// word (valid once a writer has allocated space, or always for a reader).
func (d *FileDescriptor) Location() uint32 { return d.location }

// FS is the ring filesystem. One FS instance owns exactly one FlashDevice.
// It is safe for concurrent use; all operations serialize through an
// internal mutex, mirroring the single-core, single-writer semantics the
// original firmware gets for free from not being preemptible.
type FS struct {
	mu sync.Mutex

	dev       board.FlashDevice
	dirSize   uint32
	pageSize  uint32
	eraseSize uint32
	maxFiles  uint32
	diskSize  uint32

	firstFileOffset uint32

	nextFileIndex   uint32
	oldestFileIndex uint32
	freeIndex       uint32

	writeCache  []byte
	cacheOffset uint32 // math.MaxUint32 means "no pending cached page"

	writerOpen  bool
	readerCount int
}

// Option configures FS construction.
type Option func(*params)

type params struct {
	dirSize  uint32
	maxFiles uint32
}

// WithDirSize overrides the directory segment size. It must be a multiple
// of the device's erase-unit size and large enough to hold MAX_FILES slots
// plus the 12-byte preamble and an 8-byte safety margin (spec.md §4.2).
func WithDirSize(n uint32) Option { return func(p *params) { p.dirSize = n } }

// WithMaxFiles overrides the maximum number of live files the directory can
// track before the oldest is evicted to make room for a new one.
func WithMaxFiles(n uint32) Option { return func(p *params) { p.maxFiles = n } }

const (
	defaultMaxFiles = 64
)

// New opens (formatting if necessary) a ring filesystem on dev. It performs
// the power-on recovery matrix from spec.md §4.2's Invariants paragraph:
// both headers valid -> proceed; only dir valid -> rebuild data header;
// only data valid -> rebuild directory by walking records to the ring-end
// sentinel; neither valid -> format both.
func New(dev board.FlashDevice, opts ...Option) (*FS, error) {
	p := params{maxFiles: defaultMaxFiles}
	for _, opt := range opts {
		opt(&p)
	}

	pageSize := dev.PageSize()
	eraseSize := dev.EraseUnitSize()
	dirSize := p.dirSize
	if dirSize == 0 {
		dirSize = eraseSize
		for dirSize < p.maxFiles*4+preambleLen+8 || dirSize < 20 {
			dirSize += eraseSize
		}
	}

	if pageSize < 4 || pageSize%4 != 0 {
		return nil, fmt.Errorf("ringfs: page size %d must be >=4 and a multiple of 4", pageSize)
	}
	if dev.Size()%eraseSize != 0 {
		return nil, fmt.Errorf("ringfs: device size %d not a multiple of erase size %d", dev.Size(), eraseSize)
	}
	if dirSize%eraseSize != 0 {
		return nil, fmt.Errorf("ringfs: dir size %d not a multiple of erase size %d", dirSize, eraseSize)
	}
	if pageSize > eraseSize || eraseSize%pageSize != 0 {
		return nil, fmt.Errorf("ringfs: page size %d incompatible with erase size %d", pageSize, eraseSize)
	}
	if dirSize < 20 {
		return nil, fmt.Errorf("ringfs: dir size %d below minimum 20", dirSize)
	}
	if dirSize < p.maxFiles*4+preambleLen+8 {
		return nil, fmt.Errorf("ringfs: dir size %d too small for %d files", dirSize, p.maxFiles)
	}

	fs := &FS{
		dev:             dev,
		dirSize:         dirSize,
		pageSize:        pageSize,
		eraseSize:       eraseSize,
		maxFiles:        p.maxFiles,
		diskSize:        dev.Size(),
		nextFileIndex:   preambleLen,
		oldestFileIndex: preambleLen,
		writeCache:      make([]byte, pageSize),
		cacheOffset:     0xffffffff,
	}
	fs.firstFileOffset = fs.alignNextPage(dirSize + preambleLen)
	fs.freeIndex = fs.firstFileOffset
	fillFF(fs.writeCache)

	dirOK, err := fs.checkFormatted(0)
	if err != nil {
		return nil, err
	}
	if dirOK {
		if err := fs.initDirIndices(); err != nil {
			return nil, err
		}
		dataOK, err := fs.checkFormatted(dirSize)
		if err != nil {
			return nil, err
		}
		if !dataOK {
			if err := fs.recoverStoreFromDir(); err != nil {
				return nil, err
			}
		} else if err := fs.findFreeIndex(); err != nil {
			return nil, err
		}
	} else if dataOK, err := fs.checkFormatted(dirSize); err == nil && dataOK {
		if err := fs.recoverDirFromStore(); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		if err := fs.createHeaderPage(0); err != nil {
			return nil, err
		}
		if err := fs.createHeaderPage(dirSize); err != nil {
			return nil, err
		}
	}

	return fs, nil
}

// CreateFile opens a new file for writing. Only one writer may be open at a
// time, and no writer may be open while any reader is open.
func (fs *FS) CreateFile() (*FileDescriptor, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.writerOpen || fs.readerCount > 0 {
		return nil, ErrInUse
	}
	fs.writerOpen = true
	return &FileDescriptor{state: writing}, nil
}

// FileReaderByIndex opens a reader for the index-th newest surviving file
// (0 is the most recently written). Returns ErrFileNotFound if index is out
// of range, ErrInUse if a writer is currently open.
func (fs *FS) FileReaderByIndex(index uint32) (*FileDescriptor, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if index*4+fs.oldestFileIndex >= fs.nextFileIndex {
		return nil, ErrFileNotFound
	}
	dirLoc := fs.nextFileIndex - index*4 - 4
	start, err := fs.readU32(dirLoc)
	if err != nil {
		return nil, err
	}
	return fs.fileReaderByOffsetLocked(start)
}

// FileReaderByLocation opens a reader directly at an absolute data-segment
// offset, as returned by FileDescriptor.Location for a prior write.
func (fs *FS) FileReaderByLocation(start uint32) (*FileDescriptor, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.fileReaderByOffsetLocked(start)
}

func (fs *FS) fileReaderByOffsetLocked(start uint32) (*FileDescriptor, error) {
	if fs.writerOpen {
		return nil, ErrInUse
	}
	length, err := fs.readU32(start)
	if err != nil {
		return nil, err
	}
	fs.readerCount++
	return &FileDescriptor{state: reading, location: start, length: length, offset: 4}, nil
}

// CloseFile releases desc. Safe to call more than once.
func (fs *FS) CloseFile(desc *FileDescriptor) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.closeFileLocked(desc)
}

func (fs *FS) closeFileLocked(desc *FileDescriptor) {
	switch desc.state {
	case closed:
		return
	case reading:
		fs.readerCount--
	case writing:
		fs.writerOpen = false
	}
	desc.state = closed
}

// WriteFile appends data to desc. The very first call across the file's
// lifetime must supply, as its first 4 bytes, the total file length L
// (spec.md §4.2's Write path); subsequent calls stream the remaining L
// bytes. The descriptor auto-closes once the cursor reaches L, or on error.
func (fs *FS) WriteFile(desc *FileDescriptor, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if desc.IsClosed() {
		return ErrFileClosed
	}
	err := fs.guardedWriteFile(desc, data)
	if err != nil || desc.offset >= desc.length {
		fs.closeFileLocked(desc)
	}
	return err
}

func (fs *FS) guardedWriteFile(desc *FileDescriptor, data []byte) error {
	if desc.location == 0 {
		if len(data) < 4 {
			return ErrMissingFileLength
		}
		length := binary.LittleEndian.Uint32(data[:4])
		if length > fs.diskSize-4-fs.firstFileOffset {
			return ErrFileTooLarge
		}

		index, err := fs.allocDirSlot()
		if err != nil {
			return err
		}
		// The stored length word counts itself, so the record spans
		// length+4 bytes; the header is consumed here and the cursor starts
		// just past the length word.
		start, err := fs.freeSpace(length + 4)
		if err != nil {
			return err
		}
		if err := fs.writeU32(start, length+4); err != nil {
			return err
		}
		if err := fs.writeU32(index, start); err != nil {
			return err
		}
		if err := fs.commitWriteCache(); err != nil {
			return err
		}

		desc.length = length + 4
		desc.location = start
		desc.offset = 4
		data = data[4:]
	}

	n := uint32(len(data))
	if n > desc.length-desc.offset {
		return ErrFileOverrun
	}

	offset := desc.location + desc.offset
	nextOffset := offset + n

	var err error
	if nextOffset > fs.diskSize {
		if offset >= fs.diskSize {
			wrapped := offset - fs.diskSize + fs.firstFileOffset + 4
			err = fs.write(wrapped, data)
		} else {
			split := fs.diskSize - offset
			err = fs.write(offset, data[:split])
			if err == nil {
				err = fs.write(fs.firstFileOffset+4, data[split:])
			}
		}
	} else {
		err = fs.write(offset, data)
	}
	if err != nil {
		return err
	}
	desc.offset = nextOffset - desc.location
	return nil
}

// ReadFile reads up to len(data) bytes into data, returning the number of
// bytes actually read (fewer than len(data) once the cursor nears the
// declared length). The descriptor auto-closes once exhausted, or on error.
func (fs *FS) ReadFile(desc *FileDescriptor, data []byte) (uint32, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if desc.IsClosed() {
		return 0, ErrFileClosed
	}
	n, err := fs.guardedReadFile(desc, data)
	if err != nil || desc.offset >= desc.length {
		fs.closeFileLocked(desc)
	}
	return n, err
}

func (fs *FS) guardedReadFile(desc *FileDescriptor, data []byte) (uint32, error) {
	if desc.offset > desc.length {
		return 0, ErrOutOfBounds
	}
	rem := desc.length - desc.offset
	if uint32(len(data)) > rem {
		data = data[:rem]
	}
	n := uint32(len(data))

	offset := desc.location + desc.offset
	nextOffset := offset + n

	var err error
	if nextOffset > fs.diskSize {
		if offset >= fs.diskSize {
			wrapped := offset - fs.diskSize + fs.firstFileOffset + 4
			err = fs.read(wrapped, data)
		} else {
			split := fs.diskSize - offset
			err = fs.read(offset, data[:split])
			if err == nil {
				err = fs.read(fs.firstFileOffset+4, data[split:])
			}
		}
	} else {
		err = fs.read(offset, data)
	}
	if err != nil {
		return 0, err
	}
	desc.offset = nextOffset - desc.location
	return n, nil
}

// --- directory / free-space management -------------------------------------

func (fs *FS) allocDirSlot() (uint32, error) {
	if fs.nextFileIndex >= fs.dirSize-4 {
		if err := fs.recycleDirPage(); err != nil {
			return 0, err
		}
	}
	index := fs.nextFileIndex
	for (index-fs.oldestFileIndex)>>2 >= fs.maxFiles {
		if err := fs.deleteOldest(); err != nil {
			return 0, err
		}
	}
	fs.nextFileIndex += 4
	return index, nil
}

func (fs *FS) freeSpace(length uint32) (uint32, error) {
	if length == 0 {
		return fs.freeIndex, nil
	}
	start := fs.freeIndex
	startEraseEnd := fs.alignStartErase(start)
	pend := fs.alignNextPage(start + length)

	if fs.alignStartErase(pend) > startEraseEnd {
		estart := startEraseEnd + fs.eraseSize
		if pend < fs.diskSize {
			if err := fs.clearSpace(estart, fs.alignStartErase(pend)+fs.eraseSize); err != nil {
				return 0, err
			}
		} else {
			pend = fs.alignNextPage(start + length + 4 + fs.firstFileOffset - fs.diskSize)

			if estart < fs.diskSize {
				if err := fs.clearSpace(estart, fs.diskSize); err != nil {
					return 0, err
				}
			}
			if err := fs.clearSpace(fs.dirSize, fs.alignStartErase(pend)+fs.eraseSize); err != nil {
				return 0, err
			}
			if pend > fs.firstFileOffset {
				if err := fs.writeU32(fs.firstFileOffset, pend-fs.firstFileOffset); err != nil {
					return 0, err
				}
				if err := fs.commitWriteCache(); err != nil {
					return 0, err
				}
			}
		}
	}

	fs.freeIndex = pend
	return start, nil
}

func (fs *FS) clearSpace(start, end uint32) error {
	for fs.oldestFileIndex < fs.nextFileIndex {
		offset, err := fs.readU32(fs.oldestFileIndex)
		if err != nil {
			return err
		}
		if offset < start || offset >= end {
			break
		}
		if err := fs.deleteOldest(); err != nil {
			return err
		}
	}
	if err := fs.erase(start, end); err != nil {
		return err
	}
	if start == fs.dirSize {
		if err := fs.write(fs.dirSize, fs.headerSequence()); err != nil {
			return err
		}
	}
	return nil
}

func (fs *FS) deleteOldest() error {
	if fs.oldestFileIndex < fs.nextFileIndex {
		if err := fs.writeU32(fs.oldestFileIndex, 0); err != nil {
			return err
		}
		fs.oldestFileIndex += 4
	}
	return nil
}

// recycleDirPage clears a fresh erase block in the data segment, marks the
// current free cursor with the ring-end sentinel, writes the oldest
// surviving file's start offset at the start of the newly-cleared block, then
// rebuilds the directory from scratch starting at that oldest file. Mirrors
// spec.md §4.2's "If the directory fills" paragraph.
func (fs *FS) recycleDirPage() error {
	freeIndex := fs.freeIndex
	estart := fs.alignStartErase(freeIndex) + fs.eraseSize
	if estart+fs.eraseSize > fs.diskSize {
		estart = fs.alignStartErase(fs.firstFileOffset) + fs.eraseSize
		if err := fs.clearSpace(fs.dirSize, estart+fs.eraseSize); err != nil {
			return err
		}
		if err := fs.writeU32(fs.firstFileOffset, ringEndMarker); err != nil {
			return err
		}
	} else {
		if err := fs.clearSpace(estart, estart+fs.eraseSize); err != nil {
			return err
		}
	}

	oldest, err := fs.readU32(fs.oldestFileIndex)
	if err != nil {
		return err
	}

	if err := fs.writeU32(freeIndex, ringEndMarker); err != nil {
		return err
	}
	if err := fs.writeU32(estart, oldest); err != nil {
		return err
	}

	return fs.rebuildDir(oldest)
}

// rebuildDir erases the directory segment and replays file start offsets by
// walking data records from oldest forward until the ring-end sentinel.
func (fs *FS) rebuildDir(oldest uint32) error {
	if err := fs.erase(0, fs.dirSize); err != nil {
		return err
	}
	fs.oldestFileIndex = preambleLen
	index := preambleLen
	offset := oldest
	for {
		length, err := fs.readU32(offset)
		if err != nil {
			return err
		}
		if length == ringEndMarker {
			break
		}
		if err := fs.writeU32(index, offset); err != nil {
			return err
		}
		index += 4
		offset, err = fs.nextFileOffset(offset, length)
		if err != nil {
			return err
		}
	}
	fs.nextFileIndex = index
	if err := fs.findFreeIndex(); err != nil {
		return err
	}
	if err := fs.write(0, fs.headerSequence()); err != nil {
		return err
	}
	return fs.write(fs.dirSize-4, endPagePattern[:])
}

func (fs *FS) nextFileOffset(offset, length uint32) (uint32, error) {
	switch length {
	case 0xffffffff:
		return fs.nextPage(offset), nil
	case ringEndMarker:
		mark := fs.alignStartErase(offset) + fs.eraseSize
		if mark >= fs.diskSize {
			mark = fs.alignStartErase(fs.firstFileOffset) + fs.eraseSize
		}
		return fs.readU32(mark)
	default:
		pend := fs.alignNextPage(offset + length)
		if pend < fs.diskSize {
			return pend, nil
		}
		return fs.alignNextPage(offset + length + 4 + fs.firstFileOffset - fs.diskSize), nil
	}
}

func (fs *FS) nextPage(offset uint32) uint32 {
	next := fs.alignNextPage(offset + fs.pageSize)
	if next > fs.diskSize {
		return fs.dirSize + preambleLen
	}
	return next
}

// initDirIndices binary-searches the directory's monotone slot array (a run
// of real offsets, a run of zeros for deleted entries, then u32::MAX for
// never-used) to recover nextFileIndex and oldestFileIndex without scanning
// every slot linearly.
func (fs *FS) initDirIndices() error {
	start := uint32(0)
	end := (fs.dirSize - preambleLen - 4) >> 2
	liveStart := uint32(0)

	for start < end {
		mid := (start + end) >> 1
		v, err := fs.readU32(preambleLen + mid*4)
		if err != nil {
			return err
		}
		if v == 0xffffffff {
			end = mid
		} else {
			start = mid + 1
			if v == 0 {
				liveStart = start
			}
		}
	}
	for liveStart < end {
		mid := (liveStart + end) >> 1
		v, err := fs.readU32(preambleLen + mid*4)
		if err != nil {
			return err
		}
		if v != 0 {
			end = mid
		} else {
			liveStart = mid + 1
		}
	}
	fs.nextFileIndex = preambleLen + start*4
	fs.oldestFileIndex = preambleLen + liveStart*4
	return nil
}

func (fs *FS) findFreeIndex() error {
	if fs.nextFileIndex == preambleLen {
		fs.freeIndex = fs.firstFileOffset
		return nil
	}
	offset, err := fs.readU32(fs.nextFileIndex - 4)
	if err != nil {
		return err
	}
	length, err := fs.readU32(offset)
	if err != nil {
		return err
	}
	fs.freeIndex = fs.alignNextPage(offset + length)
	if fs.freeIndex > fs.diskSize {
		fs.freeIndex = fs.freeIndex - fs.diskSize + fs.firstFileOffset
	}
	return nil
}

func (fs *FS) recoverDirFromStore() error {
	offset := fs.firstFileOffset
	length, err := fs.readU32(offset)
	if err != nil {
		return err
	}
	if length == 0xffffffff {
		return fs.createHeaderPage(0)
	}
	for {
		if length == ringEndMarker {
			oldest, err := fs.nextFileOffset(offset, length)
			if err != nil {
				return err
			}
			return fs.rebuildDir(oldest)
		}
		if length == 0xffffffff {
			return ErrUnrecoverableDisk
		}
		offset = fs.alignNextPage(offset + length)
		length, err = fs.readU32(offset)
		if err != nil {
			return err
		}
	}
}

func (fs *FS) recoverStoreFromDir() error {
	if err := fs.erase(fs.dirSize, fs.dirSize+fs.eraseSize); err != nil {
		return err
	}
	return fs.write(fs.dirSize, fs.headerSequence())
}

// --- formatting --------------------------------------------------------

func (fs *FS) headerSequence() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], formatMagic)
	versionWord := (formatVersion << 24) | fs.dirSize
	binary.LittleEndian.PutUint32(buf[4:8], versionWord)
	binary.LittleEndian.PutUint32(buf[8:12], fs.diskSize)
	return buf
}

func (fs *FS) checkFormatted(offset uint32) (bool, error) {
	var endPage [4]byte
	if err := fs.read(fs.dirSize-4, endPage[:]); err != nil {
		return false, err
	}
	if endPage != endPagePattern {
		return false, nil
	}
	check := make([]byte, 12)
	if err := fs.read(offset, check); err != nil {
		return false, err
	}
	want := fs.headerSequence()
	for i := range want {
		if check[i] != want[i] {
			return false, nil
		}
	}
	return true, nil
}

func (fs *FS) createHeaderPage(offset uint32) error {
	var eraseEnd uint32
	if offset == 0 {
		eraseEnd = fs.dirSize
	} else {
		eraseEnd = offset + fs.eraseSize
	}
	if err := fs.erase(offset, eraseEnd); err != nil {
		return err
	}
	if err := fs.write(offset, fs.headerSequence()); err != nil {
		return err
	}
	if offset == 0 {
		if err := fs.write(fs.dirSize-4, endPagePattern[:]); err != nil {
			return err
		}
	}
	return nil
}

// --- flash primitives, with page write-cache ----------------------------

func (fs *FS) alignStartErase(offset uint32) uint32 { return offset - (offset % fs.eraseSize) }
func (fs *FS) alignStartPage(offset uint32) uint32  { return offset - (offset % fs.pageSize) }
func (fs *FS) alignNextPage(offset uint32) uint32   { return fs.alignStartPage(offset + fs.pageSize - 1) }

func (fs *FS) writeU32(offset, value uint32) error {
	if offset < fs.cacheOffset || offset+4 > fs.cacheOffset+fs.pageSize {
		if fs.cacheOffset != 0xffffffff {
			if err := fs.commitWriteCache(); err != nil {
				return err
			}
		}
		fs.cacheOffset = fs.alignStartPage(offset)
	}
	local := offset % fs.pageSize
	binary.LittleEndian.PutUint32(fs.writeCache[local:local+4], value)
	return nil
}

func (fs *FS) commitWriteCache() error {
	if fs.cacheOffset == 0xffffffff {
		return nil
	}
	err := mapFlashErr(fs.dev.ProgramAt(fs.writeCache, fs.cacheOffset))
	fillFF(fs.writeCache)
	fs.cacheOffset = 0xffffffff
	return err
}

func (fs *FS) write(offset uint32, data []byte) error {
	if fs.cacheOffset != 0xffffffff {
		if err := fs.commitWriteCache(); err != nil {
			return err
		}
	}
	return mapFlashErr(fs.dev.ProgramAt(data, offset))
}

func (fs *FS) erase(from, to uint32) error {
	if fs.cacheOffset != 0xffffffff {
		if err := fs.commitWriteCache(); err != nil {
			return err
		}
	}
	for off := from; off < to; off += fs.eraseSize {
		if err := mapFlashErr(fs.dev.EraseBlock(off)); err != nil {
			return err
		}
	}
	return nil
}

// readU32 reads a little-endian word, folding in any not-yet-committed
// write-cache contents. NOR flash programming can only clear bits (1->0),
// so AND-merging the real flash bytes with the cache (which starts all-1s
// and only ever has bits cleared to match the value being staged) yields
// exactly what a subsequent read would see after the cache commits.
func (fs *FS) readU32(offset uint32) (uint32, error) {
	var data [4]byte
	if err := fs.read(offset, data[:]); err != nil {
		return 0, err
	}
	if fs.cacheOffset != 0xffffffff && offset >= fs.cacheOffset && offset+4 <= fs.cacheOffset+fs.pageSize {
		local := offset - fs.cacheOffset
		for i := range data {
			data[i] &= fs.writeCache[local+uint32(i)]
		}
	}
	return binary.LittleEndian.Uint32(data[:]), nil
}

func (fs *FS) read(offset uint32, data []byte) error {
	return mapFlashErr(fs.dev.ReadAt(data, offset))
}

func fillFF(b []byte) {
	for i := range b {
		b[i] = 0xff
	}
}

func mapFlashErr(err error) error {
	if err == nil {
		return nil
	}
	switch err {
	case board.ErrNotAligned:
		return ErrNotAligned
	case board.ErrOutOfBounds:
		return ErrOutOfBounds
	default:
		return ErrUnknown
	}
}
