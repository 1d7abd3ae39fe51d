package ringfs_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpkgo/firmware/internal/board/sim"
	"github.com/rpkgo/firmware/internal/ringfs"
)

func newDevice(t *testing.T) *sim.Flash {
	t.Helper()
	return sim.NewFlash(64*1024, 256, 4096)
}

func writeFile(t *testing.T, fs *ringfs.FS, contents []byte) {
	t.Helper()
	desc, err := fs.CreateFile()
	require.NoError(t, err)

	lenHeader := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenHeader, uint32(len(contents)))
	require.NoError(t, fs.WriteFile(desc, append(lenHeader, contents...)))
}

func readNewestFile(t *testing.T, fs *ringfs.FS) []byte {
	t.Helper()
	desc, err := fs.FileReaderByIndex(0)
	require.NoError(t, err)

	buf := make([]byte, 4096)
	n, err := fs.ReadFile(desc, buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestRingFS_WriteThenReadRoundTrip(t *testing.T) {
	dev := newDevice(t)
	fs, err := ringfs.New(dev, ringfs.WithMaxFiles(8))
	require.NoError(t, err)

	payload := []byte("a rpk keymap artifact, or close enough")
	writeFile(t, fs, payload)

	assert.Equal(t, payload, readNewestFile(t, fs))
}

func TestRingFS_MultipleFilesOrderedNewestFirst(t *testing.T) {
	dev := newDevice(t)
	fs, err := ringfs.New(dev, ringfs.WithMaxFiles(8))
	require.NoError(t, err)

	writeFile(t, fs, []byte("first"))
	writeFile(t, fs, []byte("second"))
	writeFile(t, fs, []byte("third"))

	assert.Equal(t, []byte("third"), readNewestFile(t, fs))

	desc, err := fs.FileReaderByIndex(1)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := fs.ReadFile(desc, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), buf[:n])
}

func TestRingFS_MaxFilesEvictsOldest(t *testing.T) {
	dev := newDevice(t)
	fs, err := ringfs.New(dev, ringfs.WithMaxFiles(2))
	require.NoError(t, err)

	writeFile(t, fs, []byte("one"))
	writeFile(t, fs, []byte("two"))
	writeFile(t, fs, []byte("three"))

	_, err = fs.FileReaderByIndex(2)
	assert.ErrorIs(t, err, ringfs.ErrFileNotFound, "the oldest file must have been evicted once MaxFiles was exceeded")

	assert.Equal(t, []byte("three"), readNewestFile(t, fs))
}

func TestRingFS_WriterExclusiveWithReaders(t *testing.T) {
	dev := newDevice(t)
	fs, err := ringfs.New(dev, ringfs.WithMaxFiles(8))
	require.NoError(t, err)
	writeFile(t, fs, []byte("existing"))

	reader, err := fs.FileReaderByIndex(0)
	require.NoError(t, err)

	_, err = fs.CreateFile()
	assert.ErrorIs(t, err, ringfs.ErrInUse)

	fs.CloseFile(reader)
	_, err = fs.CreateFile()
	assert.NoError(t, err)
}

func TestRingFS_RecoversFilesAfterReopeningSameDevice(t *testing.T) {
	dev := newDevice(t)
	fs, err := ringfs.New(dev, ringfs.WithMaxFiles(8))
	require.NoError(t, err)
	writeFile(t, fs, []byte("survives a simulated power cycle"))

	reopened, err := ringfs.New(dev, ringfs.WithMaxFiles(8))
	require.NoError(t, err)

	assert.Equal(t, []byte("survives a simulated power cycle"), readNewestFile(t, reopened))
}

func TestRingFS_FirstWriteWithoutLengthHeaderFails(t *testing.T) {
	dev := newDevice(t)
	fs, err := ringfs.New(dev, ringfs.WithMaxFiles(8))
	require.NoError(t, err)

	desc, err := fs.CreateFile()
	require.NoError(t, err)

	err = fs.WriteFile(desc, []byte{1, 2})
	assert.ErrorIs(t, err, ringfs.ErrMissingFileLength)
}
