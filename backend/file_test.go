package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmremap/go-dmremap/internal/constants"
)

func makeTempDevice(t *testing.T, sectors uint64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(sectors*constants.SectorSize)))
	require.NoError(t, f.Close())
	return path
}

func TestFileDeviceReadWrite(t *testing.T) {
	path := makeTempDevice(t, 8)
	dev, err := OpenFileDevice(path)
	require.NoError(t, err)
	defer dev.Close()

	assert.Equal(t, uint64(8), dev.SectorCount())

	ctx := context.Background()
	data := make([]byte, 512)
	copy(data, []byte("file device sector contents"))
	require.NoError(t, dev.WriteAt(ctx, 3, data))

	readBuf := make([]byte, 512)
	require.NoError(t, dev.ReadAt(ctx, 3, readBuf))
	assert.Equal(t, data, readBuf)
}

func TestFileDeviceSubmitWrite(t *testing.T) {
	path := makeTempDevice(t, 4)
	dev, err := OpenFileDevice(path)
	require.NoError(t, err)
	defer dev.Close()

	ctx := context.Background()
	buf := make([]byte, 512)
	done := make(chan error, 1)
	dev.SubmitWrite(ctx, 1, buf, func(err error) { done <- err })
	require.NoError(t, <-done)
}
