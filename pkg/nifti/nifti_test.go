package nifti

import (
	"bytes"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mrilongnorm/internal/models"
)

func testVolume() *models.Volume {
	g := models.NewGrid(4, 3, 2, [3]float64{1.5, 1, 2})
	g.Origin = [3]float64{-10, 20, 5}
	v := models.NewVolume(g)
	for i := range v.Data {
		v.Data[i] = float64(i) * 0.5
	}
	return v
}

func TestHeaderSize(t *testing.T) {
	assert.Equal(t, minHeaderSize, binary.Size(Header{}))
}

func TestRoundTripCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "vol.nii.gz")
	v := testVolume()
	require.NoError(t, WriteFile(path, v, Float32))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, v.Dims, got.Dims)
	assert.True(t, v.SameGeometry(got.Grid, 1e-5), "geometry changed: %+v vs %+v", v.Grid, got.Grid)
	require.Len(t, got.Data, len(v.Data))
	for i := range v.Data {
		assert.InDelta(t, v.Data[i], got.Data[i], 1e-6)
	}
}

func TestRoundTripUncompressedMask(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mask.nii")
	g := models.NewGrid(3, 3, 3, [3]float64{1, 1, 1})
	on := make([]bool, g.Len())
	on[g.Index(1, 1, 1)] = true
	on[g.Index(2, 1, 1)] = true
	m := models.NewMask(g, "template", on)
	require.NoError(t, WriteFile(path, &m.Volume, Uint8))

	got, err := ReadFile(path)
	require.NoError(t, err)
	back := models.MaskFromVolume(got, "template")
	assert.Equal(t, 2, back.Count())
	assert.True(t, back.Contains(g.Index(2, 1, 1)))
}

func TestReadBigEndianQForm(t *testing.T) {
	h := Header{SizeOfHdr: minHeaderSize, DataType: int16(Int16), BitPix: 16, VoxOffset: headerSize}
	h.Dim = [8]int16{3, 2, 2, 1, 1, 1, 1, 1}
	h.PixDim = [8]float32{-1, 2, 3, 4}
	h.QFormCode = 1
	h.QOffsetX, h.QOffsetY, h.QOffsetZ = 1, 2, 3
	h.SclSlope, h.SclInter = 2, 1
	h.Magic = [4]int8{'n', '+', '1', 0}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, &h))
	buf.Write([]byte{0, 0, 0, 0})
	for _, v := range []int16{0, 1, -2, 3} {
		require.NoError(t, binary.Write(&buf, binary.BigEndian, v))
	}

	v, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 2, 1}, v.Dims)
	assert.Equal(t, []float64{1, 3, -3, 7}, v.Data)
	assert.InDeltaSlice(t, []float64{2, 3, 4}, v.Spacing[:], 1e-9)
	assert.InDeltaSlice(t, []float64{1, 2, 3}, v.Origin[:], 1e-9)
	// negative qfac flips the third axis
	assert.InDelta(t, -1.0, v.Direction[2][2], 1e-9)
	assert.InDelta(t, 1.0, v.Direction[0][0], 1e-9)
}

func TestReadRejectsGarbage(t *testing.T) {
	_, err := Read(bytes.NewReader(make([]byte, 400)))
	assert.Error(t, err)

	_, err = Read(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)
}

func TestReadRejectsTruncatedData(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, testVolume(), Float32))
	data := buf.Bytes()[:buf.Len()-8]
	_, err := Read(bytes.NewReader(data))
	assert.Error(t, err)
}

func TestWriteClampsMaskValues(t *testing.T) {
	g := models.NewGrid(2, 1, 1, [3]float64{1, 1, 1})
	v := models.NewVolume(g)
	v.Data[0], v.Data[1] = -3, 300

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, v, Uint8))
	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, math.MaxUint8}, got.Data)
}
