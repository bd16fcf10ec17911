// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz).
//
// Based on the official definition of the nifti1 header,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"encoding/binary"
	"fmt"
	"math"

	"mrilongnorm/internal/models"
)

// Header is the on-disk nifti1 header.
//
// Type translation from nifti1 C header to golang:
//
//	C     Go
//	-------------
//	int   int32
//	float float32
//	short int16
//	char  int8
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]int8 // Unused
	UnusedDbName       [18]int8 // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      int8     // Unused
	DimInfo            int8     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     int8       // Slice timing order
	XYZTUnits     int8       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]int8 // Any text you like
	AuxFile [24]int8 // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b params
	QuaternC float32 // Quaternion c params
	QuaternD float32 // Quaternion d params
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]int8 // 'name' or meaning of data

	Magic [4]int8 // Must be "ni1\0" or "n+1\0"
}

const (
	minHeaderSize = 348
	headerSize    = 352 // header plus the 4-byte extension flag
)

// DataType is a NIFTI_TYPE_* code.
type DataType int16

const (
	Uint8   DataType = 2
	Int16   DataType = 4
	Int32   DataType = 8
	Float32 DataType = 16
	Float64 DataType = 64
	Int8    DataType = 256
	Uint16  DataType = 512
	Uint32  DataType = 768
	Int64   DataType = 1024
	Uint64  DataType = 1280
)

// bytesPer returns the voxel size of a supported datatype.
func (d DataType) bytesPer() (int, error) {
	switch d {
	case Uint8, Int8:
		return 1, nil
	case Int16, Uint16:
		return 2, nil
	case Int32, Uint32, Float32:
		return 4, nil
	case Float64, Int64, Uint64:
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported nifti datatype %d", d)
}

// decodeVoxel reads one voxel of datatype d from b.
func (d DataType) decodeVoxel(b []byte, order binary.ByteOrder) float64 {
	switch d {
	case Uint8:
		return float64(b[0])
	case Int8:
		return float64(int8(b[0]))
	case Int16:
		return float64(int16(order.Uint16(b)))
	case Uint16:
		return float64(order.Uint16(b))
	case Int32:
		return float64(int32(order.Uint32(b)))
	case Uint32:
		return float64(order.Uint32(b))
	case Float32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case Float64:
		return math.Float64frombits(order.Uint64(b))
	case Int64:
		return float64(int64(order.Uint64(b)))
	case Uint64:
		return float64(order.Uint64(b))
	}
	return 0
}

// grid derives the voxel geometry from the header, preferring the sform,
// then the qform, then plain pixdim scaling.
func (h *Header) grid() models.Grid {
	var g models.Grid
	for i := 0; i < 3; i++ {
		g.Dims[i] = 1
		if int(h.Dim[0]) > i && h.Dim[i+1] > 0 {
			g.Dims[i] = int(h.Dim[i+1])
		}
	}

	var affine [4][4]float64
	switch {
	case h.SFormCode > 0:
		for c := 0; c < 4; c++ {
			affine[0][c] = float64(h.SRowX[c])
			affine[1][c] = float64(h.SRowY[c])
			affine[2][c] = float64(h.SRowZ[c])
		}
	case h.QFormCode > 0:
		affine = h.qformAffine()
	default:
		for i := 0; i < 3; i++ {
			affine[i][i] = positive(float64(h.PixDim[i+1]))
		}
	}

	for c := 0; c < 3; c++ {
		norm := math.Sqrt(affine[0][c]*affine[0][c] + affine[1][c]*affine[1][c] + affine[2][c]*affine[2][c])
		if norm == 0 {
			g.Spacing[c] = positive(float64(h.PixDim[c+1]))
			g.Direction[c][c] = 1
			continue
		}
		g.Spacing[c] = norm
		for r := 0; r < 3; r++ {
			g.Direction[r][c] = affine[r][c] / norm
		}
	}
	for r := 0; r < 3; r++ {
		g.Origin[r] = affine[r][3]
	}
	return g
}

// qformAffine builds the voxel-to-world matrix from the quaternion fields.
func (h *Header) qformAffine() [4][4]float64 {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	dx := positive(float64(h.PixDim[1]))
	dy := positive(float64(h.PixDim[2]))
	dz := positive(float64(h.PixDim[3]))
	if h.PixDim[0] < 0 {
		dz = -dz
	}

	r := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
	}
	var m [4][4]float64
	scale := [3]float64{dx, dy, dz}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = r[i][j] * scale[j]
		}
	}
	m[0][3] = float64(h.QOffsetX)
	m[1][3] = float64(h.QOffsetY)
	m[2][3] = float64(h.QOffsetZ)
	m[3][3] = 1
	return m
}

// newHeader fills a header describing g with the given datatype.
func newHeader(g models.Grid, dt DataType) (*Header, error) {
	bpp, err := dt.bytesPer()
	if err != nil {
		return nil, err
	}
	h := &Header{
		SizeOfHdr: minHeaderSize,
		DataType:  int16(dt),
		BitPix:    int16(bpp * 8),
		VoxOffset: headerSize,
		SclSlope:  1,
		XYZTUnits: 2, // NIFTI_UNITS_MM
		SFormCode: 1, // NIFTI_XFORM_SCANNER_ANAT
	}
	h.Dim[0] = 3
	h.PixDim[0] = 1
	for i := 0; i < 3; i++ {
		if g.Dims[i] > math.MaxInt16 {
			return nil, fmt.Errorf("dimension %d of size %d does not fit a nifti1 header", i, g.Dims[i])
		}
		h.Dim[i+1] = int16(g.Dims[i])
		h.PixDim[i+1] = float32(g.Spacing[i])
	}
	for i := 4; i < 8; i++ {
		h.Dim[i] = 1
	}
	affine := g.Affine()
	for c := 0; c < 4; c++ {
		h.SRowX[c] = float32(affine[0][c])
		h.SRowY[c] = float32(affine[1][c])
		h.SRowZ[c] = float32(affine[2][c])
	}
	h.Magic = [4]int8{'n', '+', '1', 0}
	return h, nil
}

func positive(v float64) float64 {
	if v <= 0 || math.IsNaN(v) {
		return 1
	}
	return v
}
