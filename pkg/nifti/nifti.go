package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"mrilongnorm/internal/models"
)

// ReadFile loads the first 3-D volume stored in a .nii or .nii.gz file.
func ReadFile(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	v, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return v, nil
}

// Read decodes a NIfTI-1 stream. Gzip compression is detected from the
// stream itself rather than the file name.
func Read(r io.Reader) (*models.Volume, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("reading nifti stream: %w", err)
	}
	var src io.Reader = br
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	buf, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("reading nifti data: %w", err)
	}
	if len(buf) < minHeaderSize {
		return nil, fmt.Errorf("file has %d bytes, shorter than a nifti1 header", len(buf))
	}

	h, order, err := readHeader(buf[:minHeaderSize])
	if err != nil {
		return nil, err
	}

	dt := DataType(h.DataType)
	bpp, err := dt.bytesPer()
	if err != nil {
		return nil, err
	}

	g := h.grid()
	offset := int(h.VoxOffset)
	if offset < headerSize {
		offset = headerSize
	}
	need := offset + g.Len()*bpp
	if len(buf) < need {
		return nil, fmt.Errorf("truncated voxel data: have %d bytes, need %d", len(buf), need)
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	scale := slope != 0 && !math.IsNaN(slope) && !(slope == 1 && inter == 0)

	v := models.NewVolume(g)
	data := buf[offset:need]
	for i := range v.Data {
		val := dt.decodeVoxel(data[i*bpp:(i+1)*bpp], order)
		if scale {
			val = val*slope + inter
		}
		v.Data[i] = val
	}
	return v, nil
}

// readHeader decodes the fixed header and reports the byte order it was
// written in.
func readHeader(b []byte) (*Header, binary.ByteOrder, error) {
	order := binary.ByteOrder(binary.LittleEndian)
	if int32(binary.LittleEndian.Uint32(b)) != minHeaderSize {
		order = binary.BigEndian
		if int32(binary.BigEndian.Uint32(b)) != minHeaderSize {
			return nil, nil, fmt.Errorf("not a nifti1 file: sizeof_hdr is not %d", minHeaderSize)
		}
	}

	var h Header
	if err := binary.Read(bytes.NewReader(b), order, &h); err != nil {
		return nil, nil, fmt.Errorf("decoding nifti1 header: %w", err)
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return nil, nil, fmt.Errorf("invalid dim[0] %d", h.Dim[0])
	}
	return &h, order, nil
}

// WriteFile stores v at path, gzip-compressed when the name ends in .gz.
// Parent directories are created as needed.
func WriteFile(path string, v *models.Volume, dt DataType) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	bw := bufio.NewWriter(w)

	if err := Write(bw, v, dt); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// Write encodes v as a little-endian single-file NIfTI-1 stream. Supported
// output datatypes are Uint8 (masks), Int16, Float32 and Float64.
func Write(w io.Writer, v *models.Volume, dt DataType) error {
	if err := v.Validate(); err != nil {
		return err
	}
	h, err := newHeader(v.Grid, dt)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return err
	}
	// empty extension flag
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	bpp, _ := dt.bytesPer()
	out := make([]byte, len(v.Data)*bpp)
	for i, val := range v.Data {
		b := out[i*bpp : (i+1)*bpp]
		switch dt {
		case Uint8:
			b[0] = uint8(clamp(math.Round(val), 0, math.MaxUint8))
		case Int16:
			binary.LittleEndian.PutUint16(b, uint16(int16(clamp(math.Round(val), math.MinInt16, math.MaxInt16))))
		case Float32:
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(val)))
		case Float64:
			binary.LittleEndian.PutUint64(b, math.Float64bits(val))
		default:
			return fmt.Errorf("writing datatype %d is not supported", dt)
		}
	}
	_, err = w.Write(out)
	return err
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
