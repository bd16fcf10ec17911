package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	xdraw "golang.org/x/image/draw"

	"mrilongnorm/internal/models"
)

// ContourColor is the colour of mask boundaries drawn by Overlay.
var ContourColor = color.RGBA{R: 255, A: 255}

// Viewer renders orthogonal slices of a volume, optionally with the
// boundary of a mask drawn on top.
type Viewer struct {
	// volume is the image being displayed
	volume *models.Volume

	// mask is drawn as a contour when set
	mask *models.Mask

	// low and high are the intensities mapped to black and white
	low  float64
	high float64
}

// NewViewer creates a viewer whose display window spans the intensity range
// of the volume.
func NewViewer(v *models.Volume) *Viewer {
	low, high := math.Inf(1), math.Inf(-1)
	for _, val := range v.Data {
		low = math.Min(low, val)
		high = math.Max(high, val)
	}
	if len(v.Data) == 0 {
		low, high = 0, 1
	}
	return &Viewer{volume: v, low: low, high: high}
}

// WithMask sets the mask whose boundary Overlay draws. The mask must share
// the volume grid.
func (v *Viewer) WithMask(m *models.Mask) (*Viewer, error) {
	if !m.SameGeometry(v.volume.Grid, 1e-4) {
		return nil, fmt.Errorf("mask in space %q does not share the volume grid", m.Space)
	}
	v.mask = m
	return v, nil
}

// Center returns the voxel at the geometric centre of the volume.
func (v *Viewer) Center() [3]int {
	d := v.volume.Dims
	return [3]int{d[0] / 2, d[1] / 2, d[2] / 2}
}

// plane maps 2-D pixel coordinates of a slice to voxel coordinates. Rows are
// flipped so the superior (or anterior, for axial slices) side is up.
type plane struct {
	cols, rows int

	// spacing of a pixel along columns and rows in mm
	colMM, rowMM float64

	voxel func(col, row int) (x, y, z int)
}

func (v *Viewer) plane(axis string, position int) (*plane, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	d, sp := v.volume.Dims, v.volume.Spacing
	switch axis {
	case "x", "X":
		// sagittal: y across, z up
		if position >= d[0] {
			return nil, fmt.Errorf("position %d exceeds width %d", position, d[0])
		}
		return &plane{cols: d[1], rows: d[2], colMM: sp[1], rowMM: sp[2], voxel: func(c, r int) (int, int, int) {
			return position, c, d[2] - 1 - r
		}}, nil
	case "y", "Y":
		// coronal: x across, z up
		if position >= d[1] {
			return nil, fmt.Errorf("position %d exceeds height %d", position, d[1])
		}
		return &plane{cols: d[0], rows: d[2], colMM: sp[0], rowMM: sp[2], voxel: func(c, r int) (int, int, int) {
			return c, position, d[2] - 1 - r
		}}, nil
	case "z", "Z":
		// axial: x across, y up
		if position >= d[2] {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, d[2])
		}
		return &plane{cols: d[0], rows: d[1], colMM: sp[0], rowMM: sp[1], voxel: func(c, r int) (int, int, int) {
			return c, d[1] - 1 - r, position
		}}, nil
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// gray maps an intensity into the display window.
func (v *Viewer) gray(val float64) uint16 {
	if v.high <= v.low {
		return 0
	}
	t := (val - v.low) / (v.high - v.low)
	return uint16(math.Max(0, math.Min(65535, t*65535)))
}

// ExtractSlice extracts a 2D slice through the volume perpendicular to the
// given axis.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	p, err := v.plane(axis, position)
	if err != nil {
		return nil, err
	}
	img := image.NewGray16(image.Rect(0, 0, p.cols, p.rows))
	for r := 0; r < p.rows; r++ {
		for c := 0; c < p.cols; c++ {
			img.SetGray16(c, r, color.Gray16{Y: v.gray(v.volume.At(p.voxel(c, r)))})
		}
	}
	return img, nil
}

// Overlay extracts a slice and paints the in-plane mask boundary: mask
// pixels with at least one 4-neighbour outside the mask or the slice.
func (v *Viewer) Overlay(axis string, position int) (*image.RGBA, error) {
	slice, err := v.ExtractSlice(axis, position)
	if err != nil {
		return nil, err
	}
	out := image.NewRGBA(slice.Bounds())
	xdraw.Draw(out, out.Bounds(), slice, image.Point{}, xdraw.Src)
	if v.mask == nil {
		return out, nil
	}

	p, _ := v.plane(axis, position)
	in := func(c, r int) bool {
		if c < 0 || r < 0 || c >= p.cols || r >= p.rows {
			return false
		}
		x, y, z := p.voxel(c, r)
		return v.mask.Contains(v.mask.Index(x, y, z))
	}
	for r := 0; r < p.rows; r++ {
		for c := 0; c < p.cols; c++ {
			if in(c, r) && (!in(c-1, r) || !in(c+1, r) || !in(c, r-1) || !in(c, r+1)) {
				out.SetRGBA(c, r, ContourColor)
			}
		}
	}
	return out, nil
}

// Montage places the sagittal, coronal and axial slices through the centre
// side by side. Each panel is scaled to the given pixel height keeping its
// physical aspect ratio.
func (v *Viewer) Montage(height int) (*image.RGBA, error) {
	if height < 1 {
		return nil, fmt.Errorf("montage height must be positive, got %d", height)
	}
	c := v.Center()
	axes := []struct {
		axis string
		pos  int
	}{{"x", c[0]}, {"y", c[1]}, {"z", c[2]}}

	panels := make([]*image.RGBA, 0, len(axes))
	width := 0
	for _, a := range axes {
		img, err := v.Overlay(a.axis, a.pos)
		if err != nil {
			return nil, err
		}
		p, _ := v.plane(a.axis, a.pos)
		physW := float64(p.cols) * math.Abs(p.colMM)
		physH := float64(p.rows) * math.Abs(p.rowMM)
		w := max(1, int(math.Round(float64(height)*physW/physH)))

		scaled := image.NewRGBA(image.Rect(0, 0, w, height))
		xdraw.NearestNeighbor.Scale(scaled, scaled.Bounds(), img, img.Bounds(), xdraw.Src, nil)
		panels = append(panels, scaled)
		width += w
	}

	out := image.NewRGBA(image.Rect(0, 0, width, height))
	x := 0
	for _, p := range panels {
		r := image.Rect(x, 0, x+p.Bounds().Dx(), height)
		xdraw.Draw(out, r, p, image.Point{}, xdraw.Src)
		x += p.Bounds().Dx()
	}
	return out, nil
}

// SavePNG writes an image as PNG, creating the parent directory.
func SavePNG(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
