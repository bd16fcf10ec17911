package models

import (
	"fmt"
	"math"
)

// Grid describes the voxel geometry of a 3-D image: how many voxels it has
// along each axis and how voxel indices map to physical (world) coordinates.
type Grid struct {
	// Dims is the number of voxels along x, y and z
	Dims [3]int

	// Spacing is the physical size of each voxel in mm
	Spacing [3]float64

	// Origin is the world position of voxel (0, 0, 0) in mm
	Origin [3]float64

	// Direction holds the unit axis directions as columns
	Direction [3][3]float64
}

// NewGrid returns an axis-aligned grid with the given dimensions and spacing
// and its origin at zero.
func NewGrid(nx, ny, nz int, spacing [3]float64) Grid {
	return Grid{
		Dims:      [3]int{nx, ny, nz},
		Spacing:   spacing,
		Direction: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
	}
}

// Len returns the number of voxels in the grid.
func (g Grid) Len() int {
	return g.Dims[0] * g.Dims[1] * g.Dims[2]
}

// Index returns the flat index of voxel (x, y, z). The layout is the one used
// by NIfTI: x varies fastest, then y, then z.
func (g Grid) Index(x, y, z int) int {
	return z*g.Dims[0]*g.Dims[1] + y*g.Dims[0] + x
}

// Coords is the inverse of Index.
func (g Grid) Coords(idx int) (x, y, z int) {
	plane := g.Dims[0] * g.Dims[1]
	z = idx / plane
	rem := idx % plane
	return rem % g.Dims[0], rem / g.Dims[0], z
}

// VoxelVolume returns the volume of one voxel in mm^3.
func (g Grid) VoxelVolume() float64 {
	return math.Abs(g.Spacing[0] * g.Spacing[1] * g.Spacing[2])
}

// Affine returns the 4x4 voxel-to-world matrix of the grid in row-major order.
func (g Grid) Affine() [4][4]float64 {
	var a [4][4]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			a[r][c] = g.Direction[r][c] * g.Spacing[c]
		}
		a[r][3] = g.Origin[r]
	}
	a[3][3] = 1
	return a
}

// SameGeometry reports whether two grids describe the same voxel lattice
// within tol (mm for origins and spacing, unitless for directions).
func (g Grid) SameGeometry(o Grid, tol float64) bool {
	if g.Dims != o.Dims {
		return false
	}
	for i := 0; i < 3; i++ {
		if math.Abs(g.Spacing[i]-o.Spacing[i]) > tol || math.Abs(g.Origin[i]-o.Origin[i]) > tol {
			return false
		}
		for j := 0; j < 3; j++ {
			if math.Abs(g.Direction[i][j]-o.Direction[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

// Volume is a 3-D scalar image together with its voxel geometry.
type Volume struct {
	Grid

	// Data holds one value per voxel in Grid.Index order
	Data []float64
}

// NewVolume allocates a zero-filled volume on the given grid.
func NewVolume(g Grid) *Volume {
	return &Volume{Grid: g, Data: make([]float64, g.Len())}
}

// At returns the value at voxel (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores val at voxel (x, y, z).
func (v *Volume) Set(x, y, z int, val float64) {
	v.Data[v.Index(x, y, z)] = val
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := &Volume{Grid: v.Grid, Data: make([]float64, len(v.Data))}
	copy(out.Data, v.Data)
	return out
}

// Validate checks that the data length matches the grid.
func (v *Volume) Validate() error {
	if v == nil {
		return fmt.Errorf("nil volume")
	}
	for i, d := range v.Dims {
		if d <= 0 {
			return fmt.Errorf("dimension %d is %d, must be positive", i, d)
		}
	}
	if len(v.Data) != v.Len() {
		return fmt.Errorf("volume has %d values for a %dx%dx%d grid", len(v.Data), v.Dims[0], v.Dims[1], v.Dims[2])
	}
	return nil
}

// Mask is a binary volume aligned to a particular space. Voxels are either
// 0 (background) or 1 (brain).
type Mask struct {
	Volume

	// Space names the coordinate space the mask lives in, e.g. "template"
	// or "native:OAS30001/d0129"
	Space string
}

// NewMask builds a mask from a boolean voxel selection on grid g.
func NewMask(g Grid, space string, on []bool) *Mask {
	m := &Mask{Volume: Volume{Grid: g, Data: make([]float64, g.Len())}, Space: space}
	for i, b := range on {
		if b {
			m.Data[i] = 1
		}
	}
	return m
}

// MaskFromVolume binarizes v: every voxel strictly above 0.5 becomes brain.
func MaskFromVolume(v *Volume, space string) *Mask {
	on := make([]bool, len(v.Data))
	for i, val := range v.Data {
		on[i] = val > 0.5
	}
	return NewMask(v.Grid, space, on)
}

// Contains reports whether voxel idx is inside the mask.
func (m *Mask) Contains(idx int) bool {
	return m.Data[idx] > 0.5
}

// Count returns the number of brain voxels.
func (m *Mask) Count() int {
	n := 0
	for i := range m.Data {
		if m.Contains(i) {
			n++
		}
	}
	return n
}

// Apply returns a copy of v with every voxel outside the mask set to zero.
// The mask and volume must share a grid.
func (m *Mask) Apply(v *Volume) (*Volume, error) {
	if !m.SameGeometry(v.Grid, 1e-4) {
		return nil, fmt.Errorf("mask in space %q does not share the volume grid", m.Space)
	}
	out := v.Clone()
	for i := range out.Data {
		if !m.Contains(i) {
			out.Data[i] = 0
		}
	}
	return out, nil
}
