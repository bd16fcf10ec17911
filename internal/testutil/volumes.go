// Package testutil builds synthetic volumes for tests.
package testutil

import (
	"math"

	"mrilongnorm/internal/models"
)

// Sphere returns a volume that is value inside a ball of the given radius
// (in voxels) around center (voxel coordinates) and 0 elsewhere.
func Sphere(g models.Grid, center [3]float64, radius, value float64) *models.Volume {
	v := models.NewVolume(g)
	for z := 0; z < g.Dims[2]; z++ {
		for y := 0; y < g.Dims[1]; y++ {
			for x := 0; x < g.Dims[0]; x++ {
				dx := float64(x) - center[0]
				dy := float64(y) - center[1]
				dz := float64(z) - center[2]
				if math.Sqrt(dx*dx+dy*dy+dz*dz) <= radius {
					v.Set(x, y, z, value)
				}
			}
		}
	}
	return v
}

// Head returns a two-compartment phantom: a bright brain ball inside a dim
// scalp shell, on a zero background.
func Head(g models.Grid, center [3]float64, brainRadius float64) *models.Volume {
	v := Sphere(g, center, brainRadius+2, 30)
	brain := Sphere(g, center, brainRadius, 100)
	for i, val := range brain.Data {
		if val > 0 {
			v.Data[i] = val
		}
	}
	return v
}

// Ramp returns a volume whose value encodes the voxel position,
// x + 100*y + 10000*z, so any misplaced sample is detectable.
func Ramp(g models.Grid) *models.Volume {
	v := models.NewVolume(g)
	for z := 0; z < g.Dims[2]; z++ {
		for y := 0; y < g.Dims[1]; y++ {
			for x := 0; x < g.Dims[0]; x++ {
				v.Set(x, y, z, float64(x)+100*float64(y)+10000*float64(z))
			}
		}
	}
	return v
}
