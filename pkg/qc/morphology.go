package qc

import "mrilongnorm/internal/models"

// cleanIterations is how many times the 6-connected cross is applied in
// each of the opening and the closing.
const cleanIterations = 2

// offsets of the 6-connected structuring element, centre excluded
var cross = [6][3]int{
	{-1, 0, 0}, {1, 0, 0},
	{0, -1, 0}, {0, 1, 0},
	{0, 0, -1}, {0, 0, 1},
}

// Clean applies a morphological opening followed by a closing. Isolated
// foreground voxels are removed and small holes filled. Voxels outside the
// grid count as background for both erosion and dilation.
func Clean(on []bool, g models.Grid) []bool {
	out := open(on, g, cleanIterations)
	return closeMask(out, g, cleanIterations)
}

func open(on []bool, g models.Grid, n int) []bool {
	return repeat(dilate, repeat(erode, on, g, n), g, n)
}

func closeMask(on []bool, g models.Grid, n int) []bool {
	return repeat(erode, repeat(dilate, on, g, n), g, n)
}

func repeat(op func([]bool, models.Grid) []bool, on []bool, g models.Grid, n int) []bool {
	for i := 0; i < n; i++ {
		on = op(on, g)
	}
	return on
}

// erode keeps a voxel only if it and all of its 6 neighbours are set.
func erode(on []bool, g models.Grid) []bool {
	out := make([]bool, len(on))
	for idx, set := range on {
		if !set {
			continue
		}
		x, y, z := g.Coords(idx)
		keep := true
		for _, o := range cross {
			nx, ny, nz := x+o[0], y+o[1], z+o[2]
			if !inGrid(g, nx, ny, nz) || !on[g.Index(nx, ny, nz)] {
				keep = false
				break
			}
		}
		out[idx] = keep
	}
	return out
}

// dilate sets a voxel if it or any of its 6 neighbours is set.
func dilate(on []bool, g models.Grid) []bool {
	out := make([]bool, len(on))
	for idx, set := range on {
		if !set {
			continue
		}
		out[idx] = true
		x, y, z := g.Coords(idx)
		for _, o := range cross {
			nx, ny, nz := x+o[0], y+o[1], z+o[2]
			if inGrid(g, nx, ny, nz) {
				out[g.Index(nx, ny, nz)] = true
			}
		}
	}
	return out
}

func inGrid(g models.Grid, x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < g.Dims[0] && y < g.Dims[1] && z < g.Dims[2]
}
