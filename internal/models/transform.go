package models

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Transform is an affine spatial mapping that carries world points of the
// moving image onto world points of the fixed image.
type Transform struct {
	// Kind is the transform family the estimator searched, e.g. "affine"
	Kind string `yaml:"kind"`

	// From and To label the moving and fixed spaces
	From string `yaml:"from"`
	To   string `yaml:"to"`

	// Matrix is the homogeneous 4x4 moving-to-fixed matrix, row-major
	Matrix [4][4]float64 `yaml:"matrix"`
}

// Identity returns the identity transform between two labelled spaces.
func Identity(from, to string) *Transform {
	t := &Transform{Kind: "identity", From: from, To: to}
	for i := 0; i < 4; i++ {
		t.Matrix[i][i] = 1
	}
	return t
}

// Dense returns the matrix as a gonum matrix.
func (t *Transform) Dense() *mat.Dense {
	return DenseFromArray(t.Matrix)
}

// Apply maps a single world point through the transform.
func (t *Transform) Apply(p [3]float64) [3]float64 {
	return ApplyAffine(t.Matrix, p)
}

func (t *Transform) String() string {
	return fmt.Sprintf("%s[%s->%s]", t.Kind, t.From, t.To)
}

// Chain is an ordered list of transforms, outermost first: applying
// [T_n, ..., T_1] to a point applies T_1 first, then T_2, up to T_n.
type Chain []*Transform

// Compose returns the single moving-to-fixed matrix equivalent to the chain,
// T_n * ... * T_1.
func (c Chain) Compose() ([4][4]float64, error) {
	if len(c) == 0 {
		return [4][4]float64{}, fmt.Errorf("empty transform chain")
	}
	for _, t := range c {
		if t == nil {
			return [4][4]float64{}, fmt.Errorf("nil transform in chain")
		}
	}
	acc := c[0].Dense()
	for _, t := range c[1:] {
		var next mat.Dense
		next.Mul(acc, t.Dense())
		acc = &next
	}
	return ArrayFromDense(acc), nil
}

// Inverse returns the fixed-to-moving matrix of the whole chain, which is
// what a resampler needs to pull values from the moving image.
func (c Chain) Inverse() ([4][4]float64, error) {
	fwd, err := c.Compose()
	if err != nil {
		return fwd, err
	}
	var inv mat.Dense
	if err := inv.Inverse(DenseFromArray(fwd)); err != nil {
		return [4][4]float64{}, fmt.Errorf("transform chain %s is not invertible: %w", c, err)
	}
	return ArrayFromDense(&inv), nil
}

func (c Chain) String() string {
	parts := make([]string, len(c))
	for i, t := range c {
		parts[i] = t.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// DenseFromArray converts a row-major 4x4 array to a gonum matrix.
func DenseFromArray(a [4][4]float64) *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			m.Set(r, c, a[r][c])
		}
	}
	return m
}

// ArrayFromDense converts a 4x4 gonum matrix to a row-major array.
func ArrayFromDense(m mat.Matrix) [4][4]float64 {
	var a [4][4]float64
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			a[r][c] = m.At(r, c)
		}
	}
	return a
}

// ApplyAffine maps p through a homogeneous 4x4 matrix.
func ApplyAffine(a [4][4]float64, p [3]float64) [3]float64 {
	var out [3]float64
	for r := 0; r < 3; r++ {
		out[r] = a[r][0]*p[0] + a[r][1]*p[1] + a[r][2]*p[2] + a[r][3]
	}
	return out
}
