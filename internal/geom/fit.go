package geom

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// TiePoint is one user-supplied correspondence between a pixel location
// and a world coordinate in projected meters.
type TiePoint struct {
	World [2]float64
	Pixel [2]float64
}

// FitTransform fits a pixel-to-meters transform to the given tie points
// by least squares. The method is chosen from the number of points: two
// points give a similarity (stored as affine), three an affine, four to
// six a projective, seven or more a quadratic transform.
func FitTransform(points []TiePoint) (Params, error) {
	n := len(points)
	switch {
	case n < 2:
		return Params{}, fmt.Errorf("need at least 2 tie points, got %d", n)
	case n == 2:
		return fitSimilarity(points)
	case n == 3:
		return fitAffine(points)
	case n <= 6:
		return fitProjective(points)
	default:
		return fitQuadratic(points)
	}
}

// fitSimilarity solves for rotation, uniform scale and translation:
// x = a*px - b*py + tx, y = b*px + a*py + ty.
func fitSimilarity(points []TiePoint) (Params, error) {
	n := len(points)
	a := mat.NewDense(2*n, 4, nil)
	b := mat.NewVecDense(2*n, nil)

	for i, p := range points {
		px, py := p.Pixel[0], p.Pixel[1]
		a.SetRow(2*i, []float64{px, -py, 1, 0})
		a.SetRow(2*i+1, []float64{py, px, 0, 1})
		b.SetVec(2*i, p.World[0])
		b.SetVec(2*i+1, p.World[1])
	}

	var sol mat.VecDense
	if err := sol.SolveVec(a, b); err != nil {
		return Params{}, fmt.Errorf("similarity fit failed: %w", err)
	}

	s, r, tx, ty := sol.AtVec(0), sol.AtVec(1), sol.AtVec(2), sol.AtVec(3)
	return Params{
		Method: MethodAffine,
		Matrix: []float64{s, -r, tx, r, s, ty},
	}, nil
}

func fitAffine(points []TiePoint) (Params, error) {
	n := len(points)
	a := mat.NewDense(2*n, 6, nil)
	b := mat.NewVecDense(2*n, nil)

	for i, p := range points {
		px, py := p.Pixel[0], p.Pixel[1]
		a.SetRow(2*i, []float64{px, py, 1, 0, 0, 0})
		a.SetRow(2*i+1, []float64{0, 0, 0, px, py, 1})
		b.SetVec(2*i, p.World[0])
		b.SetVec(2*i+1, p.World[1])
	}

	var sol mat.VecDense
	if err := sol.SolveVec(a, b); err != nil {
		return Params{}, fmt.Errorf("affine fit failed: %w", err)
	}

	return Params{Method: MethodAffine, Matrix: vecSlice(&sol, 6)}, nil
}

// fitProjective solves the direct linear transform with the lower-right
// homography entry pinned to 1.
func fitProjective(points []TiePoint) (Params, error) {
	n := len(points)
	a := mat.NewDense(2*n, 8, nil)
	b := mat.NewVecDense(2*n, nil)

	for i, p := range points {
		px, py := p.Pixel[0], p.Pixel[1]
		x, y := p.World[0], p.World[1]
		a.SetRow(2*i, []float64{px, py, 1, 0, 0, 0, -x * px, -x * py})
		a.SetRow(2*i+1, []float64{0, 0, 0, px, py, 1, -y * px, -y * py})
		b.SetVec(2*i, x)
		b.SetVec(2*i+1, y)
	}

	var sol mat.VecDense
	if err := sol.SolveVec(a, b); err != nil {
		return Params{}, fmt.Errorf("projective fit failed: %w", err)
	}

	matrix := vecSlice(&sol, 8)
	matrix = append(matrix, 1)
	return Params{Method: MethodProjective, Matrix: matrix}, nil
}

func fitQuadratic(points []TiePoint) (Params, error) {
	n := len(points)
	a := mat.NewDense(2*n, 12, nil)
	b := mat.NewVecDense(2*n, nil)

	for i, p := range points {
		px, py := p.Pixel[0], p.Pixel[1]
		terms := []float64{1, px, py, px * px, px * py, py * py}
		row0 := make([]float64, 12)
		row1 := make([]float64, 12)
		copy(row0, terms)
		copy(row1[6:], terms)
		a.SetRow(2*i, row0)
		a.SetRow(2*i+1, row1)
		b.SetVec(2*i, p.World[0])
		b.SetVec(2*i+1, p.World[1])
	}

	var sol mat.VecDense
	if err := sol.SolveVec(a, b); err != nil {
		return Params{}, fmt.Errorf("quadratic fit failed: %w", err)
	}

	return Params{Method: MethodQuadratic, Matrix: vecSlice(&sol, 12)}, nil
}

func vecSlice(v *mat.VecDense, n int) []float64 {
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = v.AtVec(i)
	}
	return out
}
