package geom

import (
	"errors"
	"fmt"
	"math"
)

// Transform method names as they appear in serialized parameters.
const (
	MethodAffine     = "affine"
	MethodProjective = "projective"
	MethodQuadratic  = "quadratic"
)

// ErrOutOfDomain is returned by Reverse when a world point has no
// well-defined pixel preimage under the transform.
var ErrOutOfDomain = errors.New("point outside transform domain")

// Params is the serializable description of a fitted transform:
// a method name plus its coefficient vector. Immutable once fitted.
type Params struct {
	Method string    `json:"type"`
	Matrix []float64 `json:"matrix"`
}

// Transform maps pixel coordinates to projected meters and back.
// Forward is total; Reverse may fail with ErrOutOfDomain.
type Transform interface {
	Forward(px, py float64) (x, y float64)
	Reverse(x, y float64) (px, py float64, err error)
	Params() Params
}

// MakeTransform reconstructs a live transform from its serialized
// parameters. It is a pure function of its input.
func MakeTransform(p Params) (Transform, error) {
	switch p.Method {
	case MethodAffine:
		if len(p.Matrix) != 6 {
			return nil, fmt.Errorf("affine transform wants 6 coefficients, got %d", len(p.Matrix))
		}
		return &affineTransform{coef: toArray6(p.Matrix)}, nil
	case MethodProjective:
		if len(p.Matrix) != 9 {
			return nil, fmt.Errorf("projective transform wants 9 coefficients, got %d", len(p.Matrix))
		}
		t := &projectiveTransform{coef: toArray9(p.Matrix)}
		if err := t.computeInverse(); err != nil {
			return nil, err
		}
		return t, nil
	case MethodQuadratic:
		if len(p.Matrix) != 12 {
			return nil, fmt.Errorf("quadratic transform wants 12 coefficients, got %d", len(p.Matrix))
		}
		var coef [12]float64
		copy(coef[:], p.Matrix)
		return &quadraticTransform{coef: coef}, nil
	default:
		return nil, fmt.Errorf("unknown transform method %q", p.Method)
	}
}

func toArray6(v []float64) [6]float64 {
	var a [6]float64
	copy(a[:], v)
	return a
}

func toArray9(v []float64) [9]float64 {
	var a [9]float64
	copy(a[:], v)
	return a
}

// affineTransform: x = c0*px + c1*py + c2, y = c3*px + c4*py + c5.
type affineTransform struct {
	coef [6]float64
}

func (t *affineTransform) Forward(px, py float64) (float64, float64) {
	c := &t.coef
	return c[0]*px + c[1]*py + c[2], c[3]*px + c[4]*py + c[5]
}

func (t *affineTransform) Reverse(x, y float64) (float64, float64, error) {
	c := &t.coef
	det := c[0]*c[4] - c[1]*c[3]
	if math.Abs(det) < 1e-12 {
		return 0, 0, fmt.Errorf("degenerate affine transform: %w", ErrOutOfDomain)
	}
	dx := x - c[2]
	dy := y - c[5]
	px := (c[4]*dx - c[1]*dy) / det
	py := (-c[3]*dx + c[0]*dy) / det
	return px, py, nil
}

func (t *affineTransform) Params() Params {
	return Params{Method: MethodAffine, Matrix: append([]float64(nil), t.coef[:]...)}
}

// projectiveTransform holds a 3x3 homography in row-major order, mapping
// pixel coordinates to meters in homogeneous form.
type projectiveTransform struct {
	coef [9]float64
	inv  [9]float64
}

func (t *projectiveTransform) computeInverse() error {
	inv, ok := invert3x3(t.coef)
	if !ok {
		return errors.New("singular projective matrix")
	}
	t.inv = inv
	return nil
}

func (t *projectiveTransform) Forward(px, py float64) (float64, float64) {
	return applyHomography(t.coef, px, py)
}

func (t *projectiveTransform) Reverse(x, y float64) (float64, float64, error) {
	h := &t.inv
	w := h[6]*x + h[7]*y + h[8]
	if math.Abs(w) < 1e-12 {
		return 0, 0, fmt.Errorf("point at infinity under inverse homography: %w", ErrOutOfDomain)
	}
	px := (h[0]*x + h[1]*y + h[2]) / w
	py := (h[3]*x + h[4]*y + h[5]) / w
	return px, py, nil
}

func (t *projectiveTransform) Params() Params {
	return Params{Method: MethodProjective, Matrix: append([]float64(nil), t.coef[:]...)}
}

func applyHomography(h [9]float64, px, py float64) (float64, float64) {
	w := h[6]*px + h[7]*py + h[8]
	return (h[0]*px + h[1]*py + h[2]) / w, (h[3]*px + h[4]*py + h[5]) / w
}

func invert3x3(m [9]float64) ([9]float64, bool) {
	a, b, c := m[0], m[1], m[2]
	d, e, f := m[3], m[4], m[5]
	g, h, i := m[6], m[7], m[8]

	det := a*(e*i-f*h) - b*(d*i-f*g) + c*(d*h-e*g)
	if math.Abs(det) < 1e-18 {
		return [9]float64{}, false
	}

	return [9]float64{
		(e*i - f*h) / det, (c*h - b*i) / det, (b*f - c*e) / det,
		(f*g - d*i) / det, (a*i - c*g) / det, (c*d - a*f) / det,
		(d*h - e*g) / det, (b*g - a*h) / det, (a*e - b*d) / det,
	}, true
}

// quadraticTransform is a full second-degree polynomial mapping:
//
//	x = c0 + c1*px + c2*py + c3*px^2 + c4*px*py + c5*py^2
//	y = c6 + c7*px + c8*py + c9*px^2 + c10*px*py + c11*py^2
//
// The reverse mapping has no closed form and is recovered by Gauss-Newton
// iteration seeded from the inverse of the linear part.
type quadraticTransform struct {
	coef [12]float64
}

func (t *quadraticTransform) Forward(px, py float64) (float64, float64) {
	c := &t.coef
	x := c[0] + c[1]*px + c[2]*py + c[3]*px*px + c[4]*px*py + c[5]*py*py
	y := c[6] + c[7]*px + c[8]*py + c[9]*px*px + c[10]*px*py + c[11]*py*py
	return x, y
}

const (
	quadraticMaxIter = 50
	quadraticTol     = 1e-6 // meters
)

func (t *quadraticTransform) Reverse(x, y float64) (float64, float64, error) {
	c := &t.coef

	// Seed from the linear part.
	lin := affineTransform{coef: [6]float64{c[1], c[2], c[0], c[7], c[8], c[6]}}
	px, py, err := lin.Reverse(x, y)
	if err != nil {
		return 0, 0, err
	}

	for i := 0; i < quadraticMaxIter; i++ {
		fx, fy := t.Forward(px, py)
		rx := fx - x
		ry := fy - y
		if math.Abs(rx) < quadraticTol && math.Abs(ry) < quadraticTol {
			return px, py, nil
		}

		// Jacobian of Forward at (px, py).
		j00 := c[1] + 2*c[3]*px + c[4]*py
		j01 := c[2] + c[4]*px + 2*c[5]*py
		j10 := c[7] + 2*c[9]*px + c[10]*py
		j11 := c[8] + c[10]*px + 2*c[11]*py

		det := j00*j11 - j01*j10
		if math.Abs(det) < 1e-12 {
			return 0, 0, fmt.Errorf("singular jacobian at (%g, %g): %w", x, y, ErrOutOfDomain)
		}

		px -= (j11*rx - j01*ry) / det
		py -= (-j10*rx + j00*ry) / det
	}

	return 0, 0, fmt.Errorf("reverse mapping did not converge at (%g, %g): %w", x, y, ErrOutOfDomain)
}

func (t *quadraticTransform) Params() Params {
	return Params{Method: MethodQuadratic, Matrix: append([]float64(nil), t.coef[:]...)}
}
