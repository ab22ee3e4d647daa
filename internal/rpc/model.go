// Package rpc fits and evaluates rational-polynomial camera (RPC) models,
// the standard interchange form consumed by georeferenced raster
// reprojection tools.
package rpc

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// numCoef is the number of terms in one RPC polynomial (the RPC00B
// cubic basis).
const numCoef = 20

// Model is a fitted rational-polynomial camera. It maps geodetic
// coordinates (lon, lat, alt) to pixel coordinates (sample, line) as a
// ratio of cubic polynomials over normalized coordinates.
type Model struct {
	LineOff, LineScale     float64
	SampOff, SampScale     float64
	LatOff, LatScale       float64
	LonOff, LonScale       float64
	HeightOff, HeightScale float64

	LineNum [numCoef]float64
	LineDen [numCoef]float64
	SampNum [numCoef]float64
	SampDen [numCoef]float64
}

// polyTerms evaluates the 20-term RPC00B basis at normalized
// coordinates (l, p, h) = (lon, lat, height).
func polyTerms(l, p, h float64) [numCoef]float64 {
	return [numCoef]float64{
		1, l, p, h,
		l * p, l * h, p * h,
		l * l, p * p, h * h,
		p * l * h,
		l * l * l, l * p * p, l * h * h,
		l * l * p, p * p * p, p * h * h,
		l * l * h, p * p * h, h * h * h,
	}
}

func evalPoly(coef [numCoef]float64, terms [numCoef]float64) float64 {
	var sum float64
	for i, c := range coef {
		sum += c * terms[i]
	}
	return sum
}

// Forward maps a 3xN matrix of (lon, lat, alt) columns to a 2xN matrix
// of (sample, line) pixel columns.
func (m *Model) Forward(world *mat.Dense) *mat.Dense {
	_, n := world.Dims()
	pixels := mat.NewDense(2, n, nil)

	for j := 0; j < n; j++ {
		l := (world.At(0, j) - m.LonOff) / m.LonScale
		p := (world.At(1, j) - m.LatOff) / m.LatScale
		h := (world.At(2, j) - m.HeightOff) / m.HeightScale

		terms := polyTerms(l, p, h)
		samp := evalPoly(m.SampNum, terms) / evalPoly(m.SampDen, terms)
		line := evalPoly(m.LineNum, terms) / evalPoly(m.LineDen, terms)

		pixels.Set(0, j, samp*m.SampScale+m.SampOff)
		pixels.Set(1, j, line*m.LineScale+m.LineOff)
	}

	return pixels
}

// ForwardPoint maps a single (lon, lat, alt) point to pixel coordinates.
func (m *Model) ForwardPoint(lon, lat, alt float64) (px, py float64) {
	out := m.Forward(mat.NewDense(3, 1, []float64{lon, lat, alt}))
	return out.At(0, 0), out.At(1, 0)
}

// VrtMetadata exports the model in the RPC metadata key set understood
// by GDAL-style VRT/reprojection tooling.
func (m *Model) VrtMetadata() map[string]string {
	return map[string]string{
		"LINE_OFF":       fmt.Sprintf("%.17g", m.LineOff),
		"LINE_SCALE":     fmt.Sprintf("%.17g", m.LineScale),
		"SAMP_OFF":       fmt.Sprintf("%.17g", m.SampOff),
		"SAMP_SCALE":     fmt.Sprintf("%.17g", m.SampScale),
		"LAT_OFF":        fmt.Sprintf("%.17g", m.LatOff),
		"LAT_SCALE":      fmt.Sprintf("%.17g", m.LatScale),
		"LONG_OFF":       fmt.Sprintf("%.17g", m.LonOff),
		"LONG_SCALE":     fmt.Sprintf("%.17g", m.LonScale),
		"HEIGHT_OFF":     fmt.Sprintf("%.17g", m.HeightOff),
		"HEIGHT_SCALE":   fmt.Sprintf("%.17g", m.HeightScale),
		"LINE_NUM_COEFF": joinCoef(m.LineNum),
		"LINE_DEN_COEFF": joinCoef(m.LineDen),
		"SAMP_NUM_COEFF": joinCoef(m.SampNum),
		"SAMP_DEN_COEFF": joinCoef(m.SampDen),
	}
}

func joinCoef(coef [numCoef]float64) string {
	parts := make([]string, numCoef)
	for i, c := range coef {
		parts[i] = fmt.Sprintf("%.17g", c)
	}
	return strings.Join(parts, " ")
}
