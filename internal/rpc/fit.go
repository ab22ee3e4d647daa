package rpc

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SampleFunc maps a 3xN matrix of (lon, lat, alt) world columns to a
// 2xN matrix of pixel columns. It is the ground-truth camera the fitter
// approximates; a sampling failure aborts the fit unchanged.
type SampleFunc func(world *mat.Dense) (*mat.Dense, error)

// gridSteps is the number of samples per axis used for fitting.
const gridSteps = 11

// noHeightNum and noHeightDen pick out the basis terms that survive
// when altitude is identically zero. The fitted scene is a 2D map, so
// all height-bearing coefficients stay zero.
var (
	noHeightNum = []int{0, 1, 2, 4, 7, 8, 11, 12, 14, 15}
	noHeightDen = []int{1, 2}
)

// FitToModel fits an RPC camera to the black-box mapping sample by
// least squares. It probes sample around the given center longitude and
// latitude to size a geodetic sampling box covering the image, samples
// a grid of control points, and solves the linearized
// rational-polynomial system for each pixel coordinate.
func FitToModel(sample SampleFunc, width, height int, clon, clat float64) (*Model, error) {
	lonHalf, latHalf, err := estimateSpan(sample, width, height, clon, clat)
	if err != nil {
		return nil, err
	}

	world := sampleGrid(clon, clat, lonHalf, latHalf)
	pixels, err := sample(world)
	if err != nil {
		return nil, fmt.Errorf("sampling control grid: %w", err)
	}

	m := &Model{
		LineOff: float64(height) / 2, LineScale: float64(height) / 2,
		SampOff: float64(width) / 2, SampScale: float64(width) / 2,
		LatOff: clat, LatScale: latHalf,
		LonOff: clon, LonScale: lonHalf,
		HeightOff: 0, HeightScale: 500,
	}

	_, n := world.Dims()
	terms := make([][numCoef]float64, n)
	for j := 0; j < n; j++ {
		l := (world.At(0, j) - m.LonOff) / m.LonScale
		p := (world.At(1, j) - m.LatOff) / m.LatScale
		terms[j] = polyTerms(l, p, 0)
	}

	sampNum, sampDen, err := solveRational(terms, normalize(pixels, 0, m.SampOff, m.SampScale))
	if err != nil {
		return nil, fmt.Errorf("fitting sample polynomial: %w", err)
	}
	lineNum, lineDen, err := solveRational(terms, normalize(pixels, 1, m.LineOff, m.LineScale))
	if err != nil {
		return nil, fmt.Errorf("fitting line polynomial: %w", err)
	}

	m.SampNum, m.SampDen = sampNum, sampDen
	m.LineNum, m.LineDen = lineNum, lineDen
	return m, nil
}

// estimateSpan probes the camera near the center to find the geodetic
// half-spans whose image covers the full pixel extent.
func estimateSpan(sample SampleFunc, width, height int, clon, clat float64) (lonHalf, latHalf float64, err error) {
	const delta = 1e-4 // degrees

	probe := mat.NewDense(3, 3, []float64{
		clon, clon + delta, clon,
		clat, clat, clat + delta,
		0, 0, 0,
	})
	px, err := sample(probe)
	if err != nil {
		return 0, 0, fmt.Errorf("probing image center: %w", err)
	}

	// Pixel-per-degree Jacobian at the center.
	j00 := (px.At(0, 1) - px.At(0, 0)) / delta
	j10 := (px.At(1, 1) - px.At(1, 0)) / delta
	j01 := (px.At(0, 2) - px.At(0, 0)) / delta
	j11 := (px.At(1, 2) - px.At(1, 0)) / delta

	det := j00*j11 - j01*j10
	if math.Abs(det) < 1e-12 {
		return 0, 0, fmt.Errorf("camera jacobian is singular at center (%g, %g)", clon, clat)
	}

	// Map the two half-extent pixel vectors back to degrees and take the
	// envelope, padded slightly so the grid straddles the image edges.
	hw, hh := float64(width)/2, float64(height)/2
	lonHalf = (math.Abs(j11*hw) + math.Abs(j01*hh)) / math.Abs(det)
	latHalf = (math.Abs(j10*hw) + math.Abs(j00*hh)) / math.Abs(det)
	lonHalf *= 1.05
	latHalf *= 1.05

	if lonHalf <= 0 || latHalf <= 0 || math.IsNaN(lonHalf) || math.IsNaN(latHalf) {
		return 0, 0, fmt.Errorf("degenerate geodetic span (%g, %g)", lonHalf, latHalf)
	}
	return lonHalf, latHalf, nil
}

func sampleGrid(clon, clat, lonHalf, latHalf float64) *mat.Dense {
	world := mat.NewDense(3, gridSteps*gridSteps, nil)
	col := 0
	for i := 0; i < gridSteps; i++ {
		lat := clat + latHalf*(2*float64(i)/(gridSteps-1)-1)
		// Stay inside the mercator-projectable range.
		lat = math.Max(-85.0, math.Min(85.0, lat))
		for j := 0; j < gridSteps; j++ {
			lon := clon + lonHalf*(2*float64(j)/(gridSteps-1)-1)
			world.Set(0, col, lon)
			world.Set(1, col, lat)
			world.Set(2, col, 0)
			col++
		}
	}
	return world
}

func normalize(pixels *mat.Dense, row int, off, scale float64) []float64 {
	_, n := pixels.Dims()
	out := make([]float64, n)
	for j := 0; j < n; j++ {
		out[j] = (pixels.At(row, j) - off) / scale
	}
	return out
}

// solveRational solves for numerator and linear denominator
// coefficients of value = num(terms) / (1 + den(terms)), linearized as
// num(terms) - value*den(terms) = value.
//
// When the sampled camera is itself polynomial (affine cameras are the
// common case) the denominator columns are exact linear combinations
// of numerator columns and the system is rank deficient, so a plain QR
// solve rejects it. The minimal-norm SVD solution handles that by
// leaving the redundant denominator coefficients at zero.
func solveRational(terms [][numCoef]float64, values []float64) ([numCoef]float64, [numCoef]float64, error) {
	var num, den [numCoef]float64

	n := len(values)
	cols := len(noHeightNum) + len(noHeightDen)
	a := mat.NewDense(n, cols, nil)
	b := mat.NewVecDense(n, nil)

	for i := 0; i < n; i++ {
		for k, idx := range noHeightNum {
			a.Set(i, k, terms[i][idx])
		}
		for k, idx := range noHeightDen {
			a.Set(i, len(noHeightNum)+k, -values[i]*terms[i][idx])
		}
		b.SetVec(i, values[i])
	}

	sol, err := solveMinNorm(a, b)
	if err != nil {
		return num, den, err
	}

	for k, idx := range noHeightNum {
		num[idx] = sol.AtVec(k)
	}
	den[0] = 1
	for k, idx := range noHeightDen {
		den[idx] = sol.AtVec(len(noHeightNum) + k)
	}
	return num, den, nil
}

// solveMinNorm computes the minimal-norm least-squares solution of
// a*x = b, tolerating rank-deficient design matrices.
func solveMinNorm(a *mat.Dense, b *mat.VecDense) (*mat.VecDense, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, fmt.Errorf("svd factorization failed")
	}

	values := svd.Values(nil)
	if len(values) == 0 || values[0] <= 0 {
		return nil, fmt.Errorf("zero design matrix")
	}
	m, n := a.Dims()
	dim := m
	if n > dim {
		dim = n
	}
	tol := float64(dim) * 2.220446049250313e-16 * values[0]
	rank := 0
	for _, v := range values {
		if v > tol {
			rank++
		}
	}
	if rank == 0 {
		return nil, fmt.Errorf("zero-rank design matrix")
	}

	var sol mat.VecDense
	svd.SolveVecTo(&sol, b, rank)
	return &sol, nil
}
