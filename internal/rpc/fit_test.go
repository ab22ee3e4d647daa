package rpc

import (
	"errors"
	"math"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/mapfasten/mapfasten/internal/geom"
)

// sampleFromTransform adapts a pixel-to-meters transform into the
// world-to-pixel camera the fitter expects.
func sampleFromTransform(tf geom.Transform) SampleFunc {
	return func(world *mat.Dense) (*mat.Dense, error) {
		_, n := world.Dims()
		pixels := mat.NewDense(2, n, nil)
		for j := 0; j < n; j++ {
			x, y := geom.LonLatToMeters(world.At(0, j), world.At(1, j))
			px, py, err := tf.Reverse(x, y)
			if err != nil {
				return nil, err
			}
			pixels.Set(0, j, px)
			pixels.Set(1, j, py)
		}
		return pixels, nil
	}
}

func TestFitPureTranslation(t *testing.T) {
	// A pure translation between pixel space and projected meters. The
	// fitted camera should reproduce the mapping at the image corners.
	const (
		width  = 2000
		height = 1000
		tx     = -13626000.0
		ty     = 4548000.0
	)
	tf, err := geom.MakeTransform(geom.Params{
		Method: geom.MethodAffine,
		Matrix: []float64{1, 0, tx, 0, 1, ty},
	})
	if err != nil {
		t.Fatal(err)
	}

	cx, cy := tf.Forward(width/2, height/2)
	clon, clat := geom.MetersToLonLat(cx, cy)

	model, err := FitToModel(sampleFromTransform(tf), width, height, clon, clat)
	if err != nil {
		t.Fatal(err)
	}

	corners := [][2]float64{{0, 0}, {width, 0}, {width, height}, {0, height}}
	for _, c := range corners {
		mx, my := tf.Forward(c[0], c[1])
		lon, lat := geom.MetersToLonLat(mx, my)

		px, py := model.ForwardPoint(lon, lat, 0)
		if math.Abs(px-c[0]) > 0.01 || math.Abs(py-c[1]) > 0.01 {
			t.Errorf("corner %v: model gave (%v, %v)", c, px, py)
		}
	}
}

func TestFitProjectiveCamera(t *testing.T) {
	const (
		width  = 1600
		height = 1200
	)
	tf, err := geom.MakeTransform(geom.Params{
		Method: geom.MethodProjective,
		Matrix: []float64{12, 0.8, -13626000, -0.5, -11, 4549000, 1e-8, 2e-8, 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	cx, cy := tf.Forward(width/2, height/2)
	clon, clat := geom.MetersToLonLat(cx, cy)

	model, err := FitToModel(sampleFromTransform(tf), width, height, clon, clat)
	if err != nil {
		t.Fatal(err)
	}

	// Spot-check interior points against the ground truth camera.
	for _, p := range [][2]float64{{200, 300}, {800, 600}, {1400, 900}} {
		mx, my := tf.Forward(p[0], p[1])
		lon, lat := geom.MetersToLonLat(mx, my)

		px, py := model.ForwardPoint(lon, lat, 0)
		if math.Abs(px-p[0]) > 0.5 || math.Abs(py-p[1]) > 0.5 {
			t.Errorf("point %v: model gave (%v, %v)", p, px, py)
		}
	}
}

func TestFitLinearCamera(t *testing.T) {
	// A camera exactly linear in lon/lat. The denominator basis then
	// adds no information beyond the numerator, so the linearized fit
	// is rank deficient and must still succeed with the redundant
	// coefficients at zero.
	const (
		west   = -120.0
		north  = 38.0
		dpp    = 0.001
		width  = 400
		height = 300
	)
	linear := func(world *mat.Dense) (*mat.Dense, error) {
		_, n := world.Dims()
		pixels := mat.NewDense(2, n, nil)
		for j := 0; j < n; j++ {
			pixels.Set(0, j, (world.At(0, j)-west)/dpp)
			pixels.Set(1, j, (north-world.At(1, j))/dpp)
		}
		return pixels, nil
	}

	clon := west + float64(width)/2*dpp
	clat := north - float64(height)/2*dpp

	model, err := FitToModel(linear, width, height, clon, clat)
	if err != nil {
		t.Fatal(err)
	}

	corners := [][2]float64{{0, 0}, {width, 0}, {width, height}, {0, height}}
	for _, c := range corners {
		lon := west + c[0]*dpp
		lat := north - c[1]*dpp

		px, py := model.ForwardPoint(lon, lat, 0)
		if math.Abs(px-c[0]) > 0.01 || math.Abs(py-c[1]) > 0.01 {
			t.Errorf("corner %v: model gave (%v, %v)", c, px, py)
		}
	}
}

func TestFitPropagatesSampleFailure(t *testing.T) {
	wantErr := errors.New("sensor gap")
	failing := func(world *mat.Dense) (*mat.Dense, error) {
		return nil, wantErr
	}

	_, err := FitToModel(failing, 100, 100, -122, 37)
	if !errors.Is(err, wantErr) {
		t.Errorf("expected sample error to propagate, got %v", err)
	}
}

func TestVrtMetadataKeys(t *testing.T) {
	tf, err := geom.MakeTransform(geom.Params{
		Method: geom.MethodAffine,
		Matrix: []float64{1, 0, -13626000, 0, 1, 4548000},
	})
	if err != nil {
		t.Fatal(err)
	}
	cx, cy := tf.Forward(500, 500)
	clon, clat := geom.MetersToLonLat(cx, cy)

	model, err := FitToModel(sampleFromTransform(tf), 1000, 1000, clon, clat)
	if err != nil {
		t.Fatal(err)
	}

	meta := model.VrtMetadata()
	for _, key := range []string{
		"LINE_OFF", "LINE_SCALE", "SAMP_OFF", "SAMP_SCALE",
		"LAT_OFF", "LAT_SCALE", "LONG_OFF", "LONG_SCALE",
		"HEIGHT_OFF", "HEIGHT_SCALE",
		"LINE_NUM_COEFF", "LINE_DEN_COEFF", "SAMP_NUM_COEFF", "SAMP_DEN_COEFF",
	} {
		if _, ok := meta[key]; !ok {
			t.Errorf("missing metadata key %s", key)
		}
	}

	if got := len(strings.Fields(meta["LINE_NUM_COEFF"])); got != 20 {
		t.Errorf("LINE_NUM_COEFF has %d coefficients, want 20", got)
	}
}
