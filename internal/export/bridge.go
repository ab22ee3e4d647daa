// Package export builds the downloadable deliverables for an aligned
// overlay: a tiled HTML viewer archive, a reprojected GeoTIFF and a KML
// super-overlay, each attached to the overlay's quadtree record.
package export

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/mapfasten/mapfasten/internal/geom"
)

// reversePoints maps a 3xN matrix of geodetic (lon, lat, alt) columns
// to a 2xN matrix of source pixel columns by projecting to spherical
// mercator and inverting the fitted transform. Altitude is carried for
// interface compatibility and ignored; the scene is a flat map.
//
// Column order is preserved. Any point outside the transform's domain
// aborts the whole conversion with the offending column index. An
// input with no columns yields a nil matrix and no error; gonum does
// not represent zero-width matrices.
func reversePoints(tf geom.Transform, world *mat.Dense) (*mat.Dense, error) {
	if world == nil {
		return nil, nil
	}
	_, n := world.Dims()
	if n == 0 {
		return nil, nil
	}

	pixels := mat.NewDense(2, n, nil)
	for j := 0; j < n; j++ {
		x, y := geom.LonLatToMeters(world.At(0, j), world.At(1, j))
		px, py, err := tf.Reverse(x, y)
		if err != nil {
			return nil, fmt.Errorf("reverse mapping point %d (%g, %g): %w",
				j, world.At(0, j), world.At(1, j), err)
		}
		pixels.Set(0, j, px)
		pixels.Set(1, j, py)
	}
	return pixels, nil
}
