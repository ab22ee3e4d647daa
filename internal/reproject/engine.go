// Package reproject warps rasters into a target spatial reference
// system using an RPC camera model as the georeferencing source, and
// writes the result as a GeoTIFF.
package reproject

import (
	"context"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/mapfasten/mapfasten/internal/rpc"
	"github.com/mapfasten/mapfasten/pkg/geotiff"
)

// SRS names a target spatial reference system in authority:code form.
type SRS string

// SRSGeodetic is WGS84 geographic lon/lat, the only target the
// in-process engine supports.
const SRSGeodetic SRS = "EPSG:4326"

// Engine warps a source raster into the target SRS. The RPC metadata
// map is the interchange form produced by rpc.(*Model).VrtMetadata;
// engines parse it rather than taking a model directly, so an
// external-tool implementation can pass it through unchanged.
type Engine interface {
	Reproject(ctx context.Context, src *image.NRGBA, rpcMeta map[string]string, target SRS, out io.Writer) error
}

// RPCEngine reprojects in process: it lays a north-up geodetic grid
// over the model's footprint and inverse-maps every output pixel
// through the camera model back into the source raster.
type RPCEngine struct {
	// MaxDim caps the longest output edge in pixels. Zero means the
	// default of 4096.
	MaxDim int
}

const defaultMaxDim = 4096

func (e *RPCEngine) Reproject(ctx context.Context, src *image.NRGBA, rpcMeta map[string]string, target SRS, out io.Writer) error {
	if target != SRSGeodetic {
		return fmt.Errorf("unsupported target srs %q", target)
	}

	model, err := rpc.ModelFromVrtMetadata(rpcMeta)
	if err != nil {
		return fmt.Errorf("parse rpc metadata: %w", err)
	}

	west, south, east, north := model.GeodeticBounds()
	if !(east > west) || !(north > south) {
		return fmt.Errorf("degenerate footprint [%g,%g]x[%g,%g]", west, east, south, north)
	}

	maxDim := e.MaxDim
	if maxDim <= 0 {
		maxDim = defaultMaxDim
	}

	// Square pixels in degrees, sized so the output resolves the source
	// raster without exceeding the dimension cap.
	srcW := src.Bounds().Dx()
	srcH := src.Bounds().Dy()
	degPerPixel := math.Max((east-west)/float64(srcW), (north-south)/float64(srcH))
	if minDpp := math.Max(east-west, north-south) / float64(maxDim); degPerPixel < minDpp {
		degPerPixel = minDpp
	}

	outW := int(math.Ceil((east - west) / degPerPixel))
	outH := int(math.Ceil((north - south) / degPerPixel))

	warped := image.NewNRGBA(image.Rect(0, 0, outW, outH))
	for y := 0; y < outH; y++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lat := north - (float64(y)+0.5)*degPerPixel
		for x := 0; x < outW; x++ {
			lon := west + (float64(x)+0.5)*degPerPixel
			px, py := model.ForwardPoint(lon, lat, 0)
			r, g, b, a, ok := sampleBilinear(src, px, py)
			if !ok {
				continue
			}
			i := warped.PixOffset(x, y)
			warped.Pix[i+0] = r
			warped.Pix[i+1] = g
			warped.Pix[i+2] = b
			warped.Pix[i+3] = a
		}
	}

	return geotiff.Encode(out, warped, geotiff.GeoRef{
		OriginX:    west,
		OriginY:    north,
		PixelSizeX: degPerPixel,
		PixelSizeY: degPerPixel,
		EPSG:       4326,
		Citation:   "WGS 84",
	})
}

func sampleBilinear(img *image.NRGBA, x, y float64) (r, g, b, a uint8, ok bool) {
	bounds := img.Bounds()
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	if x0 < bounds.Min.X || y0 < bounds.Min.Y || x0+1 >= bounds.Max.X || y0+1 >= bounds.Max.Y {
		return 0, 0, 0, 0, false
	}
	fx := x - float64(x0)
	fy := y - float64(y0)

	blend := func(c int) uint8 {
		i00 := img.PixOffset(x0, y0) + c
		i10 := img.PixOffset(x0+1, y0) + c
		i01 := img.PixOffset(x0, y0+1) + c
		i11 := img.PixOffset(x0+1, y0+1) + c
		top := float64(img.Pix[i00])*(1-fx) + float64(img.Pix[i10])*fx
		bot := float64(img.Pix[i01])*(1-fx) + float64(img.Pix[i11])*fx
		return uint8(top*(1-fy) + bot*fy + 0.5)
	}
	return blend(0), blend(1), blend(2), blend(3), true
}
