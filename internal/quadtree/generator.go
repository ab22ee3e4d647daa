// Package quadtree renders multi-resolution tile pyramids from source
// rasters, either as plain crops (unwarped) or resampled through a
// fitted pixel-to-meters transform (warped), and packs them into export
// archives.
package quadtree

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"

	"github.com/disintegration/imaging"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/mapfasten/mapfasten/internal/geom"
)

const (
	// TileSize is the pixel edge length of every generated tile.
	TileSize = 256

	// ZoomOffset is the addressing offset applied to unwarped tile
	// pyramids, so that the coarsest unwarped level does not collide
	// with web-map zoom 0 semantics on the client.
	ZoomOffset = 3

	maxWarpedZoom = 22
)

// Generator produces the tile pyramid for exactly one quadtree's
// (image, transform) pair. Construction is expensive; reuse is cheap.
type Generator interface {
	// Tile renders the 256px tile at the given addressing coordinates.
	Tile(z, x, y int) (image.Image, error)

	// WriteQuadTree renders every zoom level into the archive under
	// slug/z/x/y.png.
	WriteQuadTree(w *TarWriter, slug string) error
}

// SimpleGenerator serves an unwarped pyramid: tiles are plain crops of
// the source raster, with coarser levels produced by power-of-two
// reduction. Addressing is offset by ZoomOffset.
type SimpleGenerator struct {
	src        *image.NRGBA
	nativeZoom int
}

// NewSimpleGenerator builds an unwarped generator for img.
func NewSimpleGenerator(img image.Image) *SimpleGenerator {
	src := imaging.Clone(img)
	longest := src.Rect.Dx()
	if src.Rect.Dy() > longest {
		longest = src.Rect.Dy()
	}
	zoom := 0
	for (TileSize << zoom) < longest {
		zoom++
	}
	return &SimpleGenerator{src: src, nativeZoom: zoom}
}

// MaxZoom returns the finest addressing zoom, already ZoomOffset
// adjusted. Tiles at this zoom are unscaled crops of the source.
func (g *SimpleGenerator) MaxZoom() int {
	return g.nativeZoom + ZoomOffset
}

// MinZoom returns the coarsest addressing zoom.
func (g *SimpleGenerator) MinZoom() int {
	return ZoomOffset
}

func (g *SimpleGenerator) Tile(z, x, y int) (image.Image, error) {
	level := z - ZoomOffset
	if level < 0 || level > g.nativeZoom {
		return nil, fmt.Errorf("zoom %d outside pyramid range [%d, %d]", z, g.MinZoom(), g.MaxZoom())
	}

	scale := 1 << (g.nativeZoom - level)
	span := TileSize * scale
	rect := image.Rect(x*span, y*span, (x+1)*span, (y+1)*span).Intersect(g.src.Rect)
	if rect.Empty() {
		return nil, fmt.Errorf("tile %d/%d/%d outside image", z, x, y)
	}

	out := image.NewNRGBA(image.Rect(0, 0, TileSize, TileSize))
	crop := imaging.Crop(g.src, rect)
	if scale > 1 {
		cw := rect.Dx() / scale
		ch := rect.Dy() / scale
		if cw == 0 || ch == 0 {
			return out, nil
		}
		crop = imaging.Resize(crop, cw, ch, imaging.Box)
	}
	return imaging.Paste(out, crop, image.Pt(0, 0)), nil
}

func (g *SimpleGenerator) WriteQuadTree(w *TarWriter, slug string) error {
	for level := 0; level <= g.nativeZoom; level++ {
		scale := 1 << (g.nativeZoom - level)
		span := TileSize * scale
		tilesX := (g.src.Rect.Dx() + span - 1) / span
		tilesY := (g.src.Rect.Dy() + span - 1) / span

		z := level + ZoomOffset
		for y := 0; y < tilesY; y++ {
			for x := 0; x < tilesX; x++ {
				tile, err := g.Tile(z, x, y)
				if err != nil {
					return err
				}
				if err := writeTilePNG(w, slug, z, x, y, tile); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// WarpedGenerator serves a web-mercator pyramid: every tile pixel is
// inverse-mapped through the transform and bilinearly sampled from the
// source. Pixels outside the source or the transform domain come out
// transparent.
type WarpedGenerator struct {
	src     *image.NRGBA
	tf      geom.Transform
	minX    float64
	minY    float64
	maxX    float64
	maxY    float64
	maxZoom int
}

// NewWarpedGenerator builds a warped generator for img under the
// transform described by params.
func NewWarpedGenerator(img image.Image, params geom.Params) (*WarpedGenerator, error) {
	tf, err := geom.MakeTransform(params)
	if err != nil {
		return nil, fmt.Errorf("materializing transform: %w", err)
	}

	src := imaging.Clone(img)
	g := &WarpedGenerator{src: src, tf: tf}
	g.computeBounds()

	// Pick the finest zoom whose mercator resolution matches the
	// source resolution.
	res := (g.maxX - g.minX) / float64(src.Rect.Dx())
	if res <= 0 {
		return nil, fmt.Errorf("degenerate mercator bounds for %dx%d image", src.Rect.Dx(), src.Rect.Dy())
	}
	initial := 2 * geom.OriginShift / TileSize
	zoom := int(math.Ceil(math.Log2(initial / res)))
	if zoom < 0 {
		zoom = 0
	}
	if zoom > maxWarpedZoom {
		zoom = maxWarpedZoom
	}
	g.maxZoom = zoom
	return g, nil
}

// computeBounds forward-maps the image border (corners plus edge
// midpoints, which matter for curved transforms) into mercator space.
func (g *WarpedGenerator) computeBounds() {
	w := float64(g.src.Rect.Dx())
	h := float64(g.src.Rect.Dy())
	border := [][2]float64{
		{0, 0}, {w, 0}, {w, h}, {0, h},
		{w / 2, 0}, {w, h / 2}, {w / 2, h}, {0, h / 2},
	}

	g.minX, g.minY = math.Inf(1), math.Inf(1)
	g.maxX, g.maxY = math.Inf(-1), math.Inf(-1)
	for _, p := range border {
		x, y := g.tf.Forward(p[0], p[1])
		g.minX = math.Min(g.minX, x)
		g.minY = math.Min(g.minY, y)
		g.maxX = math.Max(g.maxX, x)
		g.maxY = math.Max(g.maxY, y)
	}
}

// MercatorBounds returns the warped image's extent in projected meters.
func (g *WarpedGenerator) MercatorBounds() (minX, minY, maxX, maxY float64) {
	return g.minX, g.minY, g.maxX, g.maxY
}

// MaxZoom returns the finest generated web-mercator zoom level.
func (g *WarpedGenerator) MaxZoom() int {
	return g.maxZoom
}

// tileRange returns the inclusive tile coordinate range covering the
// generator's bounds at zoom z.
func (g *WarpedGenerator) tileRange(z int) (x0, y0, x1, y1 int) {
	wLon, nLat := geom.MetersToLonLat(g.minX, g.maxY)
	eLon, sLat := geom.MetersToLonLat(g.maxX, g.minY)

	nw := maptile.At(orb.Point{wLon, nLat}, maptile.Zoom(z))
	se := maptile.At(orb.Point{eLon, sLat}, maptile.Zoom(z))
	return int(nw.X), int(nw.Y), int(se.X), int(se.Y)
}

func (g *WarpedGenerator) Tile(z, x, y int) (image.Image, error) {
	if z < 0 || z > g.maxZoom {
		return nil, fmt.Errorf("zoom %d outside pyramid range [0, %d]", z, g.maxZoom)
	}

	bound := maptile.New(uint32(x), uint32(y), maptile.Zoom(z)).Bound()
	west, north := geom.LonLatToMeters(bound.Min[0], bound.Max[1])
	east, south := geom.LonLatToMeters(bound.Max[0], bound.Min[1])

	out := image.NewNRGBA(image.Rect(0, 0, TileSize, TileSize))
	stepX := (east - west) / TileSize
	stepY := (north - south) / TileSize

	for ty := 0; ty < TileSize; ty++ {
		my := north - (float64(ty)+0.5)*stepY
		for tx := 0; tx < TileSize; tx++ {
			mx := west + (float64(tx)+0.5)*stepX
			px, py, err := g.tf.Reverse(mx, my)
			if err != nil {
				continue // outside the transform domain, leave transparent
			}
			r, gr, b, a, ok := sampleBilinear(g.src, px, py)
			if !ok {
				continue
			}
			i := out.PixOffset(tx, ty)
			out.Pix[i+0] = r
			out.Pix[i+1] = gr
			out.Pix[i+2] = b
			out.Pix[i+3] = a
		}
	}
	return out, nil
}

func (g *WarpedGenerator) WriteQuadTree(w *TarWriter, slug string) error {
	for z := 0; z <= g.maxZoom; z++ {
		x0, y0, x1, y1 := g.tileRange(z)
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				tile, err := g.Tile(z, x, y)
				if err != nil {
					return err
				}
				if err := writeTilePNG(w, slug, z, x, y, tile); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func writeTilePNG(w *TarWriter, slug string, z, x, y int, tile image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, tile); err != nil {
		return fmt.Errorf("encoding tile %d/%d/%d: %w", z, x, y, err)
	}
	return w.WriteData(fmt.Sprintf("%s/%d/%d/%d.png", slug, z, x, y), buf.Bytes())
}

// sampleBilinear samples src at fractional pixel coordinates. The ok
// result is false when the point lies outside the raster.
func sampleBilinear(src *image.NRGBA, x, y float64) (r, g, b, a uint8, ok bool) {
	w := src.Rect.Dx()
	h := src.Rect.Dy()
	if x < 0 || y < 0 || x > float64(w-1) || y > float64(h-1) {
		return 0, 0, 0, 0, false
	}

	x0 := int(x)
	y0 := int(y)
	x1 := x0 + 1
	y1 := y0 + 1
	if x1 > w-1 {
		x1 = w - 1
	}
	if y1 > h-1 {
		y1 = h - 1
	}
	fx := x - float64(x0)
	fy := y - float64(y0)

	blend := func(c00, c10, c01, c11 uint8) uint8 {
		top := float64(c00)*(1-fx) + float64(c10)*fx
		bot := float64(c01)*(1-fx) + float64(c11)*fx
		return uint8(top*(1-fy) + bot*fy + 0.5)
	}

	i00 := src.PixOffset(x0, y0)
	i10 := src.PixOffset(x1, y0)
	i01 := src.PixOffset(x0, y1)
	i11 := src.PixOffset(x1, y1)

	p := src.Pix
	return blend(p[i00], p[i10], p[i01], p[i11]),
		blend(p[i00+1], p[i10+1], p[i01+1], p[i11+1]),
		blend(p[i00+2], p[i10+2], p[i01+2], p[i11+2]),
		blend(p[i00+3], p[i10+3], p[i01+3], p[i11+3]),
		true
}
