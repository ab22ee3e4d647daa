package quadtree

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"

	"github.com/disintegration/imaging"
)

// GeoBounds is a geodetic bounding box in degrees.
type GeoBounds struct {
	West, South, East, North float64
}

// KMLTiler re-tiles a reprojected (geodetic, north-up) raster into a
// KML super-overlay: a geodetic tile pyramid where every tile carries a
// KML document with its GroundOverlay and network links to its
// children, rooted at doc.kml.
type KMLTiler struct {
	src     *image.NRGBA
	bounds  GeoBounds
	maxZoom int
}

// NewKMLTiler builds a tiler for a raster spanning bounds with linear
// lon/lat pixel mapping.
func NewKMLTiler(img image.Image, bounds GeoBounds) (*KMLTiler, error) {
	if bounds.East <= bounds.West || bounds.North <= bounds.South {
		return nil, fmt.Errorf("degenerate bounds %+v", bounds)
	}
	src := imaging.Clone(img)

	degPerPixel := (bounds.East - bounds.West) / float64(src.Rect.Dx())
	zoom := int(math.Ceil(math.Log2(180 / (TileSize * degPerPixel))))
	if zoom < 0 {
		zoom = 0
	}
	return &KMLTiler{src: src, bounds: bounds, maxZoom: zoom}, nil
}

// tileBounds returns the geodetic extent of tile (z, x, y) in the
// two-tile-root geodetic grid (tile y grows southward from +90).
func tileBounds(z, x, y int) GeoBounds {
	span := 180.0 / float64(int(1)<<z)
	return GeoBounds{
		West:  -180 + float64(x)*span,
		East:  -180 + float64(x+1)*span,
		North: 90 - float64(y)*span,
		South: 90 - float64(y+1)*span,
	}
}

func (t *KMLTiler) tileRange(z int) (x0, y0, x1, y1 int) {
	span := 180.0 / float64(int(1)<<z)
	x0 = int(math.Floor((t.bounds.West + 180) / span))
	x1 = int(math.Floor((t.bounds.East + 180) / span))
	y0 = int(math.Floor((90 - t.bounds.North) / span))
	y1 = int(math.Floor((90 - t.bounds.South) / span))

	maxX := 2*(int(1)<<z) - 1
	maxY := int(1)<<z - 1
	x0 = clamp(x0, 0, maxX)
	x1 = clamp(x1, 0, maxX)
	y0 = clamp(y0, 0, maxY)
	y1 = clamp(y1, 0, maxY)
	return
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Tile renders the geodetic tile (z, x, y) by bilinear sampling of the
// source raster. Pixels outside the raster extent are transparent.
func (t *KMLTiler) Tile(z, x, y int) image.Image {
	tb := tileBounds(z, x, y)
	out := image.NewNRGBA(image.Rect(0, 0, TileSize, TileSize))

	w := float64(t.src.Rect.Dx())
	h := float64(t.src.Rect.Dy())
	lonStep := (tb.East - tb.West) / TileSize
	latStep := (tb.North - tb.South) / TileSize

	for ty := 0; ty < TileSize; ty++ {
		lat := tb.North - (float64(ty)+0.5)*latStep
		sy := (t.bounds.North - lat) / (t.bounds.North - t.bounds.South) * h
		for tx := 0; tx < TileSize; tx++ {
			lon := tb.West + (float64(tx)+0.5)*lonStep
			sx := (lon - t.bounds.West) / (t.bounds.East - t.bounds.West) * w

			r, g, b, a, ok := sampleBilinear(t.src, sx, sy)
			if !ok {
				continue
			}
			i := out.PixOffset(tx, ty)
			out.Pix[i+0] = r
			out.Pix[i+1] = g
			out.Pix[i+2] = b
			out.Pix[i+3] = a
		}
	}
	return out
}

// WriteTiles renders the full pyramid plus its KML documents into the
// archive.
func (t *KMLTiler) WriteTiles(w *TarWriter) error {
	for z := 0; z <= t.maxZoom; z++ {
		x0, y0, x1, y1 := t.tileRange(z)
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				var buf bytes.Buffer
				if err := png.Encode(&buf, t.Tile(z, x, y)); err != nil {
					return fmt.Errorf("encoding kml tile %d/%d/%d: %w", z, x, y, err)
				}
				if err := w.WriteData(fmt.Sprintf("%d/%d/%d.png", z, x, y), buf.Bytes()); err != nil {
					return err
				}
				if err := w.WriteData(fmt.Sprintf("%d/%d/%d.kml", z, x, y), t.tileKML(z, x, y)); err != nil {
					return err
				}
			}
		}
	}
	return w.WriteData("doc.kml", t.docKML())
}

func (t *KMLTiler) tileKML(z, x, y int) []byte {
	tb := tileBounds(z, x, y)
	var buf bytes.Buffer

	fmt.Fprintf(&buf, `<?xml version="1.0" encoding="utf-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2">
  <Document>
    <name>%d/%d/%d</name>
    <Region>
      <LatLonAltBox>
        <north>%.14f</north><south>%.14f</south>
        <east>%.14f</east><west>%.14f</west>
      </LatLonAltBox>
      <Lod><minLodPixels>128</minLodPixels><maxLodPixels>-1</maxLodPixels></Lod>
    </Region>
    <GroundOverlay>
      <drawOrder>%d</drawOrder>
      <Icon><href>%d.png</href></Icon>
      <LatLonBox>
        <north>%.14f</north><south>%.14f</south>
        <east>%.14f</east><west>%.14f</west>
      </LatLonBox>
    </GroundOverlay>
`, z, x, y, tb.North, tb.South, tb.East, tb.West, z, y,
		tb.North, tb.South, tb.East, tb.West)

	if z < t.maxZoom {
		cx0, cy0, cx1, cy1 := t.tileRange(z + 1)
		for cy := 2 * y; cy <= 2*y+1; cy++ {
			for cx := 2 * x; cx <= 2*x+1; cx++ {
				if cx < cx0 || cx > cx1 || cy < cy0 || cy > cy1 {
					continue
				}
				cb := tileBounds(z+1, cx, cy)
				fmt.Fprintf(&buf, `    <NetworkLink>
      <name>%d/%d/%d</name>
      <Region>
        <LatLonAltBox>
          <north>%.14f</north><south>%.14f</south>
          <east>%.14f</east><west>%.14f</west>
        </LatLonAltBox>
        <Lod><minLodPixels>128</minLodPixels><maxLodPixels>-1</maxLodPixels></Lod>
      </Region>
      <Link>
        <href>../../%d/%d/%d.kml</href>
        <viewRefreshMode>onRegion</viewRefreshMode>
      </Link>
    </NetworkLink>
`, z+1, cx, cy, cb.North, cb.South, cb.East, cb.West, z+1, cx, cy)
			}
		}
	}

	buf.WriteString("  </Document>\n</kml>\n")
	return buf.Bytes()
}

func (t *KMLTiler) docKML() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `<?xml version="1.0" encoding="utf-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2">
  <Document>
    <name>%s</name>
`, t.overlayName())

	x0, y0, x1, y1 := t.tileRange(0)
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			tb := tileBounds(0, x, y)
			fmt.Fprintf(&buf, `    <NetworkLink>
      <name>0/%d/%d</name>
      <Region>
        <LatLonAltBox>
          <north>%.14f</north><south>%.14f</south>
          <east>%.14f</east><west>%.14f</west>
        </LatLonAltBox>
        <Lod><minLodPixels>64</minLodPixels><maxLodPixels>-1</maxLodPixels></Lod>
      </Region>
      <Link>
        <href>0/%d/%d.kml</href>
        <viewRefreshMode>onRegion</viewRefreshMode>
      </Link>
    </NetworkLink>
`, x, y, tb.North, tb.South, tb.East, tb.West, x, y)
		}
	}

	buf.WriteString("  </Document>\n</kml>\n")
	return buf.Bytes()
}

func (t *KMLTiler) overlayName() string {
	return fmt.Sprintf("overlay %.4f,%.4f to %.4f,%.4f",
		t.bounds.West, t.bounds.South, t.bounds.East, t.bounds.North)
}
