// Package geotiff writes uncompressed RGBA GeoTIFF files with enough
// georeferencing tags (model tiepoint, pixel scale, geographic CS geo
// keys) for standard GIS tooling to place the raster.
package geotiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"
	"sort"
)

// TIFF data types.
const (
	typeByte     = 1
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
	typeDouble   = 12
)

// Baseline and GeoTIFF tag ids.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagXResolution     = 282
	tagYResolution     = 283
	tagResolutionUnit  = 296
	tagExtraSamples    = 338

	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735
	tagGeoAsciiParams  = 34737
)

var enc = binary.LittleEndian

// GeoRef georeferences the raster: the world coordinate of the top-left
// pixel corner and the size of one pixel in world units. EPSG identifies
// the geographic coordinate system (4326 for WGS84 lon/lat).
type GeoRef struct {
	OriginX    float64
	OriginY    float64
	PixelSizeX float64
	PixelSizeY float64
	EPSG       uint16
	Citation   string
}

type ifdEntry struct {
	tag      uint16
	datatype uint16
	count    uint32
	data     []byte
}

// Encode writes img to w as a single-strip uncompressed RGBA GeoTIFF
// georeferenced by ref.
func Encode(w io.Writer, img image.Image, ref GeoRef) error {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return fmt.Errorf("cannot encode empty %dx%d raster", width, height)
	}

	pixels := rgbaBytes(img)

	var entries []ifdEntry
	add := func(tag, datatype uint16, count uint32, data []byte) {
		entries = append(entries, ifdEntry{tag, datatype, count, data})
	}

	add(tagImageWidth, typeLong, 1, enc32(uint32(width)))
	add(tagImageLength, typeLong, 1, enc32(uint32(height)))
	add(tagBitsPerSample, typeShort, 4, enc16s([]uint16{8, 8, 8, 8}))
	add(tagCompression, typeShort, 1, enc16s([]uint16{1}))
	add(tagPhotometric, typeShort, 1, enc16s([]uint16{2}))
	add(tagSamplesPerPixel, typeShort, 1, enc16s([]uint16{4}))
	add(tagRowsPerStrip, typeLong, 1, enc32(uint32(height)))
	add(tagXResolution, typeRational, 1, encRational(72, 1))
	add(tagYResolution, typeRational, 1, encRational(72, 1))
	add(tagResolutionUnit, typeShort, 1, enc16s([]uint16{2}))
	add(tagExtraSamples, typeShort, 1, enc16s([]uint16{2})) // unassociated alpha

	// Georeferencing: pin pixel (0,0) to the world origin and give the
	// per-pixel world step. PixelSizeY is positive here; the tag's Y
	// scale is the magnitude, with north-up implied by the tiepoint.
	add(tagModelPixelScale, typeDouble, 3,
		encDoubles([]float64{ref.PixelSizeX, ref.PixelSizeY, 0}))
	add(tagModelTiepoint, typeDouble, 6,
		encDoubles([]float64{0, 0, 0, ref.OriginX, ref.OriginY, 0}))

	// Minimal geographic-CS geo key directory.
	citation := ref.Citation
	if citation == "" {
		citation = "WGS 84"
	}
	ascii := append([]byte(citation), '|', 0)
	add(tagGeoKeyDirectory, typeShort, 16, enc16s([]uint16{
		1, 1, 0, 3, // version, revision, minor, key count
		1024, 0, 1, 2, // GTModelType = geographic
		1025, 0, 1, 1, // GTRasterType = pixel-is-area
		2048, 0, 1, ref.EPSG, // GeographicType
	}))
	add(tagGeoAsciiParams, typeASCII, uint32(len(ascii)), ascii)

	// Strip location is patched once the IFD layout is known.
	add(tagStripOffsets, typeLong, 1, make([]byte, 4))
	add(tagStripByteCounts, typeLong, 1, enc32(uint32(len(pixels))))

	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	// Layout: 8-byte header, IFD, overflow value area, pixel strip.
	ifdSize := 2 + 12*len(entries) + 4
	valueOffset := 8 + ifdSize

	var overflow bytes.Buffer
	for i := range entries {
		e := &entries[i]
		if len(e.data) > 4 {
			off := uint32(valueOffset + overflow.Len())
			overflow.Write(e.data)
			e.data = enc32(off)
		}
	}

	pixelsOffset := uint32(valueOffset + overflow.Len())
	for i := range entries {
		if entries[i].tag == tagStripOffsets {
			entries[i].data = enc32(pixelsOffset)
		}
	}

	if _, err := w.Write([]byte{'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00}); err != nil {
		return err
	}
	if err := binary.Write(w, enc, uint16(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := binary.Write(w, enc, e.tag); err != nil {
			return err
		}
		if err := binary.Write(w, enc, e.datatype); err != nil {
			return err
		}
		if err := binary.Write(w, enc, e.count); err != nil {
			return err
		}
		var val [4]byte
		copy(val[:], e.data)
		if _, err := w.Write(val[:]); err != nil {
			return err
		}
	}
	if err := binary.Write(w, enc, uint32(0)); err != nil {
		return err
	}
	if _, err := overflow.WriteTo(w); err != nil {
		return err
	}
	_, err := w.Write(pixels)
	return err
}

func rgbaBytes(img image.Image) []byte {
	bounds := img.Bounds()
	buf := make([]byte, 0, bounds.Dx()*bounds.Dy()*4)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := img.At(x, y).RGBA()
			buf = append(buf, byte(r>>8), byte(g>>8), byte(b>>8), byte(a>>8))
		}
	}
	return buf
}

func enc32(v uint32) []byte {
	b := make([]byte, 4)
	enc.PutUint32(b, v)
	return b
}

func enc16s(vs []uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		enc.PutUint16(b[i*2:], v)
	}
	return b
}

func encDoubles(vs []float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		enc.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}

func encRational(num, den uint32) []byte {
	b := make([]byte, 8)
	enc.PutUint32(b[:4], num)
	enc.PutUint32(b[4:], den)
	return b
}
