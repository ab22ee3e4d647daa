package geotiff

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ReadGeoRef parses the georeferencing tags back out of a TIFF produced
// by Encode (or any north-up single-IFD GeoTIFF using the tiepoint plus
// pixel scale convention). It returns the reference and the raster
// dimensions without decoding pixel data.
func ReadGeoRef(data []byte) (GeoRef, int, int, error) {
	var ref GeoRef
	if len(data) < 8 {
		return ref, 0, 0, fmt.Errorf("truncated tiff: %d bytes", len(data))
	}

	var order binary.ByteOrder
	switch {
	case data[0] == 'I' && data[1] == 'I':
		order = binary.LittleEndian
	case data[0] == 'M' && data[1] == 'M':
		order = binary.BigEndian
	default:
		return ref, 0, 0, fmt.Errorf("not a tiff: bad byte-order mark %q", data[:2])
	}
	if order.Uint16(data[2:]) != 0x2A {
		return ref, 0, 0, fmt.Errorf("not a tiff: bad magic")
	}

	ifdOff := order.Uint32(data[4:])
	if int(ifdOff)+2 > len(data) {
		return ref, 0, 0, fmt.Errorf("ifd offset %d out of range", ifdOff)
	}
	count := int(order.Uint16(data[ifdOff:]))
	if int(ifdOff)+2+12*count > len(data) {
		return ref, 0, 0, fmt.Errorf("truncated ifd: %d entries", count)
	}

	var width, height int
	var scale, tiepoint []float64

	for i := 0; i < count; i++ {
		entry := data[int(ifdOff)+2+12*i:]
		tag := order.Uint16(entry)
		datatype := order.Uint16(entry[2:])
		n := order.Uint32(entry[4:])

		switch tag {
		case tagImageWidth:
			width = int(readScalar(entry[8:], datatype, order))
		case tagImageLength:
			height = int(readScalar(entry[8:], datatype, order))
		case tagModelPixelScale:
			vs, err := readDoubles(data, entry, n, order)
			if err != nil {
				return ref, 0, 0, err
			}
			scale = vs
		case tagModelTiepoint:
			vs, err := readDoubles(data, entry, n, order)
			if err != nil {
				return ref, 0, 0, err
			}
			tiepoint = vs
		case tagGeoKeyDirectory:
			// Key directory entries are quads of shorts; key 2048
			// carries the geographic CS code.
			raw := valueBytes(data, entry, 2*n, order)
			if raw == nil {
				return ref, 0, 0, fmt.Errorf("geo key directory overruns file")
			}
			for k := 4; k+4 <= int(n); k += 4 {
				if order.Uint16(raw[2*k:]) == 2048 {
					ref.EPSG = order.Uint16(raw[2*k+6:])
				}
			}
		}
	}

	if len(scale) < 2 || len(tiepoint) < 6 {
		return ref, 0, 0, fmt.Errorf("missing georeferencing tags")
	}
	if tiepoint[0] != 0 || tiepoint[1] != 0 {
		return ref, 0, 0, fmt.Errorf("tiepoint not anchored at pixel origin")
	}

	ref.OriginX = tiepoint[3]
	ref.OriginY = tiepoint[4]
	ref.PixelSizeX = scale[0]
	ref.PixelSizeY = scale[1]
	return ref, width, height, nil
}

func readScalar(val []byte, datatype uint16, order binary.ByteOrder) uint32 {
	if datatype == typeShort {
		return uint32(order.Uint16(val))
	}
	return order.Uint32(val)
}

func valueBytes(data, entry []byte, size uint32, order binary.ByteOrder) []byte {
	if size <= 4 {
		return entry[8:12]
	}
	off := order.Uint32(entry[8:])
	if int(off)+int(size) > len(data) {
		return nil
	}
	return data[off : off+size]
}

func readDoubles(data, entry []byte, n uint32, order binary.ByteOrder) ([]float64, error) {
	size := 8 * n
	off := order.Uint32(entry[8:])
	if int(off)+int(size) > len(data) {
		return nil, fmt.Errorf("tag value at %d overruns file", off)
	}
	vs := make([]float64, n)
	for i := range vs {
		vs[i] = math.Float64frombits(order.Uint64(data[off+uint32(8*i):]))
	}
	return vs, nil
}
