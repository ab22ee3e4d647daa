package rpc

import (
	"fmt"
	"strconv"
	"strings"
)

// ModelFromVrtMetadata reconstructs a model from the RPC metadata key
// set produced by VrtMetadata. This is the interchange form handed to
// reprojection engines, so the round trip must be lossless to working
// precision.
func ModelFromVrtMetadata(meta map[string]string) (*Model, error) {
	m := &Model{}

	scalars := []struct {
		key string
		dst *float64
	}{
		{"LINE_OFF", &m.LineOff},
		{"LINE_SCALE", &m.LineScale},
		{"SAMP_OFF", &m.SampOff},
		{"SAMP_SCALE", &m.SampScale},
		{"LAT_OFF", &m.LatOff},
		{"LAT_SCALE", &m.LatScale},
		{"LONG_OFF", &m.LonOff},
		{"LONG_SCALE", &m.LonScale},
		{"HEIGHT_OFF", &m.HeightOff},
		{"HEIGHT_SCALE", &m.HeightScale},
	}
	for _, s := range scalars {
		raw, ok := meta[s.key]
		if !ok {
			return nil, fmt.Errorf("rpc metadata missing %s", s.key)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("rpc metadata %s=%q: %w", s.key, raw, err)
		}
		*s.dst = v
	}

	coefs := []struct {
		key string
		dst *[numCoef]float64
	}{
		{"LINE_NUM_COEFF", &m.LineNum},
		{"LINE_DEN_COEFF", &m.LineDen},
		{"SAMP_NUM_COEFF", &m.SampNum},
		{"SAMP_DEN_COEFF", &m.SampDen},
	}
	for _, c := range coefs {
		raw, ok := meta[c.key]
		if !ok {
			return nil, fmt.Errorf("rpc metadata missing %s", c.key)
		}
		fields := strings.Fields(raw)
		if len(fields) != numCoef {
			return nil, fmt.Errorf("rpc metadata %s has %d coefficients, want %d", c.key, len(fields), numCoef)
		}
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("rpc metadata %s[%d]=%q: %w", c.key, i, f, err)
			}
			c.dst[i] = v
		}
	}

	return m, nil
}

// GeodeticBounds returns the geodetic box [west, south, east, north]
// the model was normalized over, which covers the image footprint.
func (m *Model) GeodeticBounds() (west, south, east, north float64) {
	return m.LonOff - m.LonScale, m.LatOff - m.LatScale,
		m.LonOff + m.LonScale, m.LatOff + m.LatScale
}
