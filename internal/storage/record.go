package storage

import (
	"encoding/json"
	"time"

	"github.com/mapfasten/mapfasten/internal/geom"
)

// ArtifactKind names the three export deliverables attached to a
// quadtree record.
type ArtifactKind string

const (
	ArtifactHTML    ArtifactKind = "html"
	ArtifactKML     ArtifactKind = "kml"
	ArtifactGeoTIFF ArtifactKind = "geotiff"
)

// QuadTree identifies one tile generation context: an image reference
// plus an optional fitted transform. A record without a transform is
// unwarped (tiles are plain crops); with one it is warped. Records are
// created once per alignment step and only ever updated to attach
// export artifacts or to mark them unused.
type QuadTree struct {
	ID           string       `json:"id"`
	ImageRef     string       `json:"imageRef"`
	Transform    *geom.Params `json:"transform,omitempty"`
	LastModified time.Time    `json:"lastModifiedTime"`

	// Latest artifact names per kind. Artifacts themselves are
	// append-only blobs; generating a new export replaces the
	// reference, never the previous blob.
	HTMLExportName    string `json:"htmlExportName,omitempty"`
	KMLExportName     string `json:"kmlExportName,omitempty"`
	GeoTIFFExportName string `json:"geotiffExportName,omitempty"`

	// UnusedTime is set when no overlay references this record any
	// more; the storage layer eventually reclaims it.
	UnusedTime *time.Time `json:"unusedTime,omitempty"`
}

// Warped reports whether tiles must be resampled through a transform.
func (q *QuadTree) Warped() bool {
	return q.Transform != nil
}

// ArtifactName returns the latest artifact name for kind, or "".
func (q *QuadTree) ArtifactName(kind ArtifactKind) string {
	switch kind {
	case ArtifactHTML:
		return q.HTMLExportName
	case ArtifactKML:
		return q.KMLExportName
	case ArtifactGeoTIFF:
		return q.GeoTIFFExportName
	}
	return ""
}

func (q *QuadTree) setArtifactName(kind ArtifactKind, name string) {
	switch kind {
	case ArtifactHTML:
		q.HTMLExportName = name
	case ArtifactKML:
		q.KMLExportName = name
	case ArtifactGeoTIFF:
		q.GeoTIFFExportName = name
	}
}

// OverlayMetadata carries the overlay fields the export pipeline
// consumes, with named types, plus a schema-free pass-through for
// everything else the overlay editor stores.
type OverlayMetadata struct {
	Name        string       `json:"name"`
	ImageWidth  int          `json:"imageWidth"`
	ImageHeight int          `json:"imageHeight"`
	Transform   *geom.Params `json:"transform,omitempty"`

	// Bounds is the overlay's geodetic extent [west, south, east,
	// north] when known.
	Bounds []float64 `json:"bounds,omitempty"`

	Extras map[string]json.RawMessage `json:"extras,omitempty"`
}
