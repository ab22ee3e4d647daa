package export

import (
	"bytes"
	"encoding/json"
	"html/template"

	"github.com/mapfasten/mapfasten/internal/quadtree"
	"github.com/mapfasten/mapfasten/internal/storage"
)

// viewHTML is the standalone viewer page shipped inside HTML export
// archives. It loads Leaflet from a CDN and serves tiles from the
// pyramid directory next to it.
const viewHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>{{.Name}}</title>
  <link rel="stylesheet" href="https://unpkg.com/leaflet@1.9.4/dist/leaflet.css">
  <script src="https://unpkg.com/leaflet@1.9.4/dist/leaflet.js"></script>
  <style>html, body, #map { height: 100%; margin: 0; }</style>
</head>
<body>
  <div id="map"></div>
  <script>
    var map = L.map('map', { crs: L.CRS.EPSG3857 });
    var overlay = L.tileLayer('{{.TileURLTemplate}}', {
      tileSize: {{.TileSize}},
      minZoom: 0,
      maxZoom: {{.MaxZoom}},
      bounds: {{.BoundsJS}}
    }).addTo(map);
    {{if .HasBounds}}map.fitBounds({{.BoundsJS}});{{else}}map.setView([0, 0], 2);{{end}}
  </script>
</body>
</html>
`

var viewTemplate = template.Must(template.New("view").Parse(viewHTML))

type viewData struct {
	Name            string
	TileURLTemplate string
	TileSize        int
	MaxZoom         int
	HasBounds       bool
	BoundsJS        template.JS
}

func renderViewHTML(meta *storage.OverlayMetadata, slug string) ([]byte, error) {
	data := viewData{
		Name:            meta.Name,
		TileURLTemplate: slug + "/{z}/{x}/{y}.png",
		TileSize:        quadtree.TileSize,
		MaxZoom:         22,
		BoundsJS:        "null",
	}
	if len(meta.Bounds) == 4 {
		// Leaflet wants [[south, west], [north, east]].
		js, err := json.Marshal([][2]float64{
			{meta.Bounds[1], meta.Bounds[0]},
			{meta.Bounds[3], meta.Bounds[2]},
		})
		if err != nil {
			return nil, err
		}
		data.HasBounds = true
		data.BoundsJS = template.JS(js)
	}

	var buf bytes.Buffer
	if err := viewTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// overlayMetaJSON renders the meta.json document included in HTML
// exports: the overlay record plus the tile addressing constants a
// consumer needs to interpret the pyramid.
func overlayMetaJSON(meta *storage.OverlayMetadata) ([]byte, error) {
	doc := struct {
		*storage.OverlayMetadata
		TileSize   int `json:"tileSize"`
		ZoomOffset int `json:"zoomOffset"`
	}{meta, quadtree.TileSize, quadtree.ZoomOffset}
	return json.MarshalIndent(doc, "", "  ")
}
