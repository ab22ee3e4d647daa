package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gocloud.dev/blob/memblob"

	"github.com/mapfasten/mapfasten/internal/cache"
	"github.com/mapfasten/mapfasten/internal/export"
	"github.com/mapfasten/mapfasten/internal/geom"
	"github.com/mapfasten/mapfasten/internal/reproject"
	"github.com/mapfasten/mapfasten/internal/storage"
)

type testEnv struct {
	server *httptest.Server
	store  storage.Store
	id     string
}

func newTestEnv(t *testing.T, width, height int, params *geom.Params) *testEnv {
	t.Helper()
	ctx := context.Background()

	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })
	store := storage.NewBlobStore(bucket)

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	if err := store.SaveConvertedImage(ctx, "img-1", img); err != nil {
		t.Fatalf("seeding image: %v", err)
	}
	qt, err := store.CreateQuadTree(ctx, "img-1", params)
	if err != nil {
		t.Fatalf("creating quadtree: %v", err)
	}
	meta := &storage.OverlayMetadata{
		Name: "test map", ImageWidth: width, ImageHeight: height, Transform: params,
	}
	if err := store.PutOverlayMetadata(ctx, qt.ID, meta); err != nil {
		t.Fatalf("seeding overlay metadata: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	gens := cache.NewGeneratorCache(store)
	exporter := export.NewExporter(store, gens, &reproject.RPCEngine{}, log)
	srv := New(store, gens, exporter, log, "test")

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, store: store, id: qt.ID}
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.server.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, 600, 400, nil)

	resp := env.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	decodeJSON(t, resp, &health)
	if health.Status != "healthy" || health.Version != "test" {
		t.Errorf("health = %+v", health)
	}
}

func TestTileEndpointServesPNG(t *testing.T) {
	env := newTestEnv(t, 600, 400, nil)

	// Zoom 3 is the coarsest address for an unwarped pyramid.
	resp := env.get(t, "/quadtrees/"+env.id+"/tiles/3/0/0.png")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type %q", ct)
	}
	tile, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("decoding tile: %v", err)
	}
	if tile.Bounds().Dx() != 256 || tile.Bounds().Dy() != 256 {
		t.Errorf("tile size %v, want 256x256", tile.Bounds())
	}
}

func TestTileEndpointErrors(t *testing.T) {
	env := newTestEnv(t, 600, 400, nil)

	tests := []struct {
		path string
		want int
	}{
		{"/quadtrees/" + env.id + "/tiles/99/0/0.png", http.StatusNotFound},
		{"/quadtrees/" + env.id + "/tiles/a/b/c.png", http.StatusBadRequest},
		{"/quadtrees/missing/tiles/3/0/0.png", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp := env.get(t, tt.path)
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s status %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestAlignmentThenWarpedTiles(t *testing.T) {
	env := newTestEnv(t, 600, 400, nil)

	// Four tie points of a pure scale+translate mapping.
	points := []geom.TiePoint{
		{World: [2]float64{-13626000, 4548000}, Pixel: [2]float64{0, 0}},
		{World: [2]float64{-13608000, 4548000}, Pixel: [2]float64{600, 0}},
		{World: [2]float64{-13626000, 4536000}, Pixel: [2]float64{0, 400}},
		{World: [2]float64{-13608000, 4536000}, Pixel: [2]float64{600, 400}},
	}
	body, _ := json.Marshal(map[string]any{"points": points})

	resp := env.post(t, "/quadtrees/"+env.id+"/alignment", string(body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("alignment status %d, want 200", resp.StatusCode)
	}
	var params geom.Params
	decodeJSON(t, resp, &params)
	if params.Method != geom.MethodProjective {
		t.Errorf("fitted method %q, want projective for 4 points", params.Method)
	}

	qt, err := env.store.GetQuadTree(context.Background(), env.id)
	if err != nil {
		t.Fatalf("GetQuadTree: %v", err)
	}
	if !qt.Warped() {
		t.Fatal("record not marked warped after alignment")
	}
}

func TestExportEndpointsAndDownload(t *testing.T) {
	env := newTestEnv(t, 600, 400, nil)

	resp := env.post(t, "/quadtrees/"+env.id+"/exports/html", "{}")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("html export status %d, want 200", resp.StatusCode)
	}
	var result struct {
		Artifact string `json:"artifact"`
	}
	decodeJSON(t, resp, &result)
	if !strings.HasPrefix(result.Artifact, "mapfasten-test_map-small-html_") {
		t.Errorf("artifact name %q", result.Artifact)
	}

	dl := env.get(t, "/exports/"+result.Artifact)
	defer dl.Body.Close()
	if dl.StatusCode != http.StatusOK {
		t.Fatalf("download status %d, want 200", dl.StatusCode)
	}
	data, err := io.ReadAll(dl.Body)
	if err != nil {
		t.Fatalf("reading download: %v", err)
	}
	// gzip magic
	if len(data) < 2 || !bytes.Equal(data[:2], []byte{0x1f, 0x8b}) {
		t.Errorf("artifact is not gzip data")
	}
}

func TestKMLExportWithoutGeoTIFFConflicts(t *testing.T) {
	env := newTestEnv(t, 600, 400, nil)

	resp := env.post(t, "/quadtrees/"+env.id+"/exports/kml", `{"geotiffArtifact": ""}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status %d, want 409", resp.StatusCode)
	}
	var errResp struct {
		Error string `json:"error"`
	}
	decodeJSON(t, resp, &errResp)
	if errResp.Error != "NO_GEOTIFF" {
		t.Errorf("error code %q, want NO_GEOTIFF", errResp.Error)
	}
}

func TestGeoTIFFExportWithoutAlignmentConflicts(t *testing.T) {
	env := newTestEnv(t, 600, 400, nil)

	resp := env.post(t, "/quadtrees/"+env.id+"/exports/geotiff", "{}")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status %d, want 409", resp.StatusCode)
	}
}

func TestDownloadMissingArtifact(t *testing.T) {
	env := newTestEnv(t, 600, 400, nil)

	resp := env.get(t, "/exports/no-such-artifact.tar.gz")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}
