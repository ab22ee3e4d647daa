package export

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"gocloud.dev/blob/memblob"
	"gonum.org/v1/gonum/mat"

	"github.com/mapfasten/mapfasten/internal/cache"
	"github.com/mapfasten/mapfasten/internal/geom"
	"github.com/mapfasten/mapfasten/internal/reproject"
	"github.com/mapfasten/mapfasten/internal/storage"
)

var fixedTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func gradientImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	return img
}

// newTestExporter seeds a store with one overlay and returns the
// exporter wired to it with a fixed clock.
func newTestExporter(t *testing.T, width, height int, params *geom.Params) (*Exporter, storage.Store, string) {
	t.Helper()
	ctx := context.Background()

	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })
	store := storage.NewBlobStore(bucket)

	if err := store.SaveConvertedImage(ctx, "img-1", gradientImage(width, height)); err != nil {
		t.Fatalf("seeding image: %v", err)
	}
	qt, err := store.CreateQuadTree(ctx, "img-1", params)
	if err != nil {
		t.Fatalf("creating quadtree: %v", err)
	}
	meta := &storage.OverlayMetadata{
		Name:        "foo",
		ImageWidth:  width,
		ImageHeight: height,
		Transform:   params,
	}
	if err := store.PutOverlayMetadata(ctx, qt.ID, meta); err != nil {
		t.Fatalf("seeding overlay metadata: %v", err)
	}

	exp := NewExporter(store, cache.NewGeneratorCache(store), &reproject.RPCEngine{}, discardLogger())
	exp.now = func() time.Time { return fixedTime }
	return exp, store, qt.ID
}

func listArchive(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	defer gz.Close()

	entries := map[string][]byte{}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return entries
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("tar read: %v", err)
		}
		entries[hdr.Name] = body
	}
}

func TestReversePointsPreservesColumnOrder(t *testing.T) {
	tf, err := geom.MakeTransform(geom.Params{
		Method: geom.MethodAffine,
		Matrix: []float64{30, 0, -13626000, 0, -30, 4548000},
	})
	if err != nil {
		t.Fatalf("MakeTransform: %v", err)
	}

	// Three distinct pixels, forward-mapped to build ground truth.
	srcPx := [][2]float64{{10, 20}, {150, 40}, {75, 130}}
	world := mat.NewDense(3, len(srcPx), nil)
	for j, p := range srcPx {
		x, y := tf.Forward(p[0], p[1])
		lon, lat := geom.MetersToLonLat(x, y)
		world.Set(0, j, lon)
		world.Set(1, j, lat)
		world.Set(2, j, 0)
	}

	pixels, err := reversePoints(tf, world)
	if err != nil {
		t.Fatalf("reversePoints: %v", err)
	}
	if r, c := pixels.Dims(); r != 2 || c != len(srcPx) {
		t.Fatalf("dims %dx%d, want 2x%d", r, c, len(srcPx))
	}
	for j, p := range srcPx {
		if dx := pixels.At(0, j) - p[0]; dx > 1e-6 || dx < -1e-6 {
			t.Errorf("column %d x = %g, want %g", j, pixels.At(0, j), p[0])
		}
		if dy := pixels.At(1, j) - p[1]; dy > 1e-6 || dy < -1e-6 {
			t.Errorf("column %d y = %g, want %g", j, pixels.At(1, j), p[1])
		}
	}
}

func TestReversePointsEmptyInput(t *testing.T) {
	tf, _ := geom.MakeTransform(geom.Params{
		Method: geom.MethodAffine,
		Matrix: []float64{1, 0, 0, 0, 1, 0},
	})
	pixels, err := reversePoints(tf, nil)
	if err != nil {
		t.Fatalf("reversePoints(nil): %v", err)
	}
	if pixels != nil {
		t.Fatalf("expected nil result for empty input")
	}
}

func TestReversePointsReportsFailingColumn(t *testing.T) {
	// Singular affine: reverse is undefined everywhere.
	tf, err := geom.MakeTransform(geom.Params{
		Method: geom.MethodAffine,
		Matrix: []float64{1, 2, 0, 2, 4, 0},
	})
	if err != nil {
		t.Fatalf("MakeTransform: %v", err)
	}
	world := mat.NewDense(3, 2, []float64{
		-122, -121,
		37, 37.5,
		0, 0,
	})
	_, err = reversePoints(tf, world)
	if !errors.Is(err, geom.ErrOutOfDomain) {
		t.Fatalf("err = %v, want ErrOutOfDomain", err)
	}
	if !strings.Contains(err.Error(), "point 0") {
		t.Errorf("err %q does not name the failing column", err)
	}
}

func TestSizeClass(t *testing.T) {
	tests := []struct {
		width int
		want  string
	}{
		{0, "small"},
		{1199, "small"},
		{1200, "large"},
		{4000, "large"},
	}
	for _, tt := range tests {
		if got := sizeClass(tt.width); got != tt.want {
			t.Errorf("sizeClass(%d) = %q, want %q", tt.width, got, tt.want)
		}
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"foo", "foo"},
		{"My Map (1912)", "My_Map_1912_"},
		{"  spaced out  ", "spaced_out"},
		{"", "overlay"},
	}
	for _, tt := range tests {
		if got := slugify(tt.in); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExportHTMLNaming(t *testing.T) {
	exp, store, id := newTestExporter(t, 1600, 1200, nil)

	name, err := exp.ExportHTML(context.Background(), id)
	if err != nil {
		t.Fatalf("ExportHTML: %v", err)
	}
	want := "mapfasten-foo-large-html_2024-01-02-030405-UTC.tar.gz"
	if name != want {
		t.Fatalf("artifact name %q, want %q", name, want)
	}

	qt, err := store.GetQuadTree(context.Background(), id)
	if err != nil {
		t.Fatalf("GetQuadTree: %v", err)
	}
	if qt.HTMLExportName != want {
		t.Errorf("record html export name %q, want %q", qt.HTMLExportName, want)
	}

	data, err := store.GetArtifact(context.Background(), name)
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	entries := listArchive(t, data)

	base := strings.TrimSuffix(want, ".tar.gz")
	if _, ok := entries[base+"/view.html"]; !ok {
		t.Errorf("archive missing view.html")
	}
	if _, ok := entries[base+"/meta.json"]; !ok {
		t.Errorf("archive missing meta.json")
	}

	var tiles int
	for path := range entries {
		if strings.HasPrefix(path, base+"/foo/") && strings.HasSuffix(path, ".png") {
			tiles++
		}
	}
	if tiles == 0 {
		t.Errorf("archive has no tiles under %s/foo/", base)
	}
}

func TestExportGeoTIFFThenKML(t *testing.T) {
	params := &geom.Params{
		Method: geom.MethodAffine,
		Matrix: []float64{30, 0, -13626000, 0, -30, 4548000},
	}
	exp, store, id := newTestExporter(t, 200, 160, params)

	tifName, err := exp.ExportGeoTIFF(context.Background(), id)
	if err != nil {
		t.Fatalf("ExportGeoTIFF: %v", err)
	}
	want := "mapfasten-foo-small-geotiff_2024-01-02-030405-UTC.tar.gz"
	if tifName != want {
		t.Fatalf("artifact name %q, want %q", tifName, want)
	}

	data, err := store.GetArtifact(context.Background(), tifName)
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	base := strings.TrimSuffix(tifName, ".tar.gz")
	entries := listArchive(t, data)
	if _, ok := entries[base+"/"+base+".tif"]; !ok {
		t.Fatalf("archive entries %v missing %s/%s.tif", keys(entries), base, base)
	}

	kmlName, err := exp.ExportKML(context.Background(), id, tifName)
	if err != nil {
		t.Fatalf("ExportKML: %v", err)
	}
	kmlData, err := store.GetArtifact(context.Background(), kmlName)
	if err != nil {
		t.Fatalf("GetArtifact(kml): %v", err)
	}
	kmlBase := strings.TrimSuffix(kmlName, ".tar.gz")
	kmlEntries := listArchive(t, kmlData)
	if _, ok := kmlEntries[kmlBase+"/doc.kml"]; !ok {
		t.Errorf("kml archive missing doc.kml")
	}

	qt, err := store.GetQuadTree(context.Background(), id)
	if err != nil {
		t.Fatalf("GetQuadTree: %v", err)
	}
	if qt.GeoTIFFExportName != tifName || qt.KMLExportName != kmlName {
		t.Errorf("record artifact names (%q, %q), want (%q, %q)",
			qt.GeoTIFFExportName, qt.KMLExportName, tifName, kmlName)
	}
}

func TestExportKMLRequiresGeoTIFF(t *testing.T) {
	exp, _, id := newTestExporter(t, 200, 160, nil)

	if _, err := exp.ExportKML(context.Background(), id, ""); !errors.Is(err, ErrNoGeoTIFF) {
		t.Fatalf("err = %v, want ErrNoGeoTIFF", err)
	}
	if _, err := exp.ExportKML(context.Background(), id, "nope.tar.gz"); !errors.Is(err, ErrNoGeoTIFF) {
		t.Fatalf("missing artifact err = %v, want ErrNoGeoTIFF", err)
	}
}

func TestExportGeoTIFFRequiresAlignment(t *testing.T) {
	exp, _, id := newTestExporter(t, 200, 160, nil)
	if _, err := exp.ExportGeoTIFF(context.Background(), id); !errors.Is(err, ErrNotAligned) {
		t.Fatalf("err = %v, want ErrNotAligned", err)
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
