package export

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/image/tiff"
	"gonum.org/v1/gonum/mat"

	"github.com/mapfasten/mapfasten/internal/cache"
	"github.com/mapfasten/mapfasten/internal/geom"
	"github.com/mapfasten/mapfasten/internal/quadtree"
	"github.com/mapfasten/mapfasten/internal/reproject"
	"github.com/mapfasten/mapfasten/internal/rpc"
	"github.com/mapfasten/mapfasten/internal/storage"
	"github.com/mapfasten/mapfasten/pkg/geotiff"
)

// ErrNoGeoTIFF is returned by ExportKML when no reprojected GeoTIFF
// artifact is supplied. The KML pyramid is cut from the reprojected
// raster, so the GeoTIFF export has to run first.
var ErrNoGeoTIFF = errors.New("kml export requires a geotiff artifact")

// ErrNotAligned is returned when an export needs a fitted transform but
// the overlay has none yet.
var ErrNotAligned = errors.New("overlay has no alignment transform")

// timestampLayout renders export timestamps, always in UTC.
const timestampLayout = "2006-01-02-150405-UTC"

// sizeThreshold is the image width at which an overlay stops counting
// as "small" for export naming.
const sizeThreshold = 1200

// Exporter builds export archives and attaches them to quadtree
// records. Each export kind runs and fails independently.
type Exporter struct {
	store  storage.Store
	gens   *cache.GeneratorCache
	engine reproject.Engine
	log    *slog.Logger

	// now is the export clock, replaceable in tests.
	now func() time.Time
}

func NewExporter(store storage.Store, gens *cache.GeneratorCache, engine reproject.Engine, log *slog.Logger) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{
		store:  store,
		gens:   gens,
		engine: engine,
		log:    log,
		now:    time.Now,
	}
}

// ExportHTML renders the overlay's tile pyramid plus a self-contained
// viewer page into a tar.gz archive and attaches it. It returns the
// artifact name.
func (e *Exporter) ExportHTML(ctx context.Context, quadTreeID string) (string, error) {
	meta, err := e.store.GetOverlayMetadata(ctx, quadTreeID)
	if err != nil {
		return "", fmt.Errorf("loading overlay metadata: %w", err)
	}

	gen, err := e.gens.GetOrCreate(ctx, quadTreeID)
	if err != nil {
		return "", fmt.Errorf("building tile generator: %w", err)
	}

	slug := slugify(meta.Name)
	base := e.archiveBase(meta, "html")
	tw := quadtree.NewTarWriter(base)

	if err := gen.WriteQuadTree(tw, slug); err != nil {
		return "", fmt.Errorf("writing tile pyramid: %w", err)
	}

	page, err := renderViewHTML(meta, slug)
	if err != nil {
		return "", fmt.Errorf("rendering viewer: %w", err)
	}
	if err := tw.WriteData("view.html", page); err != nil {
		return "", err
	}

	doc, err := overlayMetaJSON(meta)
	if err != nil {
		return "", fmt.Errorf("encoding overlay metadata: %w", err)
	}
	if err := tw.WriteData("meta.json", doc); err != nil {
		return "", err
	}

	return e.attach(ctx, quadTreeID, storage.ArtifactHTML, tw)
}

// ExportGeoTIFF fits an RPC camera to the overlay's current transform,
// reprojects the source raster into WGS84 and attaches the resulting
// GeoTIFF archive. It returns the artifact name.
func (e *Exporter) ExportGeoTIFF(ctx context.Context, quadTreeID string) (string, error) {
	meta, err := e.store.GetOverlayMetadata(ctx, quadTreeID)
	if err != nil {
		return "", fmt.Errorf("loading overlay metadata: %w", err)
	}
	if meta.Transform == nil {
		return "", ErrNotAligned
	}
	tf, err := geom.MakeTransform(*meta.Transform)
	if err != nil {
		return "", fmt.Errorf("reconstructing transform: %w", err)
	}

	qt, err := e.store.GetQuadTree(ctx, quadTreeID)
	if err != nil {
		return "", fmt.Errorf("loading quadtree record: %w", err)
	}
	src, err := e.store.LoadImage(ctx, qt.ImageRef)
	if err != nil {
		return "", fmt.Errorf("loading source image: %w", err)
	}

	// Anchor the RPC fit at the geodetic position of the image center.
	cx, cy := tf.Forward(float64(meta.ImageWidth)/2, float64(meta.ImageHeight)/2)
	clon, clat := geom.MetersToLonLat(cx, cy)

	sample := func(world *mat.Dense) (*mat.Dense, error) {
		return reversePoints(tf, world)
	}
	model, err := rpc.FitToModel(sample, meta.ImageWidth, meta.ImageHeight, clon, clat)
	if err != nil {
		return "", fmt.Errorf("fitting rpc camera: %w", err)
	}

	var tif bytes.Buffer
	if err := e.engine.Reproject(ctx, src, model.VrtMetadata(), reproject.SRSGeodetic, &tif); err != nil {
		return "", fmt.Errorf("reprojecting: %w", err)
	}

	base := e.archiveBase(meta, "geotiff")
	tw := quadtree.NewTarWriter(base)
	if err := tw.WriteData(base+".tif", tif.Bytes()); err != nil {
		return "", err
	}

	return e.attach(ctx, quadTreeID, storage.ArtifactGeoTIFF, tw)
}

// ExportKML re-tiles a previously exported GeoTIFF into a KML
// super-overlay archive and attaches it. The GeoTIFF artifact name is
// an explicit input rather than an implicit lookup on the record, so
// the ordering dependency between the two exports is visible at the
// call site.
func (e *Exporter) ExportKML(ctx context.Context, quadTreeID, geotiffArtifact string) (string, error) {
	if geotiffArtifact == "" {
		return "", ErrNoGeoTIFF
	}

	meta, err := e.store.GetOverlayMetadata(ctx, quadTreeID)
	if err != nil {
		return "", fmt.Errorf("loading overlay metadata: %w", err)
	}

	archive, err := e.store.GetArtifact(ctx, geotiffArtifact)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNoGeoTIFF, geotiffArtifact)
		}
		return "", fmt.Errorf("loading geotiff artifact: %w", err)
	}
	raw, err := extractTIFF(archive)
	if err != nil {
		return "", fmt.Errorf("reading geotiff artifact %s: %w", geotiffArtifact, err)
	}

	ref, w, h, err := geotiff.ReadGeoRef(raw)
	if err != nil {
		return "", fmt.Errorf("reading georeferencing: %w", err)
	}
	img, err := tiff.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("decoding geotiff raster: %w", err)
	}

	tiler, err := quadtree.NewKMLTiler(img, quadtree.GeoBounds{
		West:  ref.OriginX,
		North: ref.OriginY,
		East:  ref.OriginX + float64(w)*ref.PixelSizeX,
		South: ref.OriginY - float64(h)*ref.PixelSizeY,
	})
	if err != nil {
		return "", fmt.Errorf("building kml tiler: %w", err)
	}

	base := e.archiveBase(meta, "kml")
	tw := quadtree.NewTarWriter(base)
	if err := tiler.WriteTiles(tw); err != nil {
		return "", fmt.Errorf("writing kml pyramid: %w", err)
	}

	return e.attach(ctx, quadTreeID, storage.ArtifactKML, tw)
}

func (e *Exporter) attach(ctx context.Context, quadTreeID string, kind storage.ArtifactKind, tw *quadtree.TarWriter) (string, error) {
	data, err := tw.Bytes()
	if err != nil {
		return "", fmt.Errorf("finalizing archive: %w", err)
	}
	name := tw.Name() + ".tar.gz"
	if err := e.store.AttachArtifact(ctx, quadTreeID, kind, name, data); err != nil {
		return "", fmt.Errorf("attaching %s artifact: %w", kind, err)
	}
	e.log.Info("export complete", "quadtree", quadTreeID, "kind", string(kind), "artifact", name)
	return name, nil
}

// archiveBase builds the export archive base name:
// <export-name>-<size-class>-<kind>_<timestamp>.
func (e *Exporter) archiveBase(meta *storage.OverlayMetadata, kind string) string {
	return fmt.Sprintf("%s-%s-%s_%s",
		exportName(meta.Name), sizeClass(meta.ImageWidth), kind,
		e.now().UTC().Format(timestampLayout))
}

// sizeClass buckets an overlay by source image width.
func sizeClass(width int) string {
	if width < sizeThreshold {
		return "small"
	}
	return "large"
}

var nonWord = regexp.MustCompile(`\W+`)

// slugify reduces an overlay name to a filesystem-safe slug.
func slugify(name string) string {
	slug := nonWord.ReplaceAllString(strings.TrimSpace(name), "_")
	if slug == "" {
		return "overlay"
	}
	return slug
}

func exportName(overlayName string) string {
	return "mapfasten-" + slugify(overlayName)
}

// extractTIFF pulls the single .tif member out of a GeoTIFF export
// archive.
func extractTIFF(archive []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("archive has no .tif member")
		}
		if err != nil {
			return nil, err
		}
		if strings.HasSuffix(hdr.Name, ".tif") {
			return io.ReadAll(tr)
		}
	}
}
