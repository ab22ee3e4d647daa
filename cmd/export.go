package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mapfasten/mapfasten/internal/cache"
	"github.com/mapfasten/mapfasten/internal/export"
	"github.com/mapfasten/mapfasten/internal/reproject"
)

var exportCmd = &cobra.Command{
	Use:   "export <quadtree-id>",
	Short: "Generate export archives for an overlay",
	Long: `Generate one or all export archives for an overlay and attach them to
its quadtree record.

Kinds:
  html     tiled pyramid plus a standalone viewer page
  geotiff  raster reprojected into WGS84 (requires alignment)
  kml      KML super-overlay cut from the GeoTIFF (requires a prior
           geotiff export, or --kind all)

Examples:
  mapfasten export 4f2a9c01d6b35e88 --kind all
  mapfasten export 4f2a9c01d6b35e88 --kind html`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringP("kind", "k", "all", "export kind (html|geotiff|kml|all)")
	exportCmd.Flags().String("geotiff-artifact", "", "existing geotiff artifact to cut KML tiles from")

	viper.BindPFlag("export.kind", exportCmd.Flags().Lookup("kind"))
	viper.BindPFlag("export.geotiff-artifact", exportCmd.Flags().Lookup("geotiff-artifact"))
}

func runExport(cmd *cobra.Command, args []string) error {
	id := args[0]
	kind := viper.GetString("export.kind")

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	log := newLogger()
	exporter := export.NewExporter(store, cache.NewGeneratorCache(store), &reproject.RPCEngine{}, log)
	ctx := cmd.Context()

	report := func(name string) {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}

	switch kind {
	case "html":
		name, err := exporter.ExportHTML(ctx, id)
		if err != nil {
			return err
		}
		report(name)
	case "geotiff":
		name, err := exporter.ExportGeoTIFF(ctx, id)
		if err != nil {
			return err
		}
		report(name)
	case "kml":
		name, err := exporter.ExportKML(ctx, id, viper.GetString("export.geotiff-artifact"))
		if err != nil {
			return err
		}
		report(name)
	case "all":
		name, err := exporter.ExportHTML(ctx, id)
		if err != nil {
			return err
		}
		report(name)
		tifName, err := exporter.ExportGeoTIFF(ctx, id)
		if err != nil {
			return err
		}
		report(tifName)
		kmlName, err := exporter.ExportKML(ctx, id, tifName)
		if err != nil {
			return err
		}
		report(kmlName)
	default:
		return fmt.Errorf("unknown export kind: %s", kind)
	}

	return nil
}
