package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gocloud.dev/blob/fileblob"

	"github.com/mapfasten/mapfasten/internal/storage"
)

const version = "1.0.0"

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mapfasten",
	Short: "Georectify scanned maps and export them as tiles, KML and GeoTIFF",
	Long: `mapfasten aligns scanned map images against the world using tie points
and exports the result in three forms: a tiled HTML viewer, a KML
super-overlay for earth browsers, and a reprojected GeoTIFF.

Examples:
  # Start the HTTP server
  mapfasten serve --port 8080

  # Export every deliverable for an aligned overlay
  mapfasten export 4f2a9c01d6b35e88 --kind all

  # Export only the tiled HTML viewer
  mapfasten export 4f2a9c01d6b35e88 --kind html`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mapfasten.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "./data", "directory holding images, records and exports")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")

	viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".mapfasten" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".mapfasten")
	}

	viper.SetEnvPrefix("MAPFASTEN")
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// openStore opens the file-backed blob store under the configured data
// directory, creating it if needed.
func openStore() (*storage.BlobStore, func(), error) {
	dir := viper.GetString("data-dir")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating data dir %s: %w", dir, err)
	}
	bucket, err := fileblob.OpenBucket(dir, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("opening data dir %s: %w", dir, err)
	}
	return storage.NewBlobStore(bucket), func() { bucket.Close() }, nil
}

func newLogger() *slog.Logger {
	var level slog.Level
	switch viper.GetString("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
