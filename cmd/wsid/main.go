package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/donaloshea1971/dicom-wsi-server-sub002/server"
	"github.com/donaloshea1971/dicom-wsi-server-sub002/wsi"
)

var (
	configPath string
	verbose    bool
	noProgress bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wsid",
		Short: "Serve tiles of whole-slide image pyramids",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "TOML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug messages")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP tile server until interrupted",
		Args:  cobra.NoArgs,
		Run:   runServe,
	}

	describeCmd := &cobra.Command{
		Use:   "describe <SERIES>",
		Short: "Build and print the pyramid of a series",
		Args:  cobra.ExactArgs(1),
		Run:   runDescribe,
	}

	synthesizeCmd := &cobra.Command{
		Use:   "synthesize <SERIES>",
		Short: "Synthesize missing coarse levels of a series",
		Args:  cobra.ExactArgs(1),
		Run:   runSynthesize,
	}
	synthesizeCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bar")

	rootCmd.AddCommand(serveCmd, describeCmd, synthesizeCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// openService loads the configuration, sets up logging and opens the stores.
func openService() *server.Service {
	config, err := server.LoadConfig(configPath)
	if err != nil {
		fatalf("%v", err)
	}
	if err := config.Logging.SetLogger(); err != nil {
		fatalf("bad [logging] configuration: %v", err)
	}
	if verbose {
		wsi.SetLogMode(wsi.DebugMode)
	}
	service, err := server.New(config)
	if err != nil {
		fatalf("%v", err)
	}
	return service
}

func runServe(cmd *cobra.Command, args []string) {
	service := openService()
	defer service.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := service.Serve(ctx); err != nil {
		wsi.Criticalf("Web server stopped: %v\n", err)
		service.Close()
		os.Exit(1)
	}
	wsi.Infof("Shutdown complete\n")
}

func runDescribe(cmd *cobra.Command, args []string) {
	seriesID := args[0]
	service := openService()
	defer service.Close()

	desc, mapper, _, err := service.TileSource().View(context.Background(), seriesID)
	if err != nil {
		service.Close()
		fatalf("%v", err)
	}
	fmt.Printf("Series %s: %d x %d, %d x %d tiles, %s pyramid\n",
		desc.SeriesID, desc.Width, desc.Height, desc.TileWidth, desc.TileHeight, desc.Topology)
	if desc.NeedsSynthesis() {
		fmt.Printf("Coarsest level is larger than one tile; run 'wsid synthesize %s' to complete it.\n", seriesID)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "VIEWER\tSTORAGE\tSIZE\tDOWNSAMPLE\tTILES\tSOURCE")
	for v := 0; v < mapper.NumViewerLevels(); v++ {
		level, err := mapper.ToStorage(v)
		if err != nil {
			service.Close()
			fatalf("%v", err)
		}
		l := desc.Levels[level]
		source := l.Source
		if l.Synthesized {
			source += " (synthesized)"
		}
		fmt.Fprintf(tw, "%d\t%d\t%d x %d\t%.3f\t%d x %d\t%s\n",
			v, level, l.Width, l.Height, l.Downsample, l.TilesPerRow, l.TilesPerColumn, source)
	}
	tw.Flush()
}

func runSynthesize(cmd *cobra.Command, args []string) {
	seriesID := args[0]
	service := openService()
	defer service.Close()

	var mu sync.Mutex
	var bar *progressbar.ProgressBar
	barLevel := -1
	var progress func(level, done, total int)
	if !noProgress {
		progress = func(level, done, total int) {
			mu.Lock()
			defer mu.Unlock()
			if level != barLevel {
				if bar != nil {
					bar.Finish()
				}
				bar = progressbar.Default(int64(total), fmt.Sprintf("Level %d", level))
				barLevel = level
			}
			bar.Set(done)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	timedLog := wsi.NewTimeLog()
	desc, err := service.Registry().Synthesize(ctx, seriesID, progress)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		service.Close()
		fatalf("%v", err)
	}
	fmt.Printf("Series %s has %d levels (%d synthesized), coarsest %d x %d, in %s\n",
		desc.SeriesID, desc.NumLevels(), desc.NumSynthesized(),
		desc.Coarsest().Width, desc.Coarsest().Height, timedLog.Elapsed())
	if desc.NeedsSynthesis() {
		service.Close()
		fatalf("synthesis stopped before reaching a single tile; see log for the failed level")
	}
}
