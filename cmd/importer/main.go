// Command importer bulk-loads locations and runs maintenance jobs against
// the location store.
//
//	importer [--memory] csv [--domain D] FILE...
//	importer [--memory] geonames --country LK --level L2 [--file PATH]
//	importer bounds
//	importer paths
//
// With --memory the command runs against an empty in-memory store and
// nothing is written to the database, so files can be checked before a
// real import.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/reliefmap/locus/internal/config"
	"github.com/reliefmap/locus/internal/database"
	"github.com/reliefmap/locus/internal/feeds"
	"github.com/reliefmap/locus/internal/geometry"
	"github.com/reliefmap/locus/internal/importer"
	"github.com/reliefmap/locus/internal/logger"
	"github.com/reliefmap/locus/internal/models"
	"github.com/reliefmap/locus/internal/repository"
	"github.com/reliefmap/locus/internal/services"
)

const usage = `usage: importer [--memory] <command> [flags]

commands:
  csv       import administrative boundary CSV files
  geonames  import one level of a GeoNames country dump
  bounds    fill missing bounding boxes
  paths     rebuild every materialized path
`

type app struct {
	cfg       *config.Config
	log       *logger.Logger
	engine    geometry.Engine
	repo      repository.LocationRepository
	locations services.LocationService
	spatial   services.SpatialService
}

func main() {
	global := pflag.NewFlagSet("importer", pflag.ContinueOnError)
	global.SetInterspersed(false)
	memory := global.Bool("memory", false, "run against an empty in-memory store, writing nothing")
	if err := global.Parse(os.Args[1:]); err != nil || global.NArg() == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	// stdout carries the import reports
	log := logger.NewWithWriter(cfg.Server.Env, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeRepo := openRepository(ctx, cfg, *memory, log)
	defer closeRepo()

	engine := geometry.NewOrbEngine()
	a := &app{
		cfg:       cfg,
		log:       log,
		engine:    engine,
		repo:      repo,
		locations: services.NewLocationService(repo, engine, cfg.GIS, log),
		spatial:   services.NewSpatialService(repo, engine, cfg.GIS, nil, log),
	}

	cmd, args := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "csv":
		err = a.importCSV(ctx, args)
	case "geonames":
		err = a.importGeonames(ctx, args)
	case "bounds":
		err = a.fillBounds(ctx)
	case "paths":
		err = a.rebuildPaths(ctx)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Error("Command failed", err, map[string]interface{}{"command": cmd, "memory": *memory})
		stop()
		closeRepo()
		os.Exit(1)
	}
}

// openRepository returns the location store the command works on and a
// func that releases it.
func openRepository(ctx context.Context, cfg *config.Config, memory bool, log *logger.Logger) (repository.LocationRepository, func()) {
	if memory {
		log.Info("Using in-memory store, nothing will be persisted", nil)
		return repository.NewMemoryRepository(), func() {}
	}

	if cfg.Database.AutoMigrate {
		if err := database.RunMigrations(cfg.Database, log); err != nil {
			log.Fatal("Failed to run migrations", err, nil)
		}
	}
	db, err := database.NewPostgresPool(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", err, map[string]interface{}{
			"host": cfg.Database.Host,
			"name": cfg.Database.Name,
		})
	}
	return repository.NewLocationRepository(db.Pool), db.Close
}

func (a *app) importCSV(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("csv", pflag.ExitOnError)
	domain := fs.String("domain", a.cfg.GIS.UUIDDomain, "prefix for the UUID column")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("csv: at least one file is required")
	}

	imp := importer.NewCSVImporter(a.locations, a.repo, *domain, nil, a.log)
	var total importer.Result
	failed := 0
	for _, fr := range imp.ImportFiles(ctx, fs.Args()) {
		if fr.Err != nil {
			failed++
			a.log.Error("File import failed", fr.Err, map[string]interface{}{"path": fr.Path})
		}
		report(fr.Path, fr.Result)
		total.Add(fr.Result)
	}
	report("total", total)
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, fs.NArg())
	}
	return nil
}

func (a *app) importGeonames(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("geonames", pflag.ExitOnError)
	country := fs.String("country", "", "two-letter country code")
	level := fs.String("level", "", "level to import, L1 to L5")
	file := fs.String("file", "", "read a local dump instead of downloading")
	baseURL := fs.String("base-url", importer.GeonamesBaseURL, "dump download location")
	if err := fs.Parse(args); err != nil {
		return err
	}

	lvl, err := models.ParseLevel(*level)
	if err != nil {
		return err
	}

	var r io.Reader
	switch {
	case *file != "":
		f, err := os.Open(*file)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", *file, err)
		}
		defer f.Close()
		r = f
	case *country != "":
		transport := feeds.NewHTTPTransport(0)
		transport.MaxPayload = 1 << 30
		body, err := importer.Download(ctx, transport, *baseURL, *country)
		if err != nil {
			return err
		}
		r = bytes.NewReader(body)
	default:
		return fmt.Errorf("geonames: --country or --file is required")
	}

	imp := importer.NewGeonamesImporter(a.locations, a.repo, a.engine, a.cfg.GIS, nil, a.log)
	res, err := imp.Import(ctx, lvl, r)
	report("geonames", res)
	return err
}

func (a *app) fillBounds(ctx context.Context) error {
	n, err := a.spatial.SetAllBounds(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("bounds: %d updated\n", n)
	return nil
}

func (a *app) rebuildPaths(ctx context.Context) error {
	n, err := a.locations.RebuildPaths(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("paths: %d rebuilt\n", n)
	return nil
}

func report(label string, res importer.Result) {
	fmt.Printf("%s: %d rows, %d inserted, %d updated, %d skipped\n",
		label, res.Rows, res.Inserted, res.Updated, res.Skipped)
	for _, e := range res.Errors {
		fmt.Printf("  %s\n", e.Error())
	}
}
