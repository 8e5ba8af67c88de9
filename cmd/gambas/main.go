// The gambas gear entrypoint. Inside a Flywheel job it reads the gear
// contract from /flywheel/v0 and processes the destination container;
// the migrate subcommand manages the run database schema.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/khula-data/gambas/internal/api"
	"github.com/khula-data/gambas/internal/db"
	"github.com/khula-data/gambas/internal/device"
	"github.com/khula-data/gambas/internal/flywheel"
	"github.com/khula-data/gambas/internal/gear"
	"github.com/khula-data/gambas/internal/monitoring"
	"github.com/khula-data/gambas/internal/pipeline"
	"github.com/khula-data/gambas/internal/version"
)

const dbFile = "gambas_runs.db"

var (
	baseDir  = flag.String("base", gear.DefaultBaseDir, "Gear base directory")
	apiURL   = flag.String("api-url", os.Getenv("FLYWHEEL_API_URL"), "Flywheel site URL")
	listen   = flag.String("listen", "", "Optional status server address (e.g. :8080)")
	devMode  = flag.Bool("dev", false, "Run without uploading results to the platform")
	refPath  = flag.String("reference", "", "Override the bundled registration template")
	modelDir = flag.String("model-dir", "", "Override the bundled checkpoint directory")
)

func main() {
	flag.Parse()

	if args := flag.Args(); len(args) > 0 && args[0] == "migrate" {
		dbPath := filepath.Join(*baseDir, "work", dbFile)
		if err := db.RunMigrateCommand(args[1:], dbPath); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	cfg, err := gear.LoadConfig(*baseDir)
	if err != nil {
		log.Fatalf("failed to load gear config: %v", err)
	}
	manifest, err := gear.LoadManifest(*baseDir)
	if err != nil {
		log.Fatalf("failed to load gear manifest: %v", err)
	}
	if !cfg.DebugOrDefault() {
		log.SetFlags(log.LstdFlags)
	} else {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}
	monitoring.Logf("%s %s (build %s)", manifest.Name, manifest.Version, version.Version)

	dev := device.Probe()
	model := device.ModelFor(dev)
	monitoring.Logf("running on %s, model %s", dev.Kind, model)

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		log.Fatalf("failed to create work dir: %v", err)
	}
	database, err := db.Open(filepath.Join(cfg.WorkDir, dbFile))
	if err != nil {
		log.Fatalf("failed to open run database: %v", err)
	}
	defer database.Close()
	if err := database.MigrateUp(); err != nil {
		log.Fatalf("failed to migrate run database: %v", err)
	}

	tracker := api.NewTracker()
	if *listen != "" {
		server := api.NewServer(database, tracker)
		go func() {
			monitoring.Logf("status server listening on %s", *listen)
			if err := http.ListenAndServe(*listen, api.LoggingMiddleware(server.ServeMux())); err != nil {
				monitoring.Logf("status server stopped: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := &pipeline.Pipeline{
		Client:        flywheel.NewClient(*apiURL, cfg.APIKey()),
		DB:            database,
		Cfg:           cfg,
		Manifest:      manifest,
		Device:        dev,
		Model:         model,
		Tracker:       tracker,
		ReferencePath: *refPath,
		ModelDir:      *modelDir,
		SkipUpload:    *devMode,
	}
	if err := p.Run(ctx, cfg.Destination.ID); err != nil {
		log.Fatalf("gear run failed: %v", err)
	}
	monitoring.Logf("gear run complete")
}
