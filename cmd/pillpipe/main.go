// Command pillpipe builds YOLO training datasets for the pill detection
// project: it samples the raw corpus, validates and letterboxes the images,
// converts the COCO annotations, splits the result and packages it for
// delivery. It can run as a one-shot CLI, an HTTP service or an inbox
// watcher.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/medvision/pillpipe/internal/analyzer"
	"github.com/medvision/pillpipe/internal/api"
	"github.com/medvision/pillpipe/internal/catalog"
	"github.com/medvision/pillpipe/internal/config"
	"github.com/medvision/pillpipe/internal/convert"
	"github.com/medvision/pillpipe/internal/log"
	"github.com/medvision/pillpipe/internal/packager"
	"github.com/medvision/pillpipe/internal/pipeline"
	"github.com/medvision/pillpipe/internal/preprocess"
	"github.com/medvision/pillpipe/internal/sampler"
	"github.com/medvision/pillpipe/internal/splitter"
	"github.com/medvision/pillpipe/internal/store"
	"github.com/medvision/pillpipe/internal/validate"
	"github.com/medvision/pillpipe/internal/watch"
)

var (
	version   = "v1.2.0"
	commit    = "none"
	buildDate = "unknown"
)

const usage = `pillpipe - pill detection dataset pipeline

Usage:
  pillpipe <command> [flags]

Commands:
  run         execute the full pipeline (sample through package)
  process     run the processing stages on an existing dataset directory
  sample      carve a working dataset out of the raw corpus
  validate    check images and annotations for defects
  preprocess  letterbox images to the training resolution
  convert     convert COCO annotations to YOLO labels
  split       build the stratified train/val/test tree
  analyze     compute dataset statistics and quality scores
  package     assemble and zip the delivery artifact
  profiles    list the available sampling profiles; pass a purpose for a
              recommendation (quick_test, production, development, ...)
  serve       run the HTTP API
  watch       trigger runs when new data lands in the inbox
  version     print version information
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	if cmd == "version" {
		fmt.Printf("pillpipe %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (YAML)")
	dataDir := fs.String("data", "", "data directory (overrides config)")
	profile := fs.String("profile", "", "sampling profile (overrides config)")
	_ = fs.Parse(args)

	log.Configure(log.Config{
		Level:   "info",
		Service: "pillpipe",
		Version: version,
	})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*configPath, version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *profile != "" {
		cfg.Profile = *profile
	}
	if err := config.Validate(cfg); err != nil {
		logger.Fatal().Err(err).Str("event", "config.invalid").Msg("invalid configuration")
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: cfg.LogService,
		Version: cfg.Version,
	})

	if err := dispatch(ctx, cmd, &cfg, fs.Args()); err != nil {
		logger.Fatal().Err(err).Str("event", "command.failed").Str("command", cmd).Msg("command failed")
	}
}

func dispatch(ctx context.Context, cmd string, cfg *config.AppConfig, args []string) error {
	dirs := pipeline.DirsFor(cfg.DataDir)

	switch cmd {
	case "run":
		return withRuntime(cfg, func(st *store.Store, cat *catalog.Catalog) error {
			_, err := pipeline.New(cfg, st, cat).Run(ctx)
			return err
		})

	case "process":
		if len(args) == 0 {
			return fmt.Errorf("usage: pillpipe process <dataset-dir>")
		}
		return withRuntime(cfg, func(st *store.Store, cat *catalog.Catalog) error {
			_, err := pipeline.New(cfg, st, cat).Process(ctx, args[0])
			return err
		})

	case "sample":
		profile, err := cfg.ProfileFor(cfg.Profile)
		if err != nil {
			return err
		}
		_, err = sampler.Run(ctx, dirs.Raw, dirs.Sampled, sampler.Options{
			TrainSize: profile.TrainSize,
			TestSize:  profile.TestSize,
			Strategy:  profile.Strategy,
		})
		return err

	case "validate":
		rep, err := validate.Dataset(ctx, dirs.Sampled, validate.Options{
			MinImageSize:     cfg.MinImageSize,
			MaxBoxesPerImage: cfg.MaxBoxesPerImage,
		})
		if err != nil {
			return err
		}
		for _, issue := range rep.Images.Issues {
			fmt.Println(issue)
		}
		for _, issue := range rep.Annotations.Issues {
			fmt.Println(issue)
		}
		fmt.Printf("images %d/%d valid, annotations %d/%d valid\n",
			rep.Images.Valid, rep.Images.Total, rep.Annotations.Valid, rep.Annotations.Total)
		if rep.Images.Valid == 0 {
			return fmt.Errorf("no valid images in dataset")
		}
		return nil

	case "preprocess":
		_, err := preprocess.Run(ctx, dirs.Sampled, dirs.Preprocessed, preprocess.Options{
			TargetSize:      cfg.TargetSize,
			Workers:         cfg.Workers,
			ImagesPerSecond: cfg.ImagesPerSecond,
		})
		return err

	case "convert":
		_, err := convert.Run(ctx, dirs.Preprocessed, dirs.Labels)
		return err

	case "split":
		cat, err := catalog.Open(cfg.CatalogPath)
		if err != nil {
			return err
		}
		defer func() { _ = cat.Close() }()
		res, err := splitter.Run(ctx, dirs.Preprocessed, dirs.Labels, dirs.Dataset, splitter.Options{
			TrainRatio: cfg.TrainRatio,
			ValRatio:   cfg.ValRatio,
			TestRatio:  cfg.TestRatio,
			TargetSize: cfg.TargetSize,
			Catalog:    cat,
		})
		if err != nil {
			return err
		}
		if err := splitter.Verify(dirs.Dataset); err != nil {
			return err
		}
		fmt.Printf("train=%d val=%d test=%d classes=%d\n", res.Train, res.Val, res.Test, res.Classes)
		return nil

	case "analyze":
		cat, err := catalog.Open(cfg.CatalogPath)
		if err != nil {
			return err
		}
		defer func() { _ = cat.Close() }()
		rep, err := analyzer.Run(ctx, dirs.Dataset, dirs.Reports, cat, analyzer.Options{})
		if err != nil {
			return err
		}
		fmt.Printf("images=%d objects=%d balance=%.3f quality=%.3f\n",
			rep.TotalImages, rep.TotalObjects, rep.BalanceScore, rep.QualityScore)
		return analyzer.CheckBalance(rep, cfg.MinBalanceScore)

	case "package":
		res, err := packager.Run(ctx, dirs.Dataset, dirs.Packages, packager.Options{
			Name:    cfg.PackageName,
			Version: cfg.Version,
		})
		if err != nil {
			return err
		}
		fmt.Printf("archive=%s files=%d size=%.1fMB\n", res.ArchivePath, res.Files, res.SizeMB)
		return nil

	case "profiles":
		if len(args) > 0 {
			name := config.RecommendedProfile(args[0])
			fmt.Printf("recommended profile for %q: %s\n", args[0], name)
			return nil
		}
		printProfiles(cfg)
		return nil

	case "serve":
		return withRuntime(cfg, func(st *store.Store, cat *catalog.Catalog) error {
			runner := pipeline.New(cfg, st, cat)
			return api.New(cfg, runner, st, cat).ListenAndServe(ctx)
		})

	case "watch":
		if cfg.WatchDir == "" {
			return fmt.Errorf("watch mode requires a watch directory (PILLPIPE_WATCH_DIR)")
		}
		return withRuntime(cfg, func(st *store.Store, cat *catalog.Catalog) error {
			runner := pipeline.New(cfg, st, cat)
			w, err := watch.New(watch.Options{
				Dir:    cfg.WatchDir,
				Settle: cfg.WatchSettle,
			}, func(ctx context.Context) error {
				_, err := runner.Run(ctx)
				return err
			})
			if err != nil {
				return err
			}
			return w.Run(ctx)
		})

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// withRuntime opens the run store and catalog, runs fn and closes both.
func withRuntime(cfg *config.AppConfig, fn func(*store.Store, *catalog.Catalog) error) error {
	st, err := store.Open(cfg.StoreDir)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	cat, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		return err
	}
	defer func() { _ = cat.Close() }()

	return fn(st, cat)
}

func printProfiles(cfg *config.AppConfig) {
	var names []string
	for name := range cfg.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := cfg.Profiles[name]
		marker := " "
		if name == cfg.Profile {
			marker = "*"
		}
		fmt.Printf("%s %-12s train=%-4d test=%-4d strategy=%-9s %s\n",
			marker, name, p.TrainSize, p.TestSize, p.Strategy, p.Description)
	}
}
