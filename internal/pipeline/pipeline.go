// Package pipeline orchestrates the dataset stages end to end: sample,
// validate, preprocess, convert, split, analyze and package. Each run gets a
// correlation id, per-stage timing and a persisted record.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/medvision/pillpipe/internal/analyzer"
	"github.com/medvision/pillpipe/internal/catalog"
	"github.com/medvision/pillpipe/internal/config"
	"github.com/medvision/pillpipe/internal/convert"
	"github.com/medvision/pillpipe/internal/log"
	"github.com/medvision/pillpipe/internal/metrics"
	"github.com/medvision/pillpipe/internal/packager"
	"github.com/medvision/pillpipe/internal/preprocess"
	"github.com/medvision/pillpipe/internal/sampler"
	"github.com/medvision/pillpipe/internal/splitter"
	"github.com/medvision/pillpipe/internal/store"
	"github.com/medvision/pillpipe/internal/validate"
)

// Dirs resolves the working directories of a pipeline rooted at dataDir.
type Dirs struct {
	Raw          string
	Sampled      string
	Preprocessed string
	Labels       string
	Dataset      string
	Reports      string
	Packages     string
}

// DirsFor returns the standard layout under dataDir.
func DirsFor(dataDir string) Dirs {
	return Dirs{
		Raw:          filepath.Join(dataDir, "raw"),
		Sampled:      filepath.Join(dataDir, "sampled"),
		Preprocessed: filepath.Join(dataDir, "preprocessed"),
		Labels:       filepath.Join(dataDir, "labels"),
		Dataset:      filepath.Join(dataDir, "dataset"),
		Reports:      filepath.Join(dataDir, "reports"),
		Packages:     filepath.Join(dataDir, "packages"),
	}
}

// Runner executes the pipeline for one configuration.
type Runner struct {
	cfg     *config.AppConfig
	dirs    Dirs
	store   *store.Store
	catalog *catalog.Catalog
}

// New builds a Runner. Both store and catalog may be nil, in which case run
// history and the dataset catalog are skipped.
func New(cfg *config.AppConfig, st *store.Store, cat *catalog.Catalog) *Runner {
	return &Runner{
		cfg:     cfg,
		dirs:    DirsFor(cfg.DataDir),
		store:   st,
		catalog: cat,
	}
}

// Dirs exposes the resolved directory layout.
func (r *Runner) Dirs() Dirs { return r.dirs }

// Run executes every stage in order and records the result. The returned run
// record is persisted even when a stage fails.
func (r *Runner) Run(ctx context.Context) (*store.Run, error) {
	runID := uuid.NewString()
	ctx = log.ContextWithRunID(ctx, runID)
	logger := log.WithComponentFromContext(ctx, "pipeline")

	profile, err := r.cfg.ProfileFor(r.cfg.Profile)
	if err != nil {
		return nil, err
	}

	rec := &store.Run{
		ID:        runID,
		Profile:   r.cfg.Profile,
		StartedAt: time.Now().UTC(),
	}

	logger.Info().
		Str("event", "pipeline.start").
		Str("profile", r.cfg.Profile).
		Str("strategy", profile.Strategy).
		Int("train_size", profile.TrainSize).
		Msg("pipeline run starting")

	runErr := r.execute(ctx, profile, rec)
	return r.finish(ctx, rec, runErr)
}

// Process runs the processing stages on an existing dataset directory,
// skipping sampling. Derived artifacts land in subdirectories of dir.
func (r *Runner) Process(ctx context.Context, dir string) (*store.Run, error) {
	runID := uuid.NewString()
	ctx = log.ContextWithRunID(ctx, runID)
	logger := log.WithComponentFromContext(ctx, "pipeline")

	rec := &store.Run{
		ID:        runID,
		Profile:   r.cfg.Profile,
		StartedAt: time.Now().UTC(),
	}

	logger.Info().
		Str("event", "pipeline.process_start").
		Str("dir", dir).
		Msg("processing existing dataset")

	runErr := r.processStages(ctx, processDirs(dir), rec)
	return r.finish(ctx, rec, runErr)
}

// processDirs lays the derived artifacts out underneath the dataset itself,
// so processing an external directory never touches the configured data root.
func processDirs(dir string) Dirs {
	return Dirs{
		Raw:          dir,
		Sampled:      dir,
		Preprocessed: filepath.Join(dir, "preprocessed"),
		Labels:       filepath.Join(dir, "labels"),
		Dataset:      filepath.Join(dir, "dataset"),
		Reports:      filepath.Join(dir, "reports"),
		Packages:     filepath.Join(dir, "packages"),
	}
}

func (r *Runner) finish(ctx context.Context, rec *store.Run, runErr error) (*store.Run, error) {
	logger := log.WithComponentFromContext(ctx, "pipeline")

	rec.FinishedAt = time.Now().UTC()
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	metrics.RunFinished(runErr)

	if r.store != nil {
		if err := r.store.Put(rec); err != nil {
			logger.Error().Str("event", "pipeline.store_failed").Err(err).Msg("failed to persist run record")
		}
	}

	if runErr != nil {
		logger.Error().
			Str("event", "pipeline.failed").
			Err(runErr).
			Dur("elapsed", rec.FinishedAt.Sub(rec.StartedAt)).
			Msg("pipeline run failed")
		return rec, runErr
	}

	logger.Info().
		Str("event", "pipeline.done").
		Dur("elapsed", rec.FinishedAt.Sub(rec.StartedAt)).
		Str("package", rec.PackagePath).
		Msg("pipeline run complete")
	return rec, nil
}

func (r *Runner) execute(ctx context.Context, profile config.Profile, rec *store.Run) error {
	if err := r.stage(ctx, rec, "sample", func(ctx context.Context) error {
		_, err := sampler.Run(ctx, r.dirs.Raw, r.dirs.Sampled, sampler.Options{
			TrainSize: profile.TrainSize,
			TestSize:  profile.TestSize,
			Strategy:  profile.Strategy,
		})
		return err
	}); err != nil {
		return err
	}

	return r.processStages(ctx, r.dirs, rec)
}

// processStages runs validate through package over the layout in d.
func (r *Runner) processStages(ctx context.Context, d Dirs, rec *store.Run) error {
	if err := r.stage(ctx, rec, "validate", func(ctx context.Context) error {
		rep, err := validate.Dataset(ctx, d.Sampled, validate.Options{
			MinImageSize:     r.cfg.MinImageSize,
			MaxBoxesPerImage: r.cfg.MaxBoxesPerImage,
		})
		if err != nil {
			return err
		}
		if rep.Images.Valid == 0 {
			return fmt.Errorf("no valid images in dataset")
		}
		// Flagged artifacts are reported, not fatal. Unreadable files are
		// counted again as per-image failures by the stages that touch them.
		if !rep.OK() {
			lg := log.WithComponentFromContext(ctx, "pipeline")
			lg.Warn().
				Str("event", "validate.issues").
				Int("image_issues", len(rep.Images.Issues)).
				Int("annotation_issues", len(rep.Annotations.Issues)).
				Msg("dataset has flagged artifacts, continuing")
		}
		return nil
	}); err != nil {
		return err
	}

	if err := r.stage(ctx, rec, "preprocess", func(ctx context.Context) error {
		_, err := preprocess.Run(ctx, d.Sampled, d.Preprocessed, preprocess.Options{
			TargetSize:      r.cfg.TargetSize,
			Workers:         r.cfg.Workers,
			ImagesPerSecond: r.cfg.ImagesPerSecond,
		})
		return err
	}); err != nil {
		return err
	}

	if err := r.stage(ctx, rec, "convert", func(ctx context.Context) error {
		_, err := convert.Run(ctx, d.Preprocessed, d.Labels)
		return err
	}); err != nil {
		return err
	}

	if err := r.stage(ctx, rec, "split", func(ctx context.Context) error {
		res, err := splitter.Run(ctx, d.Preprocessed, d.Labels, d.Dataset, splitter.Options{
			TrainRatio: r.cfg.TrainRatio,
			ValRatio:   r.cfg.ValRatio,
			TestRatio:  r.cfg.TestRatio,
			TargetSize: r.cfg.TargetSize,
			Catalog:    r.catalog,
		})
		if err != nil {
			return err
		}
		if err := splitter.Verify(d.Dataset); err != nil {
			return fmt.Errorf("split verification: %w", err)
		}
		rec.TrainImages = res.Train
		rec.ValImages = res.Val
		rec.TestImages = res.Test
		return nil
	}); err != nil {
		return err
	}

	var report *analyzer.Report
	if err := r.stage(ctx, rec, "analyze", func(ctx context.Context) error {
		if r.catalog == nil {
			return fmt.Errorf("analysis requires the dataset catalog")
		}
		rep, err := analyzer.Run(ctx, d.Dataset, d.Reports, r.catalog, analyzer.Options{})
		if err != nil {
			return err
		}
		if err := analyzer.CheckBalance(rep, r.cfg.MinBalanceScore); err != nil {
			return err
		}
		report = rep
		rec.BalanceScore = rep.BalanceScore
		rec.QualityScore = rep.QualityScore
		return nil
	}); err != nil {
		return err
	}

	return r.stage(ctx, rec, "package", func(ctx context.Context) error {
		res, err := packager.Run(ctx, d.Dataset, d.Packages, packager.Options{
			Name:    r.cfg.PackageName,
			Version: r.cfg.Version,
			Report:  report,
		})
		if err != nil {
			return err
		}
		rec.PackagePath = res.ArchivePath
		return nil
	})
}

func (r *Runner) stage(ctx context.Context, rec *store.Run, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := log.WithComponentFromContext(ctx, "pipeline")

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	metrics.ObserveStage(name, elapsed)

	sr := store.StageResult{Stage: name, Duration: elapsed}
	if err != nil {
		sr.Error = err.Error()
	}
	rec.Stages = append(rec.Stages, sr)

	if err != nil {
		return fmt.Errorf("stage %s: %w", name, err)
	}
	logger.Info().
		Str("event", "pipeline.stage").
		Str("stage", name).
		Dur("elapsed", elapsed).
		Msg("stage complete")
	return nil
}
