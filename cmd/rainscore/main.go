package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rainfall-scorer/internal/cfg"
	"rainfall-scorer/internal/metrics"
	"rainfall-scorer/internal/ml"
	"rainfall-scorer/internal/pipeline"
	"rainfall-scorer/internal/sink"
	"rainfall-scorer/internal/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const exportBase = "predictions"

func main() {
	var (
		inputPath   = flag.String("input", "", "CSV file of station observations to score")
		comparePath = flag.String("compare", "", "Evaluate a previously exported CSV instead of scoring")
		modelPath   = flag.String("model", "", "Path to ONNX model (overrides config)")
		meanPath    = flag.String("mean", "", "Path to scaler mean file (overrides config)")
		scalePath   = flag.String("scale", "", "Path to scaler scale file (overrides config)")
		outputDir   = flag.String("output", "", "Output directory for the scored CSV (overrides config)")
		logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error")
		noExport    = flag.Bool("no-export", false, "Skip writing the scored CSV")
		noArchive   = flag.Bool("no-archive", false, "Skip recording the run in the archive")
	)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	config, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	applyOverrides(&config, *modelPath, *meanPath, *scalePath, *outputDir, *logLevel)

	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if *comparePath != "" {
		if err := compare(*comparePath); err != nil {
			log.Fatal().Msg(pipeline.Describe(err))
		}
		return
	}
	if *inputPath == "" {
		fmt.Fprintln(os.Stderr, "usage: rainscore -input stations.csv [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := score(ctx, config, *inputPath, !*noExport, !*noArchive); err != nil {
		log.Fatal().Msg(pipeline.Describe(err))
	}
}

func applyOverrides(c *cfg.Settings, model, mean, scale, output, level string) {
	if model != "" {
		c.ModelPath = model
	}
	if mean != "" {
		c.MeanPath = mean
	}
	if scale != "" {
		c.ScalePath = scale
	}
	if output != "" {
		c.OutputDir = output
	}
	if level != "" {
		c.LogLevel = level
	}
}

func compare(path string) error {
	session := pipeline.NewSession(ml.NewAdapter(nil, nil, ""), pipeline.Options{})
	m, scored, err := session.CompareCSV(path)
	if err != nil {
		return err
	}

	fmt.Println("=== Evaluation ===")
	fmt.Println(m.String())
	fmt.Printf("Rows: %d (skipped %d)\n", m.Count, scored.Skipped)
	return nil
}

func score(ctx context.Context, c cfg.Settings, input string, export, archive bool) error {
	m := metrics.New(c.MetricsNamespace)
	mw := metrics.NewWrapper(m)

	service, err := ml.NewService(c.Backend, c.InferenceURL, c.InferenceTimeout)
	if err != nil {
		return err
	}
	adapter := ml.NewAdapter(service, m, c.Unit)
	defer adapter.Close()

	opts := pipeline.Options{Metrics: m}
	if archive && c.DataPath != "" {
		store, err := storage.New(c.DataPath)
		if err != nil {
			log.Warn().Err(err).Msg("Run archive unavailable, continuing without it")
		} else {
			defer store.Close()
			opts.Archive = store
		}
	}
	if len(c.KafkaBrokers) > 0 {
		writer := sink.NewWriter(c.KafkaBrokers, c.KafkaTopic, mw.SinkPublished(), mw.SinkErrors())
		defer writer.Close()
		opts.Publisher = writer
	}
	session := pipeline.NewSession(adapter, opts)

	if err := adapter.Load(ctx, c.Model()); err != nil {
		return err
	}
	log.Info().Str("model", c.ModelPath).Str("backend", c.Backend).Msg("Model ready")

	res, err := session.LoadCSV(input)
	if res != nil {
		for _, d := range res.Diagnostics {
			log.Info().Str("level", d.Level).Msg(d.Message)
		}
	}
	if err != nil {
		return err
	}

	start := time.Now()
	ch, err := session.PredictAll(ctx)
	if err != nil {
		return err
	}
	step := max(len(res.Rows)/10, 1)
	sum := pipeline.Wait(ch, func(p pipeline.Progress) {
		if p.Error != "" && !p.Fatal {
			log.Warn().Int("row", p.Index).Msg(p.Error)
		}
		if (p.Index+1)%step == 0 || p.Done {
			log.Info().Int("done", p.Index+1).Int("total", p.Total).Msg("Scoring")
		}
	})
	if sum.Err != nil {
		return sum.Err
	}

	fmt.Println("=== Run Summary ===")
	fmt.Printf("Run ID: %s\n", sum.RunID)
	fmt.Printf("Rows: %d scored, %d NaN, %d failed (of %d)\n", sum.Scored, sum.NaN, sum.Failed, sum.Total)
	fmt.Printf("Duration: %s\n", time.Since(start).Round(time.Millisecond))

	if eval, err := session.Evaluate(); err == nil {
		fmt.Println("=== Evaluation ===")
		fmt.Println(eval.String())
	} else {
		log.Info().Msg(pipeline.Describe(err))
	}

	if export {
		path, err := session.ExportNext(c.OutputDir, exportBase)
		if err != nil {
			return err
		}
		fmt.Printf("Predictions written to %s\n", path)
	}
	return nil
}
