package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"rainfall-scorer/internal/storage"
)

func main() {
	var (
		dataPath = flag.String("data", "data/runs.db", "Run archive path")
		runID    = flag.String("run", "", "Print the scored rows of this run")
		limit    = flag.Int("limit", 20, "Maximum number of runs or rows to print")
	)
	flag.Parse()

	store, err := storage.New(*dataPath)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	if *runID != "" {
		err = printScores(os.Stdout, store, *runID, *limit)
	} else {
		err = printRuns(os.Stdout, store, *limit)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func printRuns(w io.Writer, store *storage.Store, limit int) error {
	runs, err := store.ListRuns()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	fmt.Fprintf(w, "Runs in archive: %d\n", len(runs))
	for i, run := range runs {
		if i == limit {
			break
		}
		fmt.Fprintf(w, "%s  %s  rows=%d scored=%d nan=%d failed=%d  %s\n",
			run.ID, run.StartedAt.Format("2006-01-02 15:04:05"), run.Total, run.Scored, run.NaN, run.Failed, run.Source)
		if run.Evaluation != nil {
			fmt.Fprintf(w, "    RMSE=%.4f MAE=%.4f MAPE=%.2f%%\n", run.Evaluation.RMSE, run.Evaluation.MAE, run.Evaluation.MAPE)
		}
	}
	return nil
}

func printScores(w io.Writer, store *storage.Store, runID string, limit int) error {
	run, err := store.GetRun(runID)
	if err != nil {
		return err
	}
	scores, err := store.GetScores(runID)
	if err != nil {
		return fmt.Errorf("failed to read scores: %w", err)
	}

	fmt.Fprintf(w, "Run %s (%s): %d scored rows\n", run.ID, run.ModelPath, len(scores))
	for i, s := range scores {
		if i == limit {
			break
		}
		actual := "-"
		if s.Actual != nil {
			actual = fmt.Sprintf("%.2f", *s.Actual)
		}
		fmt.Fprintf(w, "%5d  %-28s  prediction=%-8s actual=%s\n", s.Index, s.State, s.Prediction, actual)
	}
	return nil
}
