package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"rainfall-scorer/internal/features"
)

// stationRow is one synthetic monthly observation.
type stationRow struct {
	Height      float64
	MinMeanTemp float64
	MaxMeanTemp float64
	MeanRelHum  float64
	State       string
	Rainfall    float64
}

func main() {
	var (
		outPath   = flag.String("out", "data/sample_stations.csv", "Output CSV path")
		rows      = flag.Int("rows", 500, "Number of rows to generate")
		seed      = flag.Int64("seed", 1, "Random seed")
		scalerDir = flag.String("scaler-dir", "", "Also write identity scaler_mean.csv/scaler_scale.csv here")
	)
	flag.Parse()

	fmt.Printf("Generating %d station rows...\n", *rows)
	fmt.Printf("  Output: %s\n", *outPath)
	fmt.Printf("  Seed: %d\n", *seed)

	if err := os.MkdirAll(filepath.Dir(*outPath), 0o755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}
	file, err := os.Create(*outPath)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer file.Close()

	data := generateRows(rand.New(rand.NewSource(*seed)), *rows)
	if err := writeRows(file, data); err != nil {
		log.Fatalf("Failed to write rows: %v", err)
	}

	if *scalerDir != "" {
		if err := writeIdentityScaler(*scalerDir); err != nil {
			log.Fatalf("Failed to write scaler files: %v", err)
		}
		fmt.Printf("  Scaler: %s\n", *scalerDir)
	}

	fmt.Printf("✓ Generated %d rows\n", len(data))
}

// generateRows draws plausible station readings: cooler and wetter with altitude, with
// rainfall rising with humidity. Every state in the one-hot domain is used in turn.
func generateRows(rng *rand.Rand, n int) []stationRow {
	out := make([]stationRow, 0, n)
	for i := 0; i < n; i++ {
		height := rng.Float64() * 1500
		lapse := height / 1000 * 6.5
		minTemp := 23 - lapse + rng.NormFloat64()
		maxTemp := minTemp + 7 + rng.Float64()*3
		hum := 70 + rng.Float64()*25

		rain := (hum-70)*12 + rng.NormFloat64()*40
		if rain < 0 {
			rain = 0
		}

		out = append(out, stationRow{
			Height:      height,
			MinMeanTemp: minTemp,
			MaxMeanTemp: maxTemp,
			MeanRelHum:  hum,
			State:       features.StateDomain[i%len(features.StateDomain)],
			Rainfall:    rain,
		})
	}
	return out
}

func writeRows(w io.Writer, rows []stationRow) error {
	writer := csv.NewWriter(w)
	header := append(features.NumericFields[:], "state", "rainfall")
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		record := []string{
			strconv.FormatFloat(r.Height, 'f', 1, 64),
			strconv.FormatFloat(r.MinMeanTemp, 'f', 2, 64),
			strconv.FormatFloat(r.MaxMeanTemp, 'f', 2, 64),
			strconv.FormatFloat(r.MeanRelHum, 'f', 1, 64),
			r.State,
			strconv.FormatFloat(r.Rainfall, 'f', 1, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeIdentityScaler(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	zeros := strings.TrimSuffix(strings.Repeat("0,", features.Width), ",")
	ones := strings.TrimSuffix(strings.Repeat("1,", features.Width), ",")
	if err := os.WriteFile(filepath.Join(dir, "scaler_mean.csv"), []byte(zeros+"\n"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "scaler_scale.csv"), []byte(ones+"\n"), 0o644)
}
