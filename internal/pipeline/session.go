// Package pipeline ties the loader, the inference adapter and the evaluator into one
// session: a current dataset, a loaded model, and at most one background inference pass.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"rainfall-scorer/internal/dataset"
	"rainfall-scorer/internal/evaluation"
	"rainfall-scorer/internal/ml"
	"rainfall-scorer/internal/storage"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var (
	ErrPassInProgress = errors.New("a prediction pass is already running")
	ErrNoData         = errors.New("no data loaded")
	ErrNothingToScore = errors.New("no rows with both an actual value and a numeric prediction")
)

// Predictor is the part of *ml.Adapter the session uses.
type Predictor interface {
	IsReady() bool
	PredictValue(ctx context.Context, v []float32) (float64, error)
	ClearHistory()
	Descriptor() ml.ModelDescriptor
}

// MetricsInterface defines metrics methods needed by the session
type MetricsInterface interface {
	DatasetLoaded(rows, skipped int)
	PassCompleted(seconds float64)
	EvaluationSet(m evaluation.Metrics)
}

// Archive stores finished runs. *storage.Store implements it.
type Archive interface {
	SaveRun(run storage.Run) error
	SaveScores(runID string, scores []storage.Score) error
}

// Publisher forwards scored rows of a finished run. *sink.Writer implements it.
type Publisher interface {
	Publish(ctx context.Context, runID string, scores []storage.Score) error
}

// Options configures a Session. Every field is optional.
type Options struct {
	Clock     clockwork.Clock
	Metrics   MetricsInterface
	Archive   Archive
	Publisher Publisher
	// Buffer is the capacity of the channel returned by PredictAll. Zero makes every
	// row a synchronous hand-off to the consumer.
	Buffer int
}

const (
	stateIdle int32 = iota
	stateClaimed
	statePassing
)

// Session is safe for concurrent use.
type Session struct {
	predictor Predictor
	clock     clockwork.Clock
	metrics   MetricsInterface
	archive   Archive
	publisher Publisher
	buffer    int

	mu      sync.RWMutex
	data    *dataset.Result
	source  string
	lastRun *storage.Run

	// state is idle, claimed (an exclusive operation or a pass checking its
	// preconditions) or passing. Claiming is a CAS from idle.
	state atomic.Int32

	exportMu sync.Mutex

	subMu   sync.Mutex
	subs    map[int]chan Progress
	nextSub int
}

// NewSession creates a session around p with no dataset loaded.
func NewSession(p Predictor, opts Options) *Session {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Session{
		predictor: p,
		clock:     clock,
		metrics:   opts.Metrics,
		archive:   opts.Archive,
		publisher: opts.Publisher,
		buffer:    opts.Buffer,
		subs:      make(map[int]chan Progress),
	}
}

// Exclusive runs fn while no pass can be active, and no pass can start until fn returns.
// It returns ErrPassInProgress without calling fn when a pass or another exclusive
// operation is running.
func (s *Session) Exclusive(fn func() error) error {
	if !s.state.CompareAndSwap(stateIdle, stateClaimed) {
		return ErrPassInProgress
	}
	defer s.state.Store(stateIdle)
	return fn()
}

// LoadCSV parses path and makes it the current dataset. On any error the previous
// dataset is kept and the returned result carries the diagnostics. The result is nil
// only for ErrPassInProgress.
func (s *Session) LoadCSV(path string) (*dataset.Result, error) {
	return s.load(path, func() (*dataset.Result, error) { return dataset.ParseFile(path) })
}

// LoadReader is LoadCSV for an already open stream; name is recorded as the source.
func (s *Session) LoadReader(name string, r io.Reader) (*dataset.Result, error) {
	return s.load(name, func() (*dataset.Result, error) { return dataset.Parse(r) })
}

func (s *Session) load(source string, parse func() (*dataset.Result, error)) (*dataset.Result, error) {
	var res *dataset.Result
	err := s.Exclusive(func() error {
		var err error
		res, err = parse()
		if err != nil {
			return err
		}
		s.replace(source, res)
		return nil
	})
	return res, err
}

func (s *Session) replace(source string, res *dataset.Result) {
	s.mu.Lock()
	s.data = res
	s.source = source
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.DatasetLoaded(len(res.Rows), res.Skipped)
	}
	log.Info().Str("source", source).Int("rows", len(res.Rows)).Int("skipped", res.Skipped).Msg("Dataset replaced")
}

// Clear drops the dataset and the adapter's prediction history. It is refused while a
// pass is running.
func (s *Session) Clear() error {
	return s.Exclusive(func() error {
		s.mu.Lock()
		s.data = nil
		s.source = ""
		s.mu.Unlock()
		s.predictor.ClearHistory()
		return nil
	})
}

// Rows returns the records of the current dataset. The slice is a copy; the records are
// shared with any running pass.
func (s *Session) Rows() []*dataset.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data == nil {
		return nil
	}
	out := make([]*dataset.Record, len(s.data.Rows))
	copy(out, s.data.Rows)
	return out
}

// Dataset returns the current load result, or nil.
func (s *Session) Dataset() *dataset.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

// Source is the path or name the current dataset was loaded from.
func (s *Session) Source() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

// LastRun returns the summary of the most recent finished pass.
func (s *Session) LastRun() (storage.Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastRun == nil {
		return storage.Run{}, false
	}
	return *s.lastRun, true
}

// Running reports whether a pass is active.
func (s *Session) Running() bool {
	return s.state.Load() == statePassing
}

// Evaluate compares targets against predictions for every row that has both.
func (s *Session) Evaluate() (evaluation.Metrics, error) {
	rows := s.Rows()
	if rows == nil {
		return evaluation.Metrics{}, ErrNoData
	}
	m, err := evaluateRows(rows)
	if err != nil {
		return m, err
	}
	if s.metrics != nil {
		s.metrics.EvaluationSet(m)
	}
	return m, nil
}

func evaluateRows(rows []*dataset.Record) (evaluation.Metrics, error) {
	actuals := make([]float64, 0, len(rows))
	predictions := make([]float64, 0, len(rows))
	for _, row := range rows {
		actual, ok := row.TargetValue()
		if !ok {
			continue
		}
		pred, ok := row.PredictionValue()
		if !ok {
			continue
		}
		actuals = append(actuals, actual)
		predictions = append(predictions, pred)
	}
	if len(actuals) == 0 {
		return evaluation.Metrics{}, fmt.Errorf("%w: %w", ErrNothingToScore, evaluation.ErrEmptyInput)
	}
	return evaluation.Evaluate(actuals, predictions)
}

// ExportCSV writes the current dataset with its predictions.
func (s *Session) ExportCSV(w io.Writer) error {
	rows := s.Rows()
	if rows == nil {
		return ErrNoData
	}
	return dataset.ExportCSV(w, rows)
}

// ExportFile writes the current dataset to path.
func (s *Session) ExportFile(path string) error {
	rows := s.Rows()
	if rows == nil {
		return ErrNoData
	}
	return dataset.ExportFile(path, rows)
}

// CompareCSV evaluates the Actual and Prediction columns of a previously exported file.
// The current dataset is not touched.
func (s *Session) CompareCSV(path string) (evaluation.Metrics, *dataset.Scored, error) {
	scored, err := dataset.ReadScoredFile(path)
	if err != nil {
		return evaluation.Metrics{}, nil, err
	}
	m, err := evaluation.Evaluate(scored.Actuals, scored.Predictions)
	if err != nil {
		return m, scored, err
	}
	log.Info().Str("file", path).Int("rows", m.Count).Int("skipped", scored.Skipped).Msg("Compared exported predictions")
	return m, scored, nil
}

// PredictAll starts a background pass over the current dataset and returns its progress
// channel, which is closed when the pass ends. The caller must drain the channel.
//
// ctx bounds the individual inference calls only; a pass cannot be cancelled.
func (s *Session) PredictAll(ctx context.Context) (<-chan Progress, error) {
	if !s.state.CompareAndSwap(stateIdle, stateClaimed) {
		return nil, ErrPassInProgress
	}

	rows := s.Rows()
	if len(rows) == 0 {
		s.state.Store(stateIdle)
		return nil, ErrNoData
	}
	if !s.predictor.IsReady() {
		s.state.Store(stateIdle)
		return nil, ml.ErrNotReady
	}
	s.state.Store(statePassing)

	for _, row := range rows {
		row.ResetPrediction()
	}

	run := &storage.Run{
		ID:        uuid.NewString(),
		Source:    s.Source(),
		ModelPath: s.predictor.Descriptor().ModelPath,
		StartedAt: s.clock.Now(),
		Total:     len(rows),
	}
	out := make(chan Progress, s.buffer)
	go s.run(ctx, run, rows, out)

	log.Info().Str("run_id", run.ID).Int("rows", run.Total).Msg("Prediction pass started")
	return out, nil
}

func (s *Session) run(ctx context.Context, run *storage.Run, rows []*dataset.Record, out chan<- Progress) {
	defer func() {
		s.state.Store(stateIdle)
		close(out)
	}()

	scores := make([]storage.Score, 0, len(rows))
	for i, row := range rows {
		p := Progress{RunID: run.ID, Index: i, Total: run.Total, Done: i == len(rows)-1}

		val, err := s.predictor.PredictValue(ctx, row.Features)
		if err != nil {
			run.Failed++
			p.setErr(err)
			if p.Fatal {
				p.Done = true
				s.emit(out, p)
				log.Error().Err(err).Str("run_id", run.ID).Int("row", i).Msg("Prediction pass aborted")
				break
			}
			log.Warn().Err(err).Str("run_id", run.ID).Int("row", i).Msg("Prediction failed for row")
			s.emit(out, p)
			continue
		}

		text := ml.FormatPrediction(val, "")
		row.SetPrediction(text)
		score := storage.Score{RunID: run.ID, Index: i, State: row.State, Prediction: text}
		if math.IsNaN(val) {
			run.NaN++
		} else {
			run.Scored++
			v := val
			score.Value = &v
		}
		if actual, ok := row.TargetValue(); ok {
			score.Actual = &actual
		}
		scores = append(scores, score)

		p.Prediction = text
		s.emit(out, p)
	}

	run.FinishedAt = s.clock.Now()
	if m, err := evaluateRows(rows); err == nil {
		run.Evaluation = &m
		if s.metrics != nil {
			s.metrics.EvaluationSet(m)
		}
	}
	if s.metrics != nil {
		s.metrics.PassCompleted(run.FinishedAt.Sub(run.StartedAt).Seconds())
	}

	s.mu.Lock()
	s.lastRun = run
	s.mu.Unlock()

	s.persist(ctx, *run, scores)

	log.Info().
		Str("run_id", run.ID).
		Int("total", run.Total).
		Int("scored", run.Scored).
		Int("nan", run.NaN).
		Int("failed", run.Failed).
		Dur("duration", run.FinishedAt.Sub(run.StartedAt)).
		Msg("Prediction pass finished")
}

func (s *Session) persist(ctx context.Context, run storage.Run, scores []storage.Score) {
	if s.archive != nil {
		if err := s.archive.SaveRun(run); err != nil {
			log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to archive run")
		} else if err := s.archive.SaveScores(run.ID, scores); err != nil {
			log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to archive scores")
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, run.ID, scores); err != nil {
			log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to publish scores")
		}
	}
}
