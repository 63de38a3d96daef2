package pipeline

import (
	"errors"

	"rainfall-scorer/internal/ml"
)

// subscriberBuffer bounds how far a slow observer may lag before messages are dropped.
const subscriberBuffer = 64

// Progress reports one processed row of a pass.
type Progress struct {
	RunID      string `json:"run_id"`
	Index      int    `json:"index"`
	Total      int    `json:"total"`
	Prediction string `json:"prediction,omitempty"`
	Error      string `json:"error,omitempty"`
	// Fatal is set when the pass stopped at this row.
	Fatal bool `json:"fatal,omitempty"`
	// Done marks the last message of the pass.
	Done bool  `json:"done,omitempty"`
	Err  error `json:"-"`
}

func (p *Progress) setErr(err error) {
	p.Err = err
	p.Error = Describe(err)
	p.Fatal = errors.Is(err, ml.ErrNotReady) || errors.Is(err, ml.ErrInvalidWidth)
}

// emit hands p to the pass consumer, then offers it to observers without blocking.
func (s *Session) emit(out chan<- Progress, p Progress) {
	out <- p

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

// Subscribe registers an observer of every pass. The returned cancel func unregisters
// and closes the channel. Observers that fall behind lose messages; the pass consumer
// never does.
func (s *Session) Subscribe() (<-chan Progress, func()) {
	ch := make(chan Progress, subscriberBuffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Summary is what Wait collects from a progress channel.
type Summary struct {
	RunID  string
	Total  int
	Scored int
	NaN    int
	Failed int
	// Err is the fatal error that stopped the pass, if any.
	Err error
}

// Wait drains ch and summarises the pass. onProgress, if non-nil, sees every message.
func Wait(ch <-chan Progress, onProgress func(Progress)) Summary {
	var sum Summary
	for p := range ch {
		if onProgress != nil {
			onProgress(p)
		}
		sum.RunID = p.RunID
		sum.Total = p.Total
		switch {
		case p.Err != nil:
			sum.Failed++
			if p.Fatal {
				sum.Err = p.Err
			}
		case p.Prediction == "NaN":
			sum.NaN++
		default:
			sum.Scored++
		}
	}
	return sum
}
