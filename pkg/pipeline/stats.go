package pipeline

import (
	"sync"
	"time"
)

// StageStats accumulates the cost of one stage over a build. It never
// affects control flow.
type StageStats struct {
	Stage       string
	Duration    time.Duration
	Files       int
	Invocations int
}

// statistics collects StageStats in first-seen order.
type statistics struct {
	mu     sync.Mutex
	stages map[string]*StageStats
	order  []string
}

func newStatistics() *statistics {
	return &statistics{stages: make(map[string]*StageStats)}
}

func (s *statistics) add(stage string, elapsed time.Duration, files int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stages[stage]
	if !ok {
		st = &StageStats{Stage: stage}
		s.stages[stage] = st
		s.order = append(s.order, stage)
	}

	st.Duration += elapsed
	st.Files += files
	st.Invocations++
}

func (s *statistics) snapshot() []StageStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]StageStats, 0, len(s.order))
	for _, name := range s.order {
		result = append(result, *s.stages[name])
	}

	return result
}
