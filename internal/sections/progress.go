package sections

import "sync"

// Detection phases reported through Progress.
const (
	PhaseLoading    = "loading"
	PhaseCandidates = "candidates"
	PhaseClustering = "clustering"
	PhasePortions   = "portions"
	PhaseSaving     = "saving"
	PhaseCustom     = "custom"
	PhaseDone       = "done"
)

// Progress is a pollable work counter. All methods are safe for concurrent
// use and on a nil receiver.
type Progress struct {
	mu        sync.Mutex
	phase     string
	completed int
	total     int
}

// ProgressSnapshot is a point-in-time copy of Progress.
type ProgressSnapshot struct {
	Phase     string
	Completed int
	Total     int
}

// Fraction returns completed/total clamped to [0, 1]; 0 when total is 0.
func (s ProgressSnapshot) Fraction() float64 {
	if s.Total <= 0 {
		return 0
	}
	f := float64(s.Completed) / float64(s.Total)
	if f > 1 {
		return 1
	}
	return f
}

func (p *Progress) SetPhase(phase string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

func (p *Progress) AddTotal(n int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.total += n
	p.mu.Unlock()
}

func (p *Progress) Add(n int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.completed += n
	p.mu.Unlock()
}

func (p *Progress) Snapshot() ProgressSnapshot {
	if p == nil {
		return ProgressSnapshot{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProgressSnapshot{Phase: p.phase, Completed: p.completed, Total: p.total}
}
