package scorer

import "math"

const sigmaFloor = 1e-9

// RunningStats accumulates mean and variance in one pass (Welford).
type RunningStats struct {
	count int
	mean  float64
	m2    float64
}

func (s *RunningStats) Update(x float64) {
	s.count++
	delta := x - s.mean
	s.mean += delta / float64(s.count)
	delta2 := x - s.mean
	s.m2 += delta * delta2
}

func (s *RunningStats) Count() int {
	return s.count
}

func (s *RunningStats) Mean() float64 {
	return s.mean
}

// Sigma returns the sample standard deviation, floored so callers can
// divide by it safely.
func (s *RunningStats) Sigma() float64 {
	if s.count < 2 {
		return sigmaFloor
	}
	variance := s.m2 / float64(s.count-1)
	return math.Max(math.Sqrt(variance), sigmaFloor)
}
