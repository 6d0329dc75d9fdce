package resilience

import (
	"math"
	"time"
)

// Exponential doubles the delay each attempt.
// Delay = min(Base * 2^attempt, Max), attempt counted from 0.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the retry that follows failed attempt n.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(e.Base) * math.Pow(2, float64(attempt))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
