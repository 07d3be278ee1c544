package sim

import (
	"fmt"
	"math"
)

// Time is simulated time in milliseconds since the start of the run.
type Time int64

// Duration is a span of simulated time in milliseconds.
type Duration int64

const (
	Millisecond Duration = 1
	Second               = 1000 * Millisecond
	Minute               = 60 * Second
	Hour                 = 60 * Minute
)

// Seconds converts a float number of seconds, rounding up to the next
// millisecond so an agent never arrives before its physics says it can.
func Seconds(s float64) Duration {
	return Duration(math.Ceil(s*1000 - 1e-9))
}

// Add returns t+d.
func (t Time) Add(d Duration) Time { return t + Time(d) }

// Sub returns t-u.
func (t Time) Sub(u Time) Duration { return Duration(t - u) }

// Seconds is t in float seconds.
func (t Time) Seconds() float64 { return float64(t) / 1000 }

// Seconds is d in float seconds.
func (d Duration) Seconds() float64 { return float64(d) / 1000 }

func (t Time) String() string {
	ms := int64(t)
	sign := ""
	if ms < 0 {
		sign, ms = "-", -ms
	}
	h := ms / int64(Hour)
	m := ms % int64(Hour) / int64(Minute)
	s := ms % int64(Minute) / int64(Second)
	return fmt.Sprintf("%s%02d:%02d:%02d.%03d", sign, h, m, s, ms%1000)
}

// travelTime is how long covering dist meters at speed m/s takes.
func travelTime(dist, speed float64) Duration {
	if dist <= 0 {
		return 0
	}
	return Seconds(dist / speed)
}
