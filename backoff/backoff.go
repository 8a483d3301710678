package backoff

import (
	"context"
	"time"
)

const (
	MinInterval = 1 * time.Second
	MaxInterval = 60 * time.Second
	Multiplier  = 1.5
)

// Policy grows a sleep duration geometrically from Min and caps it at Max.
type Policy struct {
	Min        time.Duration
	Max        time.Duration
	Multiplier float64
}

var Default = Policy{
	Min:        MinInterval,
	Max:        MaxInterval,
	Multiplier: Multiplier,
}

// Next advances d: zero becomes Min, otherwise d grows by Multiplier up to Max.
func (p Policy) Next(d *time.Duration) {
	if *d == 0 {
		*d = p.Min
		return
	}
	*d = time.Duration(float64(*d) * p.Multiplier)
	if *d < p.Max {
		*d = d.Truncate(time.Millisecond)
	} else {
		*d = p.Max
	}
}

// Sleep waits for d, returns false when ctx is done first.
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
