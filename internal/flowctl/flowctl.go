// Package flowctl implements the RTT-driven flow and congestion controller:
// a token bucket pacer plus window-size and chunk-size selection driven by a
// rolling round-trip-time sample window.
package flowctl

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Token bucket and RTT-tier constants, per the sender's adaptive-sizing rules.
const (
	bucketCapacity = 50 * 1024 * 1024 // 50 MiB
	bootstrapRate  = 10 * 1024 * 1024 // 10 MiB/s, used until ≥5 RTT samples exist
	stabilityRate  = 20 * 1024 * 1024 // 20 MiB/s, scaled by RTT stability

	rttWindowCap = 20 // bounded RTT sample window (10-20 samples)

	chunkSizeMin = 128 * 1024
	chunkSizeMax = 1024 * 1024
)

// RTT tier thresholds in milliseconds and their window sizes, per §4.4.
var windowTiers = []struct {
	maxRTTMillis float64
	windowSize   int
}{
	{50, 64},
	{100, 32},
	{200, 16},
}

const defaultWindowSize = 8

// Controller is owned exclusively by the sender engine; it is not
// goroutine-safe across engines but is internally synchronized since RTT
// samples and send decisions may originate from different goroutines (ACK
// reader vs. send loop) in line with the teacher's throttle/autoscaler split.
type Controller struct {
	mu         sync.Mutex
	limiter    *rate.Limiter
	fillRate   float64 // bytes/sec, current
	rttSamples []float64
	logger     *slog.Logger
}

// New builds a Controller with the bootstrap fill rate and an empty RTT window.
func New(logger *slog.Logger) *Controller {
	c := &Controller{
		fillRate: bootstrapRate,
		logger:   logger,
	}
	c.limiter = rate.NewLimiter(rate.Limit(bootstrapRate), bucketCapacity)
	return c
}

// CanSend reports whether chunkBytes may be sent right now, deducting tokens
// from the bucket on success. It never blocks — the sender's send loop is
// expected to poll or suspend on its own pacing timer when this returns false.
func (c *Controller) CanSend(chunkBytes int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limiter.AllowN(time.Now(), chunkBytes)
}

// ObserveRTT appends a new round-trip-time sample (milliseconds), caps the
// window, and recomputes the fill rate per §4.4's stability formula:
//
//	stability = 1 - min(RTTrange/RTTmean, 1)
//	fillRate  = 0.8*fillRate + 0.2*(stability*20MiB/s)   once ≥5 samples exist
func (c *Controller) ObserveRTT(ms float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rttSamples = append(c.rttSamples, ms)
	if len(c.rttSamples) > rttWindowCap {
		c.rttSamples = c.rttSamples[len(c.rttSamples)-rttWindowCap:]
	}

	if len(c.rttSamples) < 5 {
		return
	}

	mean, lo, hi := rttStats(c.rttSamples)
	if mean <= 0 {
		return
	}
	rttRange := hi - lo
	stability := 1 - minF(rttRange/mean, 1)

	c.fillRate = 0.8*c.fillRate + 0.2*(stability*stabilityRate)
	c.limiter.SetLimit(rate.Limit(c.fillRate))

	if c.logger != nil {
		c.logger.Debug("flow controller: RTT sample observed",
			"rtt_ms", ms,
			"mean_rtt_ms", mean,
			"stability", stability,
			"fill_rate_mbps", c.fillRate/(1024*1024),
		)
	}
}

// meanRTT returns the mean of the current sample window, or 0 if empty.
func (c *Controller) meanRTT() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.rttSamples) == 0 {
		return 0
	}
	mean, _, _ := rttStats(c.rttSamples)
	return mean
}

// WindowSize returns the dynamic congestion window size selected by the
// current mean RTT tier. Step-wise, not smoothed, per §4.4.
func (c *Controller) WindowSize() int {
	mean := c.meanRTT()
	for _, tier := range windowTiers {
		if mean < tier.maxRTTMillis {
			return tier.windowSize
		}
	}
	return defaultWindowSize
}

// OptimalChunkSize targets roughly 3 chunks in flight per RTT:
// size ≈ (fillRate · RTT) / 3, clamped to [chunkSizeMin, chunkSizeMax].
// The controller is advisory; retransmissions reuse a chunk's recorded size
// rather than calling this again.
func (c *Controller) OptimalChunkSize() uint32 {
	c.mu.Lock()
	fillRate := c.fillRate
	c.mu.Unlock()

	mean := c.meanRTT()
	if mean <= 0 {
		return chunkSizeMin
	}

	sizeBytes := (fillRate * (mean / 1000)) / 3
	switch {
	case sizeBytes < chunkSizeMin:
		return chunkSizeMin
	case sizeBytes > chunkSizeMax:
		return chunkSizeMax
	default:
		return uint32(sizeBytes)
	}
}

// FillRate returns the current token bucket refill rate in bytes/sec.
func (c *Controller) FillRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fillRate
}

func rttStats(samples []float64) (mean, lo, hi float64) {
	lo = samples[0]
	hi = samples[0]
	var sum float64
	for _, s := range samples {
		sum += s
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	return sum / float64(len(samples)), lo, hi
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
