package transport

import (
	"regexp"
	"strings"
	"time"
)

type tickResult int

const (
	tickPending tickResult = iota
	tickComplete
	tickTimeout
)

// ResponseDetector accumulates subprocess output lines and decides when a
// reply is complete. Observe reports completion driven by content; Tick
// reports completion or expiry driven by time. A timeout is only a timeout
// when nothing was produced: detectors that hit their deadline with output
// on hand complete with the partial reply and report Expired.
type ResponseDetector interface {
	Observe(line string, now time.Time) bool
	Tick(now time.Time) tickResult
	Reply() string
	Truncated() bool
	Expired() bool
}

// NewDetector builds a detector for one request. Detectors are single use.
func NewDetector(spec DetectorSpec, start time.Time) (ResponseDetector, error) {
	spec = spec.withDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	base := collector{max: spec.MaxBufferSize}
	switch spec.Strategy {
	case StrategyFixedTimeout:
		return &fixedTimeoutDetector{collector: base, deadline: start.Add(spec.Timeout)}, nil
	case StrategySilentPeriod:
		return &silentPeriodDetector{
			collector: base,
			silent:    spec.SilentPeriod,
			lastLine:  start,
			deadline:  start.Add(spec.Timeout),
		}, nil
	case StrategyEndMarker:
		return &endMarkerDetector{collector: base, marker: spec.EndMarker, deadline: start.Add(spec.Timeout)}, nil
	default:
		pattern := regexp.MustCompile(spec.PromptRegex)
		return &promptRegexDetector{collector: base, pattern: pattern, deadline: start.Add(spec.Timeout)}, nil
	}
}

// collector joins observed lines into the reply, capped at max bytes. Output
// beyond the cap is discarded and the reply marked truncated.
type collector struct {
	lines     []string
	size      int
	max       int
	truncated bool
	expired   bool
}

func (c *collector) add(line string) {
	if c.truncated {
		return
	}
	if c.size+len(line)+1 > c.max {
		c.truncated = true
		return
	}
	c.lines = append(c.lines, line)
	c.size += len(line) + 1
}

func (c *collector) Reply() string {
	return strings.TrimRight(strings.Join(c.lines, "\n"), " \t\r\n")
}

func (c *collector) Truncated() bool {
	return c.truncated
}

func (c *collector) Expired() bool {
	return c.expired
}

// fixedTimeoutDetector collects everything produced within the window and
// completes when the window elapses.
type fixedTimeoutDetector struct {
	collector
	deadline time.Time
}

func (d *fixedTimeoutDetector) Observe(line string, now time.Time) bool {
	d.add(line)
	return false
}

func (d *fixedTimeoutDetector) Tick(now time.Time) tickResult {
	if now.Before(d.deadline) {
		return tickPending
	}
	return tickComplete
}

// silentPeriodDetector completes once no non-blank line has arrived for the
// silent period. Blank lines do not reset the quiet clock. The overall
// timeout bounds the wait either way.
type silentPeriodDetector struct {
	collector
	silent   time.Duration
	lastLine time.Time
	deadline time.Time
}

func (d *silentPeriodDetector) Observe(line string, now time.Time) bool {
	d.add(line)
	if strings.TrimSpace(line) != "" {
		d.lastLine = now
	}
	return false
}

func (d *silentPeriodDetector) Tick(now time.Time) tickResult {
	if now.Sub(d.lastLine) >= d.silent {
		return tickComplete
	}
	if !now.Before(d.deadline) {
		return tickComplete
	}
	return tickPending
}

// endMarkerDetector completes when the marker appears; the marker and
// anything after it on the line are excluded from the reply.
type endMarkerDetector struct {
	collector
	marker   string
	deadline time.Time
	done     bool
}

func (d *endMarkerDetector) Observe(line string, now time.Time) bool {
	if d.done {
		return true
	}
	if index := strings.Index(line, d.marker); index >= 0 {
		if prefix := strings.TrimRight(line[:index], " \t"); prefix != "" {
			d.add(prefix)
		}
		d.done = true
		return true
	}
	d.add(line)
	return false
}

func (d *endMarkerDetector) Tick(now time.Time) tickResult {
	if d.done {
		return tickComplete
	}
	if !now.Before(d.deadline) {
		if len(d.lines) > 0 {
			d.expired = true
			return tickComplete
		}
		return tickTimeout
	}
	return tickPending
}

// promptRegexDetector completes when a line matches the prompt pattern,
// meaning the CLI printed its prompt again. The prompt line itself is not
// part of the reply.
type promptRegexDetector struct {
	collector
	pattern  *regexp.Regexp
	deadline time.Time
	done     bool
}

func (d *promptRegexDetector) Observe(line string, now time.Time) bool {
	if d.done {
		return true
	}
	if d.pattern.MatchString(line) {
		d.done = true
		return true
	}
	d.add(line)
	return false
}

func (d *promptRegexDetector) Tick(now time.Time) tickResult {
	if d.done {
		return tickComplete
	}
	if !now.Before(d.deadline) {
		if len(d.lines) > 0 {
			d.expired = true
			return tickComplete
		}
		return tickTimeout
	}
	return tickPending
}
