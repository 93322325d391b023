package transcode

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var errNoProgress = errors.New("not a progress line")

// progressTracker turns ffmpeg -progress key=value lines into fractions.
type progressTracker struct {
	duration time.Duration
	last     float64
}

// feed parses one line. ok is false when the line carries no new fraction.
// err is non-nil only for progress keys whose value cannot be parsed.
func (p *progressTracker) feed(line string) (fraction float64, ok bool, err error) {
	key, value, found := strings.Cut(strings.TrimSpace(line), "=")
	if !found {
		return 0, false, nil
	}

	var elapsed time.Duration
	switch key {
	case "progress":
		if value != "end" {
			return 0, false, nil
		}
		return p.advance(1)
	case "out_time_us", "out_time_ms":
		// ffmpeg reports both keys in microseconds.
		us, perr := strconv.ParseInt(value, 10, 64)
		if perr != nil {
			return 0, false, perr
		}
		elapsed = time.Duration(us) * time.Microsecond
	case "out_time":
		d, perr := parseClock(value)
		if perr != nil {
			return 0, false, perr
		}
		elapsed = d
	default:
		return 0, false, nil
	}

	if p.duration <= 0 {
		return 0, false, nil
	}
	return p.advance(float64(elapsed) / float64(p.duration))
}

func (p *progressTracker) advance(f float64) (float64, bool, error) {
	f = clamp(f)
	if f <= p.last {
		return 0, false, nil
	}
	p.last = f
	return f, true, nil
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

// parseClock parses HH:MM:SS.ffffff as written by ffmpeg. Negative values
// (emitted before the first frame) parse as zero.
func parseClock(s string) (time.Duration, error) {
	if strings.HasPrefix(s, "-") {
		return 0, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, errNoProgress
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	sec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec*float64(time.Second)), nil
}
