package dlna

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ConvertVolume rescales a volume value between two stepped ranges, e.g.
// a renderer's native [min,max]/step and the Plex 0..100 scale.
func ConvertVolume(value, fromMax, fromMin, toMax, toMin, toStep int) int {
	if fromMax == toMax && fromMin == toMin {
		return value
	}
	if fromMax-fromMin == toMax-toMin {
		return value - fromMin + toMin
	}
	percent := float64(value-fromMin) / float64(fromMax-fromMin)
	scaled := int(percent * float64(toMax-toMin) / float64(toStep))
	return scaled + toMin
}

// ParseClock converts an AVTransport "HH:MM:SS" time to milliseconds.
func ParseClock(s string) (time.Duration, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 3)
	if len(parts) != 3 {
		return 0, fmt.Errorf("bad clock value %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("bad clock value %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m > 59 {
		return 0, fmt.Errorf("bad clock value %q", s)
	}
	// Some renderers report fractional seconds; drop the fraction.
	secPart := parts[2]
	if dot := strings.IndexByte(secPart, '.'); dot >= 0 {
		secPart = secPart[:dot]
	}
	sec, err := strconv.Atoi(secPart)
	if err != nil || sec > 59 {
		return 0, fmt.Errorf("bad clock value %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
}

// FormatClock renders a duration as "HH:MM:SS" for Seek and friends.
func FormatClock(d time.Duration) string {
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}
