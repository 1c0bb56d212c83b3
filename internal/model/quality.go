package model

import (
	"fmt"
	"strings"
)

// Quality is the provider-assigned reputation rating of a sending number
type Quality string

const (
	QualityHigh    Quality = "HIGH"
	QualityMedium  Quality = "MEDIUM"
	QualityLow     Quality = "LOW"
	QualityFlagged Quality = "FLAGGED"
	QualityUnknown Quality = "UNKNOWN"
)

// ParseQuality maps provider ratings (HIGH/GREEN, MEDIUM/YELLOW, LOW/RED) to Quality
func ParseQuality(s string) Quality {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HIGH", "GREEN":
		return QualityHigh
	case "MEDIUM", "YELLOW":
		return QualityMedium
	case "LOW", "RED":
		return QualityLow
	case "FLAGGED":
		return QualityFlagged
	default:
		return QualityUnknown
	}
}

// Ordinal orders qualities for transition checks. UNKNOWN is -1.
func (q Quality) Ordinal() int {
	switch q {
	case QualityHigh:
		return 3
	case QualityMedium:
		return 2
	case QualityLow:
		return 1
	case QualityFlagged:
		return 0
	case QualityUnknown:
		return -1
	}
	return -1
}

// Score is the selection weight used by the number pool
func (q Quality) Score() float64 {
	switch q {
	case QualityHigh:
		return 1.0
	case QualityMedium:
		return 0.6
	case QualityLow:
		return 0.3
	case QualityFlagged:
		return 0
	case QualityUnknown:
		return 0.3
	}
	return 0
}

// Degraded reports whether moving from prev to q is a decrease.
// An unknown previous rating is treated as HIGH.
func (q Quality) Degraded(prev Quality) bool {
	p := prev.Ordinal()
	if p < 0 {
		p = QualityHigh.Ordinal()
	}
	c := q.Ordinal()
	if c < 0 {
		return false
	}
	return c < p
}

// Below reports whether q is strictly worse than min. UNKNOWN is never below.
func (q Quality) Below(min Quality) bool {
	if q == QualityUnknown {
		return false
	}
	return q.Ordinal() < min.Ordinal()
}

// Valid reports whether q is a known constant
func (q Quality) Valid() bool {
	switch q {
	case QualityHigh, QualityMedium, QualityLow, QualityFlagged, QualityUnknown:
		return true
	}
	return false
}

// UnmarshalText accepts any case
func (q *Quality) UnmarshalText(b []byte) error {
	v := Quality(strings.ToUpper(strings.TrimSpace(string(b))))
	if !v.Valid() {
		return fmt.Errorf("unknown quality %q", string(b))
	}
	*q = v
	return nil
}
