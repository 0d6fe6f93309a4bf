// Package detection wraps object detectors and turns their output into a
// per-kind anomaly signal.
package detection

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/GuruMachanica/KavachG/internal/framestream"
)

// ErrUnavailable means the detector cannot evaluate frames at all (model not
// loaded, inference service down). It is distinct from "nothing detected".
var ErrUnavailable = errors.New("detection: detector unavailable")

// Kind names a family of violations. The value doubles as the incident type.
type Kind string

const (
	KindPPE        Kind = "ppe"
	KindFireSmoke  Kind = "fire-smoke"
	KindFall       Kind = "fall"
	KindRestricted Kind = "restricted-area"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindPPE, KindFireSmoke, KindFall, KindRestricted}

// ParseKind validates s.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("detection: unknown kind %q", s)
}

// Title is the human form used in incident descriptions ("Fire-smoke").
func (k Kind) Title() string {
	s := string(k)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// BoundingBox is in pixel coordinates of the evaluated frame.
type BoundingBox struct {
	X1, Y1, X2, Y2 float64
}

func (b BoundingBox) Valid() bool { return b.X1 < b.X2 && b.Y1 < b.Y2 }

type Detection struct {
	Box        BoundingBox
	Confidence float64
	Label      string
}

// Detector runs inference on a single frame.
type Detector interface {
	// Detect returns ErrUnavailable (possibly wrapped) when it cannot run.
	Detect(ctx context.Context, frame *framestream.Frame) ([]Detection, error)
	Close() error
}

// Predicate reports whether one detection is a violation for its kind.
type Predicate func(Detection) bool

// PredicateFor returns the violation rule of kind k.
func PredicateFor(k Kind) Predicate {
	switch k {
	case KindPPE:
		// PPE models emit NO-Hardhat, NO-Mask, NO-Safety Vest for missing gear.
		return func(d Detection) bool {
			return len(d.Label) >= 3 && strings.EqualFold(d.Label[:3], "NO-")
		}
	case KindFireSmoke:
		return func(d Detection) bool {
			return strings.EqualFold(d.Label, "fire") || strings.EqualFold(d.Label, "smoke")
		}
	case KindFall:
		return func(d Detection) bool { return strings.EqualFold(d.Label, "fall") }
	case KindRestricted:
		return func(d Detection) bool { return strings.EqualFold(d.Label, "restricted") }
	default:
		return func(Detection) bool { return false }
	}
}

// Severity grades an incident by the strongest matching confidence.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SeverityFor maps a kind and confidence to a severity. Fire escalates
// earliest, falls need the most certainty.
func SeverityFor(k Kind, confidence float64) Severity {
	high, medium := 0.70, 0.50
	switch k {
	case KindFireSmoke:
		high, medium = 0.65, 0.45
	case KindFall:
		high, medium = 0.75, 0.50
	}
	switch {
	case confidence > high:
		return SeverityHigh
	case confidence > medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
