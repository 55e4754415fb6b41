// Package tier implements the eligibility gate shared by every xServer
// surface. Tiers are totally ordered: One < Two < Three.
package tier

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xserver-network/xserverd/internal/apperr"
)

// Level is a node's self-declared service tier.
type Level int

const (
	Unknown Level = iota
	One
	Two
	Three
)

// Minimum tiers for each request surface.
const (
	RegistryMinimum  = One
	ProfileMinimum   = Two
	PriceLockMinimum = Three
)

// Valid reports whether l is one of the declared tiers.
func (l Level) Valid() bool {
	return l >= One && l <= Three
}

func (l Level) String() string {
	switch l {
	case One:
		return "One"
	case Two:
		return "Two"
	case Three:
		return "Three"
	default:
		return "Unknown"
	}
}

// Parse accepts "1".."3" or "one".."three".
func Parse(s string) (Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "one":
		return One, nil
	case "two":
		return Two, nil
	case "three":
		return Three, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || !Level(n).Valid() {
		return Unknown, fmt.Errorf("invalid tier %q", s)
	}
	return Level(n), nil
}

// Require returns nil when current satisfies minimum. The error never
// says which tier was required.
func Require(current, minimum Level) error {
	if !current.Valid() || current < minimum {
		return apperr.TierRequirementNotMet()
	}
	return nil
}

// Allowed is the boolean form of Require.
func Allowed(current, minimum Level) bool {
	return Require(current, minimum) == nil
}

// Source yields the tier the local node currently holds. It is read on
// every request since re-registration may change it.
type Source interface {
	CurrentTier() Level
}

// SourceFunc adapts a function to Source.
type SourceFunc func() Level

func (f SourceFunc) CurrentTier() Level { return f() }

// Gate evaluates a minimum tier against a Source.
type Gate struct {
	source Source
}

// NewGate creates a gate reading the tier from source.
func NewGate(source Source) *Gate {
	return &Gate{source: source}
}

// Require checks the source's current tier against minimum.
func (g *Gate) Require(minimum Level) error {
	if g == nil || g.source == nil {
		return apperr.TierRequirementNotMet()
	}
	return Require(g.source.CurrentTier(), minimum)
}

// Current returns the tier the gate would evaluate right now.
func (g *Gate) Current() Level {
	if g == nil || g.source == nil {
		return Unknown
	}
	return g.source.CurrentTier()
}
