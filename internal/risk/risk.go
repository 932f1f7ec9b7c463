// Package risk scores an identity's abuse history on a 0-100 scale.
//
// The score is a pure function of a statistics snapshot and the current time:
// block count dominates, failure-rate bands add fixed increments, and a block
// inside the recency window adds a small bump. Higher failure rate or more
// blocks never lower the score.
package risk

import (
	"fmt"
	"time"

	"github.com/mbd888/sentinel/internal/stats"
)

// Level is the coarse band a score falls into.
type Level string

const (
	LevelMinimal Level = "MINIMAL"
	LevelLow     Level = "LOW"
	LevelMedium  Level = "MEDIUM"
	LevelHigh    Level = "HIGH"
)

// MaxScore is the saturation point.
const MaxScore = 100

// Config holds the band thresholds and weights.
type Config struct {
	High   int
	Medium int
	Low    int

	PerBlock       int
	FailureAbove50 int
	FailureAbove80 int
	RecentBlock    int
	RecentWindow   time.Duration
	// SuspiciousFailureRate flags an identity regardless of score (percent).
	SuspiciousFailureRate float64
}

// DefaultConfig returns the stock thresholds (80/50/20) and weights.
func DefaultConfig() Config {
	return Config{
		High:                  80,
		Medium:                50,
		Low:                   20,
		PerBlock:              10,
		FailureAbove50:        20,
		FailureAbove80:        30,
		RecentBlock:           5,
		RecentWindow:          5 * time.Minute,
		SuspiciousFailureRate: 80,
	}
}

// Validate checks the bands are ordered and weights are non-negative.
func (c Config) Validate() error {
	if !(0 <= c.Low && c.Low <= c.Medium && c.Medium <= c.High && c.High <= MaxScore) {
		return fmt.Errorf("risk: thresholds must satisfy 0 <= low <= medium <= high <= 100, got %d/%d/%d", c.Low, c.Medium, c.High)
	}
	if c.PerBlock < 0 || c.FailureAbove50 < 0 || c.FailureAbove80 < 0 || c.RecentBlock < 0 {
		return fmt.Errorf("risk: weights must be non-negative")
	}
	return nil
}

// Assessment is the scorer's verdict on one snapshot.
type Assessment struct {
	Score      int    `json:"riskScore"`
	Level      Level  `json:"riskLevel"`
	Suspicious bool   `json:"isSuspicious"`
	Reason     string `json:"reason,omitempty"`
}

// Scorer applies a Config. The zero value is not usable; use NewScorer.
type Scorer struct {
	cfg Config
}

// NewScorer creates a scorer.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Config returns the scorer's configuration.
func (s *Scorer) Config() Config { return s.cfg }

// Score returns the 0-100 risk score for snap at now.
func (s *Scorer) Score(snap stats.Statistics, now time.Time) int {
	score := snap.BlockedCount * s.cfg.PerBlock

	failure := snap.FailureRate()
	if failure > 50 {
		score += s.cfg.FailureAbove50
	}
	if failure > 80 {
		score += s.cfg.FailureAbove80
	}
	if !snap.LastBlockedAt.IsZero() && now.Sub(snap.LastBlockedAt) <= s.cfg.RecentWindow {
		score += s.cfg.RecentBlock
	}

	return min(max(score, 0), MaxScore)
}

// Level maps a score to its band.
func (s *Scorer) Level(score int) Level {
	switch {
	case score >= s.cfg.High:
		return LevelHigh
	case score >= s.cfg.Medium:
		return LevelMedium
	case score >= s.cfg.Low:
		return LevelLow
	default:
		return LevelMinimal
	}
}

// Assess scores snap and decides whether it is suspicious: a score at or
// above the medium band, or a failure rate above SuspiciousFailureRate.
func (s *Scorer) Assess(snap stats.Statistics, now time.Time) Assessment {
	score := s.Score(snap, now)
	a := Assessment{Score: score, Level: s.Level(score)}

	switch {
	case score >= s.cfg.Medium:
		a.Suspicious = true
		a.Reason = fmt.Sprintf("risk score %d at or above %d", score, s.cfg.Medium)
	case snap.FailureRate() > s.cfg.SuspiciousFailureRate:
		a.Suspicious = true
		a.Reason = fmt.Sprintf("failure rate %.1f%% above %.0f%%", snap.FailureRate(), s.cfg.SuspiciousFailureRate)
	}
	return a
}
