package engine

import (
	"time"

	"roundtable/internal/config"
)

// Tuning collects every turn-taking constant the engine uses. The defaults
// are the empirically chosen production values; tests shrink the durations
// to keep fixtures fast.
type Tuning struct {
	HistoryLimit         int
	PersonalHistoryLimit int
	Cooldown             time.Duration
	DominanceWindow      int
	DominanceShare       float64
	LoopSimilarity       float64
	LoopWindow           time.Duration
	LoopRepeatLimit      int
	StallTimeout         time.Duration
	MinTurnDelay         time.Duration
	MaxTurnDelay         time.Duration
	DoneAgentsToEnd      int
	GenerationTimeout    time.Duration
}

// DefaultTuning returns production defaults.
func DefaultTuning() Tuning {
	return TuningFromConfig(config.Defaults().Engine)
}

// TuningFromConfig converts the serialized engine section into native
// durations, backfilling zero values with defaults.
func TuningFromConfig(c config.EngineConfig) Tuning {
	t := Tuning{
		HistoryLimit:         c.HistoryLimit,
		PersonalHistoryLimit: c.PersonalHistoryLimit,
		Cooldown:             time.Duration(c.CooldownMillis) * time.Millisecond,
		DominanceWindow:      c.DominanceWindow,
		DominanceShare:       c.DominanceShare,
		LoopSimilarity:       c.LoopSimilarity,
		LoopWindow:           time.Duration(c.LoopWindowMillis) * time.Millisecond,
		LoopRepeatLimit:      c.LoopRepeatLimit,
		StallTimeout:         time.Duration(c.StallTimeoutMillis) * time.Millisecond,
		MinTurnDelay:         time.Duration(c.MinTurnDelayMillis) * time.Millisecond,
		MaxTurnDelay:         time.Duration(c.MaxTurnDelayMillis) * time.Millisecond,
		DoneAgentsToEnd:      c.DoneAgentsToEnd,
		GenerationTimeout:    time.Duration(c.GenerationTimeoutMillis) * time.Millisecond,
	}
	if t.HistoryLimit <= 0 {
		t.HistoryLimit = 200
	}
	if t.PersonalHistoryLimit <= 0 {
		t.PersonalHistoryLimit = 50
	}
	if t.DominanceWindow <= 0 {
		t.DominanceWindow = 10
	}
	if t.DominanceShare <= 0 {
		t.DominanceShare = 0.6
	}
	if t.LoopSimilarity <= 0 {
		t.LoopSimilarity = 0.65
	}
	if t.LoopWindow <= 0 {
		t.LoopWindow = 2 * time.Minute
	}
	if t.LoopRepeatLimit <= 0 {
		t.LoopRepeatLimit = 3
	}
	if t.StallTimeout <= 0 {
		t.StallTimeout = 10 * time.Second
	}
	if t.MaxTurnDelay <= 0 {
		t.MinTurnDelay = 300 * time.Millisecond
		t.MaxTurnDelay = 1500 * time.Millisecond
	}
	if t.DoneAgentsToEnd <= 0 {
		t.DoneAgentsToEnd = 2
	}
	if t.GenerationTimeout <= 0 {
		t.GenerationTimeout = 2 * time.Minute
	}
	return t
}
