package services

import (
	"math"
	"time"

	"engram/domain/core"
)

// DecayStatus is the retrievability band a cell's activation falls into.
type DecayStatus string

const (
	StatusActive    DecayStatus = "active"
	StatusForgotten DecayStatus = "forgotten" // hidden from reads
	StatusArchive   DecayStatus = "archive"   // eligible for prune
)

// Activation band boundaries.
const (
	forgottenBelow = -2.0
	archiveBelow   = -4.0
)

// decayParams are the ACT-R decay exponent d and base offset beta per
// urgency level.
type decayParams struct {
	d    float64
	beta float64
}

var urgencyDecay = map[core.Urgency]decayParams{
	core.UrgencyCritical:   {d: 0.3, beta: 2.0},
	core.UrgencyImportant:  {d: 0.5, beta: 1.0},
	core.UrgencyReference:  {d: 0.6, beta: 0.0},
	core.UrgencyBackground: {d: 0.8, beta: -1.0},
}

// DecayModel computes ACT-R style activation per cell. Core and procedural
// cells never decay.
type DecayModel struct{}

// NewDecayModel returns the shared decay model.
func NewDecayModel() *DecayModel {
	return &DecayModel{}
}

// Activation returns A = ln(sum over accesses of t^-d) + beta, where t is
// hours since each access clamped to at least 0.001. An empty access list
// falls back to creation time as a synthetic access, clamped to A >= 0.
func (m *DecayModel) Activation(cell *core.MemoryCell, now time.Time) float64 {
	switch cell.Type {
	case core.TypeCore:
		return 10
	case core.TypeProcedural:
		return 5
	}

	params, ok := urgencyDecay[cell.Urgency]
	if !ok {
		params = urgencyDecay[core.UrgencyReference]
	}

	accesses := cell.AccessTimes
	synthetic := false
	if len(accesses) == 0 {
		if cell.CreatedAt.IsZero() {
			return params.beta
		}
		accesses = []time.Time{cell.CreatedAt}
		synthetic = true
	}

	sum := 0.0
	for _, at := range accesses {
		hours := now.Sub(at).Hours()
		if hours < 0.001 {
			hours = 0.001
		}
		sum += math.Pow(hours, -params.d)
	}

	a := math.Log(sum) + params.beta
	if synthetic && a < 0 {
		a = 0
	}
	return a
}

// Status maps an activation value onto its retrievability band.
func (m *DecayModel) Status(activation float64) DecayStatus {
	switch {
	case activation >= forgottenBelow:
		return StatusActive
	case activation >= archiveBelow:
		return StatusForgotten
	default:
		return StatusArchive
	}
}

// StatusOf is Activation followed by Status.
func (m *DecayModel) StatusOf(cell *core.MemoryCell, now time.Time) DecayStatus {
	return m.Status(m.Activation(cell, now))
}

// Blend folds activation into a semantic score for ranking: 80% semantic,
// 20% activation normalized from [-4, +3] onto [0, 1].
func (m *DecayModel) Blend(semanticScore, activation float64) float64 {
	normalized := clamp((activation+4)/7, 0, 1)
	return 0.8*semanticScore + 0.2*normalized
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
