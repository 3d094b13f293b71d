package state

import (
	fpmath "WardProtocol/internal/math"
	"time"
)

// MinCoverageRatioBps is the solvency floor: available capital must be at
// least 2.0x total exposure whenever exposure is non-zero.
const MinCoverageRatioBps int64 = 20_000

// Pool is the running capital position of an insurance pool.
// TotalCapital = AvailableCapital + ReservedCapital.
type Pool struct {
	ID                string
	Account           string
	Asset             string
	TotalCapital      int64
	AvailableCapital  int64
	ReservedCapital   int64
	TotalExposure     int64
	ActivePolicyCount int64
	ClaimsPaid        int64
	Version           int64
	UpdatedAt         time.Time
}

// CoverageRatioBps returns available/exposure in basis points, or
// fpmath.Unbounded when there is no exposure.
func (p Pool) CoverageRatioBps() int64 {
	return fpmath.RatioBps(p.AvailableCapital, p.TotalExposure)
}

// Solvent reports whether the pool satisfies minBps.
func (p Pool) Solvent(minBps int64) bool {
	return fpmath.RatioAtLeast(p.AvailableCapital, p.TotalExposure, minBps)
}

// CanCover reports whether available capital covers amount.
func (p Pool) CanCover(amount int64) bool {
	return p.AvailableCapital >= amount
}

// SolventAfter reports whether the pool would stay solvent after paying
// payout and retiring coverage of exposure.
func (p Pool) SolventAfter(payout, coverage, minBps int64) bool {
	exposure := p.TotalExposure - coverage
	if exposure < 0 {
		exposure = 0
	}
	return fpmath.RatioAtLeast(p.AvailableCapital-payout, exposure, minBps)
}

// Balanced reports whether the capital identity holds and no figure is negative.
func (p Pool) Balanced() bool {
	return p.AvailableCapital >= 0 && p.ReservedCapital >= 0 && p.TotalExposure >= 0 &&
		p.ActivePolicyCount >= 0 && p.TotalCapital == p.AvailableCapital+p.ReservedCapital
}
