package contracts

// RiskLevel is one of the three risk bands governing TTL and human-approval
// requirements.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid reports whether the level is a known band.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Rank orders bands: low < medium < high. Unknown bands rank highest so
// comparisons fail closed.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	}
	return 3
}

// Downgrade lowers the band one step, never below low.
func (r RiskLevel) Downgrade() RiskLevel {
	switch r {
	case RiskHigh:
		return RiskMedium
	case RiskMedium:
		return RiskLow
	}
	return RiskLow
}

// Upgrade raises the band one step, never above high.
func (r RiskLevel) Upgrade() RiskLevel {
	switch r {
	case RiskLow:
		return RiskMedium
	case RiskMedium:
		return RiskHigh
	}
	return RiskHigh
}

// MaxRisk returns the higher of two bands.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}
