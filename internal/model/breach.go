package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LimitType names the risk rule that produced a violation.
type LimitType int

const (
	LimitPosition LimitType = iota + 1
	LimitPnLStopLoss
	LimitCounterpartyExposure
	LimitConcentration
)

var limitTypeNames = map[LimitType]string{
	LimitPosition:             "POSITION_LIMIT",
	LimitPnLStopLoss:          "PNL_STOP_LOSS",
	LimitCounterpartyExposure: "COUNTERPARTY_EXPOSURE",
	LimitConcentration:        "CONCENTRATION_LIMIT",
}

func (l LimitType) String() string {
	if name, ok := limitTypeNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LimitType(%d)", int(l))
}

// ParseLimitType is the inverse of LimitType.String.
func ParseLimitType(s string) (LimitType, error) {
	for l, name := range limitTypeNames {
		if name == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("model: unknown limit type %q", s)
}

func (l LimitType) MarshalText() ([]byte, error) {
	if _, ok := limitTypeNames[l]; !ok {
		return nil, fmt.Errorf("model: unknown limit type %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *LimitType) UnmarshalText(b []byte) error {
	v, err := ParseLimitType(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Severity tiers a breach by how far the observed value exceeds its
// threshold. Ordered: a larger value is more severe.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "LOW",
	SeverityMedium:   "MEDIUM",
	SeverityHigh:     "HIGH",
	SeverityCritical: "CRITICAL",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// ParseSeverity is the inverse of Severity.String.
func ParseSeverity(s string) (Severity, error) {
	for sev, name := range severityNames {
		if name == s {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("model: unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	if _, ok := severityNames[s]; !ok {
		return nil, fmt.Errorf("model: unknown severity %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// BreachStatus is the compliance lifecycle of an emitted breach.
type BreachStatus string

const (
	StatusNew          BreachStatus = "NEW"
	StatusAcknowledged BreachStatus = "ACKNOWLEDGED"
	StatusResolved     BreachStatus = "RESOLVED"
)

// Valid reports whether s is a known status.
func (s BreachStatus) Valid() bool {
	switch s {
	case StatusNew, StatusAcknowledged, StatusResolved:
		return true
	}
	return false
}

// CanTransition reports whether a breach may move from s to next.
// Status only moves forward; NEW may be resolved directly.
func (s BreachStatus) CanTransition(next BreachStatus) bool {
	switch s {
	case StatusNew:
		return next == StatusAcknowledged || next == StatusResolved
	case StatusAcknowledged:
		return next == StatusResolved
	}
	return false
}

// LimitViolation is produced fresh for each trade evaluation and never
// mutated afterwards.
type LimitViolation struct {
	Type         LimitType       `json:"limitType"`
	Trader       string          `json:"trader"`
	Symbol       string          `json:"symbol"`
	Counterparty string          `json:"counterparty,omitempty"`
	Actual       decimal.Decimal `json:"actualValue"`
	Threshold    decimal.Decimal `json:"threshold"`
	TradeID      string          `json:"tradeId"`
	OccurredAt   time.Time       `json:"occurredAt"`
}

// Breach is a LimitViolation with its derived severity and lifecycle status.
// Once emitted it is owned by the alerting subsystem.
type Breach struct {
	ID string `json:"breachId"`
	LimitViolation
	Severity Severity     `json:"severity"`
	Status   BreachStatus `json:"status"`
}
