package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ErrInvalidTrade is returned for trade payloads that must not enter the
// risk pipeline.
var ErrInvalidTrade = errors.New("model: invalid trade")

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide accepts BUY/SELL in any letter case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: unrecognized side %q", ErrInvalidTrade, s)
}

// Sign is +1 for BUY and -1 for SELL.
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// UnmarshalText normalizes letter case so "buy" and "BUY" decode alike.
// Unknown values are kept verbatim and rejected by Validate.
func (s *Side) UnmarshalText(b []byte) error {
	*s = Side(strings.ToUpper(strings.TrimSpace(string(b))))
	return nil
}

// Trade is an inbound trade event. Immutable once created.
type Trade struct {
	ID           string          `json:"tradeId"`
	Trader       string          `json:"trader" validate:"required"`
	Symbol       string          `json:"symbol" validate:"required"`
	Side         Side            `json:"side" validate:"oneof=BUY SELL"`
	Quantity     int64           `json:"quantity" validate:"gt=0"`
	Price        decimal.Decimal `json:"price"`
	Counterparty string          `json:"counterparty,omitempty"` // empty when absent
	Timestamp    time.Time       `json:"timestamp"`
}

// SignedQuantity is +Quantity for BUY and -Quantity for SELL.
func (t Trade) SignedQuantity() int64 {
	return t.Side.Sign() * t.Quantity
}

// HasCounterparty reports whether the trade names a counterparty. A blank
// name does not count.
func (t Trade) HasCounterparty() bool {
	return strings.TrimSpace(t.Counterparty) != ""
}

// Notional is |quantity × price|.
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity)).Abs()
}

// Normalize trims identifiers and returns the cleaned copy.
func (t Trade) Normalize() Trade {
	t.ID = strings.TrimSpace(t.ID)
	t.Trader = strings.TrimSpace(t.Trader)
	t.Symbol = strings.TrimSpace(t.Symbol)
	t.Counterparty = strings.TrimSpace(t.Counterparty)
	t.Side = Side(strings.ToUpper(string(t.Side)))
	return t
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the payload fields. The trade id is not checked here: a
// blank id is a dedup concern, never a validation failure.
func (t Trade) Validate() error {
	if err := validate.Struct(t); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%w: %s failed %q", ErrInvalidTrade, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidTrade, err)
	}
	if !t.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidTrade)
	}
	return nil
}
