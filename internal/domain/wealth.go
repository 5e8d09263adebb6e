package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxTopEntries bounds the holdings and platform lists of a Wealth summary.
const MaxTopEntries = 5

// Asset is one of the top holdings shown on the portfolio chart.
type Asset struct {
	Asset      string          `json:"asset"`
	Value      decimal.Decimal `json:"value"`
	Percentage decimal.Decimal `json:"percentage"`
}

// Platform is one of the top protocols or venues shown on the portfolio chart.
type Platform struct {
	Platform   string          `json:"platform"`
	Value      decimal.Decimal `json:"value"`
	Percentage decimal.Decimal `json:"percentage"`
}

// NetWorth is the headline portfolio valuation.
type NetWorth struct {
	NetWorth      decimal.Decimal `json:"net_worth"`
	SOLEquivalent decimal.Decimal `json:"sol_equivalent"`
}

// Wealth is the structured portfolio summary produced by a structured extraction.
type Wealth struct {
	TopHoldings  []Asset    `json:"top_5_holdings"`
	NetWorth     NetWorth   `json:"net_worth"`
	TopPlatforms []Platform `json:"top_5_platforms"`
}

// RecordCount is the number of time-series records a Wealth value persists as.
func (w Wealth) RecordCount() int {
	return 1 + len(w.TopHoldings) + len(w.TopPlatforms)
}

// Summary renders the one-line headline used in logs and notifications.
func (w Wealth) Summary() string {
	return fmt.Sprintf("Net Worth: $%s (SOL: %s)",
		w.NetWorth.NetWorth.StringFixed(2),
		w.NetWorth.SOLEquivalent.StringFixed(2),
	)
}

func (Wealth) payloadKind() string { return "structured" }

// RawCapture is the free-form markdown report produced by a raw extraction.
type RawCapture string

// Empty reports whether the capture carries no usable text.
func (c RawCapture) Empty() bool {
	return strings.TrimSpace(string(c)) == ""
}

// Truncate returns at most limit bytes of the capture. The cut is made on a
// byte boundary and may split a multi-byte character.
func (c RawCapture) Truncate(limit int) string {
	if limit < 0 || len(c) <= limit {
		return string(c)
	}
	return string(c[:limit])
}

func (RawCapture) payloadKind() string { return "raw" }

// Payload is either a RawCapture or a Wealth.
type Payload interface {
	payloadKind() string
}

// PayloadKind names the variant held by p, or "" for nil.
func PayloadKind(p Payload) string {
	if p == nil {
		return ""
	}
	return p.payloadKind()
}
