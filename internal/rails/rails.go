// Package rails routes approved transactions onto a settlement rail and
// quotes the fees each rail charges.
package rails

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Rail identifies a settlement network.
type Rail string

const (
	RailBlockchain    Rail = "BLOCKCHAIN"
	RailSmartContract Rail = "SMART_CONTRACT"
	RailUPI           Rail = "UPI"
	RailCard          Rail = "CARD"
	RailForex         Rail = "FOREX"
	RailBank          Rail = "BANK_RAIL"
)

// RailInfo describes a rail for listings.
type RailInfo struct {
	Code             Rail   `json:"code"`
	Name             string `json:"name"`
	QuantumProtected bool   `json:"quantumProtected"`
}

// AllRails lists the rails DecideRail can return.
var AllRails = []RailInfo{
	{RailBank, "Traditional Banking", true},
	{RailUPI, "Unified Payments Interface", true},
	{RailCard, "Card Networks", true},
	{RailBlockchain, "Blockchain Network", true},
	{RailSmartContract, "Smart Contract Execution", true},
	{RailForex, "Foreign Exchange", true},
}

// ErrRailUnavailable is returned by executors that cannot reach a rail.
var ErrRailUnavailable = errors.New("rails: rail unavailable")

// DecideRail picks the rail for a transaction type. Unknown and bank-like
// types settle on BANK_RAIL.
func DecideRail(txType string) Rail {
	switch strings.ToUpper(strings.TrimSpace(txType)) {
	case "CRYPTO_TRANSFER":
		return RailBlockchain
	case "SMART_CONTRACT":
		return RailSmartContract
	case "UPI_PAYMENT":
		return RailUPI
	case "CARD_PAYMENT":
		return RailCard
	case "FOREX_PAYMENT":
		return RailForex
	default:
		return RailBank
	}
}

// FeeSchedule is what a rail charges: a flat fee, a proportional fee, and
// for chain rails a fixed network fee.
type FeeSchedule struct {
	Flat       decimal.Decimal `json:"flat"`
	Percent    decimal.Decimal `json:"percent"`
	NetworkFee decimal.Decimal `json:"networkFee"`
}

// Total returns the fee charged on amount. Negative amounts are charged as zero.
func (f FeeSchedule) Total(amount decimal.Decimal) decimal.Decimal {
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	return f.Flat.Add(f.Percent.Mul(amount)).Add(f.NetworkFee)
}

var (
	feeUPI        = FeeSchedule{Flat: decimal.Zero, Percent: decimal.RequireFromString("0.001")}
	feeCard       = FeeSchedule{Flat: decimal.RequireFromString("0.30"), Percent: decimal.RequireFromString("0.02")}
	feeBlockchain = FeeSchedule{NetworkFee: decimal.RequireFromString("0.0005")}
	feeDefault    = FeeSchedule{Flat: decimal.RequireFromString("5.00"), Percent: decimal.RequireFromString("0.0005")}
)

// Fees returns the published fee schedule for rail.
func Fees(rail Rail) FeeSchedule {
	switch rail {
	case RailUPI:
		return feeUPI
	case RailCard:
		return feeCard
	case RailBlockchain:
		return feeBlockchain
	default:
		return feeDefault
	}
}

// Quote is a fee estimate for a transaction.
type Quote struct {
	Rail     Rail            `json:"rail"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency,omitempty"`
	Fees     FeeSchedule     `json:"fees"`
	TotalFee decimal.Decimal `json:"totalFee"`
	QuotedAt time.Time       `json:"quotedAt"`
}

// QuoteFor prices a transaction on the rail DecideRail picks for it.
func QuoteFor(txType string, amount decimal.Decimal, currency string) *Quote {
	rail := DecideRail(txType)
	fees := Fees(rail)
	return &Quote{
		Rail:     rail,
		Amount:   amount,
		Currency: currency,
		Fees:     fees,
		TotalFee: fees.Total(amount),
		QuotedAt: time.Now().UTC(),
	}
}

// Order is an approved transaction handed to a rail.
type Order struct {
	Type     string
	Amount   decimal.Decimal
	Currency string
	Receiver string
	// Sealed is the session-encrypted transaction payload; executors
	// forward it without inspecting it.
	Sealed []byte
}

// Receipt is a rail's acknowledgement of an executed order.
type Receipt struct {
	Rail       Rail            `json:"rail"`
	BackendRef string          `json:"backendReference"`
	Fees       FeeSchedule     `json:"fees"`
	TotalFee   decimal.Decimal `json:"totalFee"`
	ExecutedAt time.Time       `json:"executedAt"`
}

// Executor submits orders to a settlement rail.
type Executor interface {
	Execute(ctx context.Context, order Order) (*Receipt, error)
}
