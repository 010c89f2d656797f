package broker

import (
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceSource supplies reference prices for sizing and paper fills.
type PriceSource interface {
	Price(symbol string, at time.Time) decimal.Decimal
}

// DefaultBasePrices is the reference table the simulator perturbs. Unknown
// symbols use DefaultBasePrice.
var DefaultBasePrices = map[string]float64{
	"AAPL":      180,
	"MSFT":      380,
	"GOOGL":     140,
	"TSLA":      250,
	"NVDA":      480,
	"AMZN":      150,
	"RELIANCE":  2500,
	"TCS":       3800,
	"INFY":      1600,
	"HDFCBANK":  1700,
	"ICICIBANK": 950,
}

// DefaultBasePrice applies to symbols missing from the base table.
const DefaultBasePrice = 100.0

// Pricer generates deterministic reference prices: the base price scaled by
// (1 + u*perturbation) with u in [-1, 1] derived from (seed, symbol, time),
// rounded to cents. The same inputs always give the same price.
type Pricer struct {
	seed         uint64
	perturbation float64
	base         map[string]decimal.Decimal
}

// NewPricer builds a Pricer over DefaultBasePrices plus overrides.
func NewPricer(seed uint64, perturbation float64, overrides map[string]float64) *Pricer {
	base := make(map[string]decimal.Decimal, len(DefaultBasePrices)+len(overrides))
	for sym, p := range DefaultBasePrices {
		base[sym] = decimal.NewFromFloat(p)
	}
	for sym, p := range overrides {
		base[strings.ToUpper(sym)] = decimal.NewFromFloat(p)
	}
	return &Pricer{seed: seed, perturbation: perturbation, base: base}
}

// Base returns the unperturbed base price for a symbol. Exchange suffixes
// such as RELIANCE.NS resolve to their root symbol.
func (p *Pricer) Base(symbol string) decimal.Decimal {
	sym := strings.ToUpper(symbol)
	if b, ok := p.base[sym]; ok {
		return b
	}
	if i := strings.IndexByte(sym, '.'); i > 0 {
		if b, ok := p.base[sym[:i]]; ok {
			return b
		}
	}
	return decimal.NewFromFloat(DefaultBasePrice)
}

// Price returns the reference price of symbol at the given instant.
func (p *Pricer) Price(symbol string, at time.Time) decimal.Decimal {
	base := p.Base(symbol)
	if p.perturbation == 0 {
		return base.Round(2)
	}

	h := fnv.New64a()
	h.Write([]byte(strings.ToUpper(symbol)))
	r := rand.New(rand.NewPCG(p.seed, h.Sum64()^uint64(at.UnixNano())))
	u := r.Float64()*2 - 1

	factor := decimal.NewFromFloat(1 + u*p.perturbation)
	return base.Mul(factor).Round(2)
}
