package matcher

import (
	"strings"

	"github.com/shopspring/decimal"
)

// PointValues maps instrument roots ("ES", "MNQ") to the dollar value of one
// full point.
type PointValues map[string]decimal.Decimal

// NewPointValues converts the configured float table.
func NewPointValues(table map[string]float64) PointValues {
	pv := make(PointValues, len(table))
	for root, v := range table {
		pv[strings.ToUpper(root)] = decimal.NewFromFloat(v)
	}
	return pv
}

// For returns the point value of the longest root that prefixes the
// instrument, so "MESM4" resolves to MES rather than ES. Unknown
// instruments are worth one dollar per point.
func (pv PointValues) For(instrument string) decimal.Decimal {
	instrument = strings.ToUpper(instrument)
	best := ""
	for root := range pv {
		if len(root) > len(best) && strings.HasPrefix(instrument, root) {
			best = root
		}
	}
	if best == "" {
		return decimal.NewFromInt(1)
	}
	return pv[best]
}
