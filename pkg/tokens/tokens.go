// Package tokens loads the solver's token configuration table: an
// immutable, startup-loaded mapping from token identifier to its decimal
// precision, split into the BTC-pegged and USD-pegged sets the quoter
// validates requests against.
package tokens

import (
	"fmt"
	"math"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Entry is one row of the token table: {symbol, decimals, pow10}.
type Entry struct {
	Symbol   string `yaml:"symbol"`
	Decimals int    `yaml:"decimals"`
	Pow10    float64
}

// fileFormat is the on-disk shape of the token config YAML.
type fileFormat struct {
	BTC map[string]tokenFileEntry `yaml:"btc"`
	USD map[string]tokenFileEntry `yaml:"usd"`
}

type tokenFileEntry struct {
	Symbol   string `yaml:"symbol"`
	Decimals int    `yaml:"decimals"`
}

// Table is the immutable, O(1)-lookup token table loaded at startup.
// Two disjoint sets back the Quoter's token-pair validation (§4.4 step 2).
type Table struct {
	btc map[string]Entry
	usd map[string]Entry
}

// Load reads a YAML token config file and builds the table.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token config: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse token config: %w", err)
	}

	t := &Table{
		btc: make(map[string]Entry, len(f.BTC)),
		usd: make(map[string]Entry, len(f.USD)),
	}
	for id, e := range f.BTC {
		t.btc[id] = Entry{Symbol: e.Symbol, Decimals: e.Decimals, Pow10: math.Pow10(e.Decimals)}
	}
	for id, e := range f.USD {
		t.usd[id] = Entry{Symbol: e.Symbol, Decimals: e.Decimals, Pow10: math.Pow10(e.Decimals)}
	}
	if len(t.btc) == 0 || len(t.usd) == 0 {
		return nil, fmt.Errorf("token config must define at least one BTC token and one USD token")
	}
	return t, nil
}

// IsBTC reports whether id belongs to the BTC-pegged set and returns its entry.
func (t *Table) IsBTC(id string) (Entry, bool) {
	e, ok := t.btc[id]
	return e, ok
}

// IsUSD reports whether id belongs to the USD-pegged set and returns its entry.
func (t *Table) IsUSD(id string) (Entry, bool) {
	e, ok := t.usd[id]
	return e, ok
}

// BTCIDs returns the token identifiers in the BTC-pegged set, for the
// InventoryManager's on-chain balance sweep (§4.3).
func (t *Table) BTCIDs() []string {
	ids := make([]string, 0, len(t.btc))
	for id := range t.btc {
		ids = append(ids, id)
	}
	return ids
}

// USDIDs returns the token identifiers in the USD-pegged set, for the
// InventoryManager's on-chain balance sweep (§4.3).
func (t *Table) USDIDs() []string {
	ids := make([]string, 0, len(t.usd))
	for id := range t.usd {
		ids = append(ids, id)
	}
	return ids
}

// Pow10 looks up the display-unit scaling factor for a token identifier in
// either set, for callers (e.g. the chain client) that only hold a token id
// and a base-unit value and need to convert it themselves (§3: "All decimal
// conversions use the pre-computed pow10").
func (t *Table) Pow10(id string) (float64, bool) {
	if e, ok := t.btc[id]; ok {
		return e.Pow10, true
	}
	if e, ok := t.usd[id]; ok {
		return e.Pow10, true
	}
	return 0, false
}

// ToDecimal converts a base-unit integer string to a display-unit decimal
// using the entry's pow10.
func (e Entry) ToDecimal(baseUnits string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(baseUnits)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse base units %q: %w", baseUnits, err)
	}
	return d.Div(decimal.NewFromFloat(e.Pow10)), nil
}

// FloorBaseUnits converts a display-unit float to a base-unit integer
// string, rounding down — used when the solver is quoting an amount_out
// (§4.4 step 10: the user receives slightly less, never more).
func (e Entry) FloorBaseUnits(display float64) string {
	scaled := display * e.Pow10
	return decimal.NewFromFloat(scaled).Floor().String()
}

// CeilBaseUnits converts a display-unit float to a base-unit integer
// string, rounding up — used when the solver is quoting an amount_in
// (§4.4 step 10: the user pays slightly more, never less).
func (e Entry) CeilBaseUnits(display float64) string {
	scaled := display * e.Pow10
	return decimal.NewFromFloat(scaled).Ceil().String()
}
