package ledger

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Rates holds the billable credit prices for a search run. Operators can
// override the built-in defaults with a YAML rates file.
type Rates struct {
	SearchBaseCost float64 `yaml:"search_base_cost"`
	UnitDataCost   float64 `yaml:"unit_data_cost"`
}

// LoadRates reads a pricing override file. Fields left unset (or set to a
// non-positive value) keep the provided defaults.
func LoadRates(path string, defaults Rates) (Rates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return defaults, eris.Wrapf(err, "ledger: read rates %s", path)
	}

	// The YAML has a top-level "rates" key
	var wrapper struct {
		Rates Rates `yaml:"rates"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return defaults, eris.Wrap(err, "ledger: parse rates")
	}

	rates := wrapper.Rates
	if rates.SearchBaseCost <= 0 {
		rates.SearchBaseCost = defaults.SearchBaseCost
	}
	if rates.UnitDataCost <= 0 {
		rates.UnitDataCost = defaults.UnitDataCost
	}
	return rates, nil
}
