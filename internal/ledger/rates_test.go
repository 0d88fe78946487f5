package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRatesFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadRates_OverridesDefaults(t *testing.T) {
	path := writeRatesFile(t, `
rates:
  search_base_cost: 2.5
  unit_data_cost: 4
`)

	rates, err := LoadRates(path, Rates{SearchBaseCost: 1, UnitDataCost: 2})
	require.NoError(t, err)
	assert.Equal(t, 2.5, rates.SearchBaseCost)
	assert.Equal(t, 4.0, rates.UnitDataCost)
}

func TestLoadRates_UnsetFieldsKeepDefaults(t *testing.T) {
	path := writeRatesFile(t, `
rates:
  unit_data_cost: 3
`)

	rates, err := LoadRates(path, Rates{SearchBaseCost: 1, UnitDataCost: 2})
	require.NoError(t, err)
	assert.Equal(t, 1.0, rates.SearchBaseCost)
	assert.Equal(t, 3.0, rates.UnitDataCost)
}

func TestLoadRates_MissingFile(t *testing.T) {
	_, err := LoadRates(filepath.Join(t.TempDir(), "absent.yaml"), Rates{SearchBaseCost: 1, UnitDataCost: 2})
	require.Error(t, err)
}

func TestLoadRates_MalformedYAML(t *testing.T) {
	path := writeRatesFile(t, "rates: [not a map")

	_, err := LoadRates(path, Rates{})
	require.Error(t, err)
}
