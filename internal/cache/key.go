package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/prospect-cli/internal/model"
)

var folder = cases.Fold()

// normalizeTerm lowercases (Unicode case folding) and collapses whitespace
// so "Smith  " and "smith" key identically.
func normalizeTerm(s string) string {
	return strings.Join(strings.Fields(folder.String(s)), " ")
}

// SearchKey derives the deterministic cache key for a (mode, params) pair.
// Requested count and age bounds are excluded: the cached pool is shared
// across request sizes and filtered downstream.
func SearchKey(mode model.SearchMode, params model.SearchParams) string {
	h := sha256.New()
	h.Write([]byte(string(mode)))
	h.Write([]byte{0})
	h.Write([]byte(normalizeTerm(params.Name)))
	h.Write([]byte{0})
	h.Write([]byte(normalizeTerm(params.Title)))
	h.Write([]byte{0})
	h.Write([]byte(cases.Upper(language.English).String(strings.TrimSpace(params.State))))
	return hex.EncodeToString(h.Sum(nil))
}
