package market

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// codePattern matches TWSE stock codes embedded in free text.
var codePattern = regexp.MustCompile(`\d{4,6}`)

// SymbolTable maps company names and common aliases to stock codes.
// The built-in table covers well-known listings; extra aliases can be
// merged from a YAML file.
type SymbolTable struct {
	aliases map[string]string
}

// defaultAliases are frequently asked-about TWSE listings.
var defaultAliases = map[string]string{
	"台積電": "2330",
	"鴻海":  "2317",
	"聯發科": "2454",
	"中油":  "6505",
	"富邦金": "2881",
	"國泰金": "2882",
	"中華電": "2412",
	"台塑":  "1301",
	"中鋼":  "2002",
	"聯電":  "2303",
	"長榮":  "2603",
	"陽明":  "2609",
	"華碩":  "2357",
	"廣達":  "2382",
	"台達電": "2308",
	"大立光": "3008",
	"玉山金": "2884",
	"兆豐金": "2886",
}

// NewSymbolTable returns a table seeded with the built-in aliases.
func NewSymbolTable() *SymbolTable {
	aliases := make(map[string]string, len(defaultAliases))
	for name, code := range defaultAliases {
		aliases[name] = code
	}
	return &SymbolTable{aliases: aliases}
}

// LoadAliases merges aliases from a YAML file of the form `name: code`.
// File entries override built-ins on conflict.
func (t *SymbolTable) LoadAliases(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read symbols file %s: %w", path, err)
	}
	extra := make(map[string]string)
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return fmt.Errorf("cannot parse symbols file %s: %w", path, err)
	}
	for name, code := range extra {
		t.aliases[name] = code
	}
	return nil
}

// Lookup returns the code for an exact alias.
func (t *SymbolTable) Lookup(name string) (string, bool) {
	code, ok := t.aliases[name]
	return code, ok
}

// Aliases returns the table as a sorted "name (code)" listing, used in the
// LLM extraction prompt.
func (t *SymbolTable) Aliases() []string {
	out := make([]string, 0, len(t.aliases))
	for name, code := range t.aliases {
		out = append(out, fmt.Sprintf("%s (%s)", name, code))
	}
	sort.Strings(out)
	return out
}

// ExtractCodes finds stock codes in free text: explicit 4-6 digit codes
// first, then known company aliases. Order of appearance is preserved and
// duplicates removed.
func (t *SymbolTable) ExtractCodes(text string) []string {
	var codes []string
	seen := make(map[string]bool)

	for _, m := range codePattern.FindAllString(text, -1) {
		if !seen[m] {
			seen[m] = true
			codes = append(codes, m)
		}
	}

	type hit struct {
		pos  int
		code string
	}
	var hits []hit
	for name, code := range t.aliases {
		if idx := strings.Index(text, name); idx >= 0 && !seen[code] {
			seen[code] = true
			hits = append(hits, hit{pos: idx, code: code})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	for _, h := range hits {
		codes = append(codes, h.code)
	}

	return codes
}
