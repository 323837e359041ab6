package aggregate

import (
	"sort"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/traderat755/eastmoneywatch/internal/models"
)

var (
	collatorMu sync.Mutex
	// collate.Collator keeps internal buffers and is not safe for concurrent use.
	collator = collate.New(language.Chinese)
)

func compare(a, b string) int {
	collatorMu.Lock()
	defer collatorMu.Unlock()
	return collator.CompareString(a, b)
}

type dedupKey struct {
	name     string
	category string
}

// Deduplicate collapses repeated (name, category) pairs to the last one seen
// and orders the result by name then category under Chinese collation. The
// output order does not depend on the input order.
func Deduplicate(stocks []models.DisplayStock) []models.DisplayStock {
	latest := make(map[dedupKey]models.DisplayStock, len(stocks))
	for _, s := range stocks {
		latest[dedupKey{s.Name, s.Category}] = s
	}

	out := make([]models.DisplayStock, 0, len(latest))
	for _, s := range latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return less(out[i], out[j])
	})
	return out
}

func less(a, b models.DisplayStock) bool {
	if c := compare(a.Name, b.Name); c != 0 {
		return c < 0
	}
	if c := compare(a.Category, b.Category); c != 0 {
		return c < 0
	}
	// Collation can treat distinct strings as equal; fall back to bytes.
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.Category < b.Category
}
