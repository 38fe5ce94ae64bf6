package cache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Key derives a stable cache key from a category tag and the arguments of
// the call being memoized. Keyword arguments hash identically regardless of
// map iteration order. The category stays in clear text as the key prefix so
// category-wide invalidation can match on it.
func Key(category string, args []any, kwargs map[string]any) string {
	h := blake3.New()
	_, _ = h.Write([]byte(category))
	_, _ = h.Write([]byte{0})
	for _, a := range args {
		_, _ = h.Write(canonicalJSON(a))
		_, _ = h.Write([]byte{0})
	}
	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{'='})
		_, _ = h.Write(canonicalJSON(kwargs[k]))
		_, _ = h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return strings.TrimSpace(category) + ":" + hex.EncodeToString(sum[:16])
}

func canonicalJSON(v any) []byte {
	// encoding/json sorts map keys, which is what makes this stable.
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf("%#v", v))
	}
	return b
}
