package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// GenerateKey derives a deterministic key from a namespace, ordered
// positional values and named values. Named values are sorted by name, so
// the order a caller builds the map in never changes the key.
func GenerateKey(namespace string, positional []interface{}, named map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})

	for _, v := range positional {
		h.Write(canonical(v))
		h.Write([]byte{0})
	}
	h.Write([]byte{1})

	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{'='})
		h.Write(canonical(named[name]))
		h.Write([]byte{0})
	}

	return namespace + ":" + hex.EncodeToString(h.Sum(nil))
}

// canonical encodes v as JSON. encoding/json sorts map keys, so nested maps
// are stable too. Values JSON cannot encode fall back to their %#v form.
func canonical(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf("%#v", v))
	}
	return b
}
