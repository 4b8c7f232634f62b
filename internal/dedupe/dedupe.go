// Package dedupe drops records that were already seen, keyed by a 64-bit fingerprint
// of their content.
package dedupe

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"blobstream/pkg/blobstream"
)

// Filter remembers the fingerprint of every record passed to Seen. Memory grows by
// one map entry per distinct record.
type Filter struct {
	seen map[uint64]struct{}
}

func New() *Filter {
	return &Filter{seen: make(map[uint64]struct{})}
}

// Seen reports whether an identical record was passed before, and remembers rec.
func (f *Filter) Seen(rec blobstream.Record) bool {
	sum := Fingerprint(rec)
	if _, ok := f.seen[sum]; ok {
		return true
	}
	f.seen[sum] = struct{}{}
	return false
}

func (f *Filter) Len() int {
	return len(f.seen)
}

// Fingerprint hashes rec independent of map order. Values of different types never
// collide on their text alone: 1 (int) and "1" (string) hash differently.
func Fingerprint(rec blobstream.Record) uint64 {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := xxhash.New()
	var buf []byte
	for _, k := range keys {
		buf = buf[:0]
		buf = strconv.AppendInt(buf, int64(len(k)), 10)
		buf = append(buf, ':')
		buf = append(buf, k...)
		buf = appendValue(buf, rec[k])
		_, _ = d.Write(buf)
	}
	return d.Sum64()
}

func appendValue(buf []byte, v any) []byte {
	switch x := v.(type) {
	case string:
		buf = append(buf, 's')
		buf = strconv.AppendInt(buf, int64(len(x)), 10)
		buf = append(buf, ':')
		return append(buf, x...)
	case int64:
		buf = append(buf, 'i')
		return strconv.AppendInt(buf, x, 10)
	case float64:
		buf = append(buf, 'f')
		if math.IsNaN(x) {
			return append(buf, "NaN"...)
		}
		return strconv.AppendFloat(buf, x, 'g', -1, 64)
	case bool:
		buf = append(buf, 'b')
		return strconv.AppendBool(buf, x)
	case time.Time:
		buf = append(buf, 't')
		return x.UTC().AppendFormat(buf, time.RFC3339Nano)
	case nil:
		return append(buf, 'n')
	}
	buf = append(buf, '?')
	return fmt.Append(buf, v)
}
