// Package extract pulls per-group translations out of a recovered model
// object without depending on schema key names: some models translate or
// rename the keys themselves, so the group id is resolved by value.
package extract

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Report carries the tolerated anomalies of one extraction so the caller
// can log them.
type Report struct {
	Duplicates []int // group ids that appeared more than once (first won)
	Skipped    int   // translation entries with no resolvable id or line
}

// Translations extracts {group id: translated line} from the model object.
// Per entry: the id is the value of "group_id" when that is an integer in
// expectedIDs, otherwise the first integer-valued field (sorted key order)
// whose value is in expectedIDs; the line is the "line" field when it is a
// string, otherwise the first string-valued field. Entries missing either
// contribute nothing. Duplicate ids keep the first occurrence; ids outside
// the expected set never resolve and are therefore ignored.
func Translations(obj map[string]any, expectedIDs []int) (map[int]string, Report) {
	expected := make(map[int]bool, len(expectedIDs))
	for _, id := range expectedIDs {
		expected[id] = true
	}

	out := make(map[int]string)
	var rep Report

	list, ok := obj["translations"].([]any)
	if !ok {
		return out, rep
	}

	for _, el := range list {
		item, ok := el.(map[string]any)
		if !ok {
			continue
		}

		gid, gidOK := resolveID(item, expected)
		line, lineOK := resolveLine(item)

		if !gidOK || !lineOK {
			rep.Skipped++
			continue
		}

		if _, dup := out[gid]; dup {
			rep.Duplicates = append(rep.Duplicates, gid)
			continue
		}
		out[gid] = line
	}

	return out, rep
}

// Validate requires every expected focus id to be present in got.
func Validate(expectedIDs []int, got map[int]string) error {
	var missing []int
	for _, id := range expectedIDs {
		if _, ok := got[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Ints(missing)
		return fmt.Errorf("missing focus group ids %v", missing)
	}
	return nil
}

func resolveID(item map[string]any, expected map[int]bool) (int, bool) {
	if v, ok := item["group_id"]; ok {
		if id, ok := intValue(v); ok && expected[id] {
			return id, true
		}
	}
	for _, k := range sortedKeys(item) {
		if id, ok := intValue(item[k]); ok && expected[id] {
			return id, true
		}
	}
	return 0, false
}

func resolveLine(item map[string]any) (string, bool) {
	if v, ok := item["line"].(string); ok {
		return v, true
	}
	for _, k := range sortedKeys(item) {
		if v, ok := item[k].(string); ok {
			return v, true
		}
	}
	return "", false
}

// intValue accepts json.Number and float64 encodings of integers.
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
