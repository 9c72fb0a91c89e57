package ruleset

import (
	"sort"
	"strings"

	"github.com/prometheus/common/model"
)

// NormalizeLabels returns a new label map with keys lowercased and
// trimmed, empty keys and values removed, and values trimmed. It does
// not mutate the input map.
func NormalizeLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return map[string]string{}
	}
	result := make(map[string]string, len(in))
	for rawKey, rawVal := range in {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if key == "" {
			continue
		}
		val := strings.TrimSpace(rawVal)
		if val == "" {
			continue
		}
		result[key] = val
	}
	return result
}

// Fingerprint returns a stable identity for a label set, so that
// {a=1,b=2} and {b=2,a=1} key the same alert instance.
func Fingerprint(labels map[string]string) model.Fingerprint {
	ls := make(model.LabelSet, len(labels))
	for k, v := range labels {
		ls[model.LabelName(k)] = model.LabelValue(v)
	}
	return ls.Fingerprint()
}

// CanonicalLabelKey renders labels as sorted key=value pairs joined by
// '|', for logs and API payloads where a readable form beats a hash.
func CanonicalLabelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.Grow(len(keys) * 8)
	for i := 0; i < len(keys); i++ {
		if i > 0 {
			b.WriteByte('|')
		}
		k := keys[i]
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}
