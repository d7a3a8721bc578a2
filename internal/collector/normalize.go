package collector

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// alias maps a source-specific raw key onto a canonical key, with a scale
// applied to numeric values
type alias struct {
	key   string
	scale float64
}

var aliases = map[string]alias{
	"sysDescr":               {key: "system.description"},
	"sysName":                {key: "system.hostname"},
	"sysContact":             {key: "system.contact"},
	"sysLocation":            {key: "system.location"},
	"sysUpTime":              {key: "system.uptime_seconds", scale: 0.01},
	"ifNumber":               {key: "interfaces.declared"},
	"snmp_version":           {key: "security.snmp_version"},
	"snmp_default_community": {key: "security.snmp_default_community"},
	"hostname":               {key: "system.hostname"},
	"os_version":             {key: "system.os_version"},
	"model":                  {key: "system.model"},
	"uptime":                 {key: "system.uptime_seconds"},
	"StaleAccountCount":      {key: "stale_accounts"},
	"GuestAccountEnabled":    {key: "guest_enabled"},
	"DefaultAdminEnabled":    {key: "default_admin_present"},
	"DomainAdminsCount":      {key: "privileged_group_members"},
	"PwdNeverExpiresCount":   {key: "password_never_expires"},
}

// unit suffixes converted to base units
var units = []struct {
	suffix string
	target string
	factor float64
}{
	{"_kb", "_bytes", 1024},
	{"_mb", "_bytes", 1024 * 1024},
	{"_gb", "_bytes", 1024 * 1024 * 1024},
	{"_ms", "_seconds", 0.001},
	{"_ticks", "_seconds", 0.01},
}

// Normalize canonicalizes raw facts: alias lookup, lower snake case per
// dotted segment, unit conversion and float64 numbers. Structured values
// are deep-copied. Derived counters are added for interface and ARP lists.
//
// When several raw keys land on the same canonical key, a raw key already
// in canonical form wins; otherwise the first raw key in sorted order does.
func Normalize(raw map[string]interface{}) map[string]interface{} {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]interface{}, len(raw))
	exact := make(map[string]bool, len(raw))
	for _, k := range keys {
		key, value := canonical(k, normalizeValue(raw[k]))
		isExact := k == key
		if _, seen := out[key]; seen && (exact[key] || !isExact) {
			continue
		}
		out[key] = value
		exact[key] = isExact
	}
	derive(out)
	return out
}

func canonical(raw string, v interface{}) (string, interface{}) {
	if a, ok := aliases[raw]; ok {
		if a.scale != 0 {
			if f, isNum := v.(float64); isNum {
				v = f * a.scale
			}
		}
		return a.key, v
	}

	key := CanonicalKey(raw)
	f, isNum := v.(float64)
	if !isNum {
		return key, v
	}
	for _, u := range units {
		if strings.HasSuffix(key, u.suffix) {
			return strings.TrimSuffix(key, u.suffix) + u.target, f * u.factor
		}
	}
	return key, v
}

// CanonicalKey renders a raw key as lower snake case, preserving dotted namespaces
func CanonicalKey(raw string) string {
	segments := strings.Split(strings.TrimSpace(raw), ".")
	for i, s := range segments {
		segments[i] = snake(s)
	}
	return strings.Join(segments, ".")
}

func snake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r == '-' || r == ' ':
			b.WriteByte('_')
		case unicode.IsUpper(r):
			if i > 0 && runes[i-1] != '_' && runes[i-1] != '-' && runes[i-1] != ' ' {
				prevLower := unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizeValue converts numbers to float64 and copies structures
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int8:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint8:
		return float64(val)
	case uint16:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		if f, err := strconv.ParseFloat(string(val), 64); err == nil {
			return f
		}
		return string(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, e := range val {
			out[k] = normalizeValue(e)
		}
		return out
	case map[string]string:
		out := make(map[string]interface{}, len(val))
		for k, e := range val {
			out[k] = e
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = normalizeValue(e)
		}
		return out
	case []string:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = e
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = normalizeValue(e)
		}
		return out
	}
	return v
}

// derive adds interface and ARP counters when the lists are present
func derive(facts map[string]interface{}) {
	if list, ok := facts["interfaces"].([]interface{}); ok {
		var up, down float64
		for _, item := range list {
			iface, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if iface["status"] == "up" {
				up++
			} else {
				down++
			}
		}
		facts["interfaces.total"] = float64(len(list))
		facts["interfaces.up"] = up
		facts["interfaces.down"] = down
	}
	if list, ok := facts["arp.table"].([]interface{}); ok {
		facts["arp.entries"] = float64(len(list))
	}
}
