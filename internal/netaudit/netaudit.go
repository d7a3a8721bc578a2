// Package netaudit derives cross-device facts from the ARP tables of every
// network target: IPs answered by more than one MAC, MACs learned at more
// than one location, and hosts that appear in ARP but not in the
// inventory. The result is a plain fact map that audit rules evaluate like
// any other fact set.
package netaudit

import (
	"net"
	"sort"
	"strings"

	"github.com/ingenieroredes/netvault/internal/model"
)

// Fact keys produced by Analyze
const (
	KeyDevices           = "network.devices_reporting"
	KeyARPEntries        = "network.arp_entries"
	KeyDuplicateIPs      = "network.duplicate_ips"
	KeyDuplicateIPCount  = "network.duplicate_ip_count"
	KeyDuplicateMACs     = "network.duplicate_macs"
	KeyDuplicateMACCount = "network.duplicate_mac_count"
	KeyOrphanIPs         = "network.orphan_ips"
	KeyOrphanCount       = "network.orphan_count"
)

// arpEntry is one usable row of a device ARP table
type arpEntry struct {
	targetID   string
	ip         string
	mac        string
	iface      string
	ownAddress bool
}

// Analyze compares the ARP tables of the given fact sets with the inventory.
// Error records and fact sets without an ARP table are ignored. Entries for
// the device's own interfaces (static entries) count towards duplicate IPs
// but not towards duplicate MACs or orphans, since a router answers on many
// interfaces with one MAC and its interface addresses are rarely inventoried.
func Analyze(factSets []model.FactSet, inventory []model.Target) map[string]interface{} {
	var (
		entries []arpEntry
		devices int
	)
	for i := range factSets {
		fs := &factSets[i]
		if fs.IsError() {
			continue
		}
		table, ok := fs.Facts["arp.table"].([]interface{})
		if !ok {
			continue
		}
		devices++
		entries = append(entries, parseTable(fs.TargetID, table)...)
	}

	dupIPs := duplicateIPs(entries)
	dupMACs := duplicateMACs(entries)
	orphans := orphanIPs(entries, inventory)

	return map[string]interface{}{
		KeyDevices:           float64(devices),
		KeyARPEntries:        float64(len(entries)),
		KeyDuplicateIPs:      dupIPs,
		KeyDuplicateIPCount:  float64(len(dupIPs)),
		KeyDuplicateMACs:     dupMACs,
		KeyDuplicateMACCount: float64(len(dupMACs)),
		KeyOrphanIPs:         orphans,
		KeyOrphanCount:       float64(len(orphans)),
	}
}

// Reporting returns how many fact sets carry an ARP table
func Reporting(factSets []model.FactSet) int {
	n := 0
	for i := range factSets {
		if factSets[i].IsError() {
			continue
		}
		if _, ok := factSets[i].Facts["arp.table"].([]interface{}); ok {
			n++
		}
	}
	return n
}

func parseTable(targetID string, table []interface{}) []arpEntry {
	out := make([]arpEntry, 0, len(table))
	for _, row := range table {
		m, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		ip, _ := m["ip"].(string)
		mac, _ := m["mac"].(string)
		ip = strings.TrimSpace(ip)
		mac = strings.ToUpper(strings.TrimSpace(mac))
		if ip == "" || mac == "" || isIncomplete(mac) {
			continue
		}
		iface, _ := m["interface"].(string)
		kind, _ := m["type"].(string)
		out = append(out, arpEntry{
			targetID:   targetID,
			ip:         ip,
			mac:        mac,
			iface:      iface,
			ownAddress: kind == "static",
		})
	}
	return out
}

func isIncomplete(mac string) bool {
	return mac == "INCOMPLETE" || mac == "00:00:00:00:00:00" || mac == "FF:FF:FF:FF:FF:FF"
}

func duplicateIPs(entries []arpEntry) []interface{} {
	macs := make(map[string]map[string]bool)
	seenBy := make(map[string]map[string]bool)
	for _, e := range entries {
		if macs[e.ip] == nil {
			macs[e.ip] = make(map[string]bool)
			seenBy[e.ip] = make(map[string]bool)
		}
		macs[e.ip][e.mac] = true
		seenBy[e.ip][e.targetID] = true
	}

	out := []interface{}{}
	for _, ip := range sortedIPs(macs) {
		if len(macs[ip]) < 2 {
			continue
		}
		out = append(out, map[string]interface{}{
			"ip":      ip,
			"macs":    sortedList(macs[ip]),
			"seen_by": sortedList(seenBy[ip]),
		})
	}
	return out
}

func duplicateMACs(entries []arpEntry) []interface{} {
	locations := make(map[string]map[string]bool)
	for _, e := range entries {
		if e.ownAddress || e.iface == "" || e.iface == "N/A" {
			continue
		}
		if locations[e.mac] == nil {
			locations[e.mac] = make(map[string]bool)
		}
		locations[e.mac][e.targetID+":"+e.iface] = true
	}

	keys := make([]string, 0, len(locations))
	for mac := range locations {
		keys = append(keys, mac)
	}
	sort.Strings(keys)

	out := []interface{}{}
	for _, mac := range keys {
		if len(locations[mac]) < 2 {
			continue
		}
		out = append(out, map[string]interface{}{
			"mac":       mac,
			"locations": sortedList(locations[mac]),
		})
	}
	return out
}

func orphanIPs(entries []arpEntry, inventory []model.Target) []interface{} {
	known := make(map[string]bool, len(inventory))
	for _, t := range inventory {
		if t.Address == "" {
			continue
		}
		addr := t.Address
		if host, _, err := net.SplitHostPort(addr); err == nil {
			addr = host
		}
		known[addr] = true
	}

	orphans := make(map[string]bool)
	for _, e := range entries {
		if e.ownAddress || known[e.ip] {
			continue
		}
		orphans[e.ip] = true
	}

	out := []interface{}{}
	for _, ip := range sortedIPs(orphans) {
		out = append(out, ip)
	}
	return out
}

// sortedIPs orders keys numerically when they parse as IPs
func sortedIPs[V any](set map[string]V) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := net.ParseIP(keys[i]), net.ParseIP(keys[j])
		if a != nil && b != nil {
			if a16, b16 := a.To16(), b.To16(); string(a16) != string(b16) {
				return string(a16) < string(b16)
			}
		}
		return keys[i] < keys[j]
	})
	return keys
}

func sortedList(set map[string]bool) []interface{} {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]interface{}, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}
