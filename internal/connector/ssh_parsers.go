package connector

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
)

// Parsers for vendor CLI output. They are pure and return raw facts using
// canonical names where the output maps directly onto one.

var (
	ciscoVersionRe   = regexp.MustCompile(`Version ([^,\s]+)`)
	ciscoModelRe     = regexp.MustCompile(`(?i)cisco (\S+) \(([^)]+)\) processor`)
	ciscoUptimeRe    = regexp.MustCompile(`(\S+) uptime is ([^\n]+)`)
	ciscoMemoryRe    = regexp.MustCompile(`with (\d+)K(?:/\d+K)? bytes of memory`)
	ciscoIfBriefRe   = regexp.MustCompile(`^(\S+)\s+(\S+)\s+(YES|NO)\s+(\S+)\s+(up|down|administratively down)\s+(up|down)`)
	ciscoArpRe       = regexp.MustCompile(`(?i)^\s*Internet\s+(\S+)\s+(\S+)\s+(\S+)\s+ARPA\s+(\S+)`)
	ciscoUptimePart  = regexp.MustCompile(`(\d+)\s+(year|week|day|hour|minute|second)s?`)
	ciscoSSHVersion  = regexp.MustCompile(`^ip ssh version (\d)`)
	mikrotikIfRe     = regexp.MustCompile(`^\s*\d+\s+([RXSD]*)\s+(\S+)\s+(\S+)\s+(\d+)`)
	mikrotikArpRe    = regexp.MustCompile(`^\s*\d+\s+([DIHCP]*)\s+([\d.]+)\s+([0-9A-Fa-f:]+)\s+(\S+)`)
	mikrotikDuration = regexp.MustCompile(`(\d+)([wdhms])`)
)

// parseCiscoVersion parses "show version"
func parseCiscoVersion(out string) Facts {
	facts := Facts{"system.vendor": "cisco"}
	if m := ciscoVersionRe.FindStringSubmatch(out); m != nil {
		facts["system.os_version"] = m[1]
	}
	if m := ciscoModelRe.FindStringSubmatch(out); m != nil {
		facts["system.model"] = m[1]
		facts["system.cpu"] = m[2]
	}
	if m := ciscoUptimeRe.FindStringSubmatch(out); m != nil {
		facts["system.hostname"] = m[1]
		if secs, ok := parseCiscoUptime(m[2]); ok {
			facts["system.uptime_seconds"] = secs
		}
	}
	if m := ciscoMemoryRe.FindStringSubmatch(out); m != nil {
		kb, _ := strconv.ParseInt(m[1], 10, 64)
		facts["system.memory_total_kb"] = kb
	}
	return facts
}

// parseCiscoUptime converts "2 weeks, 3 days, 4 hours, 5 minutes" to seconds
func parseCiscoUptime(s string) (int64, bool) {
	units := map[string]int64{
		"year":   365 * 86400,
		"week":   7 * 86400,
		"day":    86400,
		"hour":   3600,
		"minute": 60,
		"second": 1,
	}
	var total int64
	matches := ciscoUptimePart.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return 0, false
	}
	for _, m := range matches {
		n, _ := strconv.ParseInt(m[1], 10, 64)
		total += n * units[m[2]]
	}
	return total, true
}

// parseCiscoInterfaces parses "show ip interface brief"
func parseCiscoInterfaces(out string) []interface{} {
	var ifaces []interface{}
	scanLines(out, func(line string) {
		m := ciscoIfBriefRe.FindStringSubmatch(line)
		if m == nil {
			return
		}
		status := "down"
		if m[5] == "up" && m[6] == "up" {
			status = "up"
		}
		iface := map[string]interface{}{"name": m[1], "status": status}
		if m[2] != "unassigned" {
			iface["ip"] = m[2]
		}
		if m[5] == "administratively down" {
			iface["admin_down"] = true
		}
		ifaces = append(ifaces, iface)
	})
	return ifaces
}

// parseCiscoARP parses "show ip arp"
func parseCiscoARP(out string) []interface{} {
	var entries []interface{}
	scanLines(out, func(line string) {
		m := ciscoArpRe.FindStringSubmatch(line)
		if m == nil {
			return
		}
		kind := "dynamic"
		if m[2] == "-" {
			kind = "static"
		}
		entries = append(entries, map[string]interface{}{
			"ip":        m[1],
			"mac":       normalizeMAC(m[3]),
			"interface": m[4],
			"type":      kind,
		})
	})
	return entries
}

// parseCiscoRunningConfig extracts security-relevant settings from "show running-config"
func parseCiscoRunningConfig(out string) Facts {
	facts := Facts{
		"security.password_encryption": false,
		"security.telnet_enabled":      false,
	}
	inVty := false
	scanLines(out, func(line string) {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(line, " ") {
			inVty = strings.HasPrefix(trimmed, "line vty")
		}
		switch {
		case trimmed == "service password-encryption":
			facts["security.password_encryption"] = true
		case ciscoSSHVersion.MatchString(trimmed):
			v, _ := strconv.Atoi(ciscoSSHVersion.FindStringSubmatch(trimmed)[1])
			facts["security.ssh_version"] = v
		case inVty && strings.HasPrefix(trimmed, "transport input"):
			modes := strings.Fields(strings.TrimPrefix(trimmed, "transport input"))
			for _, mode := range modes {
				if mode == "telnet" || mode == "all" {
					facts["security.telnet_enabled"] = true
				}
			}
		case strings.HasPrefix(trimmed, "snmp-server community "):
			fields := strings.Fields(trimmed)
			if len(fields) >= 3 && defaultCommunities[strings.ToLower(fields[2])] {
				facts["security.snmp_default_community"] = true
			}
		}
	})
	if _, ok := facts["security.snmp_default_community"]; !ok {
		facts["security.snmp_default_community"] = false
	}
	return facts
}

// parseMikrotikResource parses "/system resource print"
func parseMikrotikResource(out string) Facts {
	kv := map[string]string{}
	scanLines(out, func(line string) {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			return
		}
		kv[strings.TrimSpace(key)] = strings.TrimSpace(value)
	})

	facts := Facts{"system.vendor": "mikrotik"}
	if v, ok := kv["board-name"]; ok {
		facts["system.model"] = v
	}
	if f := strings.Fields(kv["version"]); len(f) > 0 {
		facts["system.os_version"] = f[0]
	}
	if v, ok := kv["uptime"]; ok {
		if secs, ok := parseMikrotikDuration(v); ok {
			facts["system.uptime_seconds"] = secs
		}
	}
	if v, ok := kv["cpu"]; ok {
		facts["system.cpu"] = v
	}
	if v, ok := kv["total-memory"]; ok {
		if mb, ok := parseMiB(v); ok {
			facts["system.memory_total_mb"] = mb
		}
	}
	if v, ok := kv["free-memory"]; ok {
		if mb, ok := parseMiB(v); ok {
			facts["system.memory_free_mb"] = mb
		}
	}
	return facts
}

// parseMikrotikDuration converts RouterOS durations such as "5d21h34m56s"
func parseMikrotikDuration(s string) (int64, bool) {
	units := map[string]int64{"w": 7 * 86400, "d": 86400, "h": 3600, "m": 60, "s": 1}
	matches := mikrotikDuration.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return 0, false
	}
	var total int64
	for _, m := range matches {
		n, _ := strconv.ParseInt(m[1], 10, 64)
		total += n * units[m[2]]
	}
	return total, true
}

func parseMiB(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "GiB"):
		mult = 1024
		s = strings.TrimSuffix(s, "GiB")
	case strings.HasSuffix(s, "MiB"):
		s = strings.TrimSuffix(s, "MiB")
	case strings.HasSuffix(s, "KiB"):
		mult = 1.0 / 1024
		s = strings.TrimSuffix(s, "KiB")
	default:
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v * mult, true
}

// parseMikrotikInterfaces parses "/interface print"; the R flag means running
func parseMikrotikInterfaces(out string) []interface{} {
	var ifaces []interface{}
	scanLines(out, func(line string) {
		m := mikrotikIfRe.FindStringSubmatch(line)
		if m == nil {
			return
		}
		status := "down"
		if strings.Contains(m[1], "R") {
			status = "up"
		}
		ifaces = append(ifaces, map[string]interface{}{
			"name":   m[2],
			"type":   m[3],
			"status": status,
		})
	})
	return ifaces
}

// parseMikrotikARP parses "/ip arp print"; the D flag means dynamic
func parseMikrotikARP(out string) []interface{} {
	var entries []interface{}
	scanLines(out, func(line string) {
		m := mikrotikArpRe.FindStringSubmatch(line)
		if m == nil {
			return
		}
		kind := "static"
		if strings.Contains(m[1], "D") {
			kind = "dynamic"
		}
		entries = append(entries, map[string]interface{}{
			"ip":        m[2],
			"mac":       normalizeMAC(m[3]),
			"interface": m[4],
			"type":      kind,
		})
	})
	return entries
}

// normalizeMAC renders 0011.2233.4455, 00-11-22-33-44-55 and 00:11:... as 00:11:22:33:44:55
func normalizeMAC(mac string) string {
	hex := strings.NewReplacer(".", "", ":", "", "-", "").Replace(mac)
	if len(hex) != 12 {
		return strings.ToUpper(mac)
	}
	var b strings.Builder
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(hex[i : i+2])
	}
	return strings.ToUpper(b.String())
}

func scanLines(out string, fn func(line string)) {
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fn(strings.TrimRight(sc.Text(), "\r"))
	}
}
