package connector

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/ingenieroredes/netvault/internal/model"
	"github.com/ingenieroredes/netvault/internal/secrets"
)

const (
	sophosAPIPath     = "/webconsole/APIController"
	sophosDefaultPort = 4444
	maxRESTBody       = 4 << 20
)

// Default endpoint map of the generic profile. Targets override or extend
// it with labels of the form "endpoint.<name>: <path>".
var defaultGenericEndpoints = map[string]string{
	"system":     "/api/v1/system",
	"interfaces": "/api/v1/interfaces",
	"arp":        "/api/v1/arp",
}

// REST collects facts from HTTP management APIs
type REST struct {
	client   *http.Client
	insecure *http.Client
	logger   *slog.Logger
}

// NewREST creates the REST variant
func NewREST(logger *slog.Logger) *REST {
	return &REST{
		client: &http.Client{},
		insecure: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
		},
		logger: logger,
	}
}

// Protocol implements Connector
func (r *REST) Protocol() model.Protocol {
	return model.ProtocolREST
}

// Collect implements Connector
func (r *REST) Collect(ctx context.Context, target model.Target, cred secrets.Credential) (Facts, error) {
	switch strings.ToLower(target.Profile) {
	case "", "generic":
		return r.collectGeneric(ctx, target, cred)
	case "sophos":
		return r.collectSophos(ctx, target, cred)
	}
	return nil, newError(ErrProtocolError, target.ID, "profile", fmt.Errorf("unsupported REST profile %q", target.Profile))
}

func (r *REST) httpClient(target model.Target) *http.Client {
	if target.Labels["tls_skip_verify"] == "true" {
		return r.insecure
	}
	return r.client
}

func baseURL(target model.Target, defaultPort int) string {
	scheme := target.Labels["scheme"]
	if scheme == "" {
		scheme = "https"
	}
	host := target.Address
	port := target.Port
	if port == 0 {
		port = defaultPort
	}
	if port != 0 {
		host = net.JoinHostPort(target.Address, strconv.Itoa(port))
	}
	return scheme + "://" + host
}

// genericEndpoints merges label overrides into the default endpoint map
func genericEndpoints(target model.Target) map[string]string {
	out := make(map[string]string, len(defaultGenericEndpoints))
	for k, v := range defaultGenericEndpoints {
		out[k] = v
	}
	for k, v := range target.Labels {
		if name, ok := strings.CutPrefix(k, "endpoint."); ok {
			if v == "" || v == "-" {
				delete(out, name)
				continue
			}
			out[name] = v
		}
	}
	return out
}

func (r *REST) collectGeneric(ctx context.Context, target model.Target, cred secrets.Credential) (Facts, error) {
	base := baseURL(target, 0)
	endpoints := genericEndpoints(target)

	names := make([]string, 0, len(endpoints))
	for name := range endpoints {
		names = append(names, name)
	}
	sort.Strings(names)

	facts := Facts{}
	for _, name := range names {
		path := endpoints[name]
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			return nil, newError(ErrProtocolError, target.ID, name, err)
		}
		req.Header.Set("Accept", "application/json")
		applyAuth(req, target, cred)

		body, err := r.do(ctx, target, name, req)
		if err != nil {
			return nil, err
		}

		var data interface{}
		if err := json.Unmarshal(body, &data); err != nil {
			return nil, newError(ErrProtocolError, target.ID, name, fmt.Errorf("decode JSON: %w", err))
		}
		foldGeneric(name, data, facts)
	}

	r.logger.Debug("REST collection finished", "target_id", target.ID, "profile", "generic", "endpoints", len(names))
	return facts, nil
}

// applyAuth sets API key, bearer or basic credentials, in that order of preference
func applyAuth(req *http.Request, target model.Target, cred secrets.Credential) {
	switch {
	case cred.APIKey != "":
		header := target.Labels["api_key_header"]
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, cred.APIKey)
	case cred.Token != "":
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	case cred.Username != "":
		req.SetBasicAuth(cred.Username, cred.Password)
	}
}

func (r *REST) do(ctx context.Context, target model.Target, op string, req *http.Request) ([]byte, error) {
	resp, err := r.httpClient(target).Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(ErrTimeout, target.ID, op, err)
		}
		return nil, classifyNetError(target.ID, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRESTBody))
	if err != nil {
		return nil, classifyCollectError(ctx, target.ID, op, err)
	}

	if err := classifyStatus(target.ID, op, resp.StatusCode); err != nil {
		return nil, err
	}
	return body, nil
}

func classifyStatus(targetID, op string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return newError(ErrAuthFailure, targetID, op, fmt.Errorf("HTTP %d", code))
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable ||
		code == http.StatusBadGateway || code == http.StatusGatewayTimeout:
		return newError(ErrUnreachable, targetID, op, fmt.Errorf("HTTP %d", code))
	}
	return newError(ErrProtocolError, targetID, op, fmt.Errorf("HTTP %d", code))
}

// foldGeneric maps one endpoint's JSON document into facts
func foldGeneric(name string, data interface{}, facts Facts) {
	switch name {
	case "system":
		obj, ok := data.(map[string]interface{})
		if !ok {
			facts["system"] = data
			return
		}
		for k, v := range obj {
			switch k {
			case "model", "device_model":
				facts["system.model"] = v
			case "os_version", "firmware", "firmware_version":
				facts["system.os_version"] = v
			case "hostname", "name":
				facts["system.hostname"] = v
			case "uptime":
				if _, isNum := v.(float64); isNum {
					facts["system.uptime_seconds"] = v
				} else {
					facts["system.uptime"] = v
				}
			default:
				facts["system."+k] = v
			}
		}
	case "interfaces":
		list, _ := data.([]interface{})
		out := make([]interface{}, 0, len(list))
		for _, item := range list {
			obj, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			name := obj["name"]
			if name == nil {
				name = fmt.Sprint(obj["index"])
			}
			iface := map[string]interface{}{
				"name":   name,
				"status": genericStatus(obj["status"]),
			}
			copyIfPresent(obj, iface, "ip_address", "ip")
			copyIfPresent(obj, iface, "mac_address", "mac")
			copyIfPresent(obj, iface, "rx_bytes", "rx_bytes")
			copyIfPresent(obj, iface, "tx_bytes", "tx_bytes")
			out = append(out, iface)
		}
		facts["interfaces"] = out
	case "arp":
		list, _ := data.([]interface{})
		out := make([]interface{}, 0, len(list))
		for _, item := range list {
			obj, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			entry := map[string]interface{}{"type": "dynamic", "interface": "N/A"}
			copyIfPresent(obj, entry, "ip", "ip")
			copyIfPresent(obj, entry, "interface", "interface")
			copyIfPresent(obj, entry, "type", "type")
			if mac, ok := obj["mac"].(string); ok {
				entry["mac"] = normalizeMAC(mac)
			}
			out = append(out, entry)
		}
		facts["arp.table"] = out
	default:
		facts[name] = data
	}
}

func genericStatus(v interface{}) string {
	switch s := v.(type) {
	case string:
		if s == "up" || s == "online" || s == "1" {
			return "up"
		}
	case float64:
		if s == 1 {
			return "up"
		}
	case bool:
		if s {
			return "up"
		}
	}
	return "down"
}

func copyIfPresent(from, to map[string]interface{}, src, dst string) {
	if v, ok := from[src]; ok && v != nil {
		to[dst] = v
	}
}

// Sophos XG/XGS XML API

type sophosResponse struct {
	XMLName xml.Name `xml:"Response"`
	Login   struct {
		Status string `xml:"status"`
	} `xml:"Login"`
	Status       *sophosStatus     `xml:"Status"`
	SystemStatus *sophosSystem     `xml:"SystemStatus"`
	Interfaces   []sophosInterface `xml:"Interface"`
	ARP          []sophosARPEntry  `xml:"ARPTable>Entry"`
	AdminSetting *sophosAdmin      `xml:"AdminSettings"`
}

type sophosStatus struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

type sophosSystem struct {
	Model           string `xml:"Model"`
	FirmwareVersion string `xml:"FirmwareVersion"`
	Uptime          string `xml:"Uptime"`
	SerialNumber    string `xml:"SerialNumber"`
	HostName        string `xml:"HostName"`
}

type sophosInterface struct {
	Name       string `xml:"Name"`
	Status     string `xml:"Status"`
	IPAddress  string `xml:"IPAddress"`
	MACAddress string `xml:"MACAddress"`
	RxBytes    int64  `xml:"RxBytes"`
	TxBytes    int64  `xml:"TxBytes"`
}

type sophosARPEntry struct {
	IPAddress  string `xml:"IPAddress"`
	MACAddress string `xml:"MACAddress"`
	Interface  string `xml:"Interface"`
}

type sophosAdmin struct {
	TelnetEnabled string `xml:"AdministrationServices>Telnet"`
	SSHEnabled    string `xml:"AdministrationServices>SSH"`
}

func sophosRequestXML(cred secrets.Credential, entities ...string) (string, error) {
	var b bytes.Buffer
	b.WriteString("<Request><Login><Username>")
	if err := xml.EscapeText(&b, []byte(cred.Username)); err != nil {
		return "", err
	}
	b.WriteString("</Username><Password>")
	if err := xml.EscapeText(&b, []byte(cred.Password)); err != nil {
		return "", err
	}
	b.WriteString("</Password></Login><Get>")
	for _, e := range entities {
		b.WriteString("<" + e + "></" + e + ">")
	}
	b.WriteString("</Get></Request>")
	return b.String(), nil
}

func (r *REST) collectSophos(ctx context.Context, target model.Target, cred secrets.Credential) (Facts, error) {
	reqXML, err := sophosRequestXML(cred, "SystemStatus", "Interface", "ARPTable", "AdminSettings")
	if err != nil {
		return nil, newError(ErrProtocolError, target.ID, "build request", err)
	}

	form := url.Values{"reqxml": {reqXML}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(target, sophosDefaultPort)+sophosAPIPath,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, newError(ErrProtocolError, target.ID, "sophos", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := r.do(ctx, target, "sophos", req)
	if err != nil {
		return nil, err
	}

	facts, err := parseSophosResponse(body)
	if err != nil {
		return nil, newError(ErrProtocolError, target.ID, "sophos", err)
	}
	if facts == nil {
		return nil, newError(ErrAuthFailure, target.ID, "sophos login", fmt.Errorf("appliance rejected credentials"))
	}

	r.logger.Debug("REST collection finished", "target_id", target.ID, "profile", "sophos", "facts", len(facts))
	return facts, nil
}

// parseSophosResponse decodes an APIController response. A nil map with a
// nil error means the login was rejected.
func parseSophosResponse(body []byte) (Facts, error) {
	var resp sophosResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode XML: %w", err)
	}
	if strings.Contains(strings.ToLower(resp.Login.Status), "failure") {
		return nil, nil
	}
	if resp.Status != nil && resp.Status.Code != "" && resp.Status.Code != "200" {
		return nil, fmt.Errorf("API status %s: %s", resp.Status.Code, strings.TrimSpace(resp.Status.Message))
	}

	facts := Facts{"system.vendor": "sophos"}
	if s := resp.SystemStatus; s != nil {
		setIfNotEmpty(facts, "system.model", s.Model)
		setIfNotEmpty(facts, "system.os_version", s.FirmwareVersion)
		setIfNotEmpty(facts, "system.serial", s.SerialNumber)
		setIfNotEmpty(facts, "system.hostname", s.HostName)
		if secs, err := strconv.ParseInt(strings.TrimSpace(s.Uptime), 10, 64); err == nil {
			facts["system.uptime_seconds"] = secs
		} else {
			setIfNotEmpty(facts, "system.uptime", s.Uptime)
		}
	}

	ifaces := make([]interface{}, 0, len(resp.Interfaces))
	for _, i := range resp.Interfaces {
		status := "down"
		if i.Status == "1" || strings.EqualFold(i.Status, "up") {
			status = "up"
		}
		iface := map[string]interface{}{
			"name":     i.Name,
			"status":   status,
			"rx_bytes": i.RxBytes,
			"tx_bytes": i.TxBytes,
		}
		if i.IPAddress != "" {
			iface["ip"] = i.IPAddress
		}
		if i.MACAddress != "" {
			iface["mac"] = normalizeMAC(i.MACAddress)
		}
		ifaces = append(ifaces, iface)
	}
	facts["interfaces"] = ifaces

	arp := make([]interface{}, 0, len(resp.ARP))
	for _, e := range resp.ARP {
		arp = append(arp, map[string]interface{}{
			"ip":        e.IPAddress,
			"mac":       normalizeMAC(e.MACAddress),
			"interface": e.Interface,
			"type":      "dynamic",
		})
	}
	facts["arp.table"] = arp

	if a := resp.AdminSetting; a != nil {
		facts["security.telnet_enabled"] = strings.EqualFold(a.TelnetEnabled, "enable")
	}
	return facts, nil
}

func setIfNotEmpty(facts Facts, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		facts[key] = v
	}
}
