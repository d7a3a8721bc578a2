package connector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/ingenieroredes/netvault/internal/model"
	"github.com/ingenieroredes/netvault/internal/secrets"
)

// MIB-II system group and interface table columns
const (
	oidSysDescr     = ".1.3.6.1.2.1.1.1.0"
	oidSysUpTime    = ".1.3.6.1.2.1.1.3.0"
	oidSysContact   = ".1.3.6.1.2.1.1.4.0"
	oidSysName      = ".1.3.6.1.2.1.1.5.0"
	oidSysLocation  = ".1.3.6.1.2.1.1.6.0"
	oidIfNumber     = ".1.3.6.1.2.1.2.1.0"
	oidIfDescr      = ".1.3.6.1.2.1.2.2.1.2"
	oidIfOperStatus = ".1.3.6.1.2.1.2.2.1.8"
)

var systemOIDs = []string{oidSysDescr, oidSysUpTime, oidSysContact, oidSysName, oidSysLocation, oidIfNumber}

var defaultCommunities = map[string]bool{"public": true, "private": true}

// SNMP collects MIB-II system and interface facts over SNMP v1, v2c or v3
type SNMP struct {
	logger *slog.Logger
}

// NewSNMP creates the SNMP variant
func NewSNMP(logger *slog.Logger) *SNMP {
	return &SNMP{logger: logger}
}

// Protocol implements Connector
func (s *SNMP) Protocol() model.Protocol {
	return model.ProtocolSNMP
}

// Collect implements Connector
func (s *SNMP) Collect(ctx context.Context, target model.Target, cred secrets.Credential) (Facts, error) {
	client, err := newSNMPClient(ctx, target, cred)
	if err != nil {
		return nil, newError(ErrProtocolError, target.ID, "configure", err)
	}

	if err := client.Connect(); err != nil {
		return nil, newError(ErrUnreachable, target.ID, "connect", err)
	}
	defer client.Conn.Close()

	packet, err := client.Get(systemOIDs)
	if err != nil {
		return nil, classifySNMPError(ctx, target.ID, "get", err)
	}
	if packet.Error != gosnmp.NoError {
		return nil, newError(ErrProtocolError, target.ID, "get", fmt.Errorf("agent returned %s", packet.Error))
	}

	facts := decodeSystem(packet.Variables)

	descrs, err := s.walk(client, oidIfDescr)
	if err != nil {
		return nil, classifySNMPError(ctx, target.ID, "walk ifDescr", err)
	}
	statuses, err := s.walk(client, oidIfOperStatus)
	if err != nil {
		return nil, classifySNMPError(ctx, target.ID, "walk ifOperStatus", err)
	}
	facts["interfaces"] = decodeInterfaces(descrs, statuses)

	facts["snmp_version"] = snmpVersionName(client.Version)
	if client.Version != gosnmp.Version3 {
		facts["snmp_default_community"] = defaultCommunities[strings.ToLower(client.Community)]
	}

	s.logger.Debug("SNMP collection finished", "target_id", target.ID, "facts", len(facts))
	return facts, nil
}

func (s *SNMP) walk(client *gosnmp.GoSNMP, root string) ([]gosnmp.SnmpPDU, error) {
	if client.Version == gosnmp.Version1 {
		return client.WalkAll(root)
	}
	return client.BulkWalkAll(root)
}

func newSNMPClient(ctx context.Context, target model.Target, cred secrets.Credential) (*gosnmp.GoSNMP, error) {
	port := target.Port
	if port == 0 {
		port = 161
	}

	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	client := &gosnmp.GoSNMP{
		Target:             target.Address,
		Port:               uint16(port),
		Transport:          "udp",
		Timeout:            timeout,
		Retries:            0,
		ExponentialTimeout: false,
		MaxOids:            gosnmp.MaxOids,
		MaxRepetitions:     25,
		Context:            ctx,
	}

	switch strings.ToLower(cred.SNMPVersion) {
	case "1", "v1":
		client.Version = gosnmp.Version1
		client.Community = communityOrDefault(cred.Community)
	case "", "2c", "v2c":
		client.Version = gosnmp.Version2c
		client.Community = communityOrDefault(cred.Community)
	case "3", "v3":
		client.Version = gosnmp.Version3
		client.SecurityModel = gosnmp.UserSecurityModel
		usm := &gosnmp.UsmSecurityParameters{
			UserName:                 cred.Username,
			AuthenticationProtocol:   snmpAuthProtocol(cred.AuthProtocol),
			AuthenticationPassphrase: cred.AuthKey,
			PrivacyProtocol:          snmpPrivProtocol(cred.PrivProtocol),
			PrivacyPassphrase:        cred.PrivKey,
		}
		switch {
		case usm.AuthenticationProtocol == gosnmp.NoAuth:
			client.MsgFlags = gosnmp.NoAuthNoPriv
		case usm.PrivacyProtocol == gosnmp.NoPriv:
			client.MsgFlags = gosnmp.AuthNoPriv
		default:
			client.MsgFlags = gosnmp.AuthPriv
		}
		client.SecurityParameters = usm
	default:
		return nil, fmt.Errorf("unsupported SNMP version %q", cred.SNMPVersion)
	}

	return client, nil
}

func communityOrDefault(c string) string {
	if c == "" {
		return "public"
	}
	return c
}

func snmpAuthProtocol(p string) gosnmp.SnmpV3AuthProtocol {
	switch strings.ToLower(p) {
	case "md5":
		return gosnmp.MD5
	case "sha", "sha1":
		return gosnmp.SHA
	case "sha224":
		return gosnmp.SHA224
	case "sha256":
		return gosnmp.SHA256
	case "sha512":
		return gosnmp.SHA512
	}
	return gosnmp.NoAuth
}

func snmpPrivProtocol(p string) gosnmp.SnmpV3PrivProtocol {
	switch strings.ToLower(p) {
	case "des":
		return gosnmp.DES
	case "aes", "aes128":
		return gosnmp.AES
	case "aes192":
		return gosnmp.AES192
	case "aes256":
		return gosnmp.AES256
	}
	return gosnmp.NoPriv
}

func snmpVersionName(v gosnmp.SnmpVersion) string {
	switch v {
	case gosnmp.Version1:
		return "v1"
	case gosnmp.Version3:
		return "v3"
	}
	return "v2c"
}

// classifySNMPError maps gosnmp failures, which are untyped, onto connector kinds
func classifySNMPError(ctx context.Context, targetID, op string, err error) *Error {
	if ctx.Err() != nil {
		return newError(ErrTimeout, targetID, op, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return newError(ErrTimeout, targetID, op, err)
	case strings.Contains(msg, "wrong digest"),
		strings.Contains(msg, "unknown user"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "decryption"):
		return newError(ErrAuthFailure, targetID, op, err)
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "network is unreachable"):
		return newError(ErrUnreachable, targetID, op, err)
	}
	return classifyNetError(targetID, op, err)
}

// decodeSystem turns system-group varbinds into raw facts keyed by MIB name
func decodeSystem(vars []gosnmp.SnmpPDU) Facts {
	facts := Facts{}
	for _, v := range vars {
		if v.Type == gosnmp.NoSuchObject || v.Type == gosnmp.NoSuchInstance || v.Type == gosnmp.Null {
			continue
		}
		switch v.Name {
		case oidSysDescr:
			facts["sysDescr"] = pduString(v)
		case oidSysUpTime:
			facts["sysUpTime"] = gosnmp.ToBigInt(v.Value).Int64()
		case oidSysContact:
			facts["sysContact"] = pduString(v)
		case oidSysName:
			facts["sysName"] = pduString(v)
		case oidSysLocation:
			facts["sysLocation"] = pduString(v)
		case oidIfNumber:
			facts["ifNumber"] = gosnmp.ToBigInt(v.Value).Int64()
		}
	}
	return facts
}

// decodeInterfaces joins ifDescr and ifOperStatus rows by interface index
func decodeInterfaces(descrs, statuses []gosnmp.SnmpPDU) []interface{} {
	status := make(map[string]string, len(statuses))
	for _, v := range statuses {
		idx := v.Name[strings.LastIndex(v.Name, ".")+1:]
		if gosnmp.ToBigInt(v.Value).Int64() == 1 {
			status[idx] = "up"
		} else {
			status[idx] = "down"
		}
	}

	out := make([]interface{}, 0, len(descrs))
	for _, v := range descrs {
		idx := v.Name[strings.LastIndex(v.Name, ".")+1:]
		st, ok := status[idx]
		if !ok {
			st = "unknown"
		}
		out = append(out, map[string]interface{}{
			"index":  idx,
			"name":   pduString(v),
			"status": st,
		})
	}
	return out
}

func pduString(v gosnmp.SnmpPDU) string {
	switch val := v.Value.(type) {
	case []byte:
		return strings.TrimSpace(string(val))
	case string:
		return strings.TrimSpace(val)
	}
	return fmt.Sprintf("%v", v.Value)
}
