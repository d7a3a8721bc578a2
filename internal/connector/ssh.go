package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ingenieroredes/netvault/internal/model"
	"github.com/ingenieroredes/netvault/internal/secrets"
)

// sshCommand is one CLI command and the parser that folds its output into facts
type sshCommand struct {
	cmd   string
	parse func(out string, facts Facts)
}

// sshProfile is the command set for one vendor CLI
type sshProfile struct {
	name     string
	commands []sshCommand
}

var sshProfiles = map[string]sshProfile{
	"cisco": {
		name: "cisco",
		commands: []sshCommand{
			{cmd: "show version", parse: mergeInto(parseCiscoVersion)},
			{cmd: "show ip interface brief", parse: listInto("interfaces", parseCiscoInterfaces)},
			{cmd: "show ip arp", parse: listInto("arp.table", parseCiscoARP)},
			{cmd: "show running-config", parse: mergeInto(parseCiscoRunningConfig)},
		},
	},
	"mikrotik": {
		name: "mikrotik",
		commands: []sshCommand{
			{cmd: "/system resource print", parse: mergeInto(parseMikrotikResource)},
			{cmd: "/system identity print", parse: mergeInto(parseMikrotikIdentity)},
			{cmd: "/interface print", parse: listInto("interfaces", parseMikrotikInterfaces)},
			{cmd: "/ip arp print", parse: listInto("arp.table", parseMikrotikARP)},
			{cmd: "/ip service print", parse: mergeInto(parseMikrotikServices)},
		},
	},
}

func mergeInto(fn func(string) Facts) func(string, Facts) {
	return func(out string, facts Facts) {
		for k, v := range fn(out) {
			facts[k] = v
		}
	}
}

func listInto(key string, fn func(string) []interface{}) func(string, Facts) {
	return func(out string, facts Facts) {
		list := fn(out)
		if list == nil {
			list = []interface{}{}
		}
		facts[key] = list
	}
}

// commandRunner executes one command on an established session
type commandRunner interface {
	Run(ctx context.Context, cmd string) (string, error)
}

// SSH collects facts by running vendor CLI commands over SSH
type SSH struct {
	knownHostsFile string
	logger         *slog.Logger
}

// NewSSH creates the SSH variant. An empty knownHostsFile disables host key
// verification, which is logged at every connection.
func NewSSH(knownHostsFile string, logger *slog.Logger) *SSH {
	return &SSH{knownHostsFile: knownHostsFile, logger: logger}
}

// Protocol implements Connector
func (s *SSH) Protocol() model.Protocol {
	return model.ProtocolSSH
}

// Collect implements Connector
func (s *SSH) Collect(ctx context.Context, target model.Target, cred secrets.Credential) (Facts, error) {
	config, err := s.clientConfig(ctx, target, cred)
	if err != nil {
		return nil, newError(ErrProtocolError, target.ID, "configure", err)
	}

	client, err := s.dial(ctx, target, config)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	// Unblock in-flight sessions when the call deadline passes
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	runner := &sshRunner{client: client, targetID: target.ID}
	return s.collectWith(ctx, target, runner)
}

func (s *SSH) collectWith(ctx context.Context, target model.Target, runner commandRunner) (Facts, error) {
	profileName := strings.ToLower(target.Profile)
	if profileName == "" || profileName == "auto" {
		detected, err := detectSSHProfile(ctx, runner)
		if err != nil {
			return nil, classifyCollectError(ctx, target.ID, "detect profile", err)
		}
		profileName = detected
	}

	profile, ok := sshProfiles[profileName]
	if !ok {
		return nil, newError(ErrProtocolError, target.ID, "profile", fmt.Errorf("unsupported SSH profile %q", target.Profile))
	}

	facts := Facts{}
	for _, c := range profile.commands {
		out, err := runner.Run(ctx, c.cmd)
		if err != nil {
			return nil, classifyCollectError(ctx, target.ID, c.cmd, err)
		}
		c.parse(out, facts)
	}

	s.logger.Debug("SSH collection finished", "target_id", target.ID, "profile", profile.name, "facts", len(facts))
	return facts, nil
}

// detectSSHProfile probes a command that identifies the CLI flavour
func detectSSHProfile(ctx context.Context, runner commandRunner) (string, error) {
	out, err := runner.Run(ctx, "/system resource print")
	if err == nil && (strings.Contains(out, "RouterOS") || strings.Contains(out, "MikroTik") || strings.Contains(out, "board-name")) {
		return "mikrotik", nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	out, err = runner.Run(ctx, "show version")
	if err != nil {
		return "", err
	}
	if strings.Contains(out, "Cisco") {
		return "cisco", nil
	}
	return "", errors.New("unrecognized device CLI")
}

func (s *SSH) clientConfig(ctx context.Context, target model.Target, cred secrets.Credential) (*ssh.ClientConfig, error) {
	var auths []ssh.AuthMethod
	if cred.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cred.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if cred.Password != "" {
		password := cred.Password
		auths = append(auths,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(auths) == 0 {
		return nil, errors.New("credential has neither password nor private key")
	}

	hostKeyCallback, err := s.hostKeyCallback(target)
	if err != nil {
		return nil, err
	}

	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	return &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

func (s *SSH) hostKeyCallback(target model.Target) (ssh.HostKeyCallback, error) {
	if s.knownHostsFile == "" {
		s.logger.Warn("SSH host key verification disabled", "target_id", target.ID)
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(s.knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

func (s *SSH) dial(ctx context.Context, target model.Target, config *ssh.ClientConfig) (*ssh.Client, error) {
	port := target.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(target.Address, strconv.Itoa(port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyNetError(target.ID, "dial", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, classifySSHHandshake(ctx, target.ID, err)
	}
	// The handshake deadline must not cap command execution; ctx closes the client instead
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func classifySSHHandshake(ctx context.Context, targetID string, err error) *Error {
	if ctx.Err() != nil {
		return newError(ErrTimeout, targetID, "handshake", err)
	}
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) || strings.Contains(err.Error(), "unable to authenticate") {
		return newError(ErrAuthFailure, targetID, "handshake", err)
	}
	return classifyNetError(targetID, "handshake", err)
}

// classifyCollectError maps failures after the handshake; a cancelled
// context wins over whatever the closed connection reported
func classifyCollectError(ctx context.Context, targetID, op string, err error) *Error {
	if ctx.Err() != nil {
		return newError(ErrTimeout, targetID, op, err)
	}
	return classifyNetError(targetID, op, err)
}

type sshRunner struct {
	client   *ssh.Client
	targetID string
}

// Run opens one session per command, as exec channels are single-use
func (r *sshRunner) Run(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	session, err := r.client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()

	out, err := session.CombinedOutput(cmd)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return "", newError(ErrProtocolError, r.targetID, cmd, err)
		}
		return "", err
	}
	return string(out), nil
}

// parseMikrotikIdentity parses "/system identity print"
func parseMikrotikIdentity(out string) Facts {
	facts := Facts{}
	scanLines(out, func(line string) {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if ok && strings.TrimSpace(key) == "name" {
			facts["system.hostname"] = strings.TrimSpace(value)
		}
	})
	return facts
}

// parseMikrotikServices parses "/ip service print"; the X flag means disabled
func parseMikrotikServices(out string) Facts {
	facts := Facts{"security.telnet_enabled": false}
	scanLines(out, func(line string) {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return
		}
		if _, err := strconv.Atoi(fields[0]); err != nil {
			return
		}
		disabled := false
		name := fields[1]
		if strings.Contains(fields[1], "X") && len(fields) >= 4 {
			disabled = true
			name = fields[2]
		}
		if name == "telnet" && !disabled {
			facts["security.telnet_enabled"] = true
		}
	})
	return facts
}
