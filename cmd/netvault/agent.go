package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ingenieroredes/netvault/internal/agentchannel"
	"github.com/ingenieroredes/netvault/internal/client"
)

var agentOpts struct {
	token        string
	targetID     string
	hostname     string
	capabilities string
	factsFile    string
	interval     time.Duration
	debug        bool
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a reporting agent that submits facts from a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if agentOpts.token == "" || agentOpts.targetID == "" || agentOpts.factsFile == "" {
			return errors.New("--token, --target and --facts are required")
		}

		level := slog.LevelInfo
		if agentOpts.debug {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

		hostname := agentOpts.hostname
		if hostname == "" {
			hostname, _ = os.Hostname()
		}
		var caps []string
		for _, c := range strings.Split(agentOpts.capabilities, ",") {
			if c = strings.TrimSpace(c); c != "" {
				caps = append(caps, c)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("Starting agent", "server", serverURL, "target_id", agentOpts.targetID, "facts_file", agentOpts.factsFile)
		agent := client.NewAgent(client.NewClient(logger, serverURL), client.AgentOptions{
			Claim: agentchannel.Claim{
				Token:        agentOpts.token,
				TargetID:     agentOpts.targetID,
				Hostname:     hostname,
				Capabilities: caps,
			},
			SubmitInterval: agentOpts.interval,
			Facts:          client.FileFacts(agentOpts.factsFile),
		}, logger)
		return agent.Run(ctx)
	},
}

func init() {
	f := agentCmd.Flags()
	f.StringVar(&agentOpts.token, "token", os.Getenv("NETVAULT_AGENT_ENROLL_TOKEN"), "Enrollment token")
	f.StringVar(&agentOpts.targetID, "target", "", "Target id to bind to")
	f.StringVar(&agentOpts.hostname, "hostname", "", "Reported hostname (default: os hostname)")
	f.StringVar(&agentOpts.capabilities, "capabilities", "", "Comma-separated fact keys or patterns this agent reports")
	f.StringVar(&agentOpts.factsFile, "facts", "", "YAML or JSON file holding the facts to submit")
	f.DurationVar(&agentOpts.interval, "interval", 5*time.Minute, "Submission interval")
	f.BoolVar(&agentOpts.debug, "debug", false, "Enable debug logging")
}
