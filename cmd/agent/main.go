// Command agent runs the single-process Agent Runtime (spec §4.9):
// heartbeat, long-poll, lease execution, and telemetry upload against a
// dispatcher over the protocol in internal/httpapi.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/synqx/pipeline-core/internal/agent"
	"github.com/synqx/pipeline-core/internal/cache"
	"github.com/synqx/pipeline-core/internal/config"
	"github.com/synqx/pipeline-core/internal/executor"
	"github.com/synqx/pipeline-core/internal/logging"
	"github.com/synqx/pipeline-core/internal/model"
	"github.com/synqx/pipeline-core/internal/runner"
	"github.com/synqx/pipeline-core/internal/state"
	"github.com/synqx/pipeline-core/internal/watermark"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		logging.NewAgentLogger("unknown").Fatal().Err(err).Msg("load agent config")
	}
	log := logging.NewAgentLogger(cfg.ClientID)

	client := agent.NewClient(cfg.APIURL, cfg.ClientID, cfg.APIKey, 20*time.Second)

	sandbox, err := agent.NewSandbox(cfg.SandboxDir)
	if err != nil {
		log.Fatal().Err(err).Msg("init sandbox")
	}

	c, err := cache.New(512, os.TempDir())
	if err != nil {
		log.Fatal().Err(err).Msg("init cache")
	}

	// Connector factories are out of this core's scope (spec §1
	// Non-goals); the registry starts empty and is populated by whatever
	// deployment wires in real source/destination connectors.
	connectors := executor.NewConnectorRegistry()
	connectorBuilder := func(node *model.Node, connections map[string]any) (executor.Connector, error) {
		merged := map[string]any{"connection": connections}
		for k, v := range node.Config {
			merged[k] = v
		}
		return connectors.Build(node.OperatorClass, merged)
	}

	forensics := executor.NewForensicWriter(os.TempDir())
	ex := executor.New(executor.NewTransformRegistry(), watermark.NewMemoryStore(), forensics, executor.NewScriptEngine())

	a := &agent.Agent{
		Client:            client,
		Tags:              cfg.TagList(),
		Ephemeral:         agent.NewEphemeralRegistry(),
		Sandbox:           sandbox,
		Throttle:          agent.NewTelemetryThrottle(2 * time.Second),
		ConnectorBuilder:  connectorBuilder,
		Log:               log,
		HeartbeatInterval: 30 * time.Second,
		IdleSleep:         2 * time.Second,
		MaxBackoff:        30 * time.Second,
	}

	sm := state.New(state.NewMemoryStore(), &agent.Publisher{Agent: a})
	a.Runner = runner.New(c, sm, ex, nil, cfg.MaxWorkers)
	a.Runner.EvaluatorFailOpen = cfg.EvaluatorFailOpen

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("api_url", cfg.APIURL).Msg("agent starting")
	runErr := a.Run(ctx)

	offlineCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Heartbeat(offlineCtx, agent.SystemInfo{Status: "offline"}); err != nil {
		log.Warn().Err(err).Msg("final offline heartbeat failed")
	}

	if runErr != nil {
		log.Fatal().Err(runErr).Msg("agent exited with error")
	}
}
