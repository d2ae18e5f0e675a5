// Command desk-agent keeps a local view of the instructions visible to one
// user in sync with a desk server and prints every change.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/uhyunpark/instruction-desk/params"
	"github.com/uhyunpark/instruction-desk/pkg/auth"
	"github.com/uhyunpark/instruction-desk/pkg/syncagent"
	"github.com/uhyunpark/instruction-desk/pkg/util"
)

func main() {
	cfg, err := params.Load("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var client *syncagent.Client
	if cfg.Agent.Token != "" {
		client = syncagent.NewClient(cfg.Agent.ServerURL, cfg.Agent.Token)
		err = client.Resolve(ctx)
	} else {
		client, err = syncagent.Login(ctx, cfg.Agent.ServerURL, cfg.Agent.Username, cfg.Agent.Password)
	}
	if err != nil {
		sugar.Fatalw("agent_auth_failed", "server", cfg.Agent.ServerURL, "err", err)
	}
	sugar.Infow("agent_authenticated", "user", client.Identity.Username, "role", client.Identity.Role)

	var agent *syncagent.Agent
	agent = syncagent.New(client, syncagent.Config{
		ReconnectDelay: cfg.Agent.ReconnectDelay,
		PingInterval:   cfg.Agent.PingInterval,
	}, syncagent.WithLogger(sugar), syncagent.OnChange(func(ch syncagent.Change) {
		printChange(agent.View(), ch)
	}))

	if err := agent.Run(ctx); err != nil {
		if errors.Is(err, auth.ErrAuth) {
			sugar.Fatalw("agent_credential_rejected", "err", err)
		}
		sugar.Fatalw("agent_stopped", "err", err)
	}
}

func printChange(view *syncagent.View, ch syncagent.Change) {
	if ch.Refetched {
		fmt.Printf("refetched: %d instructions\n", view.Len())
		return
	}
	in := ch.Instruction
	fmt.Printf("%-24s #%d %s %s %s %s v%d\n", ch.Type, in.ID, in.Side, in.Qty, in.AssetCode, in.Status, in.Version)
}
