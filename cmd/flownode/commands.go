package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/flowctl/internal/checkpoint"
	"github.com/danmuck/flowctl/internal/config"
	"github.com/danmuck/flowctl/internal/flows"
	"github.com/danmuck/flowctl/internal/identity"
	logs "github.com/danmuck/flowctl/internal/logging"
	"github.com/danmuck/flowctl/internal/node"
	"github.com/danmuck/flowctl/internal/transport"
)

const (
	demoInitiator identity.Party = "O=Alice, L=London, C=GB"
	demoResponder identity.Party = "O=Bob, L=Paris, C=FR"
)

func execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flownode",
		Short:         "Run a flow node or exercise session close semantics locally",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logs.ConfigureRuntime()
		},
	}
	root.AddCommand(runCmd(), demoCmd())
	return root
}

func runCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a node from a TOML config and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadNodeFile(path); err != nil {
				return err
			}
			cfg, err := loadNodeConfig(path)
			if err != nil {
				return err
			}
			n, err := node.New(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logs.Infof("flownode.run party=%q config=%q", cfg.Party, path)
			return n.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "cmd/flownode/config.toml", "node config path")
	return cmd
}

func demoCmd() *cobra.Command {
	var (
		scenario string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a sample scenario between two in-memory nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := []string{scenario}
			if scenario == "all" {
				names = flows.ScenarioNames()
			}
			sort.Strings(names)
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runDemo(ctx, cmd, names)
		},
	}
	cmd.Flags().StringVarP(&scenario, "scenario", "s", "ping", "scenario: ping|premature|closed|loop|multi|all")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall demo timeout")
	return cmd
}

func runDemo(ctx context.Context, cmd *cobra.Command, names []string) error {
	net := transport.NewMemoryNetwork()
	initiator, err := demoNode(net, demoInitiator)
	if err != nil {
		return err
	}
	defer closeDemoNode(initiator)
	responder, err := demoNode(net, demoResponder)
	if err != nil {
		return err
	}
	defer closeDemoNode(responder)

	out := cmd.OutOrStdout()
	failed := 0
	for _, name := range names {
		sc, err := flows.LookupScenario(name)
		if err != nil {
			return err
		}
		started := time.Now()
		flowErr, verdict := flows.Run(ctx, initiator.Manager(), sc, demoResponder)
		status := "ok"
		if verdict != nil {
			status = "FAIL"
			failed++
		}
		fmt.Fprintf(out, "%-10s %-4s %8s err=%v\n", sc.Name, status, time.Since(started).Round(time.Millisecond), flowErr)
	}
	fmt.Fprintf(out, "sessions left: initiator=%d responder=%d, envelopes delivered=%d\n",
		initiator.Manager().Registry().Len(), responder.Manager().Registry().Len(), net.Delivered())
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(names))
	}
	return nil
}

func demoNode(net *transport.MemoryNetwork, party identity.Party) (*node.Node, error) {
	ep, err := net.Join(party)
	if err != nil {
		return nil, err
	}
	cfg := node.DefaultConfig()
	cfg.Party = party
	cfg.AdminAddr = ""
	n, err := node.New(cfg, node.WithTransport(ep), node.WithStore(checkpoint.NewMemoryStore()))
	if err != nil {
		_ = ep.Close()
		return nil, err
	}
	if err := n.Start(); err != nil {
		closeDemoNode(n)
		return nil, err
	}
	return n, nil
}

func closeDemoNode(n *node.Node) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Close(ctx); err != nil {
		logs.Warnf("flownode.demo close party=%q err=%v", n.Party(), err)
	}
}
