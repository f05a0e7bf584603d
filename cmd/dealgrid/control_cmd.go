package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"pkt.systems/dealgrid"
	"pkt.systems/dealgrid/bus"
	"pkt.systems/dealgrid/bus/httpbus"
	"pkt.systems/dealgrid/internal/svcfields"
	"pkt.systems/pslog"
)

// newCLIBus returns a send-only bus that reaches the configured peers. It
// never serves, so Local-scope services of the nodes are out of reach.
func newCLIBus(logger pslog.Logger) (*httpbus.Bus, error) {
	peers := peersFromViper()
	if len(peers) == 0 {
		return nil, errors.New("no peers configured (use --peer or DEALGRID_PEER)")
	}
	return httpbus.New(httpbus.Config{
		NodeID:         "dealgrid-cli-" + xid.New().String(),
		Peers:          peers,
		RequestTimeout: requestTimeout(),
		Logger:         logger,
	})
}

func newResetCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset the locks and interlocks of every node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := svcfields.WithSubsystem(baseLogger, "cli.reset")
			b, err := newCLIBus(logger)
			if err != nil {
				return err
			}
			defer b.Close()
			if err := b.Publish(cmd.Context(), bus.ResetAll, bus.Message{}); err != nil {
				return fmt.Errorf("reset: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "reset published to %d peer(s)\n", len(b.Peers()))
			return err
		},
	}
}

func newShutdownCommand(baseLogger pslog.Logger) *cobra.Command {
	var unit string
	var all bool
	var reason string
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Stop one unit's node or the whole cluster",
		Example: `
  dealgrid shutdown --peer http://10.0.0.1:9451 --unit E002
  dealgrid shutdown --peer http://10.0.0.1:9451 --peer http://10.0.0.2:9451 --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			unit = strings.TrimSpace(unit)
			if (unit == "") == !all {
				return errors.New("exactly one of --unit or --all is required")
			}
			logger := svcfields.WithSubsystem(baseLogger, "cli.shutdown")
			b, err := newCLIBus(logger)
			if err != nil {
				return err
			}
			defer b.Close()
			if all {
				if err := b.Publish(cmd.Context(), bus.ShutdownAll, bus.Text(reason)); err != nil {
					return fmt.Errorf("shutdown: %w", err)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "shutdown published to %d peer(s)\n", len(b.Peers()))
				return err
			}
			reply, err := b.Request(cmd.Context(), bus.UnitShutdown(unit), bus.Text(reason))
			if err != nil {
				return fmt.Errorf("shutdown %s: %w", unit, err)
			}
			if reply.Text() != dealgrid.ReplyOK {
				return fmt.Errorf("shutdown %s: unexpected reply %q", unit, reply.Text())
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", unit, reply.Text())
			return err
		},
	}
	cmd.Flags().StringVar(&unit, "unit", "", "unit whose node should stop")
	cmd.Flags().BoolVar(&all, "all", false, "stop every node")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the nodes' halt log")
	return cmd
}

func newLogLevelCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "loglevel [LEVEL]",
		Short: "Set the log level of every node, or restore their configured level when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := ""
			if len(args) == 1 {
				level = strings.TrimSpace(args[0])
				if _, ok := pslog.ParseLevel(level); !ok {
					return fmt.Errorf("unknown log level %q", level)
				}
			}
			logger := svcfields.WithSubsystem(baseLogger, "cli.loglevel")
			b, err := newCLIBus(logger)
			if err != nil {
				return err
			}
			defer b.Close()
			if err := b.Publish(cmd.Context(), bus.LogLevel, bus.Text(level)); err != nil {
				return fmt.Errorf("loglevel: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "log level published to %d peer(s)\n", len(b.Peers()))
			return err
		},
	}
}

func newWhoisCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "whois [UNIT]",
		Short: "Ask which unit answers for UNIT, or for the leader when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := svcfields.WithSubsystem(baseLogger, "cli.whois")
			b, err := newCLIBus(logger)
			if err != nil {
				return err
			}
			defer b.Close()
			address := bus.LeaderHelo
			if len(args) == 1 {
				address = bus.UnitHelo(args[0])
			}
			id, err := whois(cmd.Context(), b, address)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
}

func whois(ctx context.Context, b bus.Bus, address string) (string, error) {
	reply, err := b.Request(ctx, address, bus.Message{})
	switch {
	case err == nil:
		return reply.Text(), nil
	case bus.IsNoHandlers(err):
		return "", fmt.Errorf("%s: nobody answers", address)
	default:
		return "", fmt.Errorf("%s: %w", address, err)
	}
}
