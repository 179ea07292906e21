package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"time"

	"lanlink/internal/config"
	connectionmanager "lanlink/internal/connection_manager"
	debugconsole "lanlink/internal/debug_console"
	"lanlink/internal/metrics"
	"lanlink/internal/node"
	peerstorage "lanlink/internal/storage/peer_storage"
	"lanlink/internal/util/logger/handlers/slogdiscard"
	"lanlink/internal/util/logger/sl"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newRunCommand(configPath *string) *cobra.Command {
	var noConsole bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node: discovery plus client or server role",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log := setupLogger(cfg.Env, os.Stderr)
			log.Info("starting application",
				slog.String("name", cfg.Name),
				slog.Int("discovery_port", cfg.Discovery.Port),
				slog.Int("server_port", cfg.Server.Port),
			)

			ctx, cancel := signalContext(log)
			defer cancel()

			console := debugconsole.New(os.Stdout, debugconsole.Config{Prefix: cfg.Name})
			opts := []node.Option{
				node.WithConsole(console),
				node.WithMetrics(metrics.New()),
			}

			if cfg.PeerBookPath != "" {
				book, err := peerstorage.NewPeerBook(peerstorage.Config{Path: cfg.PeerBookPath})
				if err != nil {
					log.Error("Peer book is not available", sl.Err(err))
				} else {
					defer book.Close()
					opts = append(opts, node.WithPeerBook(book))
				}
			}

			n := node.New(cfg, log, opts...)

			if !noConsole {
				commands := debugconsole.NewCommands(n, os.Stdout)
				interactive := term.IsTerminal(int(os.Stdin.Fd()))
				// чтение stdin не отменяется, горутина умирает вместе с процессом
				go func() {
					if err := commands.ReadLoop(ctx, os.Stdin, interactive); err != nil {
						log.Warn("Console input closed", sl.Err(err))
					}
				}()
			}

			return n.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "do not read commands from stdin")
	return cmd
}

func newPeersCommand(configPath *string) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List peers recorded in the peer book",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return err
				}
				path = cfg.PeerBookPath
			}
			if path == "" {
				return errors.New("peer book path is not configured")
			}

			book, err := peerstorage.NewPeerBook(peerstorage.Config{Path: path})
			if err != nil {
				return err
			}
			defer book.Close()

			entries, err := book.List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no peers recorded")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tseen=%d\tfirst=%s\tlast=%s\n",
					e.Record(), e.Seen,
					e.FirstSeen.Format(time.RFC3339), e.LastSeen.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "db", "", "peer book file (defaults to peer_book_path from config)")
	return cmd
}

func newPingCommand(configPath *string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "ping <host[:port]> [id]",
		Short: "Connect to a server, send one ping and wait for the pong",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port := uint16(9100)
			if cfg, err := config.Load(*configPath); err == nil {
				port = uint16(cfg.Server.Port)
			}

			addr, err := parseTarget(args[0], port)
			if err != nil {
				return err
			}
			id := uint32(1)
			if len(args) == 2 {
				v, err := strconv.ParseUint(args[1], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid ping id %q: %w", args[1], err)
				}
				id = uint32(v)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			rtt, err := pingOnce(ctx, addr, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pong %d from %s in %s\n", id, addr, rtt.Round(time.Microsecond))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for the pong")
	return cmd
}

func parseTarget(s string, defaultPort uint16) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return netip.AddrPortFrom(addr, defaultPort), nil
}

// pingOnce крутит драйвер в своём цикле тиков, пока не придёт pong с тем же id.
func pingOnce(ctx context.Context, addr netip.AddrPort, id uint32) (time.Duration, error) {
	driver := connectionmanager.NewDriver(slogdiscard.NewDiscardLogger(), connectionmanager.Config{})
	defer driver.Dispose()

	conn, err := driver.Connect(addr)
	if err != nil {
		return 0, err
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	var sentAt time.Time
	for {
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("no pong from %s: %w", addr, ctx.Err())
		case <-ticker.C:
		}

		driver.Update()
		for {
			typ, payload := driver.PopEventForConnection(conn)
			switch typ {
			case connectionmanager.EventEmpty:
			case connectionmanager.EventConnect:
				if err := driver.Send(conn, connectionmanager.EncodePing(id)); err != nil {
					return 0, err
				}
				sentAt = time.Now()
				continue
			case connectionmanager.EventData:
				if got, ok := connectionmanager.DecodePing(payload); ok && got == id {
					return time.Since(sentAt), nil
				}
				continue
			case connectionmanager.EventDisconnect:
				return 0, fmt.Errorf("connection to %s closed", addr)
			}
			break
		}
	}
}
