package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/notnet/client"
	"github.com/cyberinferno/notnet/config"
	"github.com/cyberinferno/notnet/logger"
)

func joinCmd() *cobra.Command {
	var (
		addr     string
		name     string
		envFiles []string
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a chat room",
		Long: `Join a chat room hosted on the LAN.

Type to chat. Commands: /who, /help, /logout. Start a line with // to
send a message that begins with a slash.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient(envFiles...)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Addr = addr
			}

			if flags.Changed("name") {
				cfg.Name = name
			}

			if err := config.Validate(&cfg); err != nil {
				return err
			}

			return runJoin(cfg)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:55555", "Host address")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Display name (empty for a guest name)")
	cmd.Flags().StringSliceVar(&envFiles, "env-file", nil, "Env files to load (default .env)")

	return cmd
}

func runJoin(cfg config.Client) error {
	logOpts, err := cfg.Log.Quiet().LoggerOptions("notnet-join")
	if err != nil {
		return err
	}
	logOpts.Out = os.Stderr

	log, err := logger.New(logOpts)
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	ccfg := client.DefaultConfig(cfg.Addr, cfg.Name)
	ccfg.ConnectionTimeout = cfg.ConnectTimeout
	ccfg.WriteTimeout = cfg.WriteTimeout

	view := newChatView(os.Stdout)
	c := client.New(ccfg, log)
	c.OnFrame(func(e client.FrameEvent) { view.Frame(e.Frame) })
	c.OnConnectionState(func(e client.ConnectionStateEvent) {
		if e.State == client.Disconnected && e.Error != nil {
			view.Disconnected(e.Error)
		}
	})

	if err := c.Connect(); err != nil {
		var hostErr *client.HostError
		if errors.As(err, &hostErr) {
			return fmt.Errorf("%s refused the connection: %s", cfg.Addr, describeCode(hostErr.Code))
		}

		return err
	}
	defer func() { _ = c.Close() }()

	view.Welcome(c.Name(), c.HostName())
	view.SetSelf(c.Name())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return c.Logout()
		case <-c.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return c.Logout()
			}

			if strings.EqualFold(strings.TrimSpace(line), "/logout") {
				return c.Logout()
			}

			if err := c.SendText(line); err != nil {
				view.Problem(err)
			}
		}
	}
}
