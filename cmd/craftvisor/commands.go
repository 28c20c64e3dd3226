package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loykin/craftvisor"
	"github.com/loykin/craftvisor/internal/provision"
	"github.com/loykin/craftvisor/pkg/client"
)

const defaultAPIUrl = "http://127.0.0.1:8080"

type command struct {
	out io.Writer
}

// client returns an API client for the daemon, failing fast when it is down.
func (c *command) client(ctx context.Context, f APIFlags) (*client.Client, error) {
	apiUrl := f.APIUrl
	if apiUrl == "" {
		apiUrl = defaultAPIUrl // Default local daemon
	}
	cfg := client.DefaultConfig()
	cfg.BaseURL = strings.TrimRight(apiUrl, "/")
	cfg.Token = f.Token
	cfg.Insecure = f.Insecure
	if f.APITimeout > 0 {
		cfg.Timeout = f.APITimeout
	}
	cl := client.New(cfg)
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'craftvisor serve'", apiUrl)
	}
	return cl, nil
}

func (c *command) Start(ctx context.Context, f APIFlags) error {
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	state, err := cl.Start(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "server %s\n", state)
	return nil
}

func (c *command) Stop(ctx context.Context, f APIFlags) error {
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	state, err := cl.Stop(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "server %s\n", state)
	return nil
}

// Status prints the session info once, or every interval in watch mode until
// ctx is cancelled.
func (c *command) Status(ctx context.Context, f StatusFlags) error {
	cl, err := c.client(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	if !f.Watch {
		st, err := cl.Status(ctx)
		if err != nil {
			return err
		}
		return c.printJSON(st)
	}
	interval := f.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		st, err := cl.Status(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "%s state=%s ready=%t pid=%d restarts=%d/%d\n",
			time.Now().Format(time.TimeOnly), st.State, st.Ready, st.PID, st.Restarts, st.MaxRestarts)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Command sends one console line. A command the server was not ready for is
// reported but is not an error.
func (c *command) Command(ctx context.Context, f CommandFlags, args []string) error {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return errors.New("command text is required")
	}
	cl, err := c.client(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	delivered, err := cl.Command(ctx, text)
	if err != nil {
		return err
	}
	if delivered {
		_, _ = fmt.Fprintln(c.out, "delivered")
	} else {
		_, _ = fmt.Fprintln(c.out, "not delivered: server is not online")
	}
	return nil
}

// Provision writes eula.txt and server.properties from the config without
// starting anything.
func (c *command) Provision(f ProvisionFlags) error {
	if f.ConfigPath == "" {
		return errors.New("config file required for provision command. Use --config=config.toml or provide as argument")
	}
	cfg, err := craftvisor.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	p := &provision.Provisioner{
		Spec:        cfg.Game.Spec(),
		BindAddress: cfg.Network.BindAddress,
		Port:        cfg.Network.Port,
		Properties:  cfg.Properties,
		AcceptEULA:  cfg.Game.AcceptEULA,
	}
	if err := p.WriteFiles(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "provisioned %s\n", cfg.Game.WorkDir)
	return nil
}

func (c *command) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(b))
	return err
}
