package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/livechat/internal/config"
	"github.com/haasonsaas/livechat/internal/session"
	"github.com/haasonsaas/livechat/pkg/models"
)

func runConsole(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Client.Role != models.RoleStaff {
		return fmt.Errorf("console requires client.role staff, got %s", cfg.Client.Role)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	out := newPrinter(cmd.OutOrStdout())
	console, err := session.NewConsole(rt.sessionConfig(out.event))
	if err != nil {
		return err
	}
	defer console.Close()
	if err := console.Start(ctx); err != nil {
		return err
	}
	out.conversations(console.Conversations())

	return readLines(ctx, cmd.InOrStdin(), out, func(line string) (bool, error) {
		name, arg := splitCommand(line)
		switch name {
		case "":
			msg, err := console.Send(ctx, line)
			if err != nil {
				return false, err
			}
			out.sent(msg)
		case "quit", "exit":
			return true, nil
		case "list":
			out.conversations(console.Conversations())
		case "refresh":
			if err := console.Refresh(ctx); err != nil {
				return false, err
			}
			out.conversations(console.Conversations())
		case "select":
			msgs, err := console.Select(ctx, arg)
			out.history(arg, msgs)
			if err != nil {
				return false, err
			}
		case "resend":
			msg, err := console.Resend(ctx, console.Active(), arg)
			if err != nil {
				return false, err
			}
			out.sent(msg)
		default:
			return false, fmt.Errorf("unknown command /%s", name)
		}
		return false, nil
	})
}

func runWidget(cmd *cobra.Command, configPath string, login bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if !cfg.Client.Role.IsCustomerSide() {
		return fmt.Errorf("widget requires client.role customer or guest, got %s", cfg.Client.Role)
	}
	if cfg.Client.Role == models.RoleGuest {
		cfg.Server.Credential = ""
	}
	in := cmd.InOrStdin()
	if login {
		credential, err := promptCredential(cmd.ErrOrStderr(), in)
		if err != nil {
			return err
		}
		cfg.Server.Credential = credential
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	out := newPrinter(cmd.OutOrStdout())
	widget, err := session.NewWidget(rt.sessionConfig(out.event))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := widget.Close(closeCtx); err != nil {
			rt.logger.Warn("widget close failed", "error", err)
		}
	}()
	if err := widget.Start(ctx); err != nil {
		return err
	}
	out.history(widget.ConversationID(), widget.Messages())

	return readLines(ctx, in, out, func(line string) (bool, error) {
		name, arg := splitCommand(line)
		switch name {
		case "":
			msg, err := widget.Send(ctx, line)
			if err != nil {
				return false, err
			}
			out.sent(msg)
		case "quit", "exit":
			return true, nil
		case "login":
			credential, err := promptCredential(cmd.ErrOrStderr(), in)
			if err != nil {
				return false, err
			}
			if err := widget.Authenticate(ctx, credential); err != nil {
				return false, err
			}
			out.linef("signed in as %s", widget.Identity().DisplayName)
		case "resend":
			msg, err := widget.Resend(ctx, arg)
			if err != nil {
				return false, err
			}
			out.sent(msg)
		default:
			return false, fmt.Errorf("unknown command /%s", name)
		}
		return false, nil
	})
}

func runCacheInspect(cmd *cobra.Command, configPath, key string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	rt, err := newRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	out := cmd.OutOrStdout()
	if key != "" {
		raw, err := rt.cache.Raw(cmd.Context(), key)
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		_, err = fmt.Fprintln(out, string(raw))
		return err
	}

	entries, err := rt.cache.Entries(cmd.Context())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "cache is empty")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tBYTES")
	for _, entry := range entries {
		fmt.Fprintf(w, "%s\t%d\n", entry.Key, entry.Size)
	}
	return w.Flush()
}

func runCachePurge(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	rt, err := newRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	n, err := rt.cache.Purge(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d cache entries\n", n)
	return nil
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	if _, err := loadConfig(configPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", configPath)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

// splitCommand parses "/name arg" lines. Plain text returns an empty name.
func splitCommand(line string) (name, arg string) {
	if !strings.HasPrefix(line, "/") {
		return "", ""
	}
	name, arg, _ = strings.Cut(strings.TrimPrefix(line, "/"), " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

// readLines feeds non-empty stdin lines to handle until it asks to stop,
// stdin ends or ctx is canceled. Handler errors are printed, not returned.
func readLines(ctx context.Context, in io.Reader, out *printer, handle func(string) (bool, error)) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			done, err := handle(line)
			if err != nil {
				out.errorf(err)
			}
			if done {
				return nil
			}
		}
	}
}
