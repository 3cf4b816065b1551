// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/modelkeeper/internal/config"
	"github.com/AleutianAI/modelkeeper/internal/failure"
	"github.com/AleutianAI/modelkeeper/internal/lifecycle"
	"github.com/AleutianAI/modelkeeper/internal/server"
)

// Exit codes beyond the generic 1.
const (
	exitInvalid   = 2
	exitCancelled = 130
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
	logJSON    bool
	jsonOutput bool
	assumeYes  bool

	rootCmd = &cobra.Command{
		Use:           "modelkeeper",
		Short:         "Acquire, verify and serve on-device model artifacts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the lifecycle state of the configured model",
		RunE:  runStatus,
	}

	verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Re-validate every artifact file against the manifest",
		RunE:  runVerify,
	}

	acquireCmd = &cobra.Command{
		Use:   "acquire",
		Short: "Download the model, resuming any interrupted session",
		Long: `Downloads every missing file listed in the manifest. Interrupting
with Ctrl-C keeps the partial data; running acquire again resumes it.`,
		RunE: runAcquire,
	}

	deleteCmd = &cobra.Command{
		Use:   "delete",
		Short: "Delete the downloaded artifacts and the download session",
		RunE:  runDelete,
	}

	networkCmd = &cobra.Command{
		Use:   "network",
		Short: "Probe the network once and print the result",
		RunE:  runNetwork,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the local API with network monitoring and auto-resume",
		RunE:  runServe,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.modelkeeper/modelkeeper.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")

	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	verifyCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	networkCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	deleteCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")

	rootCmd.AddCommand(statusCmd, verifyCmd, acquireCmd, deleteCmd, networkCmd, serveCmd)
}

// setup loads the config and builds the logger used by every command.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, &exitError{code: exitInvalid, err: err}
	}
	if logLevel != "" {
		cfg.Log.Level = strings.ToLower(logLevel)
	}
	if logJSON {
		cfg.Log.JSON = true
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Log)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(w io.Writer, lc config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.JSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// withApp builds the app under ctx, runs fn and closes the app. The command
// tree is package-level, so a per-run signal context is passed here and
// never stored on cmd.
func withApp(ctx context.Context, cmd *cobra.Command, fn func(a *app) error) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("Shutdown was not clean", "error", cerr)
		}
	}()
	return fn(a)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), cmd, func(a *app) error {
		info, err := a.mgr.Info(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), server.StatusResponse{Info: info, Available: a.mgr.Available()})
		}
		printInfo(cmd.OutOrStdout(), info, a.mgr.Available())
		return nil
	})
}

func runVerify(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), cmd, func(a *app) error {
		checks, err := a.mgr.Verify(cmd.Context())
		if err != nil {
			return err
		}
		bad := 0
		if jsonOutput {
			for _, c := range checks {
				if c.Required && !c.Valid {
					bad++
				}
			}
			if err := writeJSON(cmd.OutOrStdout(), checks); err != nil {
				return err
			}
		} else {
			bad = printChecks(cmd.OutOrStdout(), checks)
		}
		if bad > 0 {
			return &exitError{code: exitInvalid, err: fmt.Errorf("%d required file(s) failed verification", bad)}
		}
		return nil
	})
}

func runAcquire(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, cmd, func(a *app) error {
		status := a.monitor.Refresh(ctx)
		a.logger.Debug("Network probed", "connected", status.IsConnected, "kind", status.Kind.String())

		out := cmd.ErrOrStderr()
		events, unsubscribe := a.mgr.Subscribe()
		renderer := newProgressRenderer(out, isTerminal(out))
		printed := make(chan struct{})
		defer func() {
			unsubscribe()
			<-printed
		}()
		go func() {
			defer close(printed)
			for ev := range events {
				if ev.Kind == lifecycle.EventError && ev.Notice != nil {
					renderer.Finish()
					printNotice(out, ev.Notice)
				}
			}
		}()

		err := a.mgr.Acquire(ctx, renderer.Update)
		renderer.Finish()
		switch {
		case err == nil:
			fmt.Fprintln(cmd.OutOrStdout(), styleSuccess.Render("✓ model "+a.manifest.ModelVersion+" acquired"))
			return nil
		case failure.IsCancelled(err):
			fmt.Fprintln(out, styleWarning.Render("Cancelled. Downloaded data was kept; run acquire again to resume."))
			return &exitError{code: exitCancelled, err: err}
		default:
			return err
		}
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), cmd, func(a *app) error {
		if !assumeYes {
			if !confirm(cmd.InOrStdin(), cmd.ErrOrStderr(),
				fmt.Sprintf("Delete model %s from %s?", a.manifest.ModelVersion, a.ctrl.Dir())) {
				return errors.New("aborted")
			}
		}
		if err := a.mgr.Delete(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "deleted "+a.manifest.ModelVersion)
		return nil
	})
}

// confirm asks a yes/no question; anything but y/yes is a no.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N] ", question)
	var answer string
	if _, err := fmt.Fscanln(in, &answer); err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func runNetwork(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), cmd, func(a *app) error {
		status := a.monitor.Refresh(cmd.Context())
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), status)
		}
		w := cmd.OutOrStdout()
		connected := styleError.Render("disconnected")
		if status.IsConnected {
			connected = styleSuccess.Render("connected")
		}
		fmt.Fprintf(w, "%s via %s, signal %.0f%%", connected, status.Kind, status.SignalQuality*100)
		if status.IsMetered {
			fmt.Fprint(w, styleWarning.Render(" (metered)"))
		}
		fmt.Fprintln(w)
		return nil
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, cmd, func(a *app) error {
		if err := a.monitor.Start(ctx); err != nil {
			return err
		}
		defer a.monitor.Stop()

		sup := lifecycle.NewSupervisor(a.ctrl, a.monitor, a.cfg.HealthInterval, a.logger)
		if err := sup.Start(ctx); err != nil {
			return err
		}
		defer sup.Stop()

		srv := server.New(server.Options{
			Manager:     a.mgr,
			Network:     a.monitor,
			Breaker:     a.mgr,
			ServiceName: a.cfg.Telemetry.ServiceName,
			Logger:      a.logger,
		})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Run(gctx, a.cfg.Server.ListenAddr)
		})
		g.Go(func() error {
			// An interrupted session from a previous run counts as an
			// automatic resumption.
			if err := sup.AutoResume(gctx); err != nil && !failure.IsCancelled(err) {
				a.logger.Warn("Startup resume did not complete", "error", err)
			}
			return nil
		})
		g.Go(func() error {
			events, unsubscribe := a.mgr.Subscribe()
			defer unsubscribe()
			for {
				select {
				case <-gctx.Done():
					return nil
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					if ev.Kind == lifecycle.EventError && ev.Notice != nil {
						a.logger.Warn("Model notice",
							"kind", ev.Notice.Tag,
							"detail", ev.Notice.Detail,
							"retriable", ev.Notice.Retriable,
							"requires_user_action", ev.Notice.RequiresUserAction)
					}
				}
			}
		})
		return g.Wait()
	})
}
