package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/helmsman-dev/helmsman/internal/config"
	"github.com/helmsman-dev/helmsman/internal/invoke"
	"github.com/helmsman-dev/helmsman/internal/session"
)

func newRunCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var (
		agentID   string
		sessionID string
		workdir   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an agent session and exchange prompts interactively",
		Long: "Starts one agent subprocess, streams its output to stdout, and " +
			"sends each stdin line as a follow-up prompt. EOF ends the session.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if agentID == "" {
				agentID = cfg.DefaultAgent
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			if workdir == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("resolve working directory: %w", err)
				}
				workdir = cwd
			}

			resolver, err := invoke.NewResolver(cfg)
			if err != nil {
				return err
			}
			manager, err := session.NewManager(
				resolver,
				logger,
				session.WithEventBuffer(cfg.EventBufferSize),
			)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			events, err := manager.Start(ctx, sessionID, agentID, workdir)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			done := make(chan struct{})
			go func() {
				defer close(done)
				for ev := range events {
					printEvent(out, ev)
				}
			}()

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				text := strings.TrimSpace(scanner.Text())
				if text == "" {
					continue
				}
				if _, err := manager.Send(ctx, sessionID, text); err != nil {
					if errors.Is(err, session.ErrSessionNotFound) {
						break
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
				}
			}

			_ = manager.End(ctx, sessionID)
			<-done
			return scanner.Err()
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "agent to launch (defaults to configured default_agent)")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "session identifier (defaults to a generated UUID)")
	cmd.Flags().StringVar(&workdir, "workdir", "", "working directory for the agent session")
	return cmd
}

func printEvent(out io.Writer, ev session.Event) {
	switch ev.Type {
	case session.EventStart:
		fmt.Fprintf(out, "-- session %s starting\n", ev.SessionID)
	case session.EventText:
		fmt.Fprintln(out, ev.Text)
	case session.EventTurnEnd:
		fmt.Fprintf(out, "-- %s\n", ev.Text)
	case session.EventError:
		fmt.Fprintf(out, "-- error: %s\n", ev.Text)
	case session.EventClosed:
		fmt.Fprintf(out, "-- %s\n", ev.Text)
	}
}

func newAgentsCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List configured agent definitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resolver, err := invoke.NewResolver(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range resolver.Agents() {
				definition := cfg.Agents[name]
				command := definition.Command
				if len(definition.Args) > 0 {
					command += " " + strings.Join(definition.Args, " ")
				}
				fmt.Fprintf(out, "%s\t%s\t%s\n", name, definition.Protocol, command)
			}
			return nil
		},
	}
}
