package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ptyhub/ptyhub/internal/client"
	"github.com/ptyhub/ptyhub/internal/session"
)

func parseKindFlag(cmd *cobra.Command) (session.TerminalKind, error) {
	raw, _ := cmd.Flags().GetString("kind")
	return session.ParseTerminalKind(raw)
}

func newStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <session-id>",
		Short: "Start a terminal process for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindFlag(cmd)
			if err != nil {
				return err
			}
			projectPath, _ := cmd.Flags().GetString("project")
			if projectPath == "" {
				projectPath, err = os.Getwd()
				if err != nil {
					return fmt.Errorf("resolve working directory: %w", err)
				}
			}
			cols, _ := cmd.Flags().GetUint16("cols")
			rows, _ := cmd.Flags().GetUint16("rows")

			c, err := client.New()
			if err != nil {
				return err
			}

			pid, err := c.StartSession(cmd.Context(), args[0], client.StartOptions{
				ProjectPath: projectPath,
				Kind:        kind,
				Cols:        cols,
				Rows:        rows,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Started %s/%s (pid %d)\n", args[0], kind, pid)
			return nil
		},
	}
	cmd.Flags().String("kind", "agent", "terminal kind (agent, shell, alt-agent)")
	cmd.Flags().String("project", "", "project working directory (defaults to the current directory)")
	cmd.Flags().Uint16("cols", 80, "initial terminal columns")
	cmd.Flags().Uint16("rows", 24, "initial terminal rows")
	return cmd
}

func newStopCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Stop a session's terminal process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindFlag(cmd)
			if err != nil {
				return err
			}
			force, _ := cmd.Flags().GetBool("force")

			c, err := client.New()
			if err != nil {
				return err
			}
			if err := c.StopSession(cmd.Context(), args[0], kind, force); err != nil {
				return err
			}
			fmt.Printf("Stopped %s/%s\n", args[0], kind)
			return nil
		},
	}
	cmd.Flags().String("kind", "agent", "terminal kind (agent, shell, alt-agent)")
	cmd.Flags().Bool("force", false, "kill immediately, skipping the grace window")
	return cmd
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's terminal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindFlag(cmd)
			if err != nil {
				return err
			}

			c, err := client.New()
			if err != nil {
				return err
			}
			status, err := c.SessionStatus(cmd.Context(), args[0], kind)
			if err != nil {
				return err
			}
			if status.Running {
				fmt.Printf("%s/%s: %s (pid %d)\n", args[0], kind, status.Status, status.PID)
			} else {
				fmt.Printf("%s/%s: %s\n", args[0], kind, status.Status)
			}
			return nil
		},
	}
	cmd.Flags().String("kind", "agent", "terminal kind (agent, shell, alt-agent)")
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live terminal sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			infos, err := c.ListSessions(ctx)
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("No live sessions")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tKIND\tPID\tSTATUS\tWORKDIR\tSTARTED")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					info.SessionID, info.Kind, info.PID, info.Status,
					info.WorkDir, info.StartedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}
