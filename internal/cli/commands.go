package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"ragchat/internal/service"
	"ragchat/internal/tui"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [file.txt ...]",
		Short: "Start an interactive chat",
		Long: `Start the interactive terminal chat. Files given as arguments are
ingested first and replace the current index.

Controls:
  Enter    - Send question
  Esc      - Cancel the pending answer
  Ctrl+R   - Reset the conversation
  Ctrl+C   - Quit

Logs are written to ragchat.log in the system temp directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logFile, err := os.OpenFile(filepath.Join(os.TempDir(), "ragchat.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
			if err != nil {
				return err
			}
			defer logFile.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			app, err := opts.open(ctx, logFile)
			if err != nil {
				return err
			}
			defer app.Close()

			if len(args) > 0 {
				if err := ingest(cmd, app, args); err != nil {
					return err
				}
			}
			app.StartSweeper(ctx)

			m := tui.New(ctx, app.Service, opts.key)
			_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
			return err
		},
	}
}

func newAskCmd(opts *rootOptions) *cobra.Command {
	var files []string
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()

			if len(files) > 0 {
				if err := ingest(cmd, app, files); err != nil {
					return err
				}
			}
			reply, err := app.Service.Ask(cmd.Context(), opts.key, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("ask failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply.Content)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "ingest these files before asking")
	return cmd
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [file.txt ...]",
		Short: "Index plain-text documents",
		Long: `Chunk, embed and index the given .txt files (globs allowed) as one
batch. The batch replaces the current index unless accumulate is set.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()
			return ingest(cmd, app, args)
		},
	}
}

func ingest(cmd *cobra.Command, app *App, paths []string) error {
	report, err := app.Service.IngestFiles(cmd.Context(), paths)
	if err != nil {
		return fmt.Errorf("ingest failed: %w", err)
	}
	if err := app.SaveIndex(); err != nil {
		return err
	}
	printReport(cmd, report)
	return nil
}

func printReport(cmd *cobra.Command, report service.IngestReport) {
	fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d document(s), %d chunk(s).\n", report.Documents, report.Chunks)
	if report.Summary != "" {
		fmt.Fprintln(cmd.OutOrStdout(), "Summary:", report.Summary)
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the conversation history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()

			msgs, err := app.Service.History(cmd.Context(), opts.key)
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No messages.")
				return nil
			}
			for _, m := range msgs {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", m.Timestamp.Format("2006-01-02 15:04:05"), m.Role, m.Content)
			}
			return nil
		},
	}
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear the conversation history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Service.Reset(cmd.Context(), opts.key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Conversation %q cleared.\n", opts.key)
			return nil
		},
	}
}
