package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/andrej220/vwt/pkg/channel"
	"github.com/andrej220/vwt/pkg/lg"
	"github.com/andrej220/vwt/pkg/persistence"
	shared "github.com/andrej220/vwt/pkg/shared-models"
	"github.com/spf13/cobra"
)

func (c *cli) executeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute [flags] -- <command>",
		Short: "Run one command on every host",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.request(cmd, shared.Request{
				Operation: shared.OpExecute,
				Command:   strings.Join(args, " "),
				Timeout:   c.timeout,
			})
		},
	}
}

func (c *cli) chainCmd() *cobra.Command {
	var (
		commands   []string
		newChannel bool
	)
	cmd := &cobra.Command{
		Use:   "chain -c <command> [-c <command>...]",
		Short: "Run commands in order on one shell per host",
		Long: `Run commands in order on one shell per host. Shell state such as the working
directory carries over between commands unless --new-channel is given. The chain
stops at the first command that exits non-zero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.request(cmd, shared.Request{
				Operation:  shared.OpChain,
				Commands:   commands,
				NewChannel: newChannel,
				Timeout:    c.timeout,
			})
		},
	}
	cmd.Flags().StringArrayVarP(&commands, "command", "c", nil, "command to run, repeatable")
	cmd.Flags().BoolVar(&newChannel, "new-channel", false, "run every command on a fresh shell")
	_ = cmd.MarkFlagRequired("command")
	return cmd
}

func (c *cli) interactiveCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "interactive --file <steps>",
		Short: "Drive an interactive sequence of prompts and answers",
		Long: `Drive an interactive sequence on every host. Each line of the steps file is
"command|pattern1,pattern2": the command is sent and the step completes when any
pattern shows up in the output. A line without patterns is sent and the next
step follows at once. Lines starting with # are ignored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fh, err := os.Open(file)
			if err != nil {
				return err
			}
			defer fh.Close()
			steps, err := channel.ParseSteps(fh)
			if err != nil {
				return err
			}
			return c.request(cmd, shared.Request{
				Operation: shared.OpInteractive,
				Steps:     steps,
				Timeout:   c.timeout,
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "steps file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (c *cli) uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <local path> <remote path>",
		Short: "Copy a local file to every host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.request(cmd, shared.Request{
				Operation:  shared.OpUpload,
				LocalPath:  args[0],
				RemotePath: args[1],
				Timeout:    c.timeout,
			})
		},
	}
}

func (c *cli) downloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download <remote path> <local dir>",
		Short: "Copy a remote file from every host into <local dir>/<host>_<name>",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(args[1], 0o755); err != nil {
				return err
			}
			return c.request(cmd, shared.Request{
				Operation:  shared.OpDownload,
				RemotePath: args[0],
				LocalDir:   args[1],
				Timeout:    c.timeout,
			})
		},
	}
}

func (c *cli) tailCmd() *cobra.Command {
	var (
		follow bool
		lines  int
	)
	cmd := &cobra.Command{
		Use:   "tail <path>",
		Short: "Print the end of a remote file, or follow it",
		Long: `Print the last lines of a remote file on every host. With --follow the file is
streamed for --timeout seconds; lines are printed as they arrive, prefixed with
their host, and the run is stored when the window closes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout := c.timeout
			if timeout <= 0 && follow {
				timeout = c.cfg.Timeout
			}
			return c.request(cmd, shared.Request{
				Operation: shared.OpTail,
				Path:      args[0],
				Follow:    follow,
				Lines:     lines,
				Timeout:   timeout,
			})
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "F", false, "stream appended lines")
	cmd.Flags().IntVarP(&lines, "lines", "n", 0, "lines to print without --follow")
	return cmd
}

func (c *cli) metricsExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:               "metrics-export",
		Short:             "Aggregate the stored runs and print them in --format",
		Args:              cobra.NoArgs,
		PersistentPreRunE: c.setupOutput,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runs, err := persistence.LoadRuns(c.resultsDir)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				return fmt.Errorf("no stored runs in %s", c.resultsDir)
			}
			collector := persistence.Aggregate(runs)
			c.logger.Debug("aggregated runs", lg.Int("runs", len(runs)), lg.Time("oldest", runs[0].StartedAt))
			if persistence.Format(c.format) == persistence.FormatPrometheus {
				return c.render(collector)
			}
			return c.render(collector.Snapshot())
		},
	}
}
