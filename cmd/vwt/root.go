package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/andrej220/vwt/pkg/config"
	"github.com/andrej220/vwt/pkg/dispatch"
	"github.com/andrej220/vwt/pkg/executor"
	"github.com/andrej220/vwt/pkg/fleet"
	"github.com/andrej220/vwt/pkg/lg"
	"github.com/andrej220/vwt/pkg/logstream"
	"github.com/andrej220/vwt/pkg/persistence"
	shared "github.com/andrej220/vwt/pkg/shared-models"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const SERVICENAME = "vwt"

// cli holds the persistent flags and what is built from them before a
// subcommand runs.
type cli struct {
	configPath string
	hosts      []string
	user       string
	keyFile    string
	port       int
	parallel   int
	timeout    int
	retries    int
	format     string
	resultsDir string
	log        *lg.Config

	// dialer replaces the SSH transport in tests.
	dialer executor.Dialer

	stdout, stderr io.Writer
	mu             sync.Mutex
	logger         lg.Logger
	cfg            *config.Config
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	_, root := newCLI(stdout, stderr)
	return root
}

func newCLI(stdout, stderr io.Writer) (*cli, *cobra.Command) {
	c := &cli{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:   "vwt",
		Short: "Run operations across a fleet of SSH hosts",
		Long: `vwt runs commands, command chains, interactive sequences, file transfers,
log tails and network traffic tests on many hosts at once, reusing pooled
connections and retrying transient failures per host.

Every run is stored as JSON in the results directory; metrics-export aggregates
the stored runs.

Examples:
  vwt execute --hosts web1,web2 -- uptime
  vwt chain --hosts web1 -c "cd /tmp" -c pwd
  vwt traffic --sources web1,web2 --protocol tcp --ports 22 --duration 10s
  vwt metrics-export --format prometheus`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "YAML configuration file")
	pf.StringSliceVar(&c.hosts, "hosts", nil, "hosts to run on (host, host:port or user@host:port)")
	pf.StringVarP(&c.user, "user", "u", "", "SSH user")
	pf.StringVar(&c.keyFile, "key-file", "", "private key file")
	pf.IntVarP(&c.port, "port", "p", 0, "default SSH port")
	pf.IntVar(&c.parallel, "parallel", 0, "maximum hosts worked on at once")
	pf.IntVar(&c.timeout, "timeout", 0, "timeout in seconds")
	pf.IntVar(&c.retries, "retries", -1, "retries per host")
	pf.StringVarP(&c.format, "format", "o", string(persistence.FormatJSON), "output format: json, csv or prometheus")
	pf.StringVar(&c.resultsDir, "results-dir", "results", "directory runs are stored in")

	logFlags := flag.NewFlagSet(SERVICENAME, flag.ContinueOnError)
	c.log = lg.RegisterFlags(logFlags, SERVICENAME)
	_ = logFlags.Set("log-format", "console")
	pf.AddGoFlagSet(logFlags)

	root.AddCommand(
		c.executeCmd(),
		c.chainCmd(),
		c.interactiveCmd(),
		c.uploadCmd(),
		c.downloadCmd(),
		c.tailCmd(),
		c.trafficCmd(),
		c.metricsExportCmd(),
	)
	return c, root
}

// setup builds the logger and the effective configuration: the file, then
// the flags given on the command line.
func (c *cli) setup(cmd *cobra.Command, args []string) error {
	if err := c.setupOutput(cmd, args); err != nil {
		return err
	}

	cfg, err := config.LoadFile(c.configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("user") {
		cfg.User = c.user
	}
	if flags.Changed("key-file") {
		cfg.KeyFile = c.keyFile
	}
	if flags.Changed("port") {
		cfg.Port = c.port
	}
	if flags.Changed("parallel") {
		cfg.MaxParallel = c.parallel
	}
	if flags.Changed("timeout") {
		cfg.Timeout = c.timeout
	}
	if flags.Changed("retries") {
		cfg.MaxRetries = c.retries
	}
	if cfg.User == "" {
		cfg.User = os.Getenv("USER")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

// setupOutput is the part of setup that needs no configuration.
func (c *cli) setupOutput(_ *cobra.Command, _ []string) error {
	c.logger = lg.New(c.log)
	_, err := persistence.SerializerFor(persistence.Format(c.format))
	return err
}

func (c *cli) newFleet() (*fleet.Fleet, error) {
	f, err := fleet.New(c.cfg, fleet.Options{
		Logger:  c.logger,
		Dialer:  c.dialer,
		OnBatch: c.printBatch,
	})
	if err != nil {
		return nil, err
	}
	f.Executor.OnEvent(func(ev dispatch.Event) {
		fields := []lg.Field{lg.String("host", ev.Host), lg.Int("attempt", ev.Attempt)}
		if ev.Err != nil {
			fields = append(fields, lg.Err(ev.Err))
		}
		c.logger.Debug(string(ev.Type), fields...)
	})
	return f, nil
}

func (c *cli) printBatch(b logstream.Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, line := range b.Lines {
		fmt.Fprintf(c.stderr, "[%s] %s\n", b.Host, line)
	}
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// request runs req on the fleet, stores the run and renders it.
func (c *cli) request(cmd *cobra.Command, req shared.Request) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	f, err := c.newFleet()
	if err != nil {
		return err
	}
	defer f.Close()

	if len(req.Hosts) == 0 {
		req.Hosts = c.hosts
	}
	if len(req.Hosts) == 0 {
		req.Hosts = c.cfg.Hosts
	}
	run := persistence.NewRun(req.Operation, time.Now().UTC())
	req.ExecutionUID = uuid.MustParse(run.ID)
	results, err := f.Handle(ctx, req)
	if err != nil {
		return err
	}
	run.Results = results
	run.FinishedAt = time.Now().UTC()
	return c.finish(run, len(results))
}

// finish stores run, renders it and turns failed hosts into an error.
func (c *cli) finish(run persistence.Run, total int) error {
	path, err := persistence.SaveRun(c.resultsDir, run)
	if err != nil {
		c.logger.Warn("run not stored", lg.Err(err))
	} else {
		c.logger.Debug("run stored", lg.String("path", path))
	}
	if err := c.render(run); err != nil {
		return err
	}
	if failed := run.Failed(); failed > 0 {
		return &hostsFailedError{Failed: failed, Total: total}
	}
	return nil
}

func (c *cli) render(data any) error {
	s, err := persistence.SerializerFor(persistence.Format(c.format))
	if err != nil {
		return err
	}
	if err := persistence.WriteToFile(data, "-", s, persistence.StreamWriter{W: c.stdout}); err != nil {
		return err
	}
	if persistence.Format(c.format) == persistence.FormatJSON {
		_, err = fmt.Fprintln(c.stdout)
	}
	return err
}
