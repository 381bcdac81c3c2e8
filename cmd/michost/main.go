package main

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"MIC-TCP/pkg/config"
	"MIC-TCP/pkg/mictcpstack"
	"MIC-TCP/pkg/repl"
	"MIC-TCP/pkg/substrate"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type options struct {
	configPath  string
	mode        string
	local       string
	peer        string
	verbose     bool
	metricsAddr string
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "michost",
		Short: "Run a MIC-TCP host over UDP and drive it from a console",
		Example: `  michost --mode server --local 127.0.0.1:6000
  michost --mode client --local 127.0.0.1:5000 --peer 127.0.0.1:6000`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, in, out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "YAML config file (defaults apply when empty)")
	f.StringVar(&opts.mode, "mode", "client", "client or server")
	f.StringVar(&opts.local, "local", "", "local MIC-TCP address ip:port to bind")
	f.StringVar(&opts.peer, "peer", "", "server address ip:port to connect to (client mode)")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

type plan struct {
	cfg   config.Config
	mode  substrate.Mode
	local mictcpstack.Address
	peer  mictcpstack.Address
}

func (o *options) plan() (plan, error) {
	p := plan{cfg: config.Default()}
	if o.configPath != "" {
		cfg, err := config.Load(o.configPath)
		if err != nil {
			return p, err
		}
		p.cfg = cfg
	}
	mode, err := substrate.ParseMode(o.mode)
	if err != nil {
		return p, err
	}
	p.mode = mode
	if p.local, err = mictcpstack.ParseAddress(o.local); err != nil {
		return p, errors.Wrap(err, "--local")
	}
	if mode == substrate.Client {
		if p.peer, err = mictcpstack.ParseAddress(o.peer); err != nil {
			return p, errors.Wrap(err, "--peer")
		}
	}
	return p, nil
}

func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	var (
		log *zap.Logger
		err error
	)
	if verbose {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return log.Sugar(), nil
}

func run(opts *options, in io.Reader, out io.Writer) (err error) {
	p, err := opts.plan()
	if err != nil {
		return err
	}
	log, err := newLogger(opts.verbose)
	if err != nil {
		return errors.Wrap(err, "build logger")
	}
	defer log.Sync()

	reg := prometheus.NewRegistry()
	sub := substrate.NewUDP(p.cfg.ServerPort, p.cfg.ClientPort, log)
	stack, err := mictcpstack.New(p.cfg, sub, mictcpstack.WithLogger(log), mictcpstack.WithRegisterer(reg))
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Invoke(stack.Shutdown))

	if opts.metricsAddr != "" {
		go func() {
			handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
			if err := http.ListenAndServe(opts.metricsAddr, handler); err != nil {
				log.Warnw("metrics server stopped", "err", err)
			}
		}()
	}

	id, err := stack.Open(p.mode)
	if err != nil {
		return err
	}
	if err := stack.Bind(id, p.local); err != nil {
		return err
	}
	if p.mode == substrate.Server {
		fmt.Fprintf(out, "socket %d waiting for a connection on %s\n", id, p.local)
		peer, err := stack.Accept(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "accepted connection from %s\n", peer)
	} else {
		fmt.Fprintf(out, "socket %d connecting to %s\n", id, p.peer)
		if err := stack.Connect(id, p.peer); err != nil {
			return err
		}
		fmt.Fprintln(out, "connected")
	}
	repl.StartRepl(stack, in, out)
	return nil
}

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
