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
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/livesync"
	"github.com/rickgao/livesync/internal/config"
	"github.com/rickgao/livesync/internal/version"
)

const usage = `livesync: call and watch functions on a livesync server.

Usage:
    livesync watch <function> [<args>] [--config=<path>] [--count=<n>]
    livesync query <function> [<args>] [--config=<path>]
    livesync mutate <function> [<args>] [--config=<path>]
    livesync action <function> [<args>] [--config=<path>]
    livesync version
    livesync -h | --help

Options:
    -h --help          Show this screen.
    --config=<path>    Config file [default: configs/livesync.yaml].
    --count=<n>        Stop watching after n values, 0 watches until interrupted [default: 0].

<args> is a JSON object, for example '{"channel":"general"}'.
`

func main() {
	version.Resolve()

	opts, err := docopt.ParseArgs(usage, os.Args[1:], version.String())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if v, _ := opts.Bool("version"); v {
		fmt.Println(version.String())
		return
	}

	cmd, err := parseCommand(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	configPath, _ := opts.String("--config")
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	logger, err := newLogger(os.Stderr, cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	logger.Info("starting livesync",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
		"command", cmd.name,
		"function", cmd.function,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, cmd, os.Stdout); err != nil {
		logger.Error("livesync failed", "error", err)
		os.Exit(1)
	}
}

// command is one parsed CLI invocation.
type command struct {
	name     string
	function string
	args     json.RawMessage
	count    int
}

func parseCommand(opts docopt.Opts) (command, error) {
	var cmd command
	for _, name := range []string{"watch", "query", "mutate", "action"} {
		if ok, _ := opts.Bool(name); ok {
			cmd.name = name
			break
		}
	}
	if cmd.name == "" {
		return cmd, errors.New("no command given")
	}

	cmd.function, _ = opts.String("<function>")
	if raw, err := opts.String("<args>"); err == nil && raw != "" {
		if !json.Valid([]byte(raw)) {
			return cmd, fmt.Errorf("args are not valid JSON: %s", raw)
		}
		cmd.args = json.RawMessage(raw)
	}
	if cmd.name == "watch" {
		n, err := opts.Int("--count")
		if err != nil || n < 0 {
			return cmd, fmt.Errorf("--count must be a non-negative integer")
		}
		cmd.count = n
	}
	return cmd, nil
}

// run builds the client, serves status and metrics while the command runs,
// and closes everything when the command finishes or ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, cmd command, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client, reg, err := newClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return serveStatus(gctx, cfg.Metrics, client, reg, logger)
		})
	}
	g.Go(func() error {
		defer cancel()
		return execute(gctx, client, cmd, out, logger)
	})
	return g.Wait()
}

func execute(ctx context.Context, client *livesync.Client, cmd command, out io.Writer, logger *slog.Logger) error {
	enc := json.NewEncoder(out)

	var (
		value json.RawMessage
		err   error
	)
	switch cmd.name {
	case "watch":
		return watch(ctx, client, cmd, enc, logger)
	case "query":
		value, err = livesync.Query[json.RawMessage](client, cmd.function).WithArgs(cmd.args).Execute(ctx)
	case "mutate":
		value, err = livesync.Mutate[json.RawMessage](client, cmd.function).WithArgs(cmd.args).Execute(ctx)
	case "action":
		value, err = livesync.Action[json.RawMessage](client, cmd.function).WithArgs(cmd.args).Execute(ctx)
	default:
		return fmt.Errorf("unknown command %q", cmd.name)
	}
	if err != nil {
		return err
	}
	return enc.Encode(value)
}

func watch(ctx context.Context, client *livesync.Client, cmd command, enc *json.Encoder, logger *slog.Logger) error {
	stream, err := livesync.Observe[json.RawMessage](ctx, client, cmd.function, cmd.args)
	if err != nil {
		return err
	}
	defer stream.Close()

	start := time.Now()
	for n := 0; cmd.count == 0 || n < cmd.count; n++ {
		value, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, livesync.ErrStreamClosed) {
				return err
			}
			// push errors leave the stream open
			logger.Warn("query failed", "key", stream.Key(), "error", err)
			n--
			continue
		}
		if err := enc.Encode(value); err != nil {
			return err
		}
	}

	logger.Info("watch finished",
		"key", stream.Key(),
		"dropped", stream.Dropped(),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}
