// Command bbq runs either side of a bounded buffer shared between processes.
//
//	bbq produce [flags]   create the buffer and produce items (owner)
//	bbq consume [flags]   attach to the buffer and consume items
//	bbq run [flags]       both roles in one process
//	bbq stat [flags]      print a snapshot of an existing buffer
//	bbq clean [flags]     remove objects left behind by a killed producer
//
// SIGINT and SIGTERM request a graceful shutdown. The exit status is 0 on a
// graceful stop, 1 on a fatal error and 2 on a usage error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"gosuda.org/bbq"
	"gosuda.org/bbq/internal/config"
)

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: bbq <produce|consume|run|stat|clean> [flags]")
	fmt.Fprintln(w, "run 'bbq <command> -h' for the flags of a command")
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}
	cmd, args := args[0], args[1:]

	cfg, err := parseFlags(cmd, args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "bbq: %v\n", err)
		return exitUsage
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	bbq.SetLogger(log)

	opts := &bbq.Options{
		Dir:           cfg.Dir,
		AttachTimeout: cfg.AttachTimeout,
		PollInterval:  cfg.PollInterval,
		Logger:        log,
	}

	switch cmd {
	case "produce":
		err = produce(ctx, cfg, opts, stdout)
	case "consume":
		err = consume(ctx, cfg, opts, stdout)
	case "run":
		err = runBoth(ctx, cfg, opts, stdout)
	case "stat":
		err = stat(cfg, opts, stdout)
	case "clean":
		err = bbq.Remove(cfg.Name, cfg.Dir)
		if errors.Is(err, bbq.ErrAlreadyRemoved) {
			log.Info("nothing to remove", "name", cfg.Name)
			err = nil
		}
	}

	if err != nil {
		log.Error("fatal", "command", cmd, "error", err)
		return exitFatal
	}
	return exitOK
}

// parseFlags loads the configuration file (if any) and applies the flags that
// were set explicitly on top of it.
func parseFlags(cmd string, args []string, stderr io.Writer) (*config.Config, error) {
	switch cmd {
	case "produce", "consume", "run", "stat", "clean":
	default:
		usage(stderr)
		return nil, fmt.Errorf("unknown command %q", cmd)
	}

	def := config.Default()
	fs := flag.NewFlagSet("bbq "+cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "YAML configuration file")
	name := fs.String("name", def.Name, "base name of the shared objects")
	dir := fs.String("dir", def.Dir, "directory holding the shared objects (default /dev/shm)")
	capacity := fs.Int("capacity", def.Capacity, "buffer capacity (produce, run)")
	count := fs.Int("count", def.Producer.Count, "items to produce or consume, 0 = until interrupted")
	start := fs.Int64("start", def.Producer.Start, "first item value (produce, run)")
	delay := fs.Duration("delay", 0, "simulated work per item")
	attach := fs.Duration("attach-timeout", def.AttachTimeout, "wait for a segment that is still initializing")
	poll := fs.Duration("poll", def.PollInterval, "how often blocked waits check for shutdown")
	level := fs.String("log-level", def.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := def
	if *path != "" {
		loaded, err := config.Load(*path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			cfg.Name = *name
		case "dir":
			cfg.Dir = *dir
		case "capacity":
			cfg.Capacity = *capacity
		case "count":
			cfg.Producer.Count = *count
			cfg.Consumer.Count = *count
		case "start":
			cfg.Producer.Start = *start
		case "delay":
			cfg.Producer.Delay = *delay
			cfg.Consumer.Delay = *delay
		case "attach-timeout":
			cfg.AttachTimeout = *attach
		case "poll":
			cfg.PollInterval = *poll
		case "log-level":
			cfg.LogLevel = *level
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// Both loops of "run" stop on their own only if they move the same number
	// of items; otherwise one side parks on a semaphore until interrupted.
	if cmd == "run" && cfg.Producer.Count != cfg.Consumer.Count {
		return nil, fmt.Errorf("run: producer count %d and consumer count %d differ",
			cfg.Producer.Count, cfg.Consumer.Count)
	}
	return cfg, nil
}

func produce(ctx context.Context, cfg *config.Config, opts *bbq.Options, out io.Writer) error {
	b, err := bbq.Create(cfg.Name, cfg.Capacity, opts)
	if err != nil {
		return err
	}
	return errors.Join(
		bbq.RunProducer(ctx, b, bbq.ProducerConfig{
			Count: cfg.Producer.Count,
			Start: cfg.Producer.Start,
			Delay: cfg.Producer.Delay,
			Out:   out,
		}),
		b.Close(),
	)
}

func consume(ctx context.Context, cfg *config.Config, opts *bbq.Options, out io.Writer) error {
	b, err := bbq.Attach(cfg.Name, opts)
	if err != nil {
		return err
	}
	return errors.Join(
		bbq.RunConsumer(ctx, b, bbq.ConsumerConfig{
			Count: cfg.Consumer.Count,
			Delay: cfg.Consumer.Delay,
			Out:   out,
		}),
		b.Close(),
	)
}

// runBoth plays the producer and the consumer process in one process, each
// with its own handle, the way two separate processes would.
func runBoth(ctx context.Context, cfg *config.Config, opts *bbq.Options, out io.Writer) error {
	producer, err := bbq.Create(cfg.Name, cfg.Capacity, opts)
	if err != nil {
		return err
	}
	defer producer.Close()

	consumer, err := bbq.Attach(cfg.Name, opts)
	if err != nil {
		return err
	}
	defer consumer.Close()

	out = &syncWriter{w: out}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bbq.RunProducer(gctx, producer, bbq.ProducerConfig{
			Count: cfg.Producer.Count,
			Start: cfg.Producer.Start,
			Delay: cfg.Producer.Delay,
			Out:   out,
		})
	})
	g.Go(func() error {
		return bbq.RunConsumer(gctx, consumer, bbq.ConsumerConfig{
			Count: cfg.Consumer.Count,
			Delay: cfg.Consumer.Delay,
			Out:   out,
		})
	})
	return g.Wait()
}

func stat(cfg *config.Config, opts *bbq.Options, out io.Writer) error {
	b, err := bbq.Attach(cfg.Name, opts)
	if err != nil {
		return err
	}
	defer b.Close()

	st, err := b.Stats()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "name=%s capacity=%d occupancy=%d empty=%d full=%d in=%d out=%d owner_pid=%d session=%s\n",
		cfg.Name, st.Capacity, st.Occupancy, st.Empty, st.Full, st.WriteCursor, st.ReadCursor, st.OwnerPID, st.Session)
	return nil
}
