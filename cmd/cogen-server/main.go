// Command cogen-server is a minimal demonstration binary: it builds a
// Scheduler and an httpserver.Server around a single echo-style Handler,
// wiring flags and config the way cobra/pflag/viper/zap are used throughout
// the pack this module was grounded on.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/silvatek/cogen"
	"github.com/silvatek/cogen/httpserver"
	"github.com/silvatek/cogen/proactor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "cogen-server",
		Short: "Run a minimal cogen-backed HTTP/1.1 demo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":8080", "address to listen on")
	flags.String("proactor", "default", "proactor backend: default or epoll")
	flags.Duration("resolution", 20*time.Millisecond, "proactor poll resolution")
	flags.Duration("request-timeout", 30*time.Second, "per-request read timeout")
	flags.Int("max-conns", 0, "maximum concurrent connections (0 = unlimited)")
	flags.String("log-level", "info", "zap log level: debug, info, warn, error")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("COGEN")
	v.AutomaticEnv()

	return cmd
}

func run(v *viper.Viper) error {
	logger, err := buildLogger(v.GetString("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	variant := proactor.VariantDefault
	if v.GetString("proactor") == "epoll" {
		variant = proactor.VariantEpoll
	}
	backend, err := proactor.Select(variant)
	if err != nil {
		return fmt.Errorf("select proactor backend: %w", err)
	}

	sched := cogen.NewScheduler(
		cogen.WithProactor(backend),
		cogen.WithProactorResolution(v.GetDuration("resolution")),
		cogen.WithLogger(logger),
	)
	defer sched.Close()

	srv := httpserver.NewServer(sched, echoHandler,
		httpserver.WithMaxConns(v.GetInt("max-conns")),
		httpserver.WithRequestTimeout(v.GetDuration("request-timeout")),
	)

	listenTask, err := srv.Listen(v.GetString("listen"))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("listening", zap.String("addr", v.GetString("listen")))

	go sched.Run(ctx)

	sched.Spawn(func(t *cogen.Task) (any, error) {
		return t.Yield(cogen.JoinTask(listenTask, cogen.NoTimeout))
	}, cogen.PriorityDefault)

	<-ctx.Done()
	logger.Info("shutting down")
	srv.Wait()
	return nil
}

func echoHandler(ctx *httpserver.Context) (httpserver.Response, error) {
	body := fmt.Sprintf("%s %s\n", ctx.Request.Method, ctx.Request.Path)
	return httpserver.Response{
		Status: 200,
		Chunks: [][]byte{[]byte(body)},
	}, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log-level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
