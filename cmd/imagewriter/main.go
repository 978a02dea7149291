package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/imagewriter/config"
	"github.com/guseggert/imagewriter/internal/exitcode"
	"github.com/guseggert/imagewriter/internal/files"
	"github.com/guseggert/imagewriter/protocol"
	"github.com/guseggert/imagewriter/session"
	"github.com/guseggert/imagewriter/supervisor"
	"github.com/guseggert/imagewriter/task"
	"github.com/guseggert/imagewriter/task/imagefile"
	"github.com/guseggert/imagewriter/worker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "imagewriter",
		Usage: "write disk images from a supervised worker process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Minimum log level. One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			writeCommand(),
			childCommand(),
		},
	}
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.WithOptions(zap.IncreaseLevel(level)), nil
}

func writeCommand() *cli.Command {
	return &cli.Command{
		Name:  "write",
		Usage: "write an image to a device",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "image",
				Usage:    "The image file to write.",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "device",
				Usage:    "The device (or file) to write the image to.",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "unmount",
				Usage: "Unmount the device after a successful write.",
			},
			&cli.BoolFlag{
				Name:  "validate",
				Usage: "Read the device back and compare checksums after a successful write.",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a TOML config file. Defaults to the nearest imagewriter.toml.",
			},
			&cli.StringFlag{
				Name:  "socket-root",
				Usage: "Directory holding the IPC socket.",
			},
			&cli.StringFlag{
				Name:  "server-id",
				Usage: "Name of the IPC server, used to name its socket.",
			},
			&cli.StringFlag{
				Name:  "worker",
				Usage: "Worker executable, run with the \"child\" argument. Defaults to this executable.",
			},
		},
		Action: func(c *cli.Context) error {
			logger, err := newLogger(c)
			if err != nil {
				return err
			}
			defer logger.Sync()

			cfg, err := writeConfig(c)
			if err != nil {
				return cli.Exit(err, exitcode.GeneralError)
			}

			sup := supervisor.New(
				supervisor.WithLogger(logger),
				supervisor.WithGracePeriod(cfg.Timeouts.TerminateGrace.D()),
			)
			workerPath := c.String("worker")
			if workerPath == "" {
				workerPath, err = os.Executable()
				if err != nil {
					return cli.Exit(fmt.Errorf("finding worker executable: %w", err), exitcode.GeneralError)
				}
			}
			coord := session.New(cfg, sup,
				session.WithLogger(logger),
				session.WithAbortHandler(session.AbortExit),
				session.WithCommand(supervisor.Command{
					Path:   workerPath,
					Args:   []string{"--log-level", c.String("log-level"), "child"},
					Stderr: os.Stderr,
				}),
			)

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := coord.Run(ctx, task.ParamsFromConfig(cfg), session.Callbacks{
				OnProgress: func(p protocol.ProgressState) {
					fmt.Printf("%-10s %5.1f%%\n", p.Phase, p.Percent)
				},
				OnLog: func(msg string) {
					logger.Sugar().Named("worker").Info(msg)
				},
			})
			if err != nil {
				return cli.Exit(err, exitcode.FromError(err))
			}

			fmt.Printf("wrote %d bytes to %s (sha256 %s)\n", res.BytesWritten, cfg.Destination, res.Checksum)
			if res.Validated {
				fmt.Println("validated")
			}
			if res.Unmounted {
				fmt.Println("unmounted")
			}
			return nil
		},
	}
}

const configFileName = "imagewriter.toml"

// writeConfig builds the session config from the defaults, the config file and the flags, in that order.
// Without --config, the nearest imagewriter.toml in the working directory or its parents is used.
func writeConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	path := c.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return cfg, err
		}
		path, err = files.FindUp(configFileName, wd)
		if err != nil {
			return cfg, fmt.Errorf("looking for %s: %w", configFileName, err)
		}
	}
	if path != "" {
		err := config.LoadFile(path, &cfg)
		if err != nil {
			return cfg, err
		}
	}
	cfg.TargetArtifact = c.String("image")
	cfg.Destination = c.String("device")
	if c.IsSet("unmount") {
		cfg.UnmountOnSuccess = c.Bool("unmount")
	}
	if c.IsSet("validate") {
		cfg.ValidateOnSuccess = c.Bool("validate")
	}
	if c.IsSet("socket-root") {
		cfg.SocketRoot = c.String("socket-root")
	}
	if c.IsSet("server-id") {
		cfg.ServerID = c.String("server-id")
	}
	return cfg.WithChannelID(), nil
}

func childCommand() *cli.Command {
	return &cli.Command{
		Name:   "child",
		Usage:  "run as the worker of a write, configured through the environment",
		Hidden: true,
		Action: func(c *cli.Context) error {
			logger, err := newLogger(c)
			if err != nil {
				return err
			}
			defer logger.Sync()

			cfg, err := config.FromEnv(os.LookupEnv)
			if err != nil {
				return cli.Exit(err, exitcode.GeneralError)
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGTERM)
			defer stop()

			err = worker.Run(ctx, cfg, imagefile.New(logger), worker.WithLogger(logger))
			if err != nil {
				return cli.Exit(err, exitcode.FromError(err))
			}
			return nil
		},
	}
}
