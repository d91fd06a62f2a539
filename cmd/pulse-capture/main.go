// pulse-capture is the command-line front end for the push-to-record
// screen capture engine.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	pulse "github.com/mieweb/pulse-desktop"
	"github.com/mieweb/pulse-desktop/internal/logging"
)

var version = "dev"

func main() {
	app := &cli.Command{
		Name:    "pulse-capture",
		Usage:   "push-to-record screen capture",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to YAML settings file",
				Sources: cli.EnvVars("PULSE_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			recordCommand(),
			checkCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "pulse-capture: %v\n", err)
		os.Exit(1)
	}
}

func loadSettings(cmd *cli.Command) (pulse.Settings, func() error, error) {
	settings, err := pulse.LoadSettings(cmd.String("config"))
	if err != nil {
		return pulse.Settings{}, nil, err
	}

	closeLogger, err := logging.Init(logging.Config{
		Level: settings.LogLevel,
		File:  settings.LogFile,
	})
	if err != nil {
		return pulse.Settings{}, nil, fmt.Errorf("init logging: %w", err)
	}
	return settings, closeLogger, nil
}

func recordCommand() *cli.Command {
	return &cli.Command{
		Name:  "record",
		Usage: "pre-initialize, record until interrupted, save the clip",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "duration",
				Usage: "stop automatically after this long (0 = run until SIGINT)",
			},
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "pre-initialize, then wait for Enter before starting",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			settings, closeLogger, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			defer closeLogger()

			coord, err := pulse.NewCoordinator(settings.CoordinatorConfig())
			if err != nil {
				return err
			}
			defer coord.Close()

			coord.PreInitialize()
			waitForStatus(coord, pulse.PreInitReady, 15*time.Second)

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(interrupt)

			if cmd.Bool("wait") {
				fmt.Fprintln(cmd.Writer, "pre-initialized; press Enter to start recording")
				pressed := make(chan struct{})
				go func() {
					bufio.NewReader(os.Stdin).ReadString('\n')
					close(pressed)
				}()
				select {
				case <-pressed:
				case <-interrupt:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			if err := coord.TriggerStart(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.Writer, "recording... press Ctrl-C to stop")

			var timeout <-chan time.Time
			if d := cmd.Duration("duration"); d > 0 {
				timer := time.NewTimer(d)
				defer timer.Stop()
				timeout = timer.C
			}

			select {
			case <-interrupt:
			case <-timeout:
			case <-ctx.Done():
			}

			result, err := coord.TriggerStop()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.Writer, "saved %s (%.1fs, %d frames)\n",
				result.Path, result.Duration, result.Frames)
			return nil
		},
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "verify the GStreamer installation can record",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "audio",
				Usage: "also check microphone encoding elements",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, closeLogger, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			defer closeLogger()

			if err := pulse.Preflight(cmd.Bool("audio")); err != nil {
				return err
			}
			fmt.Fprintln(cmd.Writer, "ok: all required GStreamer elements available")
			return nil
		},
	}
}

// waitForStatus polls until the coordinator reaches the wanted status or
// the timeout elapses. Best effort; recording falls back to the slow path
// if pre-initialization is still in flight.
func waitForStatus(coord *pulse.Coordinator, want pulse.PreInitStatus, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if coord.Status() == want {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
