package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/axloop/looper"
	"github.com/axloop/looper/internal"
	"github.com/axloop/looper/looperopts"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a TCP echo server on top of the looper engine",
	Long: `serve boots a single-threaded event loop, listens for TCP
connections, and echoes back whatever each client sends. A periodic
timed message logs a heartbeat on the interval set in the config file,
exercising the loop's delayed-message path alongside its fd readiness
path.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "path to a looperctl.toml config file")
	rootCmd.AddCommand(serveCmd)
}

// heartbeat re-schedules itself every tick, demonstrating the
// recurring-timer idiom built on top of a one-shot SendMessageDelayed.
type heartbeat struct {
	loop     *looper.Loop
	interval time.Duration
	logger   *log.Logger
	ticks    int
}

const heartbeatWhat int32 = 1

func (h *heartbeat) HandleMessage(msg looper.Message) {
	h.ticks++
	h.logger.Printf("heartbeat #%d (%s)", h.ticks, msg.Arg)
	h.loop.SendMessageDelayed(h.interval, h, msg)
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := log.New(os.Stderr, "looperctl: ", log.LstdFlags)

	binding := looper.LockCurrentThread()
	loop, err := binding.Prepare(
		looperopts.Capacity(cfg.Server.Capacity),
		looperopts.Logger(logger),
	)
	if err != nil {
		return fmt.Errorf("prepare loop: %w", err)
	}
	defer loop.Close()

	listenFd, err := internal.ListenTCP("tcp", cfg.Server.Addr, true)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	defer syscall.Close(listenFd)

	logger.Printf("listening on %s", cfg.Server.Addr)

	accept := func(fd int, events looper.EventMask, data any) bool {
		for {
			connFd, _, err := syscall.Accept(fd)
			if err != nil {
				if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
					return true
				}
				logger.Printf("accept: %v", err)
				return true
			}
			if err := syscall.SetNonblock(connFd, true); err != nil {
				logger.Printf("set_nonblock conn: %v", err)
				syscall.Close(connFd)
				continue
			}
			if err := loop.AddFd(connFd, 0, looper.Input, echoCallback(loop, logger), nil); err != nil {
				logger.Printf("register conn: %v", err)
				syscall.Close(connFd)
			}
		}
	}
	if err := loop.AddFd(listenFd, 0, looper.Input, accept, nil); err != nil {
		return fmt.Errorf("register listener: %w", err)
	}

	hb := &heartbeat{loop: loop, interval: time.Duration(cfg.Timer.IntervalMS) * time.Millisecond, logger: logger}
	loop.SendMessageDelayed(hb.interval, hb, looper.Message{What: heartbeatWhat, Arg: "tick"})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Print("shutting down")
		loop.Wake()
		os.Exit(0)
	}()

	for {
		if _, ident, err := loop.PollAll(-1); err != nil {
			return fmt.Errorf("poll: %w", err)
		} else if ident == looper.PollError {
			return fmt.Errorf("poll: unexpected error result")
		}
	}
}

// echoCallback returns a Callback bound to one connection: it reads
// whatever is available and writes it straight back, removing the
// registration (and closing the fd) on EOF or a hard error.
func echoCallback(loop *looper.Loop, logger *log.Logger) looper.Callback {
	buf := make([]byte, 4096)
	return func(fd int, events looper.EventMask, data any) bool {
		if events&looper.Hangup != 0 {
			syscall.Close(fd)
			return false
		}
		n, err := syscall.Read(fd, buf)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				return true
			}
			syscall.Close(fd)
			return false
		}
		if n == 0 {
			syscall.Close(fd)
			return false
		}
		if _, err := syscall.Write(fd, buf[:n]); err != nil {
			logger.Printf("write fd %d: %v", fd, err)
			syscall.Close(fd)
			return false
		}
		return true
	}
}
