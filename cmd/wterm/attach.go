package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/wingterm/internal/bridge"
	"github.com/ehrlich-b/wingterm/internal/config"
	"github.com/ehrlich-b/wingterm/internal/lifecycle"
	"github.com/ehrlich-b/wingterm/internal/logger"
	"github.com/ehrlich-b/wingterm/internal/loop"
	"github.com/ehrlich-b/wingterm/internal/store"
	"github.com/ehrlich-b/wingterm/internal/view"
	"github.com/ehrlich-b/wingterm/internal/ws"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

var errDetached = errors.New("detached")

type attachOptions struct {
	instance  string
	token     string
	reconnect bool
	dump      string
}

func attachCmd() *cobra.Command {
	var opts attachOptions
	cmd := &cobra.Command{
		Use:   "attach <instance>",
		Short: "Attach this terminal to a relay session (Ctrl-] detaches)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.instance = args[0]
			cfg, paths, err := loadConfig()
			if err != nil {
				return err
			}
			if opts.token != "" {
				cfg.Auth.Token = opts.token
			}
			return runAttach(cmd.Context(), cfg, paths, opts)
		},
	}
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token (overrides config and token file)")
	cmd.Flags().BoolVar(&opts.reconnect, "reconnect", false, "reconnect with backoff after a disconnect")
	cmd.Flags().StringVar(&opts.dump, "dump", "", "write a screen snapshot to this file on exit (- for stdout)")
	return cmd
}

// outcome is why an attach ended.
type outcome struct {
	state   ws.State
	message string
	err     error
}

func runAttach(parent context.Context, cfg *config.Config, paths config.Paths, opts attachOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	// The terminal belongs to the session; logs go to the file only.
	logFile := cfg.Logging.File
	if logFile == "" {
		logFile = paths.Log
	}
	if err := config.EnsureConfigDir(paths.Dir); err != nil {
		return err
	}
	if err := logger.InitFile(cfg.Logging.Level, logFile); err != nil {
		return err
	}
	log := logger.Log.With("instance", opts.instance)

	var history lifecycle.Recorder
	if !cfg.History.Disabled {
		st, err := store.Open(cfg.HistoryPath(paths))
		if err != nil {
			log.Warn("status history unavailable", "err", err)
		} else {
			rec := st.NewRecorder(64, log)
			defer st.Close()
			defer rec.Close()
			history = rec
		}
	}

	tokens, tokenFile := tokenSources(cfg, paths)

	fd := int(os.Stdin.Fd())
	cols, rows := cfg.Terminal.Cols, cfg.Terminal.Rows
	interactive := term.IsTerminal(fd)
	if interactive {
		if w, h, err := term.GetSize(fd); err == nil {
			cols, rows = w, h
		}
	}

	host := loop.New("host", log)
	rend := loop.New("renderer", log)
	host.Start()
	rend.Start()
	defer host.Stop()
	defer rend.Stop()

	hostPort, rendPort := bridge.Pipe(host, rend, log)

	var v *view.View
	rend.Call(func() {
		v = view.New(rend, rendPort, view.Options{
			Cols:         cols,
			Rows:         rows,
			Scrollback:   cfg.Terminal.Scrollback,
			Mirror:       os.Stdout,
			CheckTimeout: cfg.Relay.CheckTimeout,
			Logger:       log,
		})
	})

	var (
		doneOnce sync.Once
		done     = make(chan outcome, 1)
	)
	finish := func(o outcome) {
		doneOnce.Do(func() { done <- o })
	}

	lcfg := lifecycle.Config{
		Tokens:            tokens,
		Relay:             cfg.RelayTarget(),
		SubprotocolPrefix: cfg.Relay.SubprotocolPrefix,
		History:           history,
		Logger:            log,
	}
	if opts.reconnect {
		lcfg.Reconnect = ws.NewBackoff(time.Second, 30*time.Second)
	}

	var ctrl *lifecycle.Controller
	host.Call(func() {
		ctrl = lifecycle.New(host, hostPort, lcfg)
		ctrl.OnStatus = func(state ws.State, message string) {
			if message != "" && state != ws.StateConnected {
				fmt.Fprintf(os.Stderr, "\r\n[wterm] %s\r\n", message)
			}
			if isFinal(state, message, opts.reconnect) {
				finish(outcome{state: state, message: message})
			}
		}
	})

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A new or removed token file re-initializes the session.
	go func() {
		err := tokenFile.Watch(ctx, func() {
			log.Info("token file changed, refreshing")
			host.Post(func() { ctrl.Refresh() })
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Debug("token watch stopped", "err", err)
		}
	}()

	if interactive {
		oldState, err := term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, oldState)
		}

		winchCh := make(chan os.Signal, 1)
		signal.Notify(winchCh, syscall.SIGWINCH)
		defer signal.Stop(winchCh)
		go func() {
			for range winchCh {
				if w, h, err := term.GetSize(fd); err == nil {
					rend.Post(func() { v.Resize(w, h) })
				}
			}
		}()
	}

	go pumpStdin(os.Stdin, rend, func(data string) { v.Type(data) }, func() {
		finish(outcome{err: errDetached})
	})

	host.Call(func() { ctrl.SetInstance(opts.instance) })
	rend.Call(v.Boot)

	var result outcome
	select {
	case result = <-done:
	case <-ctx.Done():
		result = outcome{err: ctx.Err()}
	}

	host.Call(func() { ctrl.Unmount() })
	var snapshot []byte
	rend.Call(func() {
		if opts.dump != "" {
			snapshot = v.Snapshot()
		}
		v.Close()
	})

	if snapshot != nil {
		if err := writeDump(opts.dump, snapshot); err != nil {
			log.Warn("write snapshot", "err", err)
		}
	}
	return result.asError()
}

// isFinal reports whether a status ends the attach. With reconnect on,
// disconnects and transport errors are retried by the controller instead.
func isFinal(state ws.State, message string, reconnect bool) bool {
	switch state {
	case ws.StateEnded, ws.StateSessionMissing:
		return true
	case ws.StateDisconnected:
		return !reconnect
	case ws.StateError:
		retried := message == ws.MsgStreamError || message == ws.MsgConnectFailed
		return !(reconnect && retried)
	}
	return false
}

func (o outcome) asError() error {
	switch {
	case errors.Is(o.err, errDetached), errors.Is(o.err, context.Canceled):
		return nil
	case o.err != nil:
		return o.err
	case o.state == ws.StateEnded, o.state == ws.StateDisconnected:
		return nil
	case o.message != "":
		return errors.New(o.message)
	default:
		return fmt.Errorf("session %s", o.state)
	}
}

// pumpStdin forwards local keystrokes to the renderer until the detach key.
// EOF stops input but leaves the session attached.
func pumpStdin(r io.Reader, rend bridge.Poster, typeFn func(string), detach func()) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			i := bytes.IndexByte(chunk, detachKey)
			if i >= 0 {
				chunk = chunk[:i]
			}
			if len(chunk) > 0 {
				data := string(chunk)
				rend.Post(func() { typeFn(data) })
			}
			if i >= 0 {
				detach()
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				logger.Debug("stdin read", "err", err)
			}
			return
		}
	}
}

func writeDump(path string, snapshot []byte) error {
	if path == "-" {
		_, err := os.Stdout.Write(snapshot)
		return err
	}
	return os.WriteFile(path, snapshot, 0600)
}
