package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/ChamsBouzaiene/codabra/internal/bridge"
	"github.com/ChamsBouzaiene/codabra/internal/lifecycle"
	"github.com/ChamsBouzaiene/codabra/internal/panel"
	"github.com/ChamsBouzaiene/codabra/internal/protocol"
)

const eventBufferSize = 256

func runStdIOEngine(ctx context.Context, env *runtimeEnv) error {
	env.Logger.Info("starting engine stdio bridge")
	runner := newStdIORunner(os.Stdin, os.Stdout, env)
	runner.sink.Post(protocol.NewReadyEvent())
	return runner.Run(ctx)
}

type stdioRunner struct {
	scanner *bufio.Scanner
	sink    bridge.Sink
	panel   *panel.Controller
	env     *runtimeEnv
	wg      sync.WaitGroup
}

func newStdIORunner(in io.Reader, out io.Writer, env *runtimeEnv) *stdioRunner {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	writer := bridge.NewWriter(out, eventBufferSize, env.Logger)
	go writer.Run(context.Background())
	lifecycle.Register(env.resources, "event writer", writer)

	debouncer := lifecycle.Register(env.resources, "event debouncer", bridge.NewDebouncer(writer, bridge.DefaultDelay))

	ctrl := panel.New(panel.Deps{
		Store:    env.Store,
		Locks:    env.Locks,
		Source:   env.Source,
		Settings: env.Config,
		Counter:  env.Counter,
		Index:    env.Index,
		Sink:     debouncer,
		Logger:   env.Logger,
	})
	lifecycle.Register(env.resources, "panel controller", ctrl)

	return &stdioRunner{
		scanner: scanner,
		sink:    debouncer,
		panel:   ctrl,
		env:     env,
	}
}

// Run reads commands until stdin closes or ctx is done. In-flight sends are
// cancelled on exit and their partial replies committed before returning.
func (r *stdioRunner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		r.wg.Wait()
	}()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			scanErr <- err
			close(lines)
		}()
		for r.scanner.Scan() {
			select {
			case lines <- r.scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		err = r.scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil && !errors.Is(err, io.EOF) {
					r.sink.Post(protocol.NewShowErrorEvent(fmt.Sprintf("stdin error: %v", err), "PROTOCOL"))
					return err
				}
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			// Commands run concurrently so cancelStreaming can reach a
			// running send.
			r.wg.Add(1)
			go func(l string) {
				defer r.wg.Done()
				if err := r.handleLine(ctx, l); err != nil {
					r.env.Logger.Debug("stdio command error", "error", err)
				}
			}(line)
		}
	}
}

func (r *stdioRunner) handleLine(ctx context.Context, line string) error {
	cmd, err := protocol.DecodeCommand([]byte(line))
	if err != nil {
		r.env.Logger.Warn("invalid command", "error", err, "line", truncate(line, 256))
		r.sink.Post(protocol.NewShowErrorEvent(err.Error(), "PROTOCOL"))
		return err
	}
	return r.panel.Handle(ctx, cmd)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
