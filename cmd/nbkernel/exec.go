package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pkt.systems/nbkernel/cell"
	"pkt.systems/nbkernel/core"
	"pkt.systems/nbkernel/internal/appconfig"
	"pkt.systems/nbkernel/internal/eventbus"
	"pkt.systems/nbkernel/internal/format"
	"pkt.systems/nbkernel/schema"
	"pkt.systems/pslog"
)

type execOptions struct {
	cfgPath       string
	backend       string
	silent        bool
	noHistory     bool
	noStopOnError bool
	noStdin       bool
}

func newExecCmd() *cobra.Command {
	var opts execOptions
	cmd := &cobra.Command{
		Use:   "exec [code...]",
		Short: "Execute code cells; each argument is one cell, stdin is read when none are given",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd, opts, args)
		},
	}
	cmd.Flags().StringVarP(&opts.cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&opts.backend, "backend", "", "kernel backend: inprocess, process or grpc (overrides config)")
	cmd.Flags().BoolVar(&opts.silent, "silent", false, "execute without output or history")
	cmd.Flags().BoolVar(&opts.noHistory, "no-history", false, "do not store executions in history")
	cmd.Flags().BoolVar(&opts.noStopOnError, "no-stop-on-error", false, "keep executing cells after an error")
	cmd.Flags().BoolVar(&opts.noStdin, "no-stdin", false, "refuse kernel input requests")
	return cmd
}

func runExec(cmd *cobra.Command, opts execOptions, args []string) error {
	ctx := cmd.Context()
	log := pslog.Ctx(ctx)
	cfg, err := loadConfig(opts.cfgPath, opts.backend)
	if err != nil {
		return err
	}

	cells := args
	allowStdin := cfg.Execution.AllowStdin && !opts.noStdin
	if len(cells) == 0 {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read code from stdin: %w", err)
		}
		cells = []string{string(data)}
		// stdin is spent on the code itself.
		allowStdin = false
	}
	noHistory := opts.noHistory || !cfg.Execution.StoreHistory
	stopOnError := cfg.Execution.StopOnError && !opts.noStopOnError

	// Out-of-process kernels keep their own history.
	local := cfg.Kernel.Backend == appconfig.BackendInProcess
	store, recorder, err := openHistory(ctx, cfg, noHistory || !local)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() { _ = store.Close() }()
	}

	handle, err := openKernel(ctx, cfg, recorder)
	if err != nil {
		return err
	}
	bus := eventbus.New(log)
	statuses, unsubscribe := bus.Subscribe(kernelIDFor(cfg))
	go func() {
		for ev := range statuses {
			log.Trace("kernel status", "kernel", ev.KernelID, "from", ev.Previous.String(), "to", ev.Status.String())
		}
	}()
	conn, err := core.Connect(ctx, handle.transport, core.Options{KernelID: kernelIDFor(cfg), StatusSink: bus})
	if err != nil {
		unsubscribe()
		_ = handle.transport.Close()
		_ = handle.stop()
		return err
	}
	defer func() {
		_ = conn.Close()
		unsubscribe()
		if err := handle.stop(); err != nil {
			log.Warn("kernel stop failed", "err", err)
		}
	}()

	r := &cellRunner{
		out:      cmd.OutOrStdout(),
		err:      cmd.ErrOrStderr(),
		input:    bufio.NewReader(cmd.InOrStdin()),
		renderer: format.NewPlainRenderer(),
		log:      log,
	}
	var failed error
	for i, code := range cells {
		c := &cell.Cell{Code: code, AllowStdin: allowStdin, Silent: opts.silent, NoHistory: noHistory}
		reply, ran, err := r.run(ctx, conn, c, stopOnError)
		if err != nil {
			return err
		}
		if !ran {
			log.Debug("empty cell skipped", "cell", i+1)
			continue
		}
		if replyErr := reply.Err(); replyErr != nil {
			failed = errors.Join(failed, fmt.Errorf("cell %d: %w", i+1, replyErr))
			if stopOnError {
				break
			}
		}
	}
	return failed
}

type cellRunner struct {
	out      io.Writer
	err      io.Writer
	input    *bufio.Reader
	renderer *format.PlainRenderer
	log      pslog.Logger
}

// run executes one cell, rendering outputs as they arrive and answering
// input requests from the terminal. ran is false for empty cells.
func (r *cellRunner) run(ctx context.Context, conn *core.Connection, c *cell.Cell, stopOnError bool) (reply schema.ExecuteReply, ran bool, err error) {
	future, err := c.Execute(ctx, conn, stopOnError)
	if err != nil {
		return schema.ExecuteReply{}, false, err
	}
	if future == nil {
		return schema.ExecuteReply{}, false, nil
	}
	for ev := range future.Events(ctx) {
		switch ev.Type {
		case core.EventOutput:
			r.render(ev.Output)
		case core.EventInput:
			value, err := r.readInput(ev.Input)
			if err != nil {
				future.Cancel()
				return schema.ExecuteReply{}, true, fmt.Errorf("read input: %w", err)
			}
			if err := future.SendInput(ctx, value); err != nil {
				return schema.ExecuteReply{}, true, err
			}
		}
	}
	reply, err = future.Wait(ctx)
	if err != nil {
		return schema.ExecuteReply{}, true, err
	}
	r.log.Debug("cell finished", "prompt", strings.Join(c.PromptLines(), " "), "status", reply.Status)
	return reply, true, nil
}

func (r *cellRunner) render(out schema.Output) {
	text, target := r.renderer.FormatOutput(out)
	if text == "" {
		return
	}
	w := r.out
	if target == format.Stderr {
		w = r.err
	}
	_, _ = io.WriteString(w, text)
}

func (r *cellRunner) readInput(req schema.InputRequest) (string, error) {
	_, _ = io.WriteString(r.err, req.Prompt)
	fd := int(os.Stdin.Fd())
	if req.Password && term.IsTerminal(fd) {
		value, err := term.ReadPassword(fd)
		_, _ = fmt.Fprintln(r.err)
		return string(value), err
	}
	line, err := r.input.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
