package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/openziti/vmlab/kernel/agent"
	"github.com/openziti/vmlab/kernel/model"
	"github.com/pkg/errors"
)

// Decision is what the operator chose at a pause point.
type Decision int

const (
	Resume Decision = iota
	Restart
	Abort
)

// DetachLine ends a console attachment from the pause console.
const DetachLine = "~."

// Console carries operator commands to the engine while it holds at a pause point. Input is
// read line by line in the background so a pause can still honour cancellation.
type Console struct {
	lines <-chan string
	out   *syncWriter
}

func NewConsole(in io.Reader, out io.Writer) *Console {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()
	return &Console{lines: lines, out: &syncWriter{w: out}}
}

func (c *Console) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

const pauseHelp = `commands:
  status                          list instances and integrations with their states
  attach <instance>               relay the instance console, "~." detaches
  get <instance> <remote> [local] copy a file from the instance
  put <instance> <local> <remote> copy a file to the instance
  preserve <instance> <path>      copy path into the results at dismantle
  resume                          continue to the next phase
  restart                         run the experiment again (before dismantle only)
  abort                           skip to dismantle
`

// pause holds before point until the operator resumes, restarts or aborts. Without a console
// the pause is skipped.
func (e *Engine) pause(ctx context.Context, point model.PausePoint) (Decision, error) {
	if !e.run.Pause.Has(point) {
		return Resume, nil
	}
	c := e.deps.Console
	if c == nil {
		e.log.Warnf("no operator console, not pausing before %s", point)
		return Resume, nil
	}
	e.log.Infof("paused before %s", point)
	c.printf("paused before %s, type help for commands\n", point)
	for {
		c.printf("vmlab> ")
		var line string
		select {
		case l, ok := <-c.lines:
			if !ok {
				e.log.Warn("operator console closed, resuming")
				return Resume, nil
			}
			line = l
		case <-ctx.Done():
			return Abort, ctx.Err()
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "resume", "continue":
			return Resume, nil
		case "restart":
			if point == model.PauseBeforeDismantle {
				return Restart, nil
			}
			e.log.Warnf("restart only applies before dismantle, resuming before %s", point)
			return Resume, nil
		case "abort":
			e.log.Warn("operator aborted the testbed")
			return Abort, errAborted
		case "help":
			c.printf("%s", pauseHelp)
		default:
			if err := e.command(ctx, c, fields); err != nil {
				c.printf("error: %v\n", err)
			}
		}
	}
}

func (e *Engine) command(ctx context.Context, c *Console, fields []string) error {
	args := fields[1:]
	switch fields[0] {
	case "status":
		for _, inst := range e.tb.Instances {
			state := model.InstanceState("not launched")
			if e.sup != nil {
				if si, found := e.sup.Instance(inst.Name); found {
					state = si.State()
				}
			}
			c.printf("%-16s %s\n", inst.Name, state)
		}
		e.mu.Lock()
		files := e.files
		e.mu.Unlock()
		if files != nil {
			c.printf("%-16s %s\n", "file server", files.URL())
		}
		for _, i := range e.tb.Integrations {
			c.printf("%-16s %s (integration, %s)\n", i.Name, e.runner.State(i.Name), i.Phase)
		}
		return nil

	case "attach":
		if len(args) != 1 {
			return errors.New("usage: attach <instance>")
		}
		return e.attach(ctx, c, args[0])

	case "get":
		if len(args) < 2 || len(args) > 3 {
			return errors.New("usage: get <instance> <remote> [local]")
		}
		local := filepath.Join(e.cfg.TestbedResultsDir(e.tb.Tag), args[0], filepath.Base(args[1]))
		if len(args) == 3 {
			local = args[2]
		}
		if err := e.copyFile(ctx, args[0], agent.CopyFromInstance, args[1], local); err != nil {
			return err
		}
		c.printf("copied %s:%s to %s\n", args[0], args[1], local)
		return nil

	case "put":
		if len(args) != 3 {
			return errors.New("usage: put <instance> <local> <remote>")
		}
		if err := e.copyFile(ctx, args[0], agent.CopyToInstance, args[2], args[1]); err != nil {
			return err
		}
		c.printf("copied %s to %s:%s\n", args[1], args[0], args[2])
		return nil

	case "preserve":
		if len(args) != 2 {
			return errors.New("usage: preserve <instance> <path>")
		}
		if e.tb.Instance(args[0]) == nil {
			return errors.Errorf("unknown instance [%s]", args[0])
		}
		e.markPreserve(args[0], args[1])
		c.printf("%s:%s will be preserved\n", args[0], args[1])
		return nil
	}
	return errors.Errorf("unknown command [%s], type help", fields[0])
}

// attach relays the instance console until the operator enters DetachLine or the console
// closes.
func (e *Engine) attach(ctx context.Context, c *Console, name string) error {
	if e.sup == nil {
		return errors.New("no instances launched")
	}
	con, err := e.sup.AttachConsole(ctx, name)
	if err != nil {
		return err
	}
	c.printf("attached to [%s], %q on a line of its own detaches\n", name, DetachLine)
	relayed := make(chan struct{})
	go func() {
		_, _ = io.Copy(c.out, con)
		close(relayed)
	}()
	defer func() {
		_ = con.Close()
		<-relayed
		c.printf("detached from [%s]\n", name)
	}()
	for {
		select {
		case line, ok := <-c.lines:
			if !ok || line == DetachLine {
				return nil
			}
			if _, err := io.WriteString(con, line+"\n"); err != nil {
				return errors.Wrapf(err, "console of [%s]", name)
			}
		case <-relayed:
			return errors.Errorf("console of [%s] closed", name)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
