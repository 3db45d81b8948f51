package training

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Resolution is the operator's answer to an interrupt
type Resolution int

const (
	// ResolutionShock perturbs the current weights and keeps training
	ResolutionShock Resolution = iota + 1
	// ResolutionSave writes the best snapshot and keeps training
	ResolutionSave
	// ResolutionStop writes the best snapshot and ends the run
	ResolutionStop
)

func (r Resolution) String() string {
	switch r {
	case ResolutionShock:
		return "shock"
	case ResolutionSave:
		return "save"
	case ResolutionStop:
		return "stop"
	default:
		return fmt.Sprintf("Resolution(%d)", int(r))
	}
}

// Valid reports whether r is one of the three resolutions
func (r Resolution) Valid() bool {
	return r >= ResolutionShock && r <= ResolutionStop
}

// ParseResolution accepts "1", "2" or "3"
func ParseResolution(s string) (Resolution, error) {
	switch strings.TrimSpace(s) {
	case "1":
		return ResolutionShock, nil
	case "2":
		return ResolutionSave, nil
	case "3":
		return ResolutionStop, nil
	}
	return 0, errors.Errorf("invalid resolution %q", s)
}

// InterruptSource is polled by the trainer between batches and epochs
type InterruptSource interface {
	// Interrupted reports a pending interrupt and clears it
	Interrupted() bool
}

// Resolver decides how to handle an interrupt
type Resolver interface {
	Resolve() (Resolution, error)
}

// InterruptFlag is an InterruptSource that can be raised from any goroutine
type InterruptFlag struct {
	raised atomic.Bool
}

// Trigger raises the flag
func (f *InterruptFlag) Trigger() {
	f.raised.Store(true)
}

// Interrupted implements InterruptSource
func (f *InterruptFlag) Interrupted() bool {
	return f.raised.Swap(false)
}

// Notify raises the flag whenever one of sigs arrives. The returned
// function stops delivery.
func (f *InterruptFlag) Notify(sigs ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(ch, sigs...)
	go func() {
		for {
			select {
			case <-ch:
				f.Trigger()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// PromptResolver asks an operator on a terminal
type PromptResolver struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPromptResolver reads answers from in and writes the menu to out
func NewPromptResolver(in io.Reader, out io.Writer) *PromptResolver {
	return &PromptResolver{in: bufio.NewReader(in), out: out}
}

// Resolve blocks until a valid answer is read. Invalid answers re-prompt.
// Closed input resolves to ResolutionStop.
func (p *PromptResolver) Resolve() (Resolution, error) {
	fmt.Fprintln(p.out, "Training interrupted, choose:")
	fmt.Fprintln(p.out, "  1 - Shock weights")
	fmt.Fprintln(p.out, "  2 - Save best weights")
	fmt.Fprintln(p.out, "  3 - Stop network training")
	for {
		fmt.Fprint(p.out, "Resolution: ")
		line, err := p.in.ReadString('\n')
		if line != "" {
			if r, perr := ParseResolution(line); perr == nil {
				return r, nil
			}
			fmt.Fprintf(p.out, "Invalid choice %q\n", strings.TrimSpace(line))
		}
		if err == io.EOF {
			fmt.Fprintln(p.out)
			return ResolutionStop, nil
		}
		if err != nil {
			return 0, errors.Wrap(err, "read resolution")
		}
	}
}

// QueueResolver is the non-interactive control channel. Pushing a command
// raises an interrupt; the trainer then pops it as the resolution.
type QueueResolver struct {
	commands chan Resolution
}

// NewQueueResolver creates a queue holding up to size pending commands
func NewQueueResolver(size int) *QueueResolver {
	if size <= 0 {
		size = 1
	}
	return &QueueResolver{commands: make(chan Resolution, size)}
}

// Push enqueues a command without blocking
func (q *QueueResolver) Push(r Resolution) error {
	if !r.Valid() {
		return errors.Errorf("invalid resolution %d", int(r))
	}
	select {
	case q.commands <- r:
		return nil
	default:
		return errors.New("command queue full")
	}
}

// Interrupted implements InterruptSource
func (q *QueueResolver) Interrupted() bool {
	return len(q.commands) > 0
}

// Resolve implements Resolver and blocks until a command is queued
func (q *QueueResolver) Resolve() (Resolution, error) {
	return <-q.commands, nil
}
