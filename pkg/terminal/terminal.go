package terminal

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"

	"github.com/go-delve/kmon/pkg/config"
	"github.com/go-delve/kmon/pkg/console"
	"github.com/go-delve/kmon/pkg/logflags"
	"github.com/go-delve/kmon/pkg/proc"
	"github.com/go-delve/kmon/pkg/symbols"
)

// LineSource produces the monitor's input one line at a time. Prompt
// returns io.EOF when no more input is available. *liner.State is a
// LineSource.
type LineSource interface {
	Prompt(prompt string) (string, error)
}

// Kernel groups the collaborators describing the stopped kernel. Every
// field may be nil; the commands needing a missing collaborator report
// an error.
type Kernel struct {
	// Target provides the stack memory and frame pointer for backtrace.
	Target proc.Target
	// Debug resolves return addresses.
	Debug symbols.DebugInfo
	// Symbols are the link-time addresses printed by kerninfo.
	Symbols *symbols.KernelSymbols
	// Image reads kernel code, used to show the trapping instruction.
	Image proc.MemoryReader
	// SymLookup names code addresses in disassembly.
	SymLookup proc.SymLookup
	// Resumer restores the trap frame for continue and si.
	Resumer proc.Resumer
}

// Signal tells the monitor loop whether to keep reading commands.
type Signal uint8

const (
	SignalContinue Signal = iota
	SignalStop
)

// Outcome describes how a monitor session ended.
type Outcome uint8

const (
	// Exited means the session ended on the exit command or end of input.
	Exited Outcome = iota
	// Resumed means control was transferred back to the trap frame.
	Resumed
)

func (o Outcome) String() string {
	switch o {
	case Exited:
		return "exited"
	case Resumed:
		return "resumed"
	}
	return fmt.Sprintf("Outcome(%d)", uint8(o))
}

// Term represents the monitor console.
type Term struct {
	kernel Kernel
	conf   *config.Config
	prompt string
	line   LineSource
	cmds   *Commands
	stdout *console.Console

	// InitFile is a file of commands run before the first prompt.
	InitFile string
	// InitCommands are run before InitFile.
	InitCommands []string

	log logflags.Logger
}

// New returns a new Term. A nil line reads from the terminal with liner.
func New(kernel Kernel, conf *config.Config, stdout *console.Console, line LineSource) *Term {
	cmds := DebugCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	if conf == nil {
		conf = &config.Config{}
	}
	if conf.ColorMask != nil {
		stdout.SetColorMask(*conf.ColorMask)
	}

	t := &Term{
		kernel: kernel,
		conf:   conf,
		prompt: conf.GetPrompt(),
		line:   line,
		cmds:   cmds,
		stdout: stdout,
		log:    logflags.MonitorLogger(),
	}
	if t.line == nil {
		l := liner.NewLiner()
		l.SetCtrlCAborts(true)
		l.SetCompleter(t.completer())
		t.line = l
	}
	return t
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if l, ok := t.line.(*liner.State); ok {
		l.Close()
	}
}

// Run runs a monitor session for the trap frame tf, nil when the monitor
// was not entered from a trap. The session reads and dispatches commands
// until the exit command, the end of input, or until continue or si hand
// tf back to the Resumer.
//
// The session runs on its own goroutine: a Resumer never returns, and
// hosted Resumers end that goroutine with runtime.Goexit.
func (t *Term) Run(tf *proc.Trapframe) (Outcome, error) {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- t.session(tf)
	}()
	err, finished := <-done
	if !finished {
		t.log.Debugf("session resumed trap frame")
		return Resumed, nil
	}
	return Exited, err
}

func (t *Term) session(tf *proc.Trapframe) error {
	t.stdout.Printf("Welcome to the kernel monitor!\n")
	t.stdout.Printf("Type 'help' for a list of commands.\n")

	if tf != nil {
		tf.Print(t.stdout)
		t.printInstruction(tf)
	}

	for _, cmdstr := range t.InitCommands {
		if t.Dispatch(cmdstr, tf) == SignalStop {
			return nil
		}
	}

	if t.InitFile != "" {
		exit, err := t.cmds.executeFile(t, t.InitFile, tf)
		if err != nil {
			t.stdout.Printf("Error executing init file: %s\n", err)
		}
		if exit {
			return nil
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.stdout.Printf("exit\n")
				return nil
			}
			if errors.Is(err, liner.ErrPromptAborted) {
				continue
			}
			return fmt.Errorf("prompt for input failed: %w", err)
		}

		if t.Dispatch(cmdstr, tf) == SignalStop {
			return nil
		}
	}
}

// Dispatch runs the command on cmdstr. Errors are reported on the console;
// the returned Signal is SignalStop only when the command asked to leave
// the monitor.
func (t *Term) Dispatch(cmdstr string, tf *proc.Trapframe) Signal {
	if logflags.Monitor() {
		t.log.Debugf("dispatch %q (trap frame %v)", cmdstr, tf != nil)
	}
	err := t.cmds.Call(cmdstr, t, tf)
	if err == nil {
		return SignalContinue
	}
	var ere ExitRequestError
	if errors.As(err, &ere) {
		return SignalStop
	}
	t.stdout.Printf("%v\n", err)
	return SignalContinue
}

// resume hands tf to the Resumer. It only returns when there is no Resumer.
func (t *Term) resume(tf *proc.Trapframe) error {
	if t.kernel.Resumer == nil {
		return errors.New("cannot resume: no resume primitive")
	}
	t.log.Debugf("resuming eip=%#x eflags=%#x", tf.EIP, tf.EFlags)
	t.kernel.Resumer.Resume(tf)
	panic("terminal: Resume returned")
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if lh, ok := t.line.(*liner.State); ok && strings.TrimSpace(l) != "" {
		lh.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) completer() liner.Completer {
	tr := trie.New()
	for _, name := range t.cmds.names() {
		tr.Add(name, nil)
	}
	return func(line string) []string {
		if strings.ContainsAny(line, whitespace) {
			return nil
		}
		c := tr.PrefixSearch(line)
		sort.Strings(c)
		return c
	}
}

// printInstruction prints the instruction the trap frame will resume at.
func (t *Term) printInstruction(tf *proc.Trapframe) {
	if t.kernel.Image == nil {
		return
	}
	buf := make([]byte, 16)
	n, err := t.kernel.Image.ReadMemory(buf, uint64(tf.EIP))
	if n == 0 {
		t.log.Debugf("could not read instruction at %#x: %v", tf.EIP, err)
		return
	}
	inst, err := proc.Disassemble(buf[:n], uint64(tf.EIP), proc.I386Arch(), t.kernel.SymLookup)
	if err != nil {
		t.log.Debugf("could not decode instruction at %#x: %v", tf.EIP, err)
		return
	}
	t.stdout.Printf("=> %08x: %s\n", inst.Loc, inst.Text)
}
