package terminal

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/go-delve/kmon/pkg/proc"
	"github.com/go-delve/kmon/pkg/target"
)

func TestRunExit(t *testing.T) {
	ft := newFakeTerminal(t, testKernel(), nil, "help", "  ", "exit", "kerninfo")
	outcome, err := ft.Run(nil)
	if err != nil || outcome != Exited {
		t.Fatalf("Run() = %v, %v", outcome, err)
	}
	out := ft.out.String()
	if !strings.HasPrefix(out, "Welcome to the kernel monitor!\nType 'help' for a list of commands.\n") {
		t.Fatalf("missing banner:\n%s", out)
	}
	if strings.Contains(out, "Special kernel symbols") {
		t.Fatalf("command after exit was run:\n%s", out)
	}
	if ft.lines.prompts != 3 {
		t.Fatalf("expected 3 prompts, got %d", ft.lines.prompts)
	}
}

func TestRunEOF(t *testing.T) {
	ft := newFakeTerminal(t, testKernel(), nil, "frobnicate")
	outcome, err := ft.Run(nil)
	if err != nil || outcome != Exited {
		t.Fatalf("Run() = %v, %v", outcome, err)
	}
	if out := ft.out.String(); !strings.HasSuffix(out, "Unknown command 'frobnicate'\nexit\n") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

type failingLines struct{}

func (failingLines) Prompt(string) (string, error) {
	return "", errors.New("terminal gone")
}

func TestRunPromptError(t *testing.T) {
	ft := newFakeTerminal(t, testKernel(), nil)
	ft.line = failingLines{}
	if _, err := ft.Run(nil); err == nil || !strings.Contains(err.Error(), "terminal gone") {
		t.Fatalf("expected prompt error, got %v", err)
	}
}

func TestRunResume(t *testing.T) {
	ft := newFakeTerminal(t, testKernel(), nil, "continue", "si", "si")
	tf := &proc.Trapframe{TrapNo: proc.TrapBrkpt, EIP: 0xf0100a4c, EFlags: 0x146}

	outcome, err := ft.Run(tf)
	if err != nil || outcome != Resumed {
		t.Fatalf("Run() = %v, %v", outcome, err)
	}
	if len(ft.resumer.calls) != 1 || ft.resumer.calls[0].EFlags != 0x46 {
		t.Fatalf("unexpected resume calls %#v", ft.resumer.calls)
	}
	if out := ft.out.String(); !strings.Contains(out, "TRAP frame") || !strings.Contains(out, "  trap 0x00000003 Breakpoint\n") {
		t.Fatalf("trap frame not printed:\n%s", out)
	}
	// the next session starts where the previous one left off
	outcome, _ = ft.Run(tf)
	if outcome != Resumed || len(ft.resumer.calls) != 2 || !ft.resumer.calls[1].Tracing() {
		t.Fatalf("second session: %v %#v", outcome, ft.resumer.calls)
	}
}

func TestRunWithoutTrapframe(t *testing.T) {
	ft := newFakeTerminal(t, testKernel(), nil, "continue", "si")
	outcome, err := ft.Run(nil)
	if err != nil || outcome != Exited {
		t.Fatalf("Run() = %v, %v", outcome, err)
	}
	if out := ft.out.String(); strings.Count(out, "Not a breakpoint\n") != 2 {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if len(ft.resumer.calls) != 0 {
		t.Fatal("resume primitive called")
	}
}

func TestRunInitCommands(t *testing.T) {
	ft := newFakeTerminal(t, testKernel(), nil, "help")
	ft.InitCommands = []string{"chcolor rb", "exit"}
	outcome, err := ft.Run(nil)
	if err != nil || outcome != Exited {
		t.Fatalf("Run() = %v, %v", outcome, err)
	}
	if ft.lines.prompts != 0 {
		t.Fatalf("prompted %d times after exit", ft.lines.prompts)
	}
	if ft.stdout.ColorMask() != 0x4100 {
		t.Fatalf("init command not run")
	}
}

func TestRunCorruptedStack(t *testing.T) {
	mem := testStack()
	// the outer frame links back to the inner one
	binary.LittleEndian.PutUint32(mem[0x24:], stackBase+8)
	kernel := testKernel()
	kernel.Target = target.NewSnapshot(proc.I386Arch(), stackBase, mem, stackBase+8, nil)
	ft := newFakeTerminal(t, kernel, nil, "backtrace", "backtrace", "help", "exit")
	outcome, err := ft.Run(nil)
	if err != nil || outcome != Exited {
		t.Fatalf("Run() = %v, %v", outcome, err)
	}
	out := ft.out.String()
	if n := strings.Count(out, "corrupted frame chain at frame 2"); n != 2 {
		t.Fatalf("expected two diagnostics, got %d:\n%s", n, out)
	}
	if !strings.Contains(out, "help - Display this list of commands\n") {
		t.Fatalf("monitor stopped after a corrupted backtrace:\n%s", out)
	}
}

func TestRunNoStack(t *testing.T) {
	kernel := testKernel()
	kernel.Target = nil
	ft := newFakeTerminal(t, kernel, nil, "backtrace", "help", "exit")
	outcome, err := ft.Run(nil)
	if err != nil || outcome != Exited {
		t.Fatalf("Run() = %v, %v", outcome, err)
	}
	out := ft.out.String()
	if !strings.Contains(out, "no stack to trace\n") || !strings.Contains(out, "help - Display this list of commands\n") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestOutcomeString(t *testing.T) {
	if Exited.String() != "exited" || Resumed.String() != "resumed" || Outcome(9).String() != "Outcome(9)" {
		t.Fatal("unexpected Outcome strings")
	}
}
