// Package terminal implements the monitor's command loop: it reads lines,
// splits them into arguments and dispatches them to the registered
// commands.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-delve/kmon/pkg/proc"
	"github.com/go-delve/kmon/pkg/symbols"
)

// MaxArgs bounds the number of whitespace separated arguments on a line,
// command name included. A line must have fewer than MaxArgs arguments.
const MaxArgs = 16

const whitespace = "\t\r\n "

// functionNameBufSize is the size of the buffer function names are copied
// into before printing, terminator included.
const functionNameBufSize = 100

type callContext struct {
	// Trapframe is the interrupted execution context, nil when the monitor
	// was not entered from a trap.
	Trapframe *proc.Trapframe
}

type cmdfunc func(t *Term, ctx callContext, args []string) error

type command struct {
	aliases        []string
	builtinAliases []string
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands is the ordered command registry of the monitor.
type Commands struct {
	cmds []command
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help"}, cmdFn: c.help, helpMsg: "Display this list of commands"},
		{aliases: []string{"kerninfo"}, cmdFn: kerninfo, helpMsg: "Display information about the kernel"},
		{aliases: []string{"backtrace"}, cmdFn: backtrace, helpMsg: "Trace the stack and call hierarchy"},
		{aliases: []string{"chcolor"}, cmdFn: chcolor, helpMsg: "Change the default display color"},
		{aliases: []string{"continue"}, cmdFn: cont, helpMsg: "Continue from a breakpoint"},
		{aliases: []string{"si"}, cmdFn: stepInstruction, helpMsg: "Continue from a breakpoint with single step"},
		{aliases: []string{"exit"}, cmdFn: exitCommand, helpMsg: "Leave the monitor"},
	}

	return c
}

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) cmdfunc {
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// Call parses cmdstr and runs the command it names, passing tf through to
// the command.
func (c *Commands) Call(cmdstr string, t *Term, tf *proc.Trapframe) error {
	args, err := parseArgs(cmdstr)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	return c.Find(args[0])(t, callContext{Trapframe: tf}, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

// names returns every name a command can be invoked with.
func (c *Commands) names() []string {
	var r []string
	for _, cmd := range c.cmds {
		r = append(r, cmd.aliases...)
	}
	return r
}

// TooManyArgsError is returned for lines with MaxArgs or more arguments.
type TooManyArgsError struct{}

func (TooManyArgsError) Error() string {
	return fmt.Sprintf("Too many arguments (max %d)", MaxArgs)
}

// UnknownCommandError is returned when no command matches the first
// argument of a line.
type UnknownCommandError struct {
	Name string
}

func (e UnknownCommandError) Error() string {
	return fmt.Sprintf("Unknown command '%s'", e.Name)
}

func parseArgs(cmdstr string) ([]string, error) {
	args := strings.FieldsFunc(cmdstr, func(r rune) bool {
		return strings.ContainsRune(whitespace, r)
	})
	if len(args) >= MaxArgs {
		return nil, TooManyArgsError{}
	}
	return args, nil
}

func noCmdAvailable(t *Term, ctx callContext, args []string) error {
	return UnknownCommandError{Name: args[0]}
}

func (c *Commands) help(t *Term, ctx callContext, args []string) error {
	if len(args) > 1 {
		for _, cmd := range c.cmds {
			if cmd.match(args[1]) {
				printHelpLine(t, cmd)
				return nil
			}
		}
		return UnknownCommandError{Name: args[1]}
	}
	for _, cmd := range c.cmds {
		printHelpLine(t, cmd)
	}
	return nil
}

func printHelpLine(t *Term, cmd command) {
	if len(cmd.aliases) > 1 {
		t.stdout.Printf("%s - %s (alias: %s)\n", cmd.aliases[0], cmd.helpMsg, strings.Join(cmd.aliases[1:], " | "))
		return
	}
	t.stdout.Printf("%s - %s\n", cmd.aliases[0], cmd.helpMsg)
}

func kerninfo(t *Term, ctx callContext, args []string) error {
	k := t.kernel.Symbols
	if k == nil {
		return errors.New("kernel symbols not available")
	}
	kernbase := t.conf.GetKernBase()
	t.stdout.Printf("Special kernel symbols:\n")
	t.stdout.Printf("  _start                  %08x (phys)\n", k.Start)
	t.stdout.Printf("  entry  %08x (virt)  %08x (phys)\n", k.Entry, k.Entry-kernbase)
	t.stdout.Printf("  etext  %08x (virt)  %08x (phys)\n", k.Etext, k.Etext-kernbase)
	t.stdout.Printf("  edata  %08x (virt)  %08x (phys)\n", k.Edata, k.Edata-kernbase)
	t.stdout.Printf("  end    %08x (virt)  %08x (phys)\n", k.End, k.End-kernbase)
	t.stdout.Printf("Kernel executable memory footprint: %dKB\n", k.Footprint())
	return nil
}

func backtrace(t *Term, ctx callContext, args []string) error {
	tgt := t.kernel.Target
	if tgt == nil {
		return errors.New("no stack to trace")
	}
	arch := tgt.Arch()
	w := arch.HexWidth()

	t.stdout.Printf("Stack backtrace:\n")
	it := proc.TargetStackIterator(tgt, t.conf.MaxBacktraceDepth)
	for it.Next() {
		frame := it.Frame()
		site := t.pcToSite(frame.Ret)

		var b strings.Builder
		fmt.Fprintf(&b, "  %s %0*x  %s %0*x  args", arch.FPName, w, frame.FramePointer, arch.PCName, w, frame.Ret)
		for _, arg := range frame.Args {
			fmt.Fprintf(&b, " %0*x", w, arg)
		}
		t.stdout.Printf("%s\n", b.String())
		t.stdout.Printf("         %s:%d: %s+%d\n", site.File, site.Line, boundedName(site.Function), site.Offset(frame.Ret))
	}
	return it.Err()
}

// boundedName copies name into a fixed size buffer, truncating it.
func boundedName(name string) string {
	var buf [functionNameBufSize - 1]byte
	n := copy(buf[:], name)
	return string(buf[:n])
}

func chcolor(t *Term, ctx callContext, args []string) error {
	if len(args) != 2 {
		t.stdout.Printf("Argument number error\n")
		return nil
	}
	if len(args[1]) != 2 {
		t.stdout.Printf("Argument error\n")
		return nil
	}
	mask := uint16(backgroundColor(args[1][0])|foregroundColor(args[1][1])) << 8
	t.stdout.SetColorMask(mask)
	t.stdout.Printf("Color changed\n")
	return nil
}

func backgroundColor(c byte) uint8 {
	switch c {
	case 'r':
		return 1 << 6
	case 'g':
		return 1 << 5
	case 'b':
		return 1 << 4
	case 'w':
		return 0x70
	}
	return 0
}

func foregroundColor(c byte) uint8 {
	switch c {
	case 'r':
		return 1 << 2
	case 'g':
		return 1 << 1
	case 'b':
		return 1
	case 'w':
		return 0x07
	}
	return 0
}

func cont(t *Term, ctx callContext, args []string) error {
	if ctx.Trapframe == nil {
		t.stdout.Printf("Not a breakpoint\n")
		return nil
	}
	ctx.Trapframe.SetTrace(false)
	return t.resume(ctx.Trapframe)
}

func stepInstruction(t *Term, ctx callContext, args []string) error {
	if ctx.Trapframe == nil {
		t.stdout.Printf("Not a breakpoint\n")
		return nil
	}
	t.stdout.Printf("Single Step\n")
	ctx.Trapframe.SetTrace(true)
	return t.resume(ctx.Trapframe)
}

// ExitRequestError is returned when the user
// exits the monitor.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, ctx callContext, args []string) error {
	return ExitRequestError{}
}

// executeFile runs every line of the file name as a command. Empty lines
// and lines starting with '#' are skipped. It reports whether a command
// asked to leave the monitor.
func (c *Commands) executeFile(t *Term, name string, tf *proc.Trapframe) (bool, error) {
	fh, err := os.Open(name)
	if err != nil {
		return false, err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t, tf); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return true, nil
			}
			t.stdout.Printf("%s:%d: %v\n", name, lineno, err)
		}
	}

	return false, scanner.Err()
}

func (t *Term) pcToSite(pc uint64) symbols.Site {
	if t.kernel.Debug == nil {
		return symbols.UnknownSite(pc)
	}
	site, _ := t.kernel.Debug.PCToSite(pc)
	return site
}
