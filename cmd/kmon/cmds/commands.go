package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/cosiner/argv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/kmon/pkg/config"
	"github.com/go-delve/kmon/pkg/console"
	"github.com/go-delve/kmon/pkg/logflags"
	"github.com/go-delve/kmon/pkg/proc"
	"github.com/go-delve/kmon/pkg/symbols"
	"github.com/go-delve/kmon/pkg/target"
	"github.com/go-delve/kmon/pkg/terminal"
	"github.com/go-delve/kmon/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// initFile is the path to initialization file.
	initFile string
	// kernelFile is the kernel ELF image providing debug info and symbols.
	kernelFile string
	// snapshotFile describes the stopped kernel.
	snapshotFile string
	// resumeOut receives the trap frame handed back by continue or si.
	resumeOut string
	// execCmds is a pipe separated list of commands run before the prompt.
	execCmds string
	// colorMask overrides the color-mask configuration key.
	colorMask colorMaskValue

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const kmonCommandLongDesc = `kmon is the interactive monitor of a small x86 teaching kernel.

It reads a snapshot of a stopped kernel (stack, frame pointer and trap
frame) together with the kernel ELF image, and lets you inspect it with the
same commands the in-kernel monitor offers: help, kerninfo, backtrace,
chcolor, continue and si.

Commands can be run before the prompt with --exec, separated by '|':

` + "`kmon --kernel obj/kern/kernel --snapshot trap.yml --exec 'backtrace | exit'`"

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	var err error
	conf, err = config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to load configuration: %v\n", err)
		conf = &config.Config{}
	}

	// Main kmon root command.
	rootCommand = &cobra.Command{
		Use:   "kmon",
		Short: "kmon is a monitor for a stopped teaching kernel.",
		Long:  kmonCommandLongDesc,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute())
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable monitor logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (monitor, unwind, symbols, target).`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")
	rootCommand.PersistentFlags().StringVar(&kernelFile, "kernel", "", "Kernel ELF image, used for debug info and kernel symbols.")
	rootCommand.Flags().StringVar(&initFile, "init", "", "Init file, executed before the first prompt.")
	rootCommand.Flags().StringVar(&snapshotFile, "snapshot", "", "Snapshot of the stopped kernel.")
	rootCommand.Flags().StringVar(&resumeOut, "resume-out", "", "Write the trap frame handed back by continue or si to this file.")
	rootCommand.Flags().StringVar(&execCmds, "exec", "", "Pipe separated list of commands run before the first prompt.")
	rootCommand.Flags().Var(&colorMask, "color-mask", "Initial console colour attribute, for example 0x4100.")

	// 'kerninfo' subcommand.
	kerninfoCommand := &cobra.Command{
		Use:   "kerninfo",
		Short: "Print the special kernel symbols of the image given with --kernel.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(kerninfoCmd(os.Stdout))
		},
	}
	rootCommand.AddCommand(kerninfoCommand)

	// 'version' subcommand.
	var versionVerbose = false
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kmon\n%s\n", version.KmonVersion)
			if versionVerbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

// parseExec splits the --exec argument into monitor command lines.
func parseExec(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	v, err := argv.Argv(s,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	r := make([]string, 0, len(v))
	for _, words := range v {
		if len(words) == 0 {
			continue
		}
		r = append(r, strings.Join(words, " "))
	}
	return r, nil
}

// loadKernel builds the monitor collaborators from the kernel image and
// snapshot files. Either may be empty.
func loadKernel() (terminal.Kernel, *proc.Trapframe, io.Closer, error) {
	var (
		kernel terminal.Kernel
		tf     *proc.Trapframe
		closer io.Closer
	)
	if kernelFile != "" {
		table, err := symbols.Open(kernelFile, conf.DebugInfoCacheSize)
		if err != nil {
			return kernel, nil, nil, err
		}
		closer = table
		kernel.Debug = table
		kernel.Image = table
		kernel.SymLookup = table.SymLookup
		ks, err := table.KernelSymbols()
		if err != nil {
			logflags.SymbolsLogger().Warnf("kernel symbols: %v", err)
		} else {
			kernel.Symbols = &ks
		}
	}
	if snapshotFile != "" {
		snap, err := target.LoadSnapshot(snapshotFile)
		if err != nil {
			if closer != nil {
				closer.Close()
			}
			return kernel, nil, nil, err
		}
		kernel.Target = snap
		tf = snap.Trapframe()
	}
	return kernel, tf, closer, nil
}

func kerninfoCmd(out io.Writer) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	if kernelFile == "" {
		fmt.Fprintln(os.Stderr, "you must provide a kernel image with --kernel")
		return 1
	}
	kernel, _, closer, err := loadKernel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closer.Close()

	return printKerninfo(kernel, out)
}

// printKerninfo runs the kerninfo monitor command once, without a prompt.
func printKerninfo(kernel terminal.Kernel, out io.Writer) int {
	term := terminal.New(kernel, conf, console.New(out, console.Plain), noInput{})
	term.Dispatch("kerninfo", nil)
	if kernel.Symbols == nil {
		return 1
	}
	return 0
}

// noInput is a LineSource for sessions without a prompt.
type noInput struct{}

func (noInput) Prompt(string) (string, error) { return "", io.EOF }

func execute() int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	initCmds, err := parseExec(execCmds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --exec argument: %v\n", err)
		return 1
	}

	kernel, tf, closer, err := loadKernel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if closer != nil {
		defer closer.Close()
	}

	if colorMask.set {
		m := colorMask.mask
		conf.ColorMask = &m
	}

	handoff := &proc.Handoff{}
	kernel.Resumer = handoff

	term := terminal.New(kernel, conf, console.Stdout(conf.TrueColor), nil)
	term.InitFile = initFile
	term.InitCommands = initCmds

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sys.SIGTERM, sys.SIGHUP)
	go func() {
		if _, ok := <-ch; ok {
			term.Close()
			os.Exit(1)
		}
	}()

	outcome, err := term.Run(tf)
	signal.Stop(ch)
	close(ch)
	term.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logflags.MonitorLogger().Debugf("session %v", outcome)

	if outcome == terminal.Resumed {
		resumed, _ := handoff.Resumed()
		if err := writeResumed(resumed); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	return 0
}

// writeResumed stores the resumed trap frame in the --resume-out file, or
// prints it when no file was given.
func writeResumed(tf *proc.Trapframe) error {
	if tf == nil {
		return errors.New("session resumed without a trap frame")
	}
	if resumeOut == "" {
		return target.WriteTrapframe(os.Stdout, tf)
	}
	fh, err := os.Create(resumeOut)
	if err != nil {
		return err
	}
	if err := target.WriteTrapframe(fh, tf); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}

// colorMaskValue is a pflag.Value holding a CGA colour attribute.
type colorMaskValue struct {
	mask uint16
	set  bool
}

var _ pflag.Value = (*colorMaskValue)(nil)

func (v *colorMaskValue) String() string {
	if !v.set {
		return ""
	}
	return fmt.Sprintf("%#04x", v.mask)
}

func (v *colorMaskValue) Set(s string) error {
	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return fmt.Errorf("invalid colour attribute %q", s)
	}
	if n&0xff != 0 {
		return fmt.Errorf("invalid colour attribute %q: low byte must be zero", s)
	}
	v.mask, v.set = uint16(n), true
	return nil
}

func (v *colorMaskValue) Type() string {
	return "mask"
}
