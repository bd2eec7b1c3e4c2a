package cmds

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/machexc/pkg/config"
	"github.com/go-delve/machexc/pkg/debugdetect"
	"github.com/go-delve/machexc/pkg/fault"
	"github.com/go-delve/machexc/pkg/logflags"
	"github.com/go-delve/machexc/pkg/mach"
	"github.com/go-delve/machexc/pkg/mach/regs"
	"github.com/go-delve/machexc/pkg/seh"
	"github.com/go-delve/machexc/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// mask overrides the exception kinds of the configuration file.
	mask mach.Mask
	// scope is "thread" or "task".
	scope string
	// behavior is "default" or "state-identity".
	behavior string
	// repair is the name of the repair policy.
	repair string
	// skipWidth is the number of bytes skipped by the skip policy.
	skipWidth uint64
	// onStateError is "best-effort" or "fail-fast".
	onStateError string
	// repeatLimit bounds consecutive faults at the same instruction.
	repeatLimit int

	// count is the number of times every fault is raised.
	count int
	// hostMode installs the handler through seh.InitializeHost.
	hostMode bool
	// verbose makes the version command print build information.
	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const machexcCommandLongDesc = `machexc catches hardware exceptions raised by threads of its own process
through a Mach exception port, repairs them and lets the threads continue.

The run command installs an exception port and raises faults against it,
which is a quick way to check that exception handling works on a machine.
Options not given on the command line are read from ~/.machexc/config.yml.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	rootCommand = &cobra.Command{
		Use:           "machexc",
		Short:         "machexc catches Mach exceptions of the current process.",
		Long:          machexcCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'machexc help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'machexc help log').")

	// 'run' subcommand.
	runCommand := &cobra.Command{
		Use:   "run [kind...]",
		Short: "Install an exception port and raise faults against it.",
		Long: `Install an exception port and raise faults against it.

Every kind given as argument (bad-access, bad-instruction or arithmetic, or an
unambiguous prefix) is raised on the thread the port is installed on. Without
arguments every kind of the mask that can be raised on this architecture is.

Only the skip policy repairs a fault. With the forward or decline policies the
fault reaches the Go runtime unless another handler takes care of it, which
usually terminates the process.`,
		RunE: runCmd,
	}
	addSEHFlags(runCommand)
	runCommand.Flags().IntVarP(&count, "count", "n", 1, "Number of times every fault is raised.")
	runCommand.Flags().BoolVar(&hostMode, "host", false, "Install the handler with the default configuration, as a host application would.")
	rootCommand.AddCommand(runCommand)

	// 'handlers' subcommand.
	handlersCommand := &cobra.Command{
		Use:   "handlers",
		Short: "Print the exception handlers of the current thread and task.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logflags.Setup(log, logOutput, logDest); err != nil {
				return err
			}
			defer logflags.Close()
			k, err := mach.Native()
			if err != nil {
				return err
			}
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			printHandlers(cmd.OutOrStdout(), k)
			if traced, err := debugdetect.IsDebuggerAttached(); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "traced by a debugger: %v\n", traced)
			}
			return nil
		},
	}
	rootCommand.AddCommand(handlersCommand)

	// 'triggers' subcommand.
	triggersCommand := &cobra.Command{
		Use:   "triggers",
		Short: "Print the instructions used to raise faults.",
		Run: func(cmd *cobra.Command, args []string) {
			printTriggers(cmd.OutOrStdout())
		},
	}
	rootCommand.AddCommand(triggersCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "machexc\n%s\n", version.MachexcVersion)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	kernel		Log calls into the Mach kernel
	codec		Log every exception message received or sent
	registry	Log lookups of previously installed handlers
	dispatch	Log every step of the dispatch loop (default)
	cli		Log command line processing

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func addSEHFlags(cmd *cobra.Command) {
	cmd.Flags().Var(maskValue{&mask}, "mask", "Comma separated list of exception kinds routed to the exception port.")
	cmd.Flags().StringVar(&scope, "scope", "", `Install the port on the "thread" or on the "task".`)
	cmd.Flags().StringVar(&behavior, "behavior", "", `Exception behavior, "default" or "state-identity".`)
	cmd.Flags().StringVar(&repair, "repair", "", fmt.Sprintf("Repair policy, one of %s.", strings.Join(seh.RepairPolicyNames, ", ")))
	cmd.Flags().Uint64Var(&skipWidth, "skip-width", 0, "Bytes skipped by the skip policy.")
	cmd.Flags().StringVar(&onStateError, "on-state-error", "", `What to do when registers can not be accessed, "best-effort" or "fail-fast".`)
	cmd.Flags().IntVar(&repeatLimit, "repeat-limit", seh.DefaultRepeatLimit, "Consecutive faults at one instruction that are repaired, 0 for no limit.")
}

// sehConfig merges the flags that were set on cmd into the configuration
// file.
func sehConfig(cmd *cobra.Command) (seh.Config, error) {
	c := *conf
	flags := cmd.Flags()
	if flags.Changed("scope") {
		c.Scope = scope
	}
	if flags.Changed("behavior") {
		c.Behavior = behavior
	}
	if flags.Changed("repair") {
		c.Repair = repair
	}
	if flags.Changed("skip-width") {
		c.SkipWidth = &skipWidth
	}
	if flags.Changed("on-state-error") {
		c.OnStateError = onStateError
	}
	if flags.Changed("repeat-limit") {
		c.RepeatLimit = &repeatLimit
	}
	if flags.Changed("mask") {
		c.Mask = mask.KindNames()
	}
	return c.SEHConfig()
}

func runCmd(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	defer logflags.Close()

	cfg, err := sehConfig(cmd)
	if err != nil {
		return err
	}
	kinds, err := faultKinds(args, cfg.Mask)
	if err != nil {
		return err
	}
	if count <= 0 {
		return errors.New("--count must be positive")
	}
	k, err := mach.Native()
	if err != nil {
		return err
	}
	if traced, _ := debugdetect.IsDebuggerAttached(); traced && cfg.Scope == seh.ScopeTask {
		logflags.CLILogger().Warn("a debugger is attached, faults will reach it before the task exception port")
	}
	page, err := fault.NewGuardPage()
	if err != nil {
		return err
	}
	defer page.Close()

	// Thread scoped ports only see faults of the thread they were
	// installed from.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	raise := func(kind mach.Kind) error {
		return fault.Raise(kind, page.Addr())
	}
	if hostMode {
		if !seh.InitializeHost(cfg.Mask) {
			return errors.New("exception handling could not be installed")
		}
		return raiseFaults(cmd.OutOrStdout(), regs.Native(), nil, kinds, count, raise)
	}
	return installAndRaise(cmd.OutOrStdout(), k, cfg, kinds, count, raise)
}

// faultKinds returns the kinds named by args, or the kinds of m, in mask
// order.
func faultKinds(args []string, m mach.Mask) ([]mach.Kind, error) {
	want := m & mach.HardwareMask
	if len(args) > 0 {
		var err error
		want, err = mach.ParseMask(strings.Join(args, ","))
		if err != nil {
			return nil, err
		}
		if rest := want &^ m; rest != 0 {
			return nil, fmt.Errorf("%s not in the exception mask %s", rest, m)
		}
	}
	if want == 0 {
		return nil, errors.New("no faults to raise")
	}
	return want.Kinds(), nil
}

// installAndRaise installs an exception port configured by cfg on the
// calling thread and raises every kind count times.
func installAndRaise(out io.Writer, k mach.Kernel, cfg seh.Config, kinds []mach.Kind, count int, raise func(mach.Kind) error) error {
	var repaired int64
	cfg.Tracer = seh.MultiTracer(seh.LogTracer(), seh.TracerFunc(func(e seh.Event) {
		if e.Kind == seh.EventRepaired && e.RetCode == mach.KernSuccess {
			atomic.AddInt64(&repaired, 1)
		}
	}))
	h, err := seh.Initialize(k, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Close(); err != nil {
			logflags.CLILogger().WithError(err).Error("could not close exception port")
		}
	}()
	logflags.CLILogger().Debugf("exception port %#x installed on %s for %s", uint32(h.Port()), h.Target(), h.Mask())
	arch := cfg.Arch
	if arch == nil {
		arch = regs.Native()
	}
	return raiseFaults(out, arch, &repaired, kinds, count, raise)
}

func raiseFaults(out io.Writer, arch *regs.Arch, repaired *int64, kinds []mach.Kind, count int, raise func(mach.Kind) error) error {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "KIND\tINSTRUCTION\tRAISED\tREPAIRED\tTIME")
	for _, kind := range kinds {
		text := "?"
		if arch != nil {
			if t, err := fault.Lookup(arch, kind); err == nil {
				if s, _, err := t.Disassemble(); err == nil {
					text = s
				}
			}
		}
		var before int64
		if repaired != nil {
			before = atomic.LoadInt64(repaired)
		}
		start := time.Now()
		for i := 0; i < count; i++ {
			if err := raise(kind); err != nil {
				w.Flush()
				return fmt.Errorf("raising %s: %v", kind, err)
			}
		}
		elapsed := time.Since(start) / time.Duration(count)
		fixed := "-"
		if repaired != nil {
			fixed = fmt.Sprint(atomic.LoadInt64(repaired) - before)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%v\n", kind, text, count, fixed, elapsed)
	}
	return nil
}

// printHandlers writes the exception handlers installed on the calling
// thread and on the task.
func printHandlers(out io.Writer, k mach.Kernel) {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	defer w.Flush()
	for _, target := range []mach.Target{{Port: k.ThreadSelf()}, {Port: k.TaskSelf(), Task: true}} {
		fmt.Fprintf(w, "%s:\n", target)
		snap := seh.CaptureSnapshot(k, target)
		n := 0
		for _, e := range snap.Entries() {
			if e.Port == mach.PortNull {
				continue
			}
			fmt.Fprintf(w, "\t%#x\t%s\t%s\t%d\n", uint32(e.Port), e.Mask, e.Behavior, e.Flavor)
			n++
		}
		if n == 0 {
			fmt.Fprintln(w, "\tno handlers")
		}
	}
}

func printTriggers(out io.Writer) {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	defer w.Flush()
	for _, t := range fault.Triggers {
		// x/arch does not know every permanently undefined encoding.
		text, _, err := t.Disassemble()
		if err != nil {
			text = "?"
		}
		fmt.Fprintf(w, "%s\t%s\t% x\t%s\t%d\n", t.Arch.Name, t.Kind, t.Code, text, len(t.Code))
	}
}

// maskValue is a pflag.Value parsing a list of exception kind names.
type maskValue struct {
	m *mach.Mask
}

var _ pflag.Value = maskValue{}

func (v maskValue) String() string {
	if v.m == nil {
		return ""
	}
	return strings.Join(v.m.KindNames(), ",")
}

func (v maskValue) Set(s string) error {
	m, err := mach.ParseMask(s)
	if err != nil {
		return err
	}
	if m == 0 {
		return errors.New("no exception kinds")
	}
	*v.m = m
	return nil
}

func (v maskValue) Type() string {
	return "kinds"
}
