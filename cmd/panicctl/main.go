package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"breakerbox/internal/capability"
	"breakerbox/internal/db"
	"breakerbox/internal/logging"
	"breakerbox/internal/panicmode"
)

var version = "dev"
var commit = ""

func main() {
	logging.Init("panicctl", nil)
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fatalf("panicctl: %v", err)
	}
}

var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}

// newStore is swapped in tests to avoid a real database.
var newStore = func(dsn string) (panicmode.Store, func(), error) {
	database, err := db.NewDB(dsn)
	if err != nil {
		return nil, nil, err
	}
	return database, func() { _ = database.Close() }, nil
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("command required")
	}
	switch args[0] {
	case "-h", "--help", "help":
		writeUsage(out)
		return nil
	case "--version", "version":
		v := version
		if strings.TrimSpace(commit) != "" {
			v = v + " (" + commit + ")"
		}
		_, _ = fmt.Fprintln(out, v)
		return nil
	}
	switch args[0] {
	case "status":
		return runStatus(args[1:], out)
	case "enable":
		return runEnable(args[1:], out)
	case "disable":
		return runDisable(args[1:], out)
	case "history":
		return runHistory(args[1:], out)
	case "list":
		return runList(args[1:], out)
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func writeUsage(out io.Writer) {
	_, _ = fmt.Fprintln(out, "Usage: panicctl <command> [flags]")
	_, _ = fmt.Fprintln(out, "")
	_, _ = fmt.Fprintln(out, "Commands:")
	_, _ = fmt.Fprintln(out, "  status [<integration>]  every breaker's state, or one breaker in detail")
	_, _ = fmt.Fprintln(out, "  enable <integration>    block an integration (-reason required, -by optional)")
	_, _ = fmt.Fprintln(out, "  disable <integration>   let traffic through again (-by optional)")
	_, _ = fmt.Fprintln(out, "  history <integration>   transition log, newest first (-limit)")
	_, _ = fmt.Fprintln(out, "  list                    every known integration with its state")
	_, _ = fmt.Fprintln(out, "")
	_, _ = fmt.Fprintln(out, "Integrations can be named positionally or with -service. The store comes")
	_, _ = fmt.Fprintln(out, "from -dsn or BREAKERBOX_DB_DSN.")
}

func isHelp(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}

// integrationName peels an optional positional integration name off the
// front so the remaining arguments can go through flag parsing.
func integrationName(args []string) (string, []string) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "", args
	}
	return args[0], args[1:]
}

// pickIntegration merges the positional name with the -service flag. An
// empty result means no selector was given.
func pickIntegration(positional, service string) (string, error) {
	service = strings.TrimSpace(service)
	if positional != "" && service != "" && positional != service {
		return "", fmt.Errorf("conflicting integration names %q and %q", positional, service)
	}
	if positional != "" {
		return positional, nil
	}
	return service, nil
}

func knownIntegration(reg *capability.Registry, name string) error {
	names := reg.IntegrationNames()
	for _, known := range names {
		if known == name {
			return nil
		}
	}
	return fmt.Errorf("unknown integration %q (valid: %s)", name, strings.Join(names, ", "))
}

// openController dials the store. Callers validate arguments first so a typo
// never costs a connection attempt.
func openController(reg *capability.Registry, dsn string) (*panicmode.Controller, func(), error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("BREAKERBOX_DB_DSN"))
	}
	if dsn == "" {
		return nil, nil, errors.New("dsn required (-dsn or BREAKERBOX_DB_DSN)")
	}
	store, cleanup, err := newStore(dsn)
	if err != nil {
		return nil, nil, err
	}
	return panicmode.NewController(reg.IntegrationNames(), store, panicmode.Options{}), cleanup, nil
}

func runStatus(args []string, out io.Writer) error {
	if len(args) > 0 && isHelp(args[0]) {
		_, _ = fmt.Fprintln(out, "Usage: panicctl status [<integration> | -service <name>] [-dsn <postgres dsn>]")
		return nil
	}
	positional, rest := integrationName(args)
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	service := fs.String("service", "", "integration name")
	dsn := fs.String("dsn", "", "postgres dsn")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	integration, err := pickIntegration(positional, *service)
	if err != nil {
		return err
	}
	reg, err := capability.NewRegistry()
	if err != nil {
		return err
	}
	// No selector: the whole board, one row per integration.
	if integration == "" {
		return writeStates(reg, *dsn, out)
	}
	if err := knownIntegration(reg, integration); err != nil {
		return err
	}
	ctrl, cleanup, err := openController(reg, *dsn)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	st, err := ctrl.GetState(ctx, integration)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, stateLine(st))
	entries, err := ctrl.History(ctx, integration, 5)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		_, _ = fmt.Fprintln(out, "")
		writeHistory(out, entries)
	}
	return nil
}

func runEnable(args []string, out io.Writer) error {
	if len(args) > 0 && isHelp(args[0]) {
		_, _ = fmt.Fprintln(out, "Usage: panicctl enable <integration> -reason <text> [-by <who>] [-dsn <postgres dsn>]")
		return nil
	}
	positional, rest := integrationName(args)
	fs := flag.NewFlagSet("enable", flag.ContinueOnError)
	service := fs.String("service", "", "integration name")
	reason := fs.String("reason", "", "why the integration is being blocked")
	by := fs.String("by", "", "operator name")
	dsn := fs.String("dsn", "", "postgres dsn")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if strings.TrimSpace(*reason) == "" {
		return errors.New("reason required")
	}
	integration, err := pickIntegration(positional, *service)
	if err != nil {
		return err
	}
	if integration == "" {
		return errors.New("integration required (name or -service)")
	}
	reg, err := capability.NewRegistry()
	if err != nil {
		return err
	}
	if err := knownIntegration(reg, integration); err != nil {
		return err
	}
	ctrl, cleanup, err := openController(reg, *dsn)
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := ctrl.Enable(context.Background(), integration, *reason, *by)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, stateLine(st))
	return nil
}

func runDisable(args []string, out io.Writer) error {
	if len(args) > 0 && isHelp(args[0]) {
		_, _ = fmt.Fprintln(out, "Usage: panicctl disable <integration> [-by <who>] [-dsn <postgres dsn>]")
		return nil
	}
	positional, rest := integrationName(args)
	fs := flag.NewFlagSet("disable", flag.ContinueOnError)
	service := fs.String("service", "", "integration name")
	by := fs.String("by", "", "operator name")
	dsn := fs.String("dsn", "", "postgres dsn")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	integration, err := pickIntegration(positional, *service)
	if err != nil {
		return err
	}
	if integration == "" {
		return errors.New("integration required (name or -service)")
	}
	reg, err := capability.NewRegistry()
	if err != nil {
		return err
	}
	if err := knownIntegration(reg, integration); err != nil {
		return err
	}
	ctrl, cleanup, err := openController(reg, *dsn)
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := ctrl.Disable(context.Background(), integration, *by)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, stateLine(st))
	return nil
}

func runHistory(args []string, out io.Writer) error {
	if len(args) > 0 && isHelp(args[0]) {
		_, _ = fmt.Fprintln(out, "Usage: panicctl history <integration> [-limit <n>] [-dsn <postgres dsn>]")
		return nil
	}
	positional, rest := integrationName(args)
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	service := fs.String("service", "", "integration name")
	limit := fs.Int("limit", 20, "max entries")
	dsn := fs.String("dsn", "", "postgres dsn")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if *limit < 0 {
		return errors.New("limit must not be negative")
	}
	integration, err := pickIntegration(positional, *service)
	if err != nil {
		return err
	}
	if integration == "" {
		return errors.New("integration required (name or -service)")
	}
	reg, err := capability.NewRegistry()
	if err != nil {
		return err
	}
	if err := knownIntegration(reg, integration); err != nil {
		return err
	}
	ctrl, cleanup, err := openController(reg, *dsn)
	if err != nil {
		return err
	}
	defer cleanup()

	entries, err := ctrl.History(context.Background(), integration, *limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(out, "no transitions recorded")
		return nil
	}
	writeHistory(out, entries)
	return nil
}

func runList(args []string, out io.Writer) error {
	if len(args) > 0 && isHelp(args[0]) {
		_, _ = fmt.Fprintln(out, "Usage: panicctl list [-dsn <postgres dsn>]")
		return nil
	}
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	dsn := fs.String("dsn", "", "postgres dsn")
	if err := fs.Parse(args); err != nil {
		return err
	}
	reg, err := capability.NewRegistry()
	if err != nil {
		return err
	}
	return writeStates(reg, *dsn, out)
}

func writeStates(reg *capability.Registry, dsn string, out io.Writer) error {
	ctrl, cleanup, err := openController(reg, dsn)
	if err != nil {
		return err
	}
	defer cleanup()

	states, err := ctrl.ListAll(context.Background())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "INTEGRATION\tCRITICALITY\tSTATE\tREASON\tSINCE")
	for _, st := range states {
		criticality := "-"
		if def, ok := reg.LookupIntegration(st.Integration); ok && def.Criticality != "" {
			criticality = def.Criticality
		}
		mode := "allowing"
		if st.Blocking {
			mode = "BLOCKING"
		}
		since := "-"
		if !st.ChangedAt.IsZero() {
			since = st.ChangedAt.UTC().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", st.Integration, criticality, mode, orDash(st.Reason), since)
	}
	return tw.Flush()
}

func stateLine(st panicmode.State) string {
	mode := "allowing"
	if st.Blocking {
		mode = "BLOCKING"
	}
	var b strings.Builder
	b.WriteString(st.Integration)
	b.WriteString(": ")
	b.WriteString(mode)
	if st.Reason != "" {
		fmt.Fprintf(&b, " (reason: %s)", st.Reason)
	}
	if st.ChangedBy != "" {
		fmt.Fprintf(&b, " by %s", st.ChangedBy)
	}
	if !st.ChangedAt.IsZero() {
		fmt.Fprintf(&b, " since %s", st.ChangedAt.UTC().Format(time.RFC3339))
	}
	if st.FailureCount > 0 {
		fmt.Fprintf(&b, ", %d recent failures", st.FailureCount)
	}
	return b.String()
}

func writeHistory(out io.Writer, entries []panicmode.HistoryEntry) {
	tw := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "WHEN\tSTATE\tTRIGGER\tBY\tREASON")
	for _, e := range entries {
		state := "allowing"
		if e.Blocking {
			state = "blocking"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.OccurredAt.UTC().Format(time.RFC3339), state, orDash(e.Trigger), orDash(e.ChangedBy), orDash(e.Reason))
	}
	_ = tw.Flush()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
