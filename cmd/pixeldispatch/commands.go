package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/pixeldispatch/internal/coordinator"
	"github.com/mattjoyce/pixeldispatch/internal/intercept"
	"github.com/mattjoyce/pixeldispatch/internal/queue"
)

// --- MODE ---

func runModeNoun(args []string) int {
	if len(args) < 1 {
		printModeNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printModeNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "show":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: pixeldispatch mode show [--config PATH] [--json]")
			return 0
		}
		return runModeShow(actionArgs)
	case "set":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: pixeldispatch mode set <local|network|remote> [--config PATH]")
			fmt.Println("Persist a new mode. The service reads it on its next start.")
			return 0
		}
		return runModeSet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode action: %s\n", action)
		return 1
	}
}

func printModeNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: pixeldispatch mode <action>")
	fmt.Fprintln(w, "Actions: show, set")
}

func runModeShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	return withState(*configPath, false, func(_ context.Context, _ *offlineState, _ *queue.Queue, ic *intercept.Interceptor) int {
		st := ic.Status()
		if *jsonOut {
			return printJSON(map[string]any{"mode": st.Mode, "last_updated": st.LastUpdated})
		}
		fmt.Printf("%s (since %s)\n", st.Mode, st.LastUpdated.Format(time.RFC3339))
		return 0
	})
}

func runModeSet(args []string) int {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := parseWithPositionals(fs, args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: pixeldispatch mode set <local|network|remote> [--config PATH]")
		return 1
	}
	mode, err := intercept.ParseMode(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	return withState(*configPath, true, func(ctx context.Context, _ *offlineState, _ *queue.Queue, ic *intercept.Interceptor) int {
		prev := ic.Mode()
		if err := ic.SwitchMode(ctx, mode); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to switch mode: %v\n", err)
			return 1
		}
		fmt.Printf("mode: %s -> %s\n", prev, mode)
		return 0
	})
}

// --- TASK ---

func runTaskNoun(args []string) int {
	if len(args) < 1 {
		printTaskNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printTaskNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: pixeldispatch task list [--status waiting|executing|completed|failed] [--config PATH] [--json]")
			return 0
		}
		return runTaskList(actionArgs)
	case "add":
		if hasHelpFlag(actionArgs) {
			printTaskAddHelp()
			return 0
		}
		return runTaskAdd(actionArgs)
	case "remove", "rm":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: pixeldispatch task remove <id> [--config PATH]")
			fmt.Println("Cancel a waiting task or drop a finished one from history.")
			return 0
		}
		return runTaskRemove(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown task action: %s\n", action)
		return 1
	}
}

func printTaskNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: pixeldispatch task <action>")
	fmt.Fprintln(w, "Actions: list, add, remove")
}

func printTaskAddHelp() {
	fmt.Println("Usage: pixeldispatch task add --kind display|timer|generic [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --kind KIND          Payload kind (default: generic)")
	fmt.Println("  --params JSON        Payload parameters as a JSON object")
	fmt.Println("  --priority P         low, normal, high, urgent or 1-4 (default: normal)")
	fmt.Println("  --origin NAME        Origin recorded on the task")
	fmt.Println("  --max-retries N      Override the configured retry limit")
	fmt.Println("  --config PATH        Configuration file or directory")
	fmt.Println()
	fmt.Println("Example:")
	fmt.Println(`  pixeldispatch task add --kind display --params '{"emoji":"🍕"}' --priority high`)
}

func runTaskList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	status := fs.String("status", "", "Only list tasks with this status")
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	return withState(*configPath, false, func(_ context.Context, _ *offlineState, q *queue.Queue, _ *intercept.Interceptor) int {
		var tasks []*queue.Task
		switch queue.Status(strings.ToLower(*status)) {
		case "":
			tasks = append(tasks, q.Waiting()...)
			tasks = append(tasks, q.Executing()...)
			tasks = append(tasks, q.Completed()...)
			tasks = append(tasks, q.Failed()...)
		case queue.StatusWaiting:
			tasks = q.Waiting()
		case queue.StatusExecuting:
			tasks = q.Executing()
		case queue.StatusCompleted:
			tasks = q.Completed()
		case queue.StatusFailed:
			tasks = q.Failed()
		default:
			fmt.Fprintf(os.Stderr, "Unknown status filter: %s\n", *status)
			return 1
		}

		if *jsonOut {
			if tasks == nil {
				tasks = []*queue.Task{}
			}
			return printJSON(tasks)
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return 0
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tKIND\tPRIORITY\tORIGIN\tRETRIES\tCREATED")
		for _, t := range tasks {
			origin := t.Origin
			if origin == "" {
				origin = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				t.ID, t.Status, t.Payload.Type, t.Priority, origin,
				t.RetryCount, t.MaxRetries, t.CreatedAt.Format(time.RFC3339))
		}
		_ = w.Flush()
		return 0
	})
}

func runTaskAdd(args []string) int {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	kind := fs.String("kind", string(queue.KindGeneric), "Payload kind")
	params := fs.String("params", "", "Payload parameters as JSON")
	priority := fs.String("priority", "", "Priority name or 1-4")
	origin := fs.String("origin", "", "Origin recorded on the task")
	maxRetries := fs.Int("max-retries", 0, "Override the configured retry limit")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	prio, err := queue.ParsePriority(*priority)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	var p map[string]any
	if strings.TrimSpace(*params) != "" {
		if err := json.Unmarshal([]byte(*params), &p); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --params JSON: %v\n", err)
			return 1
		}
	}

	return withState(*configPath, true, func(ctx context.Context, _ *offlineState, q *queue.Queue, _ *intercept.Interceptor) int {
		id, err := q.AddTask(ctx, queue.AddRequest{
			Payload:    queue.Payload{Type: queue.NormalizeKind(*kind), Params: p},
			Origin:     *origin,
			Priority:   prio,
			MaxRetries: *maxRetries,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to add task: %v\n", err)
			return 1
		}
		fmt.Println(id)
		return 0
	})
}

func runTaskRemove(args []string) int {
	fs := flag.NewFlagSet("remove", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := parseWithPositionals(fs, args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: pixeldispatch task remove <id> [--config PATH]")
		return 1
	}
	id := strings.TrimSpace(fs.Arg(0))

	return withState(*configPath, true, func(ctx context.Context, _ *offlineState, q *queue.Queue, _ *intercept.Interceptor) int {
		if !q.RemoveTask(ctx, id) {
			fmt.Fprintf(os.Stderr, "Task not found: %s\n", id)
			return 1
		}
		fmt.Printf("Removed %s\n", id)
		return 0
	})
}

// --- ORIGIN ---

func runOriginNoun(args []string) int {
	if len(args) < 1 {
		printOriginNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printOriginNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: pixeldispatch origin list [--config PATH] [--json]")
			return 0
		}
		return runOriginList(actionArgs)
	case "block", "unblock":
		if hasHelpFlag(actionArgs) {
			fmt.Printf("Usage: pixeldispatch origin %s <origin> [--config PATH]\n", action)
			return 0
		}
		return runOriginSet(actionArgs, action == "block")
	default:
		fmt.Fprintf(os.Stderr, "Unknown origin action: %s\n", action)
		return 1
	}
}

func printOriginNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: pixeldispatch origin <action>")
	fmt.Fprintln(w, "Actions: list, block, unblock")
}

func runOriginList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	return withState(*configPath, false, func(_ context.Context, _ *offlineState, q *queue.Queue, _ *intercept.Interceptor) int {
		blocked := q.BlockedOrigins()
		if *jsonOut {
			return printJSON(map[string]any{"blocked": blocked})
		}
		if len(blocked) == 0 {
			fmt.Println("No blocked origins.")
			return 0
		}
		for _, o := range blocked {
			fmt.Println(o)
		}
		return 0
	})
}

func runOriginSet(args []string, block bool) int {
	fs := flag.NewFlagSet("origin", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := parseWithPositionals(fs, args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 || strings.TrimSpace(fs.Arg(0)) == "" {
		fmt.Fprintln(os.Stderr, "origin name is required")
		return 1
	}
	origin := strings.TrimSpace(fs.Arg(0))

	return withState(*configPath, true, func(ctx context.Context, _ *offlineState, q *queue.Queue, _ *intercept.Interceptor) int {
		if block {
			if err := q.BlockOrigin(ctx, origin); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to block origin: %v\n", err)
				return 1
			}
			fmt.Printf("Blocked %s\n", origin)
			return 0
		}
		if !q.UnblockOrigin(ctx, origin) {
			fmt.Printf("%s was not blocked\n", origin)
			return 0
		}
		fmt.Printf("Unblocked %s\n", origin)
		return 0
	})
}

// --- REMOTE ---

func runRemoteNoun(args []string) int {
	if len(args) < 1 {
		printRemoteNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printRemoteNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list", "drain":
		if hasHelpFlag(actionArgs) {
			fmt.Printf("Usage: pixeldispatch remote %s [--config PATH] [--json]\n", action)
			if action == "drain" {
				fmt.Println("Print recorded remote executions, then clear the log.")
			}
			return 0
		}
		return runRemote(actionArgs, action == "drain")
	default:
		fmt.Fprintf(os.Stderr, "Unknown remote action: %s\n", action)
		return 1
	}
}

func printRemoteNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: pixeldispatch remote <action>")
	fmt.Fprintln(w, "Actions: list, drain")
}

func runRemote(args []string, drain bool) int {
	fs := flag.NewFlagSet("remote", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	return withState(*configPath, drain, func(ctx context.Context, st *offlineState, _ *queue.Queue, _ *intercept.Interceptor) int {
		read := coordinator.ReadRemoteLog
		if drain {
			read = coordinator.DrainRemoteLog
		}
		entries, err := read(ctx, st.store, st.logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read remote log: %v\n", err)
			return 1
		}

		if *jsonOut {
			if entries == nil {
				entries = []intercept.ExecutionContext{}
			}
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No remote executions recorded.")
			return 0
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "EXECUTION\tOPERATION\tORIGIN\tAT\tCALL SITE")
		for _, ec := range entries {
			origin := ec.Origin
			if origin == "" {
				origin = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				ec.ExecutionID, ec.OperationName, origin, ec.Timestamp.Format(time.RFC3339), ec.CallSite)
		}
		_ = w.Flush()
		if drain {
			fmt.Printf("Drained %d entries.\n", len(entries))
		}
		return 0
	})
}

// parseWithPositionals lets flags follow positionals, so
// "block alice --config x" parses like "--config x block alice".
func parseWithPositionals(fs *flag.FlagSet, args []string) error {
	takesValue := map[string]bool{}
	fs.VisitAll(func(f *flag.Flag) {
		if b, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && b.IsBoolFlag() {
			return
		}
		takesValue["-"+f.Name] = true
		takesValue["--"+f.Name] = true
	})
	flags, positionals := splitFlagsAndPositionals(args, takesValue)
	return fs.Parse(append(flags, positionals...))
}

func splitFlagsAndPositionals(args []string, takesValue map[string]bool) ([]string, []string) {
	flags := make([]string, 0, len(args))
	positionals := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			positionals = append(positionals, arg)
			continue
		}

		flags = append(flags, arg)
		if strings.Contains(arg, "=") {
			continue
		}
		if takesValue[arg] && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}

	return flags, positionals
}
