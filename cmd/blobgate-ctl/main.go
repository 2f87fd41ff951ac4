// Package main provides the blobgate-ctl CLI for access-metrics queries and
// administration.
//
// Usage:
//
//	blobgate-ctl top [--limit 10] [--container <name>] [--format table|csv|json]
//	blobgate-ctl containers [--format table|csv|json]
//	blobgate-ctl summary [--container <name>] [--format table|json]
//	blobgate-ctl range --start 2025-01-01 [--end 2025-01-31] [--container <name>] [--format table|csv|json]
//	blobgate-ctl file --container <name> --blob <path> [--format table|json]
//	blobgate-ctl export [--format json|csv|parquet] [--container <name>] [--start ...] [--end ...] [--output <file>]
//	blobgate-ctl import --input <file> [--format json|parquet]
//	blobgate-ctl persist
//	blobgate-ctl clear --yes
//
// Every command accepts --server (default $BLOBGATE_SERVER or
// http://localhost:8080) and --token (default $BLOBGATE_TOKEN).
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/blobgate/blobgate/pkg/client"
	"github.com/blobgate/blobgate/pkg/control"
	"github.com/blobgate/blobgate/pkg/usage"
)

// errUsage reports a flag error that has already been printed.
var errUsage = errors.New("usage error")

type command struct {
	name string
	help string
	run  func(ctx context.Context, args []string, out io.Writer) error
}

var commands = []command{
	{"top", "Show the most accessed files", runTop},
	{"containers", "Show per-container totals", runContainers},
	{"summary", "Show summary statistics", runSummary},
	{"range", "Show files last accessed in a date range", runRange},
	{"file", "Show metrics for one file", runFile},
	{"export", "Export metrics as json, csv or parquet", runExport},
	{"import", "Merge a json or parquet export into the metrics", runImport},
	{"persist", "Flush pending accesses to the store", runPersist},
	{"clear", "Delete all metrics (refused in production)", runClear},
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	name := os.Args[1]
	if name == "help" || name == "--help" || name == "-h" {
		printUsage()
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := c.run(ctx, os.Args[2:], os.Stdout); err != nil {
			if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
	printUsage()
	os.Exit(1)
}

func printUsage() {
	fmt.Fprint(os.Stderr, "blobgate-ctl - blobgate access metrics CLI\n\n")
	fmt.Fprint(os.Stderr, "Usage:\n")
	fmt.Fprint(os.Stderr, "  blobgate-ctl <command> [flags]\n\n")
	fmt.Fprint(os.Stderr, "Commands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-11s %s\n", c.name, c.help)
	}
	fmt.Fprint(os.Stderr, "\nUse \"blobgate-ctl <command> --help\" for more information about a command.\n")
}

// connFlags are shared by every subcommand.
type connFlags struct {
	server *string
	token  *string
}

func newFlagSet(name, desc string) (*flag.FlagSet, connFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cf := connFlags{
		server: fs.String("server", envOr("BLOBGATE_SERVER", "http://localhost:8080"), "blobgate base URL"),
		token:  fs.String("token", os.Getenv("BLOBGATE_TOKEN"), "Bearer token"),
	}
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: blobgate-ctl %s [flags]\n\n%s\n\nFlags:\n", name, desc)
		fs.PrintDefaults()
	}
	return fs, cf
}

func (cf connFlags) client() *client.Client {
	var opts []client.Option
	if *cf.token != "" {
		opts = append(opts, client.WithToken(*cf.token))
	}
	return client.New(*cf.server, opts...)
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return errUsage
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// runTop implements "blobgate-ctl top".
func runTop(ctx context.Context, args []string, out io.Writer) error {
	fs, cf := newFlagSet("top", "Show the most accessed files, highest first.")
	limit := fs.Int("limit", 10, "Number of files to show")
	container := fs.String("container", "", "Only files in this container")
	format := fs.String("format", "table", "Output format: table, csv, json")
	if err := parse(fs, args); err != nil {
		return err
	}

	entries, err := cf.client().Top(ctx, *limit, *container)
	if err != nil {
		return err
	}
	return printEntries(out, "Top Accessed Files", entries, *format)
}

// runContainers implements "blobgate-ctl containers".
func runContainers(ctx context.Context, args []string, out io.Writer) error {
	fs, cf := newFlagSet("containers", "Show access totals per container.")
	format := fs.String("format", "table", "Output format: table, csv, json")
	if err := parse(fs, args); err != nil {
		return err
	}

	stats, err := cf.client().Containers(ctx)
	if err != nil {
		return err
	}

	switch *format {
	case "json":
		return writeJSON(out, stats)
	case "csv":
		w := csv.NewWriter(out)
		w.Write([]string{"container", "total_accesses", "files", "unique_users"})
		for _, s := range stats {
			w.Write([]string{s.Container,
				strconv.FormatUint(s.TotalAccesses, 10),
				strconv.Itoa(s.FileCount),
				strconv.Itoa(s.UniqueUsers)})
		}
		w.Flush()
		return w.Error()
	case "table":
		fmt.Fprintln(out, "Container Statistics")
		fmt.Fprintln(out, rule)
		fmt.Fprintf(out, "%-30s %12s %8s %8s\n", "CONTAINER", "ACCESSES", "FILES", "USERS")
		fmt.Fprintln(out, rule)
		for _, s := range stats {
			fmt.Fprintf(out, "%-30s %12d %8d %8d\n", truncate(s.Container, 30), s.TotalAccesses, s.FileCount, s.UniqueUsers)
		}
		if len(stats) == 0 {
			fmt.Fprintln(out, "  (no access data)")
		}
		fmt.Fprintln(out, rule)
		return nil
	default:
		return fmt.Errorf("unknown format %q", *format)
	}
}

// runSummary implements "blobgate-ctl summary".
func runSummary(ctx context.Context, args []string, out io.Writer) error {
	fs, cf := newFlagSet("summary", "Show summary statistics, globally or for one container.")
	container := fs.String("container", "", "Only this container")
	format := fs.String("format", "table", "Output format: table, json")
	if err := parse(fs, args); err != nil {
		return err
	}

	s, err := cf.client().Summary(ctx, *container)
	if err != nil {
		return err
	}
	if *format == "json" {
		return writeJSON(out, s)
	}
	printSummary(out, s)
	return nil
}

func printSummary(out io.Writer, s *control.Summary) {
	fmt.Fprintf(out, "Files:            %d\n", s.TotalFiles)
	fmt.Fprintf(out, "Accesses:         %d\n", s.TotalAccesses)
	fmt.Fprintf(out, "Unique users:     %d\n", s.UniqueUsers)
	fmt.Fprintf(out, "Containers:       %d\n", s.UniqueContainers)
	fmt.Fprintf(out, "Avg per file:     %.2f\n", s.AverageAccessesPerFile)
	if q := s.AccessQuantiles; q != nil {
		fmt.Fprintf(out, "p50/p90/p99:      %.0f / %.0f / %.0f\n", q.P50, q.P90, q.P99)
	}
}

// runRange implements "blobgate-ctl range".
func runRange(ctx context.Context, args []string, out io.Writer) error {
	fs, cf := newFlagSet("range", "Show files last accessed between --start and --end (inclusive of the end day).")
	start := fs.String("start", "", "Start date, YYYY-MM-DD or RFC 3339 (required)")
	end := fs.String("end", "", "End date (default now)")
	container := fs.String("container", "", "Only files in this container")
	format := fs.String("format", "table", "Output format: table, csv, json")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *start == "" {
		fmt.Fprintln(fs.Output(), "Error: --start is required")
		fs.Usage()
		return errUsage
	}

	entries, err := cf.client().Range(ctx, *start, *end, *container)
	if err != nil {
		return err
	}
	return printEntries(out, "Files Accessed "+*start+" to "+displayOrDefault(*end, "now"), entries, *format)
}

// runFile implements "blobgate-ctl file".
func runFile(ctx context.Context, args []string, out io.Writer) error {
	fs, cf := newFlagSet("file", "Show metrics for one file.")
	container := fs.String("container", "", "Container name (required)")
	blob := fs.String("blob", "", "Blob path (required)")
	format := fs.String("format", "table", "Output format: table, json")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *container == "" || *blob == "" {
		fmt.Fprintln(fs.Output(), "Error: --container and --blob are required")
		fs.Usage()
		return errUsage
	}

	e, err := cf.client().File(ctx, *container, *blob)
	if err != nil {
		if client.StatusCode(err) == 404 {
			return fmt.Errorf("no metrics recorded for %s/%s", *container, *blob)
		}
		return err
	}
	if *format == "json" {
		return writeJSON(out, e)
	}
	fmt.Fprintf(out, "File:           %s/%s\n", e.Container, e.Blob)
	fmt.Fprintf(out, "Accesses:       %d\n", e.TotalAccesses)
	fmt.Fprintf(out, "First accessed: %s\n", e.FirstAccessed.Format(time.RFC3339))
	fmt.Fprintf(out, "Last accessed:  %s\n", e.LastAccessed.Format(time.RFC3339))
	fmt.Fprintf(out, "Recent users:   %s\n", displayOrDefault(strings.Join(e.RecentUsers, ", "), "-"))
	return nil
}

// runExport implements "blobgate-ctl export".
func runExport(ctx context.Context, args []string, out io.Writer) error {
	fs, cf := newFlagSet("export", "Export metrics. The server flushes pending accesses first.")
	format := fs.String("format", "json", "Export format: json, csv, parquet")
	container := fs.String("container", "", "Only this container")
	start := fs.String("start", "", "Only files last accessed on or after this date")
	end := fs.String("end", "", "Only files last accessed on or before this date")
	output := fs.String("output", "-", "Output file, - for stdout")
	if err := parse(fs, args); err != nil {
		return err
	}

	w := out
	if *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	err := cf.client().Export(ctx, client.ExportOptions{
		Format:    *format,
		Container: *container,
		Start:     *start,
		End:       *end,
	}, w)
	if err != nil {
		return err
	}
	if f, ok := w.(*os.File); ok && f != os.Stdout {
		if err := f.Sync(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	}
	return nil
}

// runImport implements "blobgate-ctl import".
func runImport(ctx context.Context, args []string, out io.Writer) error {
	fs, cf := newFlagSet("import", "Merge an export into the server's metrics. Totals add to existing entries.")
	input := fs.String("input", "", "Export file to import (required)")
	format := fs.String("format", "", "Input format: json, parquet (default: from the file extension)")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *input == "" {
		fmt.Fprintln(fs.Output(), "Error: --input is required")
		return errUsage
	}
	if *format == "" {
		*format = "json"
		if strings.EqualFold(filepath.Ext(*input), ".parquet") {
			*format = "parquet"
		}
	}

	f, err := os.Open(*input)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := cf.client().Import(ctx, *format, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Imported %d entries from %s.\n", n, *input)
	return nil
}

// runPersist implements "blobgate-ctl persist".
func runPersist(ctx context.Context, args []string, out io.Writer) error {
	fs, cf := newFlagSet("persist", "Flush pending accesses to the durable store.")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := cf.client().Persist(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "Pending accesses persisted.")
	return nil
}

// runClear implements "blobgate-ctl clear".
func runClear(ctx context.Context, args []string, out io.Writer) error {
	fs, cf := newFlagSet("clear", "Delete every metric entry. Refused when the server runs in production.")
	yes := fs.Bool("yes", false, "Confirm deletion")
	if err := parse(fs, args); err != nil {
		return err
	}
	if !*yes {
		fmt.Fprintln(fs.Output(), "Error: refusing to clear metrics without --yes")
		return errUsage
	}
	if err := cf.client().Clear(ctx); err != nil {
		if client.StatusCode(err) == 403 {
			return fmt.Errorf("server refused: clearing metrics is disabled in production")
		}
		return err
	}
	fmt.Fprintln(out, "All metrics cleared.")
	return nil
}

const rule = "────────────────────────────────────────────────────────────────────────"

func printEntries(out io.Writer, title string, entries []usage.MetricEntry, format string) error {
	switch format {
	case "json":
		if entries == nil {
			entries = []usage.MetricEntry{}
		}
		return writeJSON(out, entries)
	case "csv":
		w := csv.NewWriter(out)
		w.Write([]string{"container", "blob", "total_accesses", "first_accessed", "last_accessed", "recent_users"})
		for _, e := range entries {
			w.Write([]string{e.Container, e.Blob,
				strconv.FormatUint(e.TotalAccesses, 10),
				e.FirstAccessed.UTC().Format(time.RFC3339),
				e.LastAccessed.UTC().Format(time.RFC3339),
				strconv.Itoa(len(e.RecentUsers))})
		}
		w.Flush()
		return w.Error()
	case "table":
		fmt.Fprintln(out, title)
		fmt.Fprintln(out, rule)
		fmt.Fprintf(out, "%-20s %-34s %9s %s\n", "CONTAINER", "BLOB", "ACCESSES", "LAST ACCESS")
		fmt.Fprintln(out, rule)
		for _, e := range entries {
			fmt.Fprintf(out, "%-20s %-34s %9d %s\n",
				truncate(e.Container, 20), truncate(e.Blob, 34), e.TotalAccesses,
				e.LastAccessed.UTC().Format("2006-01-02 15:04"))
		}
		if len(entries) == 0 {
			fmt.Fprintln(out, "  (no access data)")
		}
		fmt.Fprintln(out, rule)
		return nil
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func displayOrDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// truncate shortens s to maxLen runes, keeping the tail.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return "..." + string(r[len(r)-maxLen+3:])
}
