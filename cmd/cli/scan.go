package cli

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/cidrsweep/internal/config"
	"github.com/anstrom/cidrsweep/internal/engine"
	"github.com/anstrom/cidrsweep/internal/logging"
	"github.com/anstrom/cidrsweep/internal/probe"
	"github.com/anstrom/cidrsweep/internal/ranges"
	"github.com/anstrom/cidrsweep/internal/resolve"
	"github.com/anstrom/cidrsweep/internal/scan"
)

// Output formats.
const (
	formatPlain = "plain"
	formatTable = "table"
)

// newProber builds the prober used by scan and serve.
var newProber = func(timeout time.Duration) probe.Prober {
	return probe.NewTCPProber(timeout)
}

// hostResolver looks up names for reachable addresses.
type hostResolver interface {
	LookupAll(ctx context.Context, addrs []netip.Addr, workers int) map[netip.Addr][]string
}

var newResolver = func(cfg config.ResolverConfig) (hostResolver, error) {
	return resolve.New(cfg.Server, cfg.Timeout)
}

type scanOptions struct {
	port      int
	file      string
	batchSize int
	timeout   time.Duration
	output    string
	format    string
	resolve   bool
}

func newScanCommand(global *globalOptions) *cobra.Command {
	opts := &scanOptions{}

	cmd := &cobra.Command{
		Use:   "scan [range...]",
		Short: "Sweep CIDR ranges for hosts accepting TCP connections",
		Long: `Probe every address of the given CIDR ranges on one TCP port.

Ranges are taken from the arguments, from --file (one per line), or from
standard input when neither is given. Ranges that fail to parse are reported
and skipped. Reachable addresses are written to results_port_<port>.txt in
the --output directory.`,
		Example: `  cidrsweep scan 192.168.1.0/24
  cidrsweep scan 10.0.0.0/24 10.0.1.0/24 --port 22
  cidrsweep scan --file ranges.txt -p 443 --format table --resolve
  echo 172.16.0.0/28 | cidrsweep scan -p 80 --output ./results`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, global, opts, args)
		},
	}

	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "TCP port to probe (default from config, 8080)")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "read ranges from a file, one per line")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "probes issued together in one batch (default from config, 150)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "TCP handshake timeout per probe (default from config, 1s)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", ".", "directory for the results file, empty to skip writing")
	cmd.Flags().StringVar(&opts.format, "format", formatPlain, "result format: plain, table")
	cmd.Flags().BoolVar(&opts.resolve, "resolve", false, "look up reverse DNS names for reachable addresses")
	return cmd
}

func runScan(cmd *cobra.Command, global *globalOptions, opts *scanOptions, args []string) error {
	if opts.format != formatPlain && opts.format != formatTable {
		return fmt.Errorf("invalid format %q: use %s or %s", opts.format, formatPlain, formatTable)
	}

	cfg, err := loadConfig(cmd, global, map[string]string{
		"scanning.default_port":  "port",
		"scanning.batch_size":    "batch-size",
		"scanning.probe_timeout": "timeout",
	})
	if err != nil {
		return err
	}

	descriptors, err := readRanges(cmd.InOrStdin(), args, opts.file)
	if err != nil {
		return err
	}
	if len(descriptors) == 0 {
		return fmt.Errorf("no ranges given: pass them as arguments, with --file, or on stdin")
	}

	logger := logging.Default()
	eng := engine.New(newProber(cfg.Scanning.ProbeTimeout),
		engine.WithBatchSize(cfg.Scanning.BatchSize),
		engine.WithLogger(logger))
	scanner := scan.NewScanner(eng,
		scan.WithLogger(logger),
		scan.WithProgressEvery(cfg.Scanning.ProgressEvery),
		scan.WithMaxRangeBits(cfg.Scanning.MaxRangeBits))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	req := scan.Request{Ranges: descriptors, Port: uint16(cfg.Scanning.DefaultPort)} //nolint:gosec // validated 1-65535
	summary, err := scanner.Scan(ctx, req, progressPrinter(out))
	if err != nil {
		return err
	}

	var names map[netip.Addr][]string
	if opts.resolve && summary.HasResults() {
		names, err = lookupNames(ctx, cfg.Resolver, summary.Reachable)
		if err != nil {
			logger.Warn("Reverse lookups unavailable", "error", err)
		}
	}

	if summary.HasResults() {
		fmt.Fprintln(out)
		printResults(out, summary.Reachable, names, opts.format)
	}
	fmt.Fprintln(out, summary.Message())

	if opts.output != "" {
		path, err := scan.WriteArtifact(opts.output, summary)
		if err != nil {
			return err
		}
		if path != "" {
			fmt.Fprintf(out, "Results written to %s\n", path)
		}
	}

	if summary.Canceled {
		return fmt.Errorf("scan interrupted")
	}
	return nil
}

// readRanges collects descriptors from args, then file. Standard input is
// read only when both are empty.
func readRanges(stdin io.Reader, args []string, file string) ([]string, error) {
	var descriptors []string
	for _, arg := range args {
		descriptors = append(descriptors, ranges.ParseLines(arg)...)
	}

	if file != "" {
		data, err := os.ReadFile(file) //nolint:gosec // path comes from the operator
		if err != nil {
			return nil, fmt.Errorf("failed to read ranges file: %w", err)
		}
		descriptors = append(descriptors, ranges.ParseLines(string(data))...)
	}

	if len(args) == 0 && file == "" && stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read ranges from stdin: %w", err)
		}
		descriptors = append(descriptors, ranges.ParseLines(string(data))...)
	}
	return descriptors, nil
}

// progressPrinter renders scan events as status lines.
func progressPrinter(out io.Writer) func(scan.Event) {
	return func(ev scan.Event) {
		switch ev.Type {
		case scan.EventRangeStarted:
			fmt.Fprintf(out, "[%d/%d] Scanning %s (%d addresses, %d batches)\n",
				ev.RangeIndex+1, ev.RangeCount, ev.Range, ev.Addresses, ev.Batches)
		case scan.EventBatchCompleted:
			if ev.Milestone {
				fmt.Fprintf(out, "Found %d addresses so far.\n", ev.Total)
			}
		case scan.EventRangeCompleted:
			fmt.Fprintf(out, "[%d/%d] Finished %s: %d reachable\n",
				ev.RangeIndex+1, ev.RangeCount, ev.Range, ev.Found)
		case scan.EventRangeFailed:
			fmt.Fprintf(out, "[%d/%d] Error processing %s: %s\n",
				ev.RangeIndex+1, ev.RangeCount, ev.Range, ev.Error)
		}
	}
}

func lookupNames(ctx context.Context, cfg config.ResolverConfig, reachable []string) (map[netip.Addr][]string, error) {
	resolver, err := newResolver(cfg)
	if err != nil {
		return nil, err
	}

	addrs := make([]netip.Addr, 0, len(reachable))
	for _, s := range reachable {
		if addr, err := netip.ParseAddr(s); err == nil {
			addrs = append(addrs, addr)
		}
	}
	return resolver.LookupAll(ctx, addrs, resolve.DefaultWorkers), nil
}

func printResults(out io.Writer, reachable []string, names map[netip.Addr][]string, format string) {
	hostname := func(s string) string {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return ""
		}
		return strings.Join(names[addr], ", ")
	}

	if format == formatTable {
		table := tablewriter.NewWriter(out)
		if names != nil {
			table.Header("#", "Address", "Hostname")
		} else {
			table.Header("#", "Address")
		}
		for i, s := range reachable {
			row := []string{fmt.Sprint(i + 1), s}
			if names != nil {
				row = append(row, hostname(s))
			}
			_ = table.Append(row)
		}
		_ = table.Render()
		return
	}

	for _, s := range reachable {
		if name := hostname(s); name != "" {
			fmt.Fprintf(out, "%s\t%s\n", s, name)
			continue
		}
		fmt.Fprintln(out, s)
	}
}
