package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/cidrsweep/internal/config"
)

func newPortsCommand(global *globalOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List the preset ports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, global, map[string]string{})
			if err != nil {
				return err
			}
			return printPorts(cmd.OutOrStdout(), cfg.Scanning, format)
		},
	}
	cmd.Flags().StringVar(&format, "format", formatPlain, "output format: plain, table")
	return cmd
}

func printPorts(out io.Writer, cfg config.ScanningConfig, format string) error {
	switch format {
	case formatPlain:
		for _, port := range cfg.PresetPorts {
			if port == cfg.DefaultPort {
				fmt.Fprintf(out, "%d (default)\n", port)
				continue
			}
			fmt.Fprintln(out, port)
		}
		return nil
	case formatTable:
		table := tablewriter.NewWriter(out)
		table.Header("Port", "Default")
		for _, port := range cfg.PresetPorts {
			def := ""
			if port == cfg.DefaultPort {
				def = "yes"
			}
			_ = table.Append([]string{strconv.Itoa(port), def})
		}
		return table.Render()
	default:
		return fmt.Errorf("invalid format %q: use %s or %s", format, formatPlain, formatTable)
	}
}
