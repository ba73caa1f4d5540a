package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// KeyMapping is one row of the keys listing.
type KeyMapping struct {
	Key      int `json:"key"`
	Row      int `json:"row"`
	Col      int `json:"col"`
	Physical int `json:"physical"`
}

// NewKeysCommand prints the logical to physical mapping of the configured
// layout.
func NewKeysCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "keys",
		Short:         "Print the logical to physical key mapping",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &Output{Format: rootOpts.Format, W: cmd.OutOrStdout()}
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return out.Failure(err)
			}
			layout := cfg.Layout()
			if err := layout.Validate(); err != nil {
				return out.Failure(err)
			}

			rows := make([]KeyMapping, 0, layout.Count())
			for k, phys := range layout.Map() {
				m := KeyMapping{Key: k, Physical: phys}
				if layout.Cols > 0 && len(layout.Table) == 0 {
					m.Row, m.Col = k/layout.Cols, k%layout.Cols
				}
				rows = append(rows, m)
			}

			var sb strings.Builder
			tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tROW\tCOL\tPHYSICAL")
			for _, m := range rows {
				fmt.Fprintf(tw, "%d\t%d\t%d\t%d\n", m.Key, m.Row, m.Col, m.Physical)
			}
			tw.Flush()
			return out.Success(rows, strings.TrimRight(sb.String(), "\n"))
		},
	}
}
