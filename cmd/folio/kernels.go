package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/aretw0/folio/internal/config"
	"github.com/aretw0/folio/pkg/kernel"
	"github.com/spf13/cobra"
)

var kernelsCmd = &cobra.Command{
	Use:   "kernels",
	Short: "List the configured kernelspecs",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			return err
		}
		specs, err := kernel.LoadSpecs(cfg.Kernel.Specs)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tLANGUAGE\tCOMMAND")
		for _, name := range kernel.SpecNames(specs) {
			spec := specs[name]
			marker := ""
			if name == cfg.Kernel.Default {
				marker = " (default)"
			}
			fmt.Fprintf(w, "%s%s\t%s\t%s\n", name, marker, spec.Language, strings.Join(spec.Argv, " "))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(kernelsCmd)
	kernelsCmd.Flags().String("kernels", "", "Kernelspec file (YAML or JSON)")
	kernelsCmd.Flags().String("kernel", "", "Default kernel name")
}
