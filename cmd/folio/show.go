package main

import (
	"errors"
	"fmt"

	"github.com/aretw0/folio/internal/config"
	"github.com/aretw0/folio/internal/presentation/tui"
	"github.com/aretw0/folio/pkg/ports"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <notebook-id>",
	Short: "Print a stored notebook as markdown",
	Long:  `Loads a notebook from the configured store and prints it. On a terminal the markdown is rendered.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		raw, _ := cmd.Flags().GetBool("raw")
		cfg, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			return err
		}

		b, err := openBackends(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		nb, err := b.store.Load(cmd.Context(), args[0])
		if errors.Is(err, ports.ErrNotebookNotFound) {
			return fmt.Errorf("notebook %s not found", args[0])
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		doc := tui.Markdown(nb)
		if !raw && tui.IsTerminal(out) {
			render, err := tui.NewRenderer(tui.Width(out))
			if err != nil {
				return err
			}
			if doc, err = render(doc); err != nil {
				return err
			}
		}
		_, err = fmt.Fprint(out, doc)
		return err
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
	f := showCmd.Flags()
	f.Bool("raw", false, "Print markdown source even on a terminal")
	f.String("store", "", "Notebook store (memory, file, redis, postgres)")
	f.String("store-dir", "", "Notebook directory of the file store")
	f.String("redis-addr", "", "Redis address")
	f.String("pg-url", "", "Postgres connection URL")
}
