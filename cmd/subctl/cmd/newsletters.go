package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/subgate/subgate/internal/newsletter"
)

var newslettersCmd = &cobra.Command{
	Use:   "newsletters",
	Short: "List registered newsletters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := opContext()
		defer cancel()

		pool, err := connect(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		registry := newsletter.NewRegistry(newsletter.NewPGSource(pool))
		all, err := registry.All(ctx)
		if err != nil {
			return err
		}
		sort.Slice(all, func(i, j int) bool { return all[i].Slug < all[j].Slug })

		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "SLUG\tVENDOR\tOPT-IN\tPRIVATE\tLANGUAGES\tWELCOME")
		for _, nl := range all {
			fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%s\t%s\n",
				nl.Slug, nl.VendorID, nl.RequiresDoubleOptIn, nl.Private,
				strings.Join(nl.Languages, ","), nl.WelcomeID)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(newslettersCmd)
}
