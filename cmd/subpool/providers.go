package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newProvidersCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Show known providers and the languages they support",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}

			reg := newRegistry()
			subs, err := newPool(poolOptions(*cfg, reg, logger, nil))
			if err != nil {
				return err
			}
			defer terminate(subs)

			supported := make(map[string][]string)
			for _, pl := range subs.ListSupportedLanguages(cmd.Context()) {
				supported[pl.Provider] = pl.Languages.Strings()
			}
			states := make(map[string]bool)
			for _, st := range subs.States() {
				states[st.Name] = st.Discarded
			}

			rows := make([][]string, 0, len(reg.Names()))
			for _, name := range reg.Names() {
				status := "disabled"
				if isDiscarded, ok := states[name]; ok {
					status = "enabled"
					if isDiscarded {
						status = "discarded"
					}
				}
				langs := "-"
				if l := supported[name]; len(l) > 0 {
					langs = strings.Join(l, ", ")
				}
				rows = append(rows, []string{name, status, langs})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]column{
				{Header: "Provider"},
				{Header: "Status"},
				{Header: "Languages", MaxWidth: 80},
			}, rows))
			return nil
		},
	}
}
