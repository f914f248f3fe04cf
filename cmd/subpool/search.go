package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/gayhub/subpool/internal/scanner"
)

func newSearchCommand(ctx *commandContext) *cobra.Command {
	var langFlags []string
	var hiFlag string
	var limit int

	cmd := &cobra.Command{
		Use:   "search <video>",
		Short: "List ranked subtitles for a video file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			langs, pref, err := downloadSettings(cfg, langFlags, hiFlag)
			if err != nil {
				return err
			}

			item := scanner.Inspect(args[0])
			v := item.Video()

			subs, err := newPool(poolOptions(*cfg, newRegistry(), logger, nil))
			if err != nil {
				return err
			}
			defer terminate(subs)

			found := subs.ListSubtitles(cmd.Context(), v, langs)
			ranked := subs.Rank(found, v, langs, pref, nil)
			if limit > 0 && len(ranked) > limit {
				ranked = ranked[:limit]
			}

			out := cmd.OutOrStdout()
			if len(ranked) == 0 {
				fmt.Fprintf(out, "No subtitles found for %s\n", item.Title)
				return nil
			}
			rows := make([][]string, 0, len(ranked))
			for _, r := range ranked {
				rows = append(rows, []string{
					r.Subtitle.Provider,
					r.Subtitle.ID,
					r.Subtitle.Language.String(),
					strconv.Itoa(r.Score),
					yesNo(r.Subtitle.HearingImpaired),
					r.Subtitle.Release(),
				})
			}
			fmt.Fprintln(out, renderTable(subtitleColumns, rows))
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&langFlags, "lang", "l", nil, "Subtitle language (repeatable, defaults to pool.languages)")
	cmd.Flags().StringVar(&hiFlag, "hi", "", "Hearing impaired preference: disabled, prefer, force_hi or force_non_hi")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows to print (0 for all)")
	return cmd
}

var subtitleColumns = []column{
	{Header: "Provider"},
	{Header: "ID"},
	{Header: "Language"},
	{Header: "Score", Right: true},
	{Header: "HI"},
	{Header: "Release", MaxWidth: 60},
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func terminate(p subtitlePool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.Terminate(ctx)
}
