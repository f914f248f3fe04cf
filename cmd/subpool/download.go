package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gayhub/subpool/internal/pool"
	"github.com/gayhub/subpool/internal/scanner"
)

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	var langFlags []string
	var hiFlag string
	var minScore int
	var onlyOne bool

	cmd := &cobra.Command{
		Use:   "download <video>",
		Short: "Download the best subtitle per language next to a video file",
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
			if !cmd.Flags().Changed("min-score") {
				minScore = cfg.Pool.MinScore
			}
			if !cmd.Flags().Changed("only-one") {
				onlyOne = cfg.Pool.OnlyOne
			}

			item := scanner.Inspect(args[0])
			v := item.Video()

			subs, err := newPool(poolOptions(*cfg, newRegistry(), logger, nil))
			if err != nil {
				return err
			}
			defer terminate(subs)

			found := subs.ListSubtitles(cmd.Context(), v, langs)
			for _, sub := range found {
				sub.Tag(v)
			}
			downloaded := subs.DownloadBestSubtitles(cmd.Context(), found, v, langs, pool.BestOptions{
				MinScore:          minScore,
				HearingImpaired:   pref,
				OnlyOne:           onlyOne,
				UseOriginalFormat: cfg.Pool.UseOriginalFormat,
			})

			out := cmd.OutOrStdout()
			if len(downloaded) == 0 {
				fmt.Fprintf(out, "No subtitle downloaded for %s (%d candidates)\n", item.Title, len(found))
				return nil
			}
			rows := make([][]string, 0, len(downloaded))
			for _, sub := range downloaded {
				path := sub.Path(item.FilePath, cfg.Pool.HITag)
				if err := os.WriteFile(path, sub.Content, 0o644); err != nil {
					return fmt.Errorf("write subtitle %s: %w", path, err)
				}
				logger.Info("subtitle saved", "provider", sub.Provider, "language", sub.Language.String(), "path", path)
				rows = append(rows, []string{
					sub.Provider,
					sub.Language.String(),
					strconv.Itoa(sub.Score),
					path,
				})
			}
			fmt.Fprintln(out, renderTable([]column{
				{Header: "Provider"},
				{Header: "Language"},
				{Header: "Score", Right: true},
				{Header: "Path"},
			}, rows))
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&langFlags, "lang", "l", nil, "Subtitle language (repeatable, defaults to pool.languages)")
	cmd.Flags().StringVar(&hiFlag, "hi", "", "Hearing impaired preference: disabled, prefer, force_hi or force_non_hi")
	cmd.Flags().IntVar(&minScore, "min-score", 0, "Minimum score a subtitle needs to be downloaded")
	cmd.Flags().BoolVar(&onlyOne, "only-one", false, "Stop after the first downloaded subtitle")
	return cmd
}
