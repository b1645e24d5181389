package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"surgeq/internal/cli"
	"surgeq/internal/storage"
)

var historyFile string

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List saved runs, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := historyFile
		if path == "" {
			var err error
			if path, err = storage.DefaultPath(); err != nil {
				return err
			}
		}
		s, err := storage.NewStore(path)
		if err != nil {
			return err
		}
		defer s.Close()

		if len(args) == 1 {
			rec, err := s.Get(args[0])
			if err != nil {
				return err
			}
			cli.PrintRecord(os.Stdout, rec)
			return nil
		}

		limit, _ := cmd.Flags().GetInt("limit")
		records, err := s.List(limit)
		if err != nil {
			return err
		}
		cli.PrintHistory(os.Stdout, records)
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyFile, "history-file", "", "History store path (default is $HOME/.surgeq/history.db)")
	historyCmd.Flags().IntP("limit", "l", 20, "Maximum runs to list, 0 for all")
}
