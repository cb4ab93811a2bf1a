package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aashi6126/optiontrader/internal/config"
	"github.com/aashi6126/optiontrader/internal/store"
)

var favoritesConfigPath string

var favoritesCmd = &cobra.Command{
	Use:   "favorites",
	Short: "List, add, or remove stored optimizer favorites",
}

var favoritesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved favorites",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openFavoritesStore()
		if err != nil {
			return err
		}
		defer st.Close()
		list, err := st.ListFavorites()
		if err != nil {
			return err
		}
		for _, f := range list {
			fmt.Printf("%s\t%s\t%v\n", f.Name, f.Ticker, f.Params)
		}
		return nil
	},
}

var favoritesAddCmd = &cobra.Command{
	Use:   "add <name> <ticker>",
	Short: "Save a favorite",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openFavoritesStore()
		if err != nil {
			return err
		}
		defer st.Close()
		return st.SaveFavorite(store.Favorite{Name: args[0], Ticker: args[1], CreatedAt: time.Now().UTC()})
	},
}

var favoritesRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Delete a favorite",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openFavoritesStore()
		if err != nil {
			return err
		}
		defer st.Close()
		return st.DeleteFavorite(args[0])
	},
}

func init() {
	favoritesCmd.PersistentFlags().StringVar(&favoritesConfigPath, "config", "config.yaml", "path to YAML config file")
	favoritesCmd.AddCommand(favoritesListCmd, favoritesAddCmd, favoritesRemoveCmd)
}

func openFavoritesStore() (store.Store, error) {
	cfg, err := config.Load(favoritesConfigPath)
	if err != nil {
		return nil, err
	}
	return openStore(cfg)
}
