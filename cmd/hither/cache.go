package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hither-run/hither/pkg/contentstore"
	"github.com/hither-run/hither/pkg/jobcache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the on-disk job cache",
}

var cacheInspectCmd = &cobra.Command{
	Use:   "inspect <fingerprint>",
	Short: "Print the cached terminal state for a job fingerprint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := contentstore.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open content store: %w", err)
		}
		defer store.Close()

		cache, err := jobcache.OpenBoltCache(cfg.DataDir, store)
		if err != nil {
			return fmt.Errorf("open job cache: %w", err)
		}
		defer cache.Close()

		hit, err := cache.Lookup(args[0], jobcache.LookupOptions{})
		if err != nil {
			return fmt.Errorf("lookup fingerprint: %w", err)
		}
		if !hit.Found {
			fmt.Println("no cache entry for this fingerprint")
			return nil
		}

		data, err := json.MarshalIndent(hit, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the on-disk job cache database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := contentstore.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open content store: %w", err)
		}
		defer store.Close()

		cache, err := jobcache.OpenBoltCache(cfg.DataDir, store)
		if err != nil {
			return fmt.Errorf("open job cache: %w", err)
		}
		return cache.Clear()
	},
}

func init() {
	cacheCmd.AddCommand(cacheInspectCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}
