package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newNetcheckCmd(a *app) *cobra.Command {
	var timeoutSec int
	cmd := &cobra.Command{
		Use:   "netcheck",
		Short: "Probe every configured RPC endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := a.openPool()
			if err != nil {
				return err
			}
			defer pool.Close()

			results := pool.Probe(cmd.Context(), time.Duration(timeoutSec)*time.Second)
			bad := 0
			for _, r := range results {
				if r.OK {
					fmt.Fprintf(cmd.OutOrStdout(), "OK   %-48s chain=%s block=%d latency=%s\n",
						r.URL, r.ChainID, r.Block, r.Latency.Round(time.Millisecond))
					continue
				}
				bad++
				fmt.Fprintf(cmd.OutOrStdout(), "FAIL %-48s %v\n", r.URL, r.Err)
			}
			if bad == len(results) {
				return fmt.Errorf("all %d endpoints failed", bad)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&timeoutSec, "timeout", 5, "per-endpoint timeout, seconds")
	return cmd
}
