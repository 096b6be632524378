package main

import (
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		addressHex string
		tokenHex   string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent token transfers for an address via the explorer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsHexAddress(addressHex) {
				return fmt.Errorf("bad address %q", addressHex)
			}
			address := common.HexToAddress(addressHex)
			var token common.Address
			if tokenHex != "" {
				if !common.IsHexAddress(tokenHex) {
					return fmt.Errorf("bad token address %q", tokenHex)
				}
				token = common.HexToAddress(tokenHex)
			}

			ec, err := a.explorerClient()
			if err != nil {
				return err
			}
			transfers, err := ec.TokenTransfers(cmd.Context(), address, token, 1, limit)
			if err != nil {
				return err
			}
			if len(transfers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no transfers found")
				return nil
			}
			for _, tr := range transfers {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-6s %s  %s -> %s  %s\n",
					formatUnix(tr.TimeStamp), tr.TokenSymbol,
					formatRaw(tr.Value, tr.TokenDecimal), tr.From, tr.To, tr.Hash)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addressHex, "address", "", "account to inspect")
	cmd.Flags().StringVar(&tokenHex, "token", "", "filter by token contract")
	cmd.Flags().IntVar(&limit, "limit", 25, "max entries")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func formatUnix(s string) string {
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return s
	}
	return time.Unix(ts, 0).UTC().Format("2006-01-02 15:04:05")
}

func formatRaw(value, decimals string) string {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return value
	}
	d, err := strconv.Atoi(decimals)
	if err != nil {
		return value
	}
	return formatAmount(v, d)
}
