package main

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

func newBalanceCmd(a *app) *cobra.Command {
	var (
		addressHex string
		tokenHex   string
		decimals   int
	)
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show native and token balances via the explorer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsHexAddress(addressHex) {
				return fmt.Errorf("bad address %q", addressHex)
			}
			address := common.HexToAddress(addressHex)

			ec, err := a.explorerClient()
			if err != nil {
				return err
			}
			native, err := ec.NativeBalance(cmd.Context(), address)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "native: %s\n", formatAmount(native, 18))

			if tokenHex != "" {
				if !common.IsHexAddress(tokenHex) {
					return fmt.Errorf("bad token address %q", tokenHex)
				}
				token := common.HexToAddress(tokenHex)
				bal, err := ec.TokenBalance(cmd.Context(), token, address)
				if err != nil {
					return err
				}
				label := "token"
				if decimals < 0 {
					decimals = 18
					info, err := ec.Token(cmd.Context(), token)
					if err != nil {
						a.log.WithError(err).Warn("token metadata unavailable, assuming 18 decimals")
					} else {
						if d, err := strconv.Atoi(info.Divisor); err == nil {
							decimals = d
						}
						if info.Symbol != "" {
							label = info.Symbol
						}
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", label, formatAmount(bal, decimals))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addressHex, "address", "", "account to inspect")
	cmd.Flags().StringVar(&tokenHex, "token", "", "token contract")
	cmd.Flags().IntVar(&decimals, "decimals", -1, "token decimals (default: read from explorer)")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}
