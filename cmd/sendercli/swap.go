package main

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/tokenops/walletsender/internal/txcore"
)

func newSwapCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "swap",
		Short: "Swap through the configured DEX router",
	}
	cmd.AddCommand(newSwapBuyCmd(a), newSwapSellCmd(a))
	return cmd
}

// minOutWithSlippage quotes the swap and shaves slippagePct off the result.
func minOutWithSlippage(a *app, cmd *cobra.Command, amountIn *big.Int, path []common.Address, slippagePct float64) (*big.Int, error) {
	quoted, err := a.sub.Quote(cmd.Context(), amountIn, path)
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}
	keep := big.NewInt(int64((100 - slippagePct) * 100))
	minOut := new(big.Int).Mul(quoted, keep)
	minOut.Div(minOut, big.NewInt(10000))
	fmt.Fprintf(cmd.OutOrStdout(), "quote: %s out, accepting >= %s after %.1f%% slippage\n",
		quoted, minOut, slippagePct)
	return minOut, nil
}

func newSwapBuyCmd(a *app) *cobra.Command {
	var (
		tokenHex  string
		amountStr string
		slippage  float64
	)
	cmd := &cobra.Command{
		Use:   "buy",
		Short: "Spend native coin to buy tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := a.account()
			if err != nil {
				return err
			}
			if !common.IsHexAddress(tokenHex) {
				return fmt.Errorf("bad token address %q", tokenHex)
			}
			token := common.HexToAddress(tokenHex)
			amountIn, err := parseAmount(amountStr, 18)
			if err != nil {
				return err
			}

			shutdown, err := a.startPipeline()
			if err != nil {
				return err
			}
			defer shutdown()

			path := []common.Address{common.HexToAddress(a.cfg.Chain.WrappedNative), token}
			minOut, err := minOutWithSlippage(a, cmd, amountIn, path, slippage)
			if err != nil {
				return err
			}

			w := a.watch()
			id, err := a.router.AutoBuy(acct, token, amountIn, minOut)
			if err != nil {
				return err
			}
			return w.wait(cmd, []string{id})
		},
	}
	cmd.Flags().StringVar(&tokenHex, "token", "", "token to buy")
	cmd.Flags().StringVar(&amountStr, "amount", "", "native coin to spend, decimal")
	cmd.Flags().Float64Var(&slippage, "slippage", 1.0, "slippage tolerance, percent")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newSwapSellCmd(a *app) *cobra.Command {
	var (
		tokenHex  string
		amountStr string
		decimals  int
		slippage  float64
	)
	cmd := &cobra.Command{
		Use:   "sell",
		Short: "Sell tokens back to native coin",
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := a.account()
			if err != nil {
				return err
			}
			if !common.IsHexAddress(tokenHex) {
				return fmt.Errorf("bad token address %q", tokenHex)
			}
			token := common.HexToAddress(tokenHex)
			amountIn, err := parseAmount(amountStr, decimals)
			if err != nil {
				return err
			}

			shutdown, err := a.startPipeline()
			if err != nil {
				return err
			}
			defer shutdown()

			path := []common.Address{token, common.HexToAddress(a.cfg.Chain.WrappedNative)}
			minOut, err := minOutWithSlippage(a, cmd, amountIn, path, slippage)
			if err != nil {
				return err
			}

			router := common.HexToAddress(a.cfg.Chain.Router)
			allowance, err := txcore.Allowance(cmd.Context(), a.pool, token, acct.Address, router)
			if err != nil {
				return fmt.Errorf("read allowance: %w", err)
			}

			w := a.watch()
			var ids []string
			if allowance.Cmp(amountIn) < 0 {
				approveID, sellID, err := a.router.SellWithApproval(acct, token, amountIn, minOut)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "allowance too low, queueing approve first")
				ids = []string{approveID, sellID}
			} else {
				sellID, err := a.router.AutoSell(acct, token, amountIn, minOut)
				if err != nil {
					return err
				}
				ids = []string{sellID}
			}
			return w.wait(cmd, ids)
		},
	}
	cmd.Flags().StringVar(&tokenHex, "token", "", "token to sell")
	cmd.Flags().StringVar(&amountStr, "amount", "", "token amount to sell, decimal")
	cmd.Flags().IntVar(&decimals, "decimals", 18, "token decimals")
	cmd.Flags().Float64Var(&slippage, "slippage", 1.0, "slippage tolerance, percent")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}
