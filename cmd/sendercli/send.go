package main

import (
	"encoding/csv"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/tokenops/walletsender/internal/txcore"
)

// recipientRow is one planned transfer. amountStr is empty when the row
// should use the batch-wide --amount value.
type recipientRow struct {
	to        common.Address
	amountStr string
}

// loadRecipients reads a distribution file: one CSV row per recipient,
// `address` or `address,amount`. Blank lines and #-comments are skipped.
func loadRecipients(path string) ([]recipientRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.Comment = '#'
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	rows := make([]recipientRow, 0, len(records))
	for i, rec := range records {
		if len(rec) == 0 || (len(rec) == 1 && strings.TrimSpace(rec[0]) == "") {
			continue
		}
		addr := strings.TrimSpace(rec[0])
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("%s line %d: bad address %q", path, i+1, addr)
		}
		row := recipientRow{to: common.HexToAddress(addr)}
		if len(rec) > 1 {
			row.amountStr = strings.TrimSpace(rec[1])
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: no recipients", path)
	}
	return rows, nil
}

func newSendCmd(a *app) *cobra.Command {
	var (
		tokenHex  string
		toHex     []string
		file      string
		amountStr string
		decimals  int
		preflight bool
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send native coin or tokens to one or more recipients",
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := a.account()
			if err != nil {
				return err
			}
			var token common.Address
			if tokenHex != "" {
				if !common.IsHexAddress(tokenHex) {
					return fmt.Errorf("bad token address %q", tokenHex)
				}
				token = common.HexToAddress(tokenHex)
			}

			var rows []recipientRow
			switch {
			case file != "" && len(toHex) > 0:
				return fmt.Errorf("--file and --to are mutually exclusive")
			case file != "":
				if rows, err = loadRecipients(file); err != nil {
					return err
				}
			case len(toHex) > 0:
				for _, h := range toHex {
					if !common.IsHexAddress(h) {
						return fmt.Errorf("bad recipient address %q", h)
					}
					rows = append(rows, recipientRow{to: common.HexToAddress(h)})
				}
			default:
				return fmt.Errorf("either --to or --file required")
			}

			shutdown, err := a.startPipeline()
			if err != nil {
				return err
			}
			defer shutdown()

			if decimals < 0 {
				decimals = 18
				if token != (common.Address{}) {
					d, err := txcore.TokenDecimals(cmd.Context(), a.pool, token)
					if err != nil {
						return err
					}
					decimals = int(d)
				}
			}
			recipients := make([]common.Address, 0, len(rows))
			amounts := make([]*big.Int, 0, len(rows))
			for _, row := range rows {
				s := row.amountStr
				if s == "" {
					s = amountStr
				}
				if s == "" {
					return fmt.Errorf("no amount for %s: use --amount or an amount column", row.to.Hex())
				}
				amount, err := parseAmount(s, decimals)
				if err != nil {
					return err
				}
				recipients = append(recipients, row.to)
				amounts = append(amounts, amount)
			}

			if preflight && token != (common.Address{}) {
				for i, to := range recipients {
					if err := txcore.PreflightTransfer(cmd.Context(),
						a.pool, token, acct.Address, to, amounts[i]); err != nil {
						return err
					}
				}
			}

			w := a.watch()
			ids, err := a.router.Distribute(acct, token, recipients, amounts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %d transfer(s) from %s\n", len(ids), acct)
			return w.wait(cmd, ids)
		},
	}

	cmd.Flags().StringVar(&tokenHex, "token", "", "ERC-20 contract (empty = native coin)")
	cmd.Flags().StringArrayVar(&toHex, "to", nil, "recipient address (repeatable)")
	cmd.Flags().StringVar(&file, "file", "", "distribution file: CSV rows of address[,amount]")
	cmd.Flags().StringVar(&amountStr, "amount", "", "amount per recipient, decimal")
	cmd.Flags().IntVar(&decimals, "decimals", -1, "asset decimals (default: read from token, 18 for native)")
	cmd.Flags().BoolVar(&preflight, "preflight", true, "simulate token transfers before queueing")
	return cmd
}
