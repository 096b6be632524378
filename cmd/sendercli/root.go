package main

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tokenops/walletsender/internal/chain"
	"github.com/tokenops/walletsender/internal/config"
	"github.com/tokenops/walletsender/internal/explorer"
	"github.com/tokenops/walletsender/internal/logging"
	"github.com/tokenops/walletsender/internal/nonce"
	"github.com/tokenops/walletsender/internal/queue"
	"github.com/tokenops/walletsender/internal/txcore"
	"github.com/tokenops/walletsender/internal/wallet"
)

// app carries everything a command needs. Built lazily: netcheck needs only
// the pool, send needs the whole pipeline.
type app struct {
	cfg *config.Config
	log *logrus.Logger

	pool   *chain.Pool
	mgr    *nonce.Manager
	sub    *txcore.Submitter
	exec   *queue.Executor
	router *queue.Router
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var cfgPath string

	root := &cobra.Command{
		Use:           "sendercli",
		Short:         "Token operations from the command line: transfers, swaps, history",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = log
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config.yaml")

	root.AddCommand(
		newSendCmd(a),
		newSwapCmd(a),
		newNetcheckCmd(a),
		newHistoryCmd(a),
		newBalanceCmd(a),
	)
	return root
}

func (a *app) openPool() (*chain.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	pool, err := chain.NewPool(a.cfg.Chain.Endpoints, chain.Options{
		Cooldown: a.cfg.Chain.EndpointCooldown(),
		Log:      logrus.NewEntry(a.log),
	})
	if err != nil {
		return nil, err
	}
	a.pool = pool
	return pool, nil
}

// startPipeline wires nonce manager, submitter, executor and router. The
// returned shutdown func drains workers and stops the sweeper.
func (a *app) startPipeline() (func(), error) {
	pool, err := a.openPool()
	if err != nil {
		return nil, err
	}
	entry := logrus.NewEntry(a.log)

	a.mgr = nonce.NewManager(pool, nonce.Config{
		ReserveWait: a.cfg.Nonce.ReserveWait(),
		Grace:       a.cfg.Nonce.Grace(),
		MaxPending:  a.cfg.Nonce.MaxPending,
		Log:         entry,
	})

	var priceWei *big.Int
	if a.cfg.Gas.PriceGwei > 0 {
		priceWei = new(big.Int).SetUint64(uint64(a.cfg.Gas.PriceGwei * 1e9))
	}
	a.sub = txcore.NewSubmitter(pool, txcore.Config{
		ChainID: a.cfg.Chain.ID,
		Gas: txcore.GasPolicy{
			PriceWei:      priceWei,
			BufferPct:     a.cfg.Gas.BufferPct,
			LimitOverride: a.cfg.Gas.LimitOverride,
		},
		Router:         common.HexToAddress(a.cfg.Chain.Router),
		WrappedNative:  common.HexToAddress(a.cfg.Chain.WrappedNative),
		PollInterval:   a.cfg.Confirm.PollInterval(),
		ConfirmTimeout: a.cfg.Confirm.Timeout(),
		Log:            entry,
	})

	a.exec = queue.NewExecutor(a.mgr, a.sub, queue.Config{
		Workers:     a.cfg.Queue.Workers,
		MaxAttempts: a.cfg.Queue.MaxAttempts,
		RetryBase:   a.cfg.Queue.RetryBase(),
		RetryMax:    a.cfg.Queue.RetryMax(),
		SendDelay:   a.cfg.Queue.SendDelay(),
		QueueSize:   a.cfg.Queue.QueueSize,
		Log:         entry,
	})
	a.exec.SetRecorder(&queue.LogRecorder{Log: entry})
	a.router = queue.NewRouter(a.exec)

	return func() {
		a.exec.Stop()
		a.mgr.Close()
		pool.Close()
	}, nil
}

func (a *app) explorerClient() (*explorer.Client, error) {
	ec := a.cfg.Explorer
	return explorer.NewClient(explorer.Config{
		BaseURL:    ec.BaseURL,
		ChainID:    a.cfg.Chain.ID,
		Keys:       ec.Keys,
		MaxRetries: ec.MaxRetries,
		Limiter:    explorer.NewLimiter(ec.PerKeyRPS, ec.GlobalRPS, ec.Burst, 0),
		Log:        logrus.NewEntry(a.log),
	})
}

func (a *app) account() (*wallet.Account, error) {
	if a.cfg.Wallet.PrivateKey == "" {
		return nil, errors.New("wallet private key not set (WSENDER_WALLET_PRIVATE_KEY)")
	}
	return wallet.FromHexKey(a.cfg.Wallet.PrivateKey)
}

// jobWaiter collects job updates. Install it before submitting so no
// terminal update slips past.
type jobWaiter struct {
	updates chan queue.Update
}

func (a *app) watch() *jobWaiter {
	w := &jobWaiter{updates: make(chan queue.Update, 4096)}
	a.exec.Subscribe(func(u queue.Update) {
		select {
		case w.updates <- u:
		default: // never block the pipeline
		}
	})
	return w
}

// wait blocks until every listed job reaches a terminal state, printing one
// line per transition.
func (w *jobWaiter) wait(cmd *cobra.Command, ids []string) error {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	remaining := len(ids)
	failed := 0
	for remaining > 0 {
		u := <-w.updates
		if !want[u.JobID] {
			continue
		}
		switch u.State {
		case queue.StateSucceeded:
			fmt.Fprintf(cmd.OutOrStdout(), "job %s %s tx=%s\n", shortID(u.JobID), u.State, u.TxHash.Hex())
			remaining--
		case queue.StateFailed, queue.StateCancelled:
			fmt.Fprintf(cmd.OutOrStdout(), "job %s %s err=%v\n", shortID(u.JobID), u.State, u.Err)
			remaining--
			failed++
		case queue.StateRetrying:
			fmt.Fprintf(cmd.OutOrStdout(), "job %s retrying (attempt %d): %v\n", shortID(u.JobID), u.Attempt, u.Err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs did not succeed", failed, len(ids))
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
