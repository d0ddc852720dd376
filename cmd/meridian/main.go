// meridian is the staged sync node: it replicates a chain from a source
// database into its own, stage by stage, and can roll its state back to an
// earlier block on demand.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/c2h5oh/datasize"
	"github.com/holiman/uint256"
	"github.com/ledgerwatch/log/v3"
	"github.com/urfave/cli/v2"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/core"
	"github.com/meridianchain/meridian/core/types"
	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/kv/mdbx"
	"github.com/meridianchain/meridian/metrics"
	"github.com/meridianchain/meridian/provider"
	"github.com/meridianchain/meridian/stagedsync"
	"github.com/meridianchain/meridian/stagedsync/stages"
)

var (
	datadirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the database",
		Value: "./meridian-data",
	}
	sourceDatadirFlag = &cli.StringFlag{
		Name:  "source.datadir",
		Usage: "Data directory of the chain database to replicate from",
	}
	genesisFlag = &cli.StringFlag{
		Name:  "genesis",
		Usage: "JSON file with the genesis allocation, {address: balance}",
	}
	targetFlag = &cli.Uint64Flag{
		Name:  "sync.target",
		Usage: "Stop syncing at this block (0 = follow the source)",
	}
	batchSizeFlag = &cli.Uint64Flag{
		Name:  "batch.blocks",
		Usage: "Blocks per stage batch between commits",
		Value: 10_000,
	}
	mapSizeFlag = &cli.StringFlag{
		Name:  "db.mapsize",
		Usage: "Upper bound of the database size",
		Value: "2GB",
	}
	pruneDistanceFlag = &cli.Uint64Flag{
		Name:  "prune.distance",
		Usage: "Keep indexes for this many recent blocks (0 = keep all)",
	}
	unwindToFlag = &cli.Uint64Flag{
		Name:     "to",
		Usage:    "Block to unwind to",
		Required: true,
	}
	metricsFlag = &cli.BoolFlag{
		Name:  "metrics",
		Usage: "Serve prometheus metrics",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "Listen address of the metrics endpoint",
		Value: "127.0.0.1:6060",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Log level (0=crit ... 5=trace)",
		Value: int(log.LvlInfo),
	}
)

func main() {
	app := &cli.App{
		Name:  "meridian",
		Usage: "staged chain sync over an ordered key-value store",
		Flags: []cli.Flag{verbosityFlag},
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "Initialize a chain database from a genesis file",
				Flags:  []cli.Flag{datadirFlag, genesisFlag, mapSizeFlag},
				Action: initCommand,
			},
			{
				Name:   "sync",
				Usage:  "Replicate the chain from a source database",
				Flags:  []cli.Flag{datadirFlag, sourceDatadirFlag, targetFlag, batchSizeFlag, mapSizeFlag, pruneDistanceFlag, metricsFlag, metricsAddrFlag},
				Action: syncCommand,
			},
			{
				Name:   "unwind",
				Usage:  "Roll every stage back to the given block",
				Flags:  []cli.Flag{datadirFlag, unwindToFlag, mapSizeFlag},
				Action: unwindCommand,
			},
			{
				Name:   "stages",
				Usage:  "Print the checkpoint of every stage",
				Flags:  []cli.Flag{datadirFlag, mapSizeFlag},
				Action: stagesCommand,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootLogger(cliCtx *cli.Context) log.Logger {
	logger := log.New()
	logger.SetHandler(log.LvlFilterHandler(log.Lvl(cliCtx.Int(verbosityFlag.Name)), log.StderrHandler))
	return logger
}

func openDB(cliCtx *cli.Context, logger log.Logger, readonly bool) (kv.RwDB, error) {
	var mapSize datasize.ByteSize
	if err := mapSize.UnmarshalText([]byte(cliCtx.String(mapSizeFlag.Name))); err != nil {
		return nil, fmt.Errorf("parsing --%s: %w", mapSizeFlag.Name, err)
	}
	opts := mdbx.NewMDBX(logger).
		Path(filepath.Join(cliCtx.String(datadirFlag.Name), "chaindata")).
		MapSize(mapSize)
	if readonly {
		opts = opts.Readonly()
	}
	return opts.Open()
}

func initCommand(cliCtx *cli.Context) error {
	logger := rootLogger(cliCtx)
	db, err := openDB(cliCtx, logger, false)
	if err != nil {
		return err
	}
	defer db.Close()

	genesis := &core.Genesis{Alloc: map[common.Address]*types.Account{}}
	if path := cliCtx.String(genesisFlag.Name); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var alloc map[string]uint64
		if err := json.Unmarshal(data, &alloc); err != nil {
			return fmt.Errorf("parsing genesis file: %w", err)
		}
		for addrHex, balance := range alloc {
			genesis.Alloc[common.HexToAddress(addrHex)] = &types.Account{Balance: *uint256.NewInt(balance)}
		}
	}

	block, err := core.CommitGenesisBlock(cliCtx.Context, db, genesis)
	if err != nil {
		return err
	}
	logger.Info("Genesis written", "hash", block.Hash(), "accounts", len(genesis.Alloc))
	return nil
}

func syncCommand(cliCtx *cli.Context) error {
	logger := rootLogger(cliCtx)
	ctx, cancel := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sourcePath := cliCtx.String(sourceDatadirFlag.Name)
	if sourcePath == "" {
		return fmt.Errorf("--%s is required", sourceDatadirFlag.Name)
	}
	db, err := openDB(cliCtx, logger, false)
	if err != nil {
		return err
	}
	defer db.Close()

	sourceDB, err := mdbx.NewMDBX(logger).
		Path(filepath.Join(sourcePath, "chaindata")).
		Readonly().
		Open()
	if err != nil {
		return fmt.Errorf("opening source database: %w", err)
	}
	defer sourceDB.Close()
	source := provider.NewChainSource(sourceDB)

	if cliCtx.Bool(metricsFlag.Name) {
		addr := cliCtx.String(metricsAddrFlag.Name)
		go func() {
			logger.Info("Serving metrics", "addr", addr)
			if err := http.ListenAndServe(addr, metrics.Handler()); err != nil {
				logger.Error("Metrics server stopped", "err", err)
			}
		}()
	}

	batchSize := cliCtx.Uint64(batchSizeFlag.Name)
	pruneDistance := cliCtx.Uint64(pruneDistanceFlag.Name)
	sync := stagedsync.New(
		stagedsync.DefaultStages(ctx,
			stagedsync.StageHeadersCfg(db, source, batchSize),
			stagedsync.StageBodiesCfg(db, source, batchSize, 0),
			stagedsync.StageSendersCfg(db, batchSize),
			stagedsync.StageExecuteBlocksCfg(db, batchSize),
			stagedsync.StageCommitmentCfg(db, 0),
			stagedsync.StageHistoryCfg(db, batchSize, pruneDistance),
			stagedsync.StageTxLookupCfg(db, batchSize, pruneDistance),
			stagedsync.StageFinishCfg(db),
		),
		stagedsync.DefaultUnwindOrder,
		stagedsync.DefaultPruneOrder,
		logger,
	)
	if target := cliCtx.Uint64(targetFlag.Name); target > 0 {
		sync.SetTarget(&target)
	}

	stagedsync.StageLoop(ctx, db, sync, logger)
	return nil
}

func unwindCommand(cliCtx *cli.Context) error {
	logger := rootLogger(cliCtx)
	ctx, cancel := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := openDB(cliCtx, logger, false)
	if err != nil {
		return err
	}
	defer db.Close()

	to := cliCtx.Uint64(unwindToFlag.Name)
	sync := stagedsync.New(
		stagedsync.DefaultStages(ctx,
			stagedsync.StageHeadersCfg(db, nil, 0),
			stagedsync.StageBodiesCfg(db, nil, 0, 0),
			stagedsync.StageSendersCfg(db, 0),
			stagedsync.StageExecuteBlocksCfg(db, 0),
			stagedsync.StageCommitmentCfg(db, 0),
			stagedsync.StageHistoryCfg(db, 0, 0),
			stagedsync.StageTxLookupCfg(db, 0, 0),
			stagedsync.StageFinishCfg(db),
		),
		stagedsync.DefaultUnwindOrder,
		stagedsync.DefaultPruneOrder,
		logger,
	)
	sync.UnwindTo(to, common.Hash{})
	if err := sync.RunUnwind(db, nil); err != nil {
		return err
	}
	logger.Info("Unwind done", "block", to)
	return nil
}

func stagesCommand(cliCtx *cli.Context) error {
	logger := rootLogger(cliCtx)
	db, err := openDB(cliCtx, logger, true)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(cliCtx.Context, func(tx kv.Tx) error {
		for _, stage := range stages.AllStages {
			progress, err := stages.GetStageProgress(tx, stage)
			if err != nil {
				return err
			}
			fmt.Printf("%-20s %d\n", stage, progress)
		}
		return nil
	})
}
