package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/filebeam/filebeam/config"
	"github.com/filebeam/filebeam/internal/assembler"
	"github.com/filebeam/filebeam/internal/gateway"
	"github.com/filebeam/filebeam/internal/history"
	"github.com/filebeam/filebeam/internal/presence"
	"github.com/filebeam/filebeam/internal/storage"
	"github.com/filebeam/filebeam/pkg/env"
	"github.com/filebeam/filebeam/pkg/logging"
)

func main() {
	env.LoadEnv()
	logging.InitLogger(env.GetEnv("DEBUG", "") != "")

	app := &cli.App{
		Name:  "filebeam",
		Usage: "File-transfer coordination node",
		Commands: []*cli.Command{
			{
				Name:    "start",
				Aliases: []string{"s"},
				Usage:   "Start the coordination node",
				Action:  runStart,
			},
			{
				Name:  "history",
				Usage: "List the transfer history ledger",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "participant", Usage: "Filter by participant id"},
					&cli.StringFlag{Name: "status", Usage: "Filter by status (success|failed|cancelled)"},
					&cli.IntFlag{Name: "limit", Usage: "Maximum entries to print"},
				},
				Action: runHistory,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}

func runStart(c *cli.Context) error {
	config.LoadConfig(".")
	cfg := config.Config

	ledger, err := history.OpenLedger(filepath.Join(cfg.StoragePath, "history"))
	if err != nil {
		return err
	}
	defer ledger.Close()

	store, err := storage.NewLocalStorage(filepath.Join(cfg.StoragePath, "chunks"))
	if err != nil {
		return err
	}
	asm, err := assembler.New(store, cfg.OutputPath)
	if err != nil {
		return err
	}

	registry := presence.NewRegistry()
	gw := gateway.New(registry, ledger, asm, gateway.Options{
		SessionsPerUser:     cfg.SessionsPerUser,
		DedupWindow:         cfg.DedupWindow,
		ChunkSize:           cfg.ChunkSize,
		MaxInflight:         cfg.MaxInflight,
		AckTimeout:          cfg.AckTimeout,
		ProgressInterval:    cfg.ProgressInterval,
		ProgressMinDeltaPct: cfg.ProgressMinDeltaPct,
	})
	defer gw.Shutdown()

	logging.Log.Infof("🚀 Node %s started", cfg.NodeID)
	return gateway.NewServer(gw, cfg.Port).Start()
}

func runHistory(c *cli.Context) error {
	config.LoadConfig(".")

	ledger, err := history.OpenLedger(filepath.Join(config.Config.StoragePath, "history"))
	if err != nil {
		return err
	}
	defer ledger.Close()

	entries, err := ledger.List(history.Filter{
		ParticipantID: c.String("participant"),
		Status:        c.String("status"),
		Limit:         c.Int("limit"),
	})
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("No transfers recorded")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  %-9s  %s -> %s  %s (%d bytes)\n",
			e.RecordedAt.Format("2006-01-02 15:04:05"),
			e.Status, e.SenderID, e.ReceiverID, e.FileName, e.TotalSize)
	}
	return nil
}
