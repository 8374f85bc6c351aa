package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/zhiwei/internal/aggregator"
	"github.com/zhiwei/internal/api"
	"github.com/zhiwei/internal/config"
	"github.com/zhiwei/internal/database"
	"github.com/zhiwei/internal/history"
	"github.com/zhiwei/internal/instructions"
	"github.com/zhiwei/internal/jobqueue"
	"github.com/zhiwei/internal/modelhub"
	"github.com/zhiwei/internal/orchestrator"
	"github.com/zhiwei/internal/retrieval"
	"github.com/zhiwei/internal/search"
	"github.com/zhiwei/internal/storage"
	"github.com/zhiwei/internal/treestore"
)

// APICommand returns the CLI command for starting the API server
func APICommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Start the chat API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server",
			},
		},
		Action: runAPI,
	}
}

func runAPI(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if port := c.Int("port"); port != 0 {
		cfg.Server.Port = port
	}

	ctx := context.Background()

	pool, err := database.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	mgmtDB, err := database.NewDB(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer mgmtDB.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		return err
	}

	blobs, err := storage.New(cfg.Storage.Root, cfg.Storage.SignKey, cfg.Storage.URLPrefix)
	if err != nil {
		return err
	}

	hub := modelhub.NewHub(cfg)

	embedder, err := retrieval.NewEmbedder(cfg)
	if err != nil {
		return err
	}
	files := retrieval.NewFileStore(mgmtDB)
	retriever := retrieval.NewRetriever(pool, embedder, files, cfg)

	var searcher *search.Searcher
	if cfg.Chat.SearchModel != "" {
		queryModel, err := hub.Resolve(ctx, cfg.Chat.SearchModel)
		if err != nil {
			return fmt.Errorf("search model: %w", err)
		}
		searcher, err = search.New(5, queryModel)
		if err != nil {
			return err
		}
	} else {
		searcher, err = search.New(5, nil)
		if err != nil {
			return err
		}
	}

	agg := aggregator.New(searcher, retriever, aggregator.NewCorpusOpener(retriever))

	store := treestore.NewPostgresStore(pool)

	var titler *orchestrator.Titler
	titleModel := cfg.Chat.TitleModel
	if titleModel == "" {
		titleModel = cfg.Chat.DefaultModel
	}
	if m, err := hub.Resolve(ctx, titleModel); err == nil {
		titler = orchestrator.NewTitler(m)
	}

	orch := orchestrator.New(store, history.New(store, cfg.Chat.HistoryLimit), agg, hub, blobs, titler)

	jobs, err := jobqueue.NewJobQueue(pool, retriever, files, blobs)
	if err != nil {
		return err
	}
	if err := jobs.Start(ctx); err != nil {
		return fmt.Errorf("start job queue: %w", err)
	}

	server := api.NewServer(api.Deps{
		Config:       cfg,
		Store:        store,
		Orchestrator: orch,
		Hub:          hub,
		Blobs:        blobs,
		Files:        files,
		Instructions: instructions.NewStore(mgmtDB),
		Jobs:         jobs,
		ManagementDB: mgmtDB,
	})
	fmt.Printf("Starting API server on port %d...\n", cfg.Server.Port)
	return server.Start()
}
