package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/usecase/memory"
	"github.com/urfave/cli/v3"
)

func listCommand() *cli.Command {
	var (
		cfg      config
		category string
		offset   int64
		limit    int64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "category",
			Aliases:     []string{"c"},
			Usage:       "Only list memories of this category",
			Sources:     cli.EnvVars("KIOKU_LIST_CATEGORY"),
			Destination: &category,
		},
		&cli.IntFlag{
			Name:        "offset",
			Usage:       "Offset for pagination",
			Value:       0,
			Sources:     cli.EnvVars("KIOKU_LIST_OFFSET"),
			Destination: &offset,
		},
		&cli.IntFlag{
			Name:        "limit",
			Usage:       "Maximum number of memories to list",
			Value:       100,
			Sources:     cli.EnvVars("KIOKU_LIST_LIMIT"),
			Destination: &limit,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "list",
		Usage: "List stored memories, newest event first",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx, stderr)

			// Initialize dependencies
			uc, closeRepo, err := cfg.newMemoryUseCase(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			opts := memory.ListOptions{
				Offset: int(offset),
				Limit:  int(limit),
			}
			if category != "" {
				opts.Category = model.ParseCategory(category)
			}

			memories, err := uc.List(ctx, opts)
			if err != nil {
				return goerr.Wrap(err, "failed to list memories")
			}

			// Display memories
			for _, m := range memories {
				when := "-"
				if m.EventCreatedAt != nil {
					when = m.EventCreatedAt.Format(time.DateTime)
				}
				event := m.MainEvent
				if event == "" {
					event = m.Transcription
				}
				fmt.Fprintf(c.Root().Writer, "%s\t%s\t%s\t%s\n", m.ID, when, m.Category, event)
			}

			return nil
		},
	}
}
