package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/urfave/cli/v3"
)

func showCommand() *cli.Command {
	var (
		cfg      config
		memoryID model.MemoryID
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "memory-id",
			Aliases:     []string{"id"},
			Usage:       "Memory ID to show",
			Sources:     cli.EnvVars("KIOKU_MEMORY_ID"),
			Destination: (*string)(&memoryID),
			Required:    true,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "show",
		Usage: "Show a stored memory",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx, stderr)

			// Initialize dependencies
			uc, closeRepo, err := cfg.newMemoryUseCase(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			m, err := uc.Show(ctx, memoryID)
			if err != nil {
				return goerr.Wrap(err, "failed to show memory")
			}

			data, err := json.MarshalIndent(m, "", "  ")
			if err != nil {
				return goerr.Wrap(err, "failed to marshal memory")
			}

			fmt.Fprintf(c.Root().Writer, "%s\n", string(data))
			return nil
		},
	}
}
