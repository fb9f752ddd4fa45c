package cli

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/briandowns/spinner"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func processCommand() *cli.Command {
	var (
		cfg        config
		inputPath  string
		outputPath string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "input",
			Aliases:     []string{"i"},
			Usage:       "Path to audio file of one utterance",
			Sources:     cli.EnvVars("KIOKU_INPUT"),
			Destination: &inputPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "Path to write the spoken reply",
			Sources:     cli.EnvVars("KIOKU_OUTPUT"),
			Destination: &outputPath,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, pipelineFlags(&cfg)...)

	return &cli.Command{
		Name:  "process",
		Usage: "Run the memory pipeline on a local audio file",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx, stderr)

			data, err := os.ReadFile(inputPath)
			if err != nil {
				return goerr.Wrap(err, "failed to read input file", goerr.Value("path", inputPath))
			}

			// Initialize dependencies
			uc, closeRepo, err := cfg.newMemoryUseCase(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			p, err := cfg.newPipeline(ctx, uc, nil)
			if err != nil {
				return err
			}

			s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(stderr))
			s.Suffix = " processing " + filepath.Base(inputPath)
			s.Start()
			resp, err := p.Process(ctx, data, filepath.Base(inputPath))
			// the record is saved in the background; wait for it before exit
			p.Executor().Wait()
			s.Stop()
			if err != nil {
				return goerr.Wrap(err, "failed to process utterance")
			}

			if outputPath != "" && resp.Audio != "" {
				raw, err := base64.StdEncoding.DecodeString(resp.Audio)
				if err != nil {
					return goerr.Wrap(err, "failed to decode reply audio")
				}
				if err := os.WriteFile(outputPath, raw, 0644); err != nil {
					return goerr.Wrap(err, "failed to write reply audio", goerr.Value("path", outputPath))
				}
			}

			// Audio is written to --output rather than printed
			printed := *resp
			printed.Audio = ""

			out, err := json.MarshalIndent(printed, "", "  ")
			if err != nil {
				return goerr.Wrap(err, "failed to marshal response")
			}

			fmt.Fprintf(c.Root().Writer, "%s\n", string(out))
			return nil
		},
	}
}
