package cli

import (
	"context"

	"github.com/urfave/cli/v3"
)

func statsCommand(g *globalConfig) *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Print record counts, index size and sync times of a domain",
		Action: func(ctx context.Context, c *cli.Command) error {
			s, err := g.open(ctx, c)
			if err != nil {
				return err
			}
			outErr := printJSON(c.Root().Writer, s.manager.Stats(ctx))
			s.cfg.SyncOnShutdown = false
			if err := s.close(ctx); err != nil && outErr == nil {
				outErr = err
			}
			return outErr
		},
	}
}
