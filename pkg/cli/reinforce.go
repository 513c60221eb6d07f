package cli

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/raizoken23/Stage-One-sub000/pkg/memory/engine"
)

func reinforceCommand(g *globalConfig) *cli.Command {
	var (
		fingerprint string
		boost       float64
	)

	return &cli.Command{
		Name:  "reinforce",
		Usage: "Raise the trust score of a memory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "fingerprint",
				Usage:       "Fingerprint of the memory",
				Required:    true,
				Destination: &fingerprint,
			},
			&cli.FloatFlag{
				Name:        "boost",
				Usage:       "Amount added to the trust score (defaults to reinforce.boost)",
				Destination: &boost,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			s, err := g.open(ctx, c)
			if err != nil {
				return err
			}
			res := s.manager.Reinforce(ctx, fingerprint, boost)
			outErr := printJSON(c.Root().Writer, res)
			if err := s.close(ctx); err != nil && outErr == nil {
				outErr = err
			}
			if outErr != nil {
				return outErr
			}
			if res.Status != engine.StatusSuccess {
				return goerr.New("reinforce failed", goerr.V("status", res.Status), goerr.V("reason", res.Error))
			}
			return nil
		},
	}
}
