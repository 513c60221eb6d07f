package cli

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/raizoken23/Stage-One-sub000/pkg/memory/engine"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/model"
)

func recallCommand(g *globalConfig) *cli.Command {
	var (
		query, agent, memType string
		k                     int64
		minScore              float64
	)

	return &cli.Command{
		Name:  "recall",
		Usage: "Find the memories most relevant to a query",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "query",
				Aliases:     []string{"q"},
				Usage:       "Query text",
				Required:    true,
				Destination: &query,
			},
			&cli.IntFlag{
				Name:        "k",
				Usage:       "Maximum number of memories to return",
				Value:       5,
				Destination: &k,
			},
			&cli.StringFlag{
				Name:        "agent",
				Aliases:     []string{"a"},
				Usage:       "Only return memories of this agent",
				Destination: &agent,
			},
			&cli.StringFlag{
				Name:        "type",
				Aliases:     []string{"t"},
				Usage:       "Only return memories of this type",
				Destination: &memType,
			},
			&cli.FloatFlag{
				Name:        "min-score",
				Usage:       "Composite score threshold (defaults to recall.min_score)",
				Destination: &minScore,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			q := engine.RecallQuery{Text: query, K: int(k), AgentID: agent}
			if memType != "" {
				t, err := model.ParseMemoryType(memType)
				if err != nil {
					return goerr.Wrap(err, "invalid --type")
				}
				q.MemoryType = t
			}
			if c.IsSet("min-score") {
				q = q.WithMinScore(minScore)
			}

			s, err := g.open(ctx, c)
			if err != nil {
				return err
			}
			hits, recallErr := s.manager.Recall(ctx, q)
			if recallErr == nil {
				recallErr = printJSON(c.Root().Writer, hits)
			}
			// recall does not change the domain
			s.cfg.SyncOnShutdown = false
			if err := s.close(ctx); err != nil && recallErr == nil {
				recallErr = err
			}
			return recallErr
		},
	}
}
