package cli

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/raizoken23/Stage-One-sub000/pkg/memory/model"
)

func traceCommand(g *globalConfig) *cli.Command {
	var types []string

	return &cli.Command{
		Name:  "trace",
		Usage: "Print the audit events of a domain",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:        "type",
				Aliases:     []string{"t"},
				Usage:       "Only print events of this type (INGEST, RECALL, REINFORCE); repeatable",
				Destination: &types,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			var filter []model.EventType
			for _, t := range types {
				et := model.EventType(strings.ToUpper(strings.TrimSpace(t)))
				switch et {
				case model.EventIngest, model.EventRecall, model.EventReinforce:
					filter = append(filter, et)
				default:
					return goerr.New("unknown event type", goerr.V("type", t))
				}
			}

			s, err := g.open(ctx, c)
			if err != nil {
				return err
			}
			events, traceErr := s.manager.GetTraceEvents(ctx, filter...)
			if traceErr == nil {
				traceErr = printJSON(c.Root().Writer, events)
			}
			s.cfg.SyncOnShutdown = false
			if err := s.close(ctx); err != nil && traceErr == nil {
				traceErr = err
			}
			return traceErr
		},
	}
}
