package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/raizoken23/Stage-One-sub000/pkg/memory/model"
)

func ingestCommand(g *globalConfig) *cli.Command {
	var (
		agent, input, output, memType, file string
		trust                               float64
	)

	return &cli.Command{
		Name:  "ingest",
		Usage: "Store a memory, or every record of a JSON lines file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "agent",
				Aliases:     []string{"a"},
				Usage:       "Agent the memory belongs to",
				Destination: &agent,
			},
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "Input text of the experience",
				Destination: &input,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "Output text of the experience",
				Destination: &output,
			},
			&cli.StringFlag{
				Name:        "type",
				Aliases:     []string{"t"},
				Usage:       "Memory type: " + typeNames(),
				Value:       string(model.MemoryDialogue),
				Destination: &memType,
			},
			&cli.FloatFlag{
				Name:        "trust",
				Usage:       "Initial trust score in [0, 1]",
				Value:       model.DefaultTrustScore,
				Destination: &trust,
			},
			&cli.StringFlag{
				Name:        "file",
				Aliases:     []string{"f"},
				Usage:       "JSON lines file of records to ingest",
				Destination: &file,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			var records []model.MemoryRecord
			if file != "" {
				recs, err := readRecords(file)
				if err != nil {
					return err
				}
				records = recs
			} else {
				if agent == "" || input == "" {
					return goerr.New("--agent and --input are required without --file")
				}
				t, err := model.ParseMemoryType(memType)
				if err != nil {
					return goerr.Wrap(err, "invalid --type")
				}
				rec := model.NewRecord(agent, input, output, t)
				rec = rec.WithTrust(trust)
				records = append(records, rec)
			}

			s, err := g.open(ctx, c)
			if err != nil {
				return err
			}
			var ingestErr error
			for _, rec := range records {
				res, err := s.manager.Ingest(ctx, rec)
				if err != nil {
					ingestErr = err
					break
				}
				if err := printJSON(c.Root().Writer, res); err != nil {
					ingestErr = err
					break
				}
			}
			if err := s.close(ctx); err != nil && ingestErr == nil {
				ingestErr = err
			}
			return ingestErr
		},
	}
}

func readRecords(path string) ([]model.MemoryRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, goerr.Wrap(err, "open records file", goerr.V("path", path))
	}
	defer f.Close()

	var out []model.MemoryRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var rec model.MemoryRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, goerr.Wrap(err, "decode record", goerr.V("path", path), goerr.V("line", line))
		}
		if rec.MemoryType != "" {
			t, err := model.ParseMemoryType(string(rec.MemoryType))
			if err != nil {
				return nil, goerr.Wrap(err, "decode record", goerr.V("line", line))
			}
			rec.MemoryType = t
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, goerr.Wrap(err, "read records file", goerr.V("path", path))
	}
	return out, nil
}

func typeNames() string {
	var names []string
	for _, t := range model.MemoryTypes() {
		names = append(names, string(t))
	}
	return strings.Join(names, ", ")
}
