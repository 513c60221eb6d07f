// Package cli implements the domainctl command line.
package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func newApp(stdout, stderr io.Writer) *cli.Command {
	var g globalConfig
	return &cli.Command{
		Name:      "domainctl",
		Usage:     "Persistent, searchable memory for AI agents, one cognitive domain at a time",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags:     globalFlags(&g),
		Commands: []*cli.Command{
			ingestCommand(&g),
			recallCommand(&g),
			reinforceCommand(&g),
			traceCommand(&g),
			statsCommand(&g),
		},
	}
}

func Run(ctx context.Context, argv []string) *Error {
	if err := newApp(os.Stdout, os.Stderr).Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
