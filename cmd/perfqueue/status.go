package main

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

func newStatusCmd(opts *options) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running request and the waiting list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient(opts.serverURL).do(cmd.Context(), http.MethodGet, "/api/v1/status", nil)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if raw {
				_, err := out.Write(data)
				return err
			}

			if f, ok := out.(*os.File); !ok || !isTerminal(f) {
				color.NoColor = true
			}
			printStatus(out, data)
			return nil
		},
	}

	cmd.Flags().BoolVar(&raw, "json", false, "Print the raw JSON status")

	return cmd
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// printStatus renders a status document for humans
func printStatus(w io.Writer, data []byte) {
	status := gjson.ParseBytes(data)

	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	dim := color.New(color.Faint)

	current := status.Get("current")
	switch {
	case !current.Exists():
		bold.Fprint(w, "current:  ")
		dim.Fprintln(w, "idle")
	case status.Get("executing").Bool():
		bold.Fprint(w, "current:  ")
		green.Fprintf(w, "%s executing", current.Get("id").String())
		fmt.Fprintf(w, " (account %s, controller %s)\n", current.Get("account").String(), current.Get("controller").String())
	default:
		bold.Fprint(w, "current:  ")
		yellow.Fprintf(w, "%s waiting for runner token", current.Get("id").String())
		fmt.Fprintf(w, " (account %s, controller %s)\n", current.Get("account").String(), current.Get("controller").String())
	}

	waiting := status.Get("waiting").Array()
	bold.Fprintf(w, "waiting:  ")
	fmt.Fprintf(w, "%d\n", len(waiting))
	for i, req := range waiting {
		fmt.Fprintf(w, "  %d. %s (account %s)\n", i+1, req.Get("id").String(), req.Get("account").String())
	}
}
