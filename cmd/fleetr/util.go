package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/fleetr/pkg/client"
)

// newAPIClient builds a client from the global flags. Without --token the
// saved login session is used when it targets the same server.
func newAPIClient(flags *GlobalFlags) (*client.Client, error) {
	token := flags.Token
	if token == "" {
		if s, err := NewSessionManager().LoadSession(); err == nil && s != nil && sameServer(s.ServerURL, flags.APIUrl) {
			token = s.Token
		}
	}
	return client.New(client.Config{
		BaseURL:  flags.APIUrl,
		Timeout:  flags.APITimeout,
		Token:    token,
		CAFile:   flags.CAFile,
		Insecure: flags.Insecure,
	})
}

func sameServer(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}

// requestContext bounds a call by the API timeout plus any server-side wait.
func requestContext(cmd *cobra.Command, flags *GlobalFlags, wait time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), flags.APITimeout+wait)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printHosts(w io.Writer, hosts []client.Host) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tPLATFORM\tSTATUS\tWORKERS\tLAST SEEN")
	for _, h := range hosts {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			h.ID, h.Name, h.Platform, h.Status, len(h.Workers), since(h.LastSeen))
	}
	_ = tw.Flush()
}

func printCommands(w io.Writer, cmds []client.Command) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tHOST\tTYPE\tSTATUS\tPATH\tCREATED")
	for _, c := range cmds {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.HostID, c.Type, c.Status, orDash(c.Path), c.CreatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func printDiscovered(w io.Writer, ds []client.DiscoveredHost) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ADDRESS\tNAME\tMETHOD\tCONNECTED\tLAST SEEN")
	for _, d := range ds {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", d.Address, orDash(d.Name), d.Method, d.Connected, since(d.LastSeen))
	}
	_ = tw.Flush()
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
