package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-intake/internal/httpc"
	"github.com/teslashibe/go-intake/pkg/directory"
)

func newDirectoryCmd(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "directory",
		Aliases: []string{"dir"},
		Short:   "Manage the organization directory",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List directory entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var entries []directory.Entry
			if err := httpc.DoJSON(cmd.Context(), http.MethodGet, serverURL(flags, "/directory"), nil, &entries); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tORGANIZATION\tLOCATION\tCONTACT")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.OrganizationName, e.LocationName, e.ContactEmail)
			}
			return tw.Flush()
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	var entry directory.Entry
	add := &cobra.Command{
		Use:   "add",
		Short: "Add an organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var created directory.Entry
			if err := httpc.DoJSON(cmd.Context(), http.MethodPost, serverURL(flags, "/directory"), entry, &created); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created.ID)
			return nil
		},
	}
	entryFlags(add, &entry)

	var changes directory.Entry
	update := &cobra.Command{
		Use:   "update ID",
		Short: "Replace an organization's names and contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := serverURL(flags, "/directory/"+url.PathEscape(args[0]))
			var updated directory.Entry
			if err := httpc.DoJSON(cmd.Context(), http.MethodPut, u, changes, &updated); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), updated)
		},
	}
	entryFlags(update, &changes)

	remove := &cobra.Command{
		Use:     "remove ID",
		Aliases: []string{"rm"},
		Short:   "Remove an organization",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := serverURL(flags, "/directory/"+url.PathEscape(args[0]))
			return httpc.DoJSON(cmd.Context(), http.MethodDelete, u, nil, nil)
		},
	}

	cmd.AddCommand(list, add, update, remove)
	return cmd
}

func entryFlags(cmd *cobra.Command, e *directory.Entry) {
	f := cmd.Flags()
	f.StringVar(&e.ID, "id", "", "entry id (generated when empty)")
	f.StringVar(&e.OrganizationName, "organization", "", "organization name")
	f.StringVar(&e.LocationName, "location", "", "location name")
	f.StringVar(&e.ContactEmail, "contact", "", "contact email")
	cmd.MarkFlagRequired("organization")
	cmd.MarkFlagRequired("location")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
