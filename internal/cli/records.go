package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-intake/internal/httpc"
	"github.com/teslashibe/go-intake/pkg/store"
)

func newRecordsCmd(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect and review collected sick notes",
	}

	var organization string
	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u := serverURL(flags, "/records")
			if organization != "" {
				u += "?organizationId=" + url.QueryEscape(organization)
			}
			var records []store.Record
			if err := httpc.DoJSON(cmd.Context(), http.MethodGet, u, nil, &records); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), records)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSAVED\tSTATUS\tORGANIZATION\tSUBJECT\tUNTIL")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.SavedAt.Format("2006-01-02 15:04"), r.Status, r.OrganizationName, r.SubjectName, r.EffectiveUntil)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&organization, "organization", "", "only records for this organization id")
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	status := &cobra.Command{
		Use:   "status ID STATUS",
		Short: "Set a record's review status (collected, confirmed, archived)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := store.Status(args[1])
			if !st.Valid() {
				return fmt.Errorf("%w: %q", store.ErrInvalidStatus, args[1])
			}
			u := serverURL(flags, "/records/"+url.PathEscape(args[0])+"/status")
			var updated store.Record
			body := map[string]store.Status{"status": st}
			if err := httpc.DoJSON(cmd.Context(), http.MethodPut, u, body, &updated); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", updated.ID, updated.Status)
			return nil
		},
	}

	cmd.AddCommand(list, status)
	return cmd
}
