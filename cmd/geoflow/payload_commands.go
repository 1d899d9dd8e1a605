package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petrijr/geoflow/internal/statedb"
	"github.com/petrijr/geoflow/pkg/api"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var replace bool

	cmd := &cobra.Command{
		Use:   "submit [file...]",
		Short: "Submit payloads from files or stdin",
		Long: "Submit reads payloads, {\"url\": ...} references or queue envelopes from\n" +
			"each file (or stdin) and submits those that are new, FAILED or ABORTED.\n" +
			"The ids of submitted payloads are printed one per line.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd, func(s *services) error {
				inputs, err := readInputs(cmd, args)
				if err != nil {
					return err
				}
				var payloads []*api.Payload
				for _, raw := range inputs {
					ps, err := s.engine.ResolvePayloads(cmd.Context(), raw)
					if err != nil {
						return err
					}
					payloads = append(payloads, ps...)
				}
				ids, err := s.engine.SubmitBatch(cmd.Context(), payloads, replace)
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "Submit payloads regardless of their current state")
	return cmd
}

func newGetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "get <payload-id>...",
		Short: "Print the state records of payloads",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd, func(s *services) error {
				if len(args) == 1 {
					rec, err := s.states.GetRecord(cmd.Context(), api.PayloadID(args[0]))
					if err != nil {
						return err
					}
					return writeJSON(cmd, rec)
				}
				ids := make([]api.PayloadID, len(args))
				for i, a := range args {
					ids[i] = api.PayloadID(a)
				}
				recs, err := s.states.GetRecords(cmd.Context(), ids)
				if err != nil {
					return err
				}
				return writeJSON(cmd, recs)
			})
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var (
		state  string
		since  string
		limit  int
		cursor string
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "list <collections_workflow>",
		Short: "List the records of a collections/workflow group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := parseStateFlag(state)
			if err != nil {
				return err
			}
			opts := statedb.ListOptions{Group: args[0], State: st, Since: since, Limit: limit, Cursor: cursor}
			return ctx.withServices(cmd, func(s *services) error {
				if all {
					recs, err := s.states.ListAll(cmd.Context(), opts, 0)
					if err != nil {
						return err
					}
					return writeJSON(cmd, recs)
				}
				page, err := s.states.List(cmd.Context(), opts)
				if err != nil {
					return err
				}
				return writeJSON(cmd, page)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Only records in this state")
	cmd.Flags().StringVar(&since, "since", "", "Only records updated within this window, e.g. 30m, 12h, 7d")
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Continue from the next_cursor of an earlier page")
	cmd.Flags().BoolVar(&all, "all", false, "Follow cursors and print every matching record")
	return cmd
}

func newCountsCommand(ctx *commandContext) *cobra.Command {
	var (
		state string
		since string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "counts <collections_workflow>",
		Short: "Count the records of a group per state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := parseStateFlag(state)
			if err != nil {
				return err
			}
			return ctx.withServices(cmd, func(s *services) error {
				counts, err := s.states.Counts(cmd.Context(), statedb.CountOptions{
					Group: args[0],
					State: st,
					Since: since,
					Limit: limit,
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd, counts)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Only count this state")
	cmd.Flags().StringVar(&since, "since", "", "Only count records updated within this window")
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop counting a state at this many records")
	return cmd
}

func newAbortCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <payload-id>...",
		Short: "Mark payloads ABORTED and resolve their callbacks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd, func(s *services) error {
				for _, id := range args {
					if err := s.engine.Abort(cmd.Context(), api.PayloadID(id)); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "aborted %s\n", id)
				}
				return nil
			})
		},
	}
}

func newDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <payload-id>...",
		Short: "Remove state records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd, func(s *services) error {
				for _, id := range args {
					if err := s.states.Delete(cmd.Context(), api.PayloadID(id)); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
				}
				return nil
			})
		},
	}
}
