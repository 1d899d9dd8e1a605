package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petrijr/geoflow/pkg/api"
)

func newCallbacksCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "callbacks",
		Short: "Manage fan-in callback tokens",
	}
	cmd.AddCommand(newCallbackCreateCommand(ctx))
	cmd.AddCommand(newCallbackGetCommand(ctx))
	cmd.AddCommand(newCallbackTokensCommand(ctx))
	cmd.AddCommand(newCallbackResolveCommand(ctx))
	cmd.AddCommand(newCallbackDeleteCommand(ctx))
	cmd.AddCommand(newCallbackPurgeCommand(ctx))
	return cmd
}

func newCallbackCreateCommand(ctx *commandContext) *cobra.Command {
	var payloadFile string

	cmd := &cobra.Command{
		Use:   "create <token>",
		Short: "Register a token resolved when a payload reaches a final state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd, func(s *services) error {
				inputs, err := readInputs(cmd, []string{payloadFile})
				if err != nil {
					return err
				}
				p, err := s.engine.ResolvePayload(cmd.Context(), inputs[0])
				if err != nil {
					return err
				}
				if err := s.engine.RegisterCallback(cmd.Context(), args[0], p); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "registered %s for %s\n", args[0], p.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&payloadFile, "payload", "-", "File holding the payload to wait for")
	return cmd
}

func newCallbackGetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "get <token>",
		Short: "Print a callback record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd, func(s *services) error {
				rec, err := s.callbacks.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd, rec)
			})
		},
	}
}

type tokensOutput struct {
	Fingerprint api.Fingerprint `json:"fingerprint"`
	Tokens      []string        `json:"tokens"`
	Truncated   bool            `json:"truncated,omitempty"`
}

func newCallbackTokensCommand(ctx *commandContext) *cobra.Command {
	var excludeFinal bool

	cmd := &cobra.Command{
		Use:   "tokens <payload-id>",
		Short: "List the tokens waiting on a payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := api.PayloadID(args[0]).Key()
			if err != nil {
				return err
			}
			fp := key.Fingerprint()
			return ctx.withServices(cmd, func(s *services) error {
				lookup, err := s.callbacks.Tokens(cmd.Context(), fp, excludeFinal)
				if err != nil {
					return err
				}
				out := tokensOutput{Fingerprint: fp, Tokens: lookup.Tokens, Truncated: lookup.Truncated}
				if out.Tokens == nil {
					out.Tokens = []string{}
				}
				return writeJSON(cmd, out)
			})
		},
	}
	cmd.Flags().BoolVar(&excludeFinal, "exclude-final", false, "Leave out resolved tokens")
	return cmd
}

func newCallbackResolveCommand(ctx *commandContext) *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "resolve <token>...",
		Short: "Resolve tokens with a final state",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := api.ParseState(state)
			if err != nil {
				return err
			}
			return ctx.withServices(cmd, func(s *services) error {
				report, err := s.callbacks.ResolveMany(cmd.Context(), args, st)
				if err != nil {
					return err
				}
				for _, res := range report.Results {
					if res.Err != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %v\n", res.Token, res.Outcome, res.Err)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", res.Token, res.Outcome)
				}
				if !report.OK() {
					return fmt.Errorf("%d of %d tokens not resolved", len(report.Failed()), len(report.Results))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", string(api.StateCompleted), "Final state to record")
	return cmd
}

func newCallbackDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <token>...",
		Short: "Remove callback tokens",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd, func(s *services) error {
				for _, token := range args {
					if err := s.callbacks.Delete(cmd.Context(), token); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newCallbackPurgeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove expired tokens from backends without native expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd, func(s *services) error {
				n, err := s.callbacks.PurgeExpired(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d\n", n)
				return nil
			})
		},
	}
}
