package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdehaan/phab-conduit/pkg/conduit"
)

type searchOptions struct {
	endpoint    string
	queryKey    string
	ids         []int64
	phids       []string
	constraints []string
	attach      []string
	order       string
	limit       int
	after       string
	before      string
}

func newSearchCmd(root *rootOptions) *cobra.Command {
	opts := &searchOptions{}

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run a *.search endpoint and print data and cursor",
		Long: `Run a Conduit search endpoint and print the decoded data list and paging
cursor as JSON.

Constraints are given as key=value. Repeating a key, or writing key[]=value,
sends a list.

Example:
  phab-probe search --ids 27870 --ids 27871
  phab-probe search --constraint statuses[]=published --limit 10 --order newest
  phab-probe search --endpoint project.search --constraint query=firefox`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			params, err := opts.params()
			if err != nil {
				return err
			}
			return runWithApp(cmd, root, func(ctx context.Context, a *app) error {
				res, err := a.client.SearchWith(ctx, opts.endpoint, params)
				if err != nil {
					return err
				}
				a.logger.Info("search complete", "endpoint", opts.endpoint, "results", len(res.Data))
				return a.printJSON(map[string]any{
					"data":   res.Data,
					"cursor": res.Cursor,
				})
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.endpoint, "endpoint", "e", conduit.RevisionSearchMethod, "Conduit search method")
	flags.StringVar(&opts.queryKey, "query-key", "", "Builtin or saved query to start from")
	flags.Int64SliceVar(&opts.ids, "ids", nil, "Revision IDs constraint (repeatable)")
	flags.StringSliceVar(&opts.phids, "phids", nil, "PHIDs constraint (repeatable)")
	flags.StringArrayVar(&opts.constraints, "constraint", nil, "Constraint as key=value (repeatable)")
	flags.StringSliceVar(&opts.attach, "attach", nil, "Attachments to request (e.g. reviewers, subscribers)")
	flags.StringVar(&opts.order, "order", "", "Result order")
	flags.IntVar(&opts.limit, "limit", 0, "Maximum number of results")
	flags.StringVar(&opts.after, "after", "", "Cursor to page forward from")
	flags.StringVar(&opts.before, "before", "", "Cursor to page backward from")

	return cmd
}

func (o *searchOptions) params() (conduit.SearchParams, error) {
	constraints, err := parseConstraints(o.constraints)
	if err != nil {
		return conduit.SearchParams{}, err
	}
	if len(o.ids) > 0 {
		constraints["ids"] = o.ids
	}
	if len(o.phids) > 0 {
		constraints["phids"] = o.phids
	}

	params := conduit.SearchParams{
		QueryKey:    o.queryKey,
		Constraints: constraints,
		Limit:       o.limit,
		After:       o.after,
		Before:      o.before,
	}
	if o.order != "" {
		params.Order = o.order
	}
	if len(o.attach) > 0 {
		params.Attachments = make(map[string]bool, len(o.attach))
		for _, name := range o.attach {
			params.Attachments[strings.TrimSpace(name)] = true
		}
	}
	return params, nil
}

// parseConstraints turns key=value pairs into a constraints map. A key given
// more than once, or written as key[], collects its values into a list.
func parseConstraints(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	lists := make(map[string]bool)

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid constraint %q: expected key=value", pair)
		}

		if base, isList := strings.CutSuffix(key, "[]"); isList {
			key = base
			lists[key] = true
			if key == "" {
				return nil, fmt.Errorf("invalid constraint %q: empty key", pair)
			}
		}

		switch existing := out[key].(type) {
		case nil:
			if lists[key] {
				out[key] = []string{value}
			} else {
				out[key] = value
			}
		case string:
			out[key] = []string{existing, value}
			lists[key] = true
		case []string:
			out[key] = append(existing, value)
		}
	}

	return out, nil
}

func newWhoAmICmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the user that owns the API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd, root, func(ctx context.Context, a *app) error {
				user, err := a.client.WhoAmI(ctx)
				if err != nil {
					return err
				}
				return a.printJSON(user)
			})
		},
	}
}
