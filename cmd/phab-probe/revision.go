package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pdehaan/phab-conduit/pkg/conduit"
	"github.com/pdehaan/phab-conduit/pkg/telemetry"
)

const (
	tracerName = "github.com/pdehaan/phab-conduit/cmd/phab-probe"

	// searchPageSize is the largest page differential.revision.search returns.
	searchPageSize = 100
)

// errNotPublic is returned by the public command when at least one revision
// is missing or has a restricted view policy.
var errNotPublic = errors.New("revision not public")

// visibility is one line of output from the public command.
type visibility struct {
	ID         string `json:"id"`
	Found      bool   `json:"found"`
	Public     bool   `json:"public"`
	ViewPolicy string `json:"view_policy,omitempty"`
}

// parseRevisionID accepts "27870" or "D27870".
func parseRevisionID(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "D"), "d")
	id, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid revision id %q", s)
	}
	return id, nil
}

func parseRevisionIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := parseRevisionID(arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func newRevisionCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revision ID",
		Short: "Fetch one Differential revision",
		Example: `  phab-probe revision D27870
  phab-probe revision 27870 --list-style append`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRevisionID(args[0])
			if err != nil {
				return err
			}
			return runWithApp(cmd, root, func(ctx context.Context, a *app) error {
				rev, err := a.client.RevisionByID(ctx, id)
				if err != nil {
					return err
				}
				return a.printJSON(rev)
			})
		},
	}
}

func newPublicCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "public ID...",
		Short: "Report whether revisions are publicly visible",
		Long: `Look up each revision and report whether its view policy is public.
Exits non-zero when any revision is missing or restricted.`,
		Example: `  phab-probe public D27870 D27871`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseRevisionIDs(args)
			if err != nil {
				return err
			}
			return runWithApp(cmd, root, func(ctx context.Context, a *app) error {
				results, err := checkVisibility(ctx, a, ids)
				if err != nil {
					return err
				}
				if err := a.printJSON(results); err != nil {
					return err
				}

				hidden := 0
				for _, r := range results {
					if !r.Public {
						hidden++
					}
				}
				if hidden > 0 {
					return fmt.Errorf("%d of %d: %w", hidden, len(results), errNotPublic)
				}
				return nil
			})
		},
	}
}

// checkVisibility fetches ids in pages and classifies each one. Results keep
// the order of ids.
func checkVisibility(ctx context.Context, a *app, ids []int64) ([]visibility, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "phab-probe.public",
		trace.WithAttributes(attribute.Int("conduit.revision.count", len(ids))))
	defer span.End()

	found := make(map[int64]conduit.Revision, len(ids))
	for start := 0; start < len(ids); start += searchPageSize {
		end := min(start+searchPageSize, len(ids))
		revs, err := a.client.Search(ctx, conduit.RevisionSearchMethod, map[string]any{
			"ids": ids[start:end],
		})
		if err != nil {
			return nil, err
		}
		for _, rev := range revs {
			id, err := rev.ID()
			if err != nil {
				return nil, err
			}
			found[id] = rev
		}
	}

	results := make([]visibility, 0, len(ids))
	for _, id := range ids {
		v := visibility{ID: "D" + strconv.FormatInt(id, 10)}
		rev, ok := found[id]
		if !ok {
			a.logger.Warn("revision not found", "revision", v.ID)
			a.metrics.SetRevisionPublic(id, false)
			results = append(results, v)
			continue
		}

		_, child := tracer.Start(ctx, "revision.visibility")
		public, err := conduit.IsPublic(rev)
		if err != nil {
			var malformed *conduit.MalformedRecordError
			if errors.As(err, &malformed) {
				telemetry.RecordMalformedRecord(child, id, malformed.Path)
			}
			child.End()
			return nil, fmt.Errorf("%s: %w", v.ID, err)
		}
		view, _ := rev.ViewPolicy()
		telemetry.RecordVisibility(child, id, view, public)
		child.End()

		a.metrics.SetRevisionPublic(id, public)
		a.logger.Debug("revision visibility", "revision", v.ID, "view_policy", view, "public", public)

		v.Found = true
		v.Public = public
		v.ViewPolicy = view
		results = append(results, v)
	}

	return results, nil
}
