package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/endomorphosis/ccpointers/pkg/validator"
)

// errIncompleteCollections is returned when one or more validated
// collections are not complete, driving spec.md §6's exit code 1.
var errIncompleteCollections = errors.New("validate: one or more collections are incomplete")

// validateCommand implements C12: running validator.ValidateCollection
// over every selected collection and reporting the five-point
// completeness check.
func validateCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Report per-collection ingest/sort/index completeness",
		Flags: append(layoutFlags(flagSources),
			&cli.StringSliceFlag{
				Name:    "collections",
				Usage:   "Explicit set of collections to validate",
				Sources: flagSources("validate.collections", "CCPOINTERS_VALIDATE_COLLECTIONS"),
			},
			&cli.StringFlag{
				Name:    "filter",
				Usage:   "Regular expression narrowing the discovered collection set",
				Sources: flagSources("validate.filter", "CCPOINTERS_VALIDATE_FILTER"),
			},
			&cli.BoolFlag{
				Name:    "json",
				Usage:   "Emit one JSON report object per collection instead of a table",
				Sources: flagSources("validate.json", "CCPOINTERS_VALIDATE_JSON"),
			},
		),
		Action: validateAction(),
	}
}

func validateAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "validate").Logger()
		ctx = logger.WithContext(ctx)

		layout := buildLayout(cmd)

		collections, err := collectionsForFilter(layout, cmd.StringSlice("collections"), cmd.String("filter"))
		if err != nil {
			return withExitCode(err, exitUsage)
		}

		reports, err := validator.ValidateAll(layout, collections)
		if err != nil {
			return withExitCode(err, exitIncomplete)
		}

		if cmd.Bool("json") {
			if err := printJSONReports(os.Stdout, reports); err != nil {
				return withExitCode(err, exitIncomplete)
			}
		} else {
			printTableReports(os.Stdout, reports)
		}

		if !validator.AllComplete(reports) {
			return withExitCode(errIncompleteCollections, exitIncomplete)
		}

		return nil
	}
}

func printJSONReports(w io.Writer, reports []validator.Report) error {
	enc := json.NewEncoder(w)

	for _, r := range reports {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("validate: error encoding report for %q: %w", r.Collection, err)
		}
	}

	return nil
}

func printTableReports(w io.Writer, reports []validator.Report) {
	for _, r := range reports {
		status := "incomplete"
		if r.Complete {
			status = "complete"
		}

		fmt.Fprintf(w, "%s\t%s\tsource=%d/%d\tpointer=%d/%d\tsorted=%d/%d\tindex=%v\tsorted_marker=%v\n",
			r.Collection, status,
			r.SourceShardsPresent, r.SourceShardsExpected,
			r.PointerShardsPresent, r.PointerShardsExpected,
			r.PointerShardsSorted, r.PointerShardsExpected,
			r.CollectionIndexPresent, r.CollectionIndexSortedMarkerPresent)
	}
}
