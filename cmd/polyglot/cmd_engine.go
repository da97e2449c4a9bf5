package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/polyglot/internal/domain"
	"github.com/felixgeelhaar/polyglot/internal/progression"
	"github.com/felixgeelhaar/polyglot/internal/retention"
)

// tierPath builds /v1/owners/{owner}/tiers/{tier}/{suffix}
func tierPath(owner, tier, suffix string) (string, error) {
	if _, err := strconv.Atoi(tier); err != nil {
		return "", fmt.Errorf("tier must be an integer, got %q", tier)
	}
	return fmt.Sprintf("/v1/owners/%s/tiers/%s/%s", url.PathEscape(owner), tier, suffix), nil
}

func newPlanCmd(opts *options) *cobra.Command {
	var batch int

	cmd := &cobra.Command{
		Use:   "plan <owner> <tier>",
		Short: "Show the distribution plan for the next batch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := tierPath(args[0], args[1], "plan")
			if err != nil {
				return err
			}

			var plan domain.Plan
			if err := newClient(opts.addr).do(cmd.Context(), http.MethodPost, path, map[string]int{"batch_size": batch}, &plan); err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), plan)
			}
			printPlan(cmd.OutOrStdout(), &plan)
			return nil
		},
	}
	cmd.Flags().IntVarP(&batch, "batch", "n", 10, "Batch size")
	return cmd
}

func printPlan(w io.Writer, plan *domain.Plan) {
	name := plan.TierName
	if name == "" {
		name = fmt.Sprintf("tier %d", plan.Tier)
	}
	fmt.Fprintf(w, "Plan for %s, %s (batch %d)\n\n", plan.OwnerID, name, plan.BatchSize)

	for _, q := range plan.Quotas {
		marker := ""
		if q.UnderRepresented {
			marker = "  ↑ under-represented"
		}
		fmt.Fprintf(w, "  %-20s %3d  target %5.1f%%  seen %d%s\n", q.SkillTag, q.Count, q.TargetPercent, q.Seen, marker)
	}

	fmt.Fprintf(w, "\nDifficulty: %.2f-%.2f", plan.Difficulty.Min, plan.Difficulty.Max)
	if plan.Difficulty.Nudge != 0 {
		fmt.Fprintf(w, " (nudge %+.2f)", plan.Difficulty.Nudge)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Avoid list: %d items\n", len(plan.AvoidList))
	if plan.Degraded {
		fmt.Fprintf(w, "Degraded:   %s\n", plan.Degradation)
	}
}

func newSubmitResultCmd(opts *options) *cobra.Command {
	var (
		result domain.SessionResult
		async  bool
	)

	cmd := &cobra.Command{
		Use:   "submit-result <owner> <tier> <session-id>",
		Short: "Record a completed session",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := tierPath(args[0], args[1], "sessions/"+url.PathEscape(args[2])+"/result")
			if err != nil {
				return err
			}
			if async {
				path += "?async=true"
			}

			raw, err := newClient(opts.addr).raw(cmd.Context(), http.MethodPost, path, result)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if async {
				var queued struct {
					JobID string `json:"job_id"`
				}
				if err := decodeRaw(raw, &queued); err != nil {
					return err
				}
				if opts.asJSON {
					return printJSON(out, queued)
				}
				fmt.Fprintf(out, "Queued as job %s\n", queued.JobID)
				return nil
			}

			var outcome progression.Outcome
			if err := decodeRaw(raw, &outcome); err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(out, outcome)
			}

			switch {
			case outcome.Replayed:
				fmt.Fprintf(out, "Session %s was already recorded\n", outcome.SessionID)
			case outcome.Advanced:
				fmt.Fprintf(out, "✓ Recorded. Advanced to tier %d\n", outcome.CurrentTier)
			default:
				fmt.Fprintln(out, "✓ Recorded")
			}
			printGating(out, outcome.Gating)
			return nil
		},
	}

	cmd.Flags().IntVar(&result.ItemsTotal, "items", 0, "Items answered")
	cmd.Flags().IntVar(&result.Correct, "correct", 0, "Items answered correctly")
	cmd.Flags().IntVar(&result.XPEarned, "xp", 0, "XP earned")
	cmd.Flags().Float64Var(&result.MinutesSpent, "minutes", 0, "Minutes spent")
	cmd.Flags().BoolVar(&async, "async", false, "Queue the result instead of applying it immediately")
	return cmd
}

func newGatingCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "gating <owner> <tier>",
		Short: "Check whether a learner may advance from a tier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := tierPath(args[0], args[1], "gating")
			if err != nil {
				return err
			}

			var status domain.GatingStatus
			if err := newClient(opts.addr).do(cmd.Context(), http.MethodGet, path, nil, &status); err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), status)
			}
			printGating(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func printGating(w io.Writer, status domain.GatingStatus) {
	fmt.Fprintf(w, "Tier %d  %s %d%%\n", status.Tier,
		renderProgressBar(float64(status.ProgressPercentage)/100, 20), status.ProgressPercentage)

	switch {
	case status.Maxed:
		fmt.Fprintln(w, "Final tier reached")
	case status.CanAdvance:
		fmt.Fprintln(w, "Ready to advance")
	default:
		fmt.Fprintln(w, "Blocked by:")
		for _, r := range status.BlockingReasons {
			fmt.Fprintf(w, "  • %s\n", r.Message)
		}
	}
}

func newMasteryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mastery <owner> <tier>",
		Short: "Show per-skill mastery for a tier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := tierPath(args[0], args[1], "mastery")
			if err != nil {
				return err
			}

			var resp struct {
				Tier   int                         `json:"tier"`
				Skills []domain.SkillMasteryRecord `json:"skills"`
			}
			if err := newClient(opts.addr).do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.asJSON {
				return printJSON(out, resp)
			}
			if len(resp.Skills) == 0 {
				fmt.Fprintf(out, "No skills practised on tier %d yet\n", resp.Tier)
				return nil
			}

			fmt.Fprintf(out, "Mastery on tier %d\n\n", resp.Tier)
			for _, r := range resp.Skills {
				fmt.Fprintf(out, "  %-20s %s %3.0f%%  %3d seen  %s\n",
					r.SkillTag, renderProgressBar(r.Accuracy(), 10), r.Accuracy()*100, r.ItemsSeen, r.MasteryLevel)
			}
			return nil
		},
	}
}

func newProgressCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <owner>",
		Short: "Show a learner's progression across tiers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var state domain.UserProgressionState
			path := "/v1/owners/" + url.PathEscape(args[0]) + "/progression"
			if err := newClient(opts.addr).do(cmd.Context(), http.MethodGet, path, nil, &state); err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), state)
			}
			printProgress(cmd.OutOrStdout(), &state)
			return nil
		},
	}
}

func printProgress(w io.Writer, state *domain.UserProgressionState) {
	fmt.Fprintf(w, "Learner:       %s\n", state.OwnerID)
	fmt.Fprintf(w, "Current tier:  %d\n", state.CurrentTier)
	fmt.Fprintf(w, "Items:         %d (%d correct)\n", state.TotalItems, state.TotalCorrect)
	fmt.Fprintf(w, "XP:            %d\n", state.TotalXP)
	fmt.Fprintf(w, "Streak:        %d days (longest %d)\n", state.CurrentStreakDays, state.LongestStreakDays)

	tiers := make([]int, 0, len(state.Ledgers))
	for t := range state.Ledgers {
		tiers = append(tiers, t)
	}
	sort.Ints(tiers)

	if len(tiers) == 0 {
		return
	}
	fmt.Fprintln(w, "\nTiers:")
	for _, t := range tiers {
		l := state.Ledgers[t]
		mark := " "
		switch {
		case l.Completed:
			mark = "✓"
		case !l.Unlocked:
			mark = "🔒"
		}
		fmt.Fprintf(w, "  %s %d  %4d items  %s %3.0f%%  %d sessions\n",
			mark, t, l.ItemsCompleted, renderProgressBar(l.Accuracy, 10), l.Accuracy*100, l.SessionsCompleted)
		if len(l.WeakSkills) > 0 {
			fmt.Fprintf(w, "       weak: %s\n", strings.Join(l.WeakSkills, ", "))
		}
	}
}

func newClearHistoryCmd(opts *options) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear-history <owner>",
		Short: "Forget every served exercise of a learner (progression is kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear history of %s without --yes", args[0])
			}

			var report struct {
				Fingerprints int64 `json:"fingerprints"`
				Sessions     int64 `json:"sessions"`
			}
			path := "/v1/owners/" + url.PathEscape(args[0]) + "/history"
			if err := newClient(opts.addr).do(cmd.Context(), http.MethodDelete, path, nil, &report); err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d fingerprints and %d sessions\n", report.Fingerprints, report.Sessions)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm the deletion")
	return cmd
}

func newRemoveFingerprintCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-fingerprint <owner> <tier> <hash>",
		Short: "Remove one fingerprint so the item may be served again",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := tierPath(args[0], args[1], "fingerprints/"+url.PathEscape(args[2]))
			if err != nil {
				return err
			}
			if err := newClient(opts.addr).do(cmd.Context(), http.MethodDelete, path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[2])
			return nil
		},
	}
}

func newSweepCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run a retention sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var report retention.SweepReport
			if err := newClient(opts.addr).do(cmd.Context(), http.MethodPost, "/v1/admin/sweep", nil, &report); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.asJSON {
				return printJSON(out, report)
			}
			fmt.Fprintf(out, "Swept %d scopes in %s\n", report.Scopes, report.Duration)
			fmt.Fprintf(out, "  fingerprints evicted: %d\n", report.FingerprintsEvicted)
			fmt.Fprintf(out, "  sessions evicted:     %d\n", report.SessionsEvicted)
			fmt.Fprintf(out, "  applied ids pruned:   %d\n", report.AppliedPruned)
			if report.FailedScopes > 0 {
				fmt.Fprintf(out, "  failed scopes:        %d\n", report.FailedScopes)
			}
			return nil
		},
	}
}
