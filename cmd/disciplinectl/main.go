/*
main.go - disciplinectl, the command-line inspector

PURPOSE:
  Operates on a discipline database directly from the terminal: inspect the
  open streak, browse history, finalize days, enter daily logs, and query the
  scores without starting the HTTP server.

  Every command opens the same SQLite file the server uses, so it is safe to
  run against a live database; writers serialize through the store.

COMMANDS:
  disciplinectl streak                 Current open streak and per-rule buffers
  disciplinectl streaks                Full streak history
  disciplinectl process [--date]      Finalize days up to a target date
  disciplinectl reset                  Manually end today's streak
  disciplinectl logs --date            Show a day's PASS/MISS/UNKNOWN states
  disciplinectl logs set KEY=STATE...  Record today's states
  disciplinectl index [--window]       Discipline index
  disciplinectl series [--days]        DI1 and rolling means, one row per day
  disciplinectl stats                  Aggregate streak and per-rule statistics
  disciplinectl rules                  Rule catalog with version spans

GLOBAL FLAGS:
  --db    SQLite database path (default: discipline.db)

EXAMPLES:
  disciplinectl --db=./data/discipline.db streak
  disciplinectl logs set deep_work=PASS no_sugar=MISS
  disciplinectl series --days 30 --w1 7 --w2 28
*/
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/warp/discipline-engine/discipline"
	"github.com/warp/discipline-engine/store/sqlite"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:           "disciplinectl",
		Short:         "Inspect and operate a discipline database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "discipline.db", "SQLite database path")

	cmd.AddCommand(
		streakCmd(&dbPath),
		streaksCmd(&dbPath),
		processCmd(&dbPath),
		resetCmd(&dbPath),
		logsCmd(&dbPath),
		indexCmd(&dbPath),
		seriesCmd(&dbPath),
		statsCmd(&dbPath),
		rulesCmd(&dbPath),
	)
	return cmd
}

// openEngine opens the database and wraps it in an engine. The caller must
// invoke the returned cleanup.
func openEngine(dbPath string) (*discipline.Engine, func(), error) {
	store, err := sqlite.New(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	engine := discipline.NewEngine(store, nil)
	return engine, func() { store.Close() }, nil
}

// =============================================================================
// STREAK COMMANDS
// =============================================================================

func streakCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "streak",
		Short: "Show the open streak and per-rule buffers",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cleanup, err := openEngine(*dbPath)
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := context.Background()

			res, err := engine.ProcessUntilYesterday(ctx)
			if err != nil {
				return err
			}
			open := res.OpenStreak

			fmt.Printf("Open streak %s\n", open.ID)
			fmt.Printf("  started:   %s\n", open.StartDate)
			fmt.Printf("  finalized: through %s\n", open.ProcessedThrough)
			fmt.Printf("  length:    %d day(s)\n", open.Length())

			buffers, err := engine.BufferView(ctx)
			if err != nil {
				return err
			}
			if len(buffers) == 0 {
				fmt.Println("  no rules applicable today")
				return nil
			}
			fmt.Println("\nBuffers (rules applicable today):")
			for _, b := range buffers {
				fmt.Printf("  %-20s %d/%d misses used, %d left, window resets in %d day(s)\n",
					b.Key, b.Misses, b.BufferMisses, b.Remaining, b.ResetsIn)
			}
			return nil
		},
	}
}

func streaksCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "streaks",
		Short: "List all streaks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cleanup, err := openEngine(*dbPath)
			if err != nil {
				return err
			}
			defer cleanup()

			streaks, err := engine.ListStreaks(context.Background())
			if err != nil {
				return err
			}
			for _, s := range streaks {
				end := "open"
				if s.EndDate != nil {
					end = s.EndDate.String()
				}
				fmt.Printf("%s  %s .. %-10s  %3d day(s)  %s", s.ID, s.StartDate, end, s.Length(), s.Status)
				if s.EndReason != nil {
					if s.EndReason.RuleKey != "" {
						fmt.Printf("  ended by %s (%d/%d misses)", s.EndReason.RuleKey,
							s.EndReason.MissesInWindow, s.EndReason.BufferMisses)
					} else {
						fmt.Printf("  manual reset")
					}
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func processCmd(dbPath *string) *cobra.Command {
	var dateStr string

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Finalize days up to a target date (default: today)",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cleanup, err := openEngine(*dbPath)
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := context.Background()

			target := engine.Clock().Today()
			if dateStr != "" {
				if target, err = discipline.ParseDate(dateStr); err != nil {
					return err
				}
			}

			res, err := engine.ProcessUpTo(ctx, target)
			if err != nil {
				return err
			}
			for _, ev := range res.Events {
				fmt.Printf("%s: rule %s on %s (%d/%d misses in window)\n",
					ev.Type, ev.Reason.RuleKey, ev.Reason.Date,
					ev.Reason.MissesInWindow, ev.Reason.BufferMisses)
			}
			fmt.Printf("Finalized through %s, open streak started %s\n",
				res.OpenStreak.ProcessedThrough, res.OpenStreak.StartDate)
			return nil
		},
	}
	cmd.Flags().StringVar(&dateStr, "date", "", "Target date (YYYY-MM-DD)")
	return cmd
}

func resetCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Manually end today's streak and start a new one tomorrow",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cleanup, err := openEngine(*dbPath)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := engine.ResetToday(context.Background())
			if err != nil {
				return err
			}
			if !res.Reset {
				fmt.Printf("Nothing to reset: %s\n", res.Detail)
				return nil
			}
			fmt.Println("Streak closed, a fresh one starts tomorrow")
			return nil
		},
	}
}

// =============================================================================
// LOG COMMANDS
// =============================================================================

func logsCmd(dbPath *string) *cobra.Command {
	var dateStr string

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show a day's states for every applicable rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cleanup, err := openEngine(*dbPath)
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := context.Background()

			day := engine.Clock().Today()
			if dateStr != "" {
				if day, err = discipline.ParseDate(dateStr); err != nil {
					return err
				}
			}

			states, err := engine.DayLogs(ctx, day)
			if err != nil {
				return err
			}
			keys := make([]discipline.RuleKey, 0, len(states))
			for k := range states {
				keys = append(keys, k)
			}
			sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

			fmt.Printf("Logs for %s:\n", day)
			for _, k := range keys {
				fmt.Printf("  %-20s %s\n", k, states[k])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dateStr, "date", "", "Date to show (YYYY-MM-DD, default today)")

	cmd.AddCommand(logsSetCmd(dbPath))
	return cmd
}

func logsSetCmd(dbPath *string) *cobra.Command {
	var dateStr string

	cmd := &cobra.Command{
		Use:   "set KEY=STATE [KEY=STATE...]",
		Short: "Record states for a day (PASS, MISS or UNKNOWN)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cleanup, err := openEngine(*dbPath)
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := context.Background()

			day := engine.Clock().Today()
			if dateStr != "" {
				if day, err = discipline.ParseDate(dateStr); err != nil {
					return err
				}
			}

			states := make(map[discipline.RuleKey]discipline.LogState, len(args))
			for _, arg := range args {
				key, state, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("expected KEY=STATE, got %q", arg)
				}
				states[discipline.RuleKey(key)] = discipline.LogState(strings.ToUpper(state))
			}

			saved, err := engine.SaveDayLogs(ctx, day, states)
			if err != nil {
				return err
			}
			if !saved {
				fmt.Printf("%s is already finalized, logs unchanged\n", day)
				return nil
			}
			fmt.Printf("Saved %d state(s) for %s\n", len(states), day)
			return nil
		},
	}
	cmd.Flags().StringVar(&dateStr, "date", "", "Date to record (YYYY-MM-DD, default today)")
	return cmd
}

// =============================================================================
// SCORE COMMANDS
// =============================================================================

func indexCmd(dbPath *string) *cobra.Command {
	var window int

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Discipline index over a trailing window ending today",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cleanup, err := openEngine(*dbPath)
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := context.Background()

			res, err := engine.ComputeDisciplineIndex(ctx, engine.Clock().Today(), window)
			if err != nil {
				return err
			}
			fmt.Printf("Discipline index %.3f over %s .. %s (%d day(s) used)\n",
				res.Index, res.Start, res.End, res.DaysUsed)
			return nil
		},
	}
	cmd.Flags().IntVar(&window, "window", 7, "Window size in days")
	return cmd
}

func seriesCmd(dbPath *string) *cobra.Command {
	var days, w1, w2 int

	cmd := &cobra.Command{
		Use:   "series",
		Short: "Daily completion and rolling means, one row per day",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cleanup, err := openEngine(*dbPath)
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := context.Background()

			res, err := engine.ComputeSeries(ctx, engine.Clock().Today(), days, [2]int{w1, w2})
			if err != nil {
				return err
			}
			fmt.Printf("%-12s %6s %8s %8s\n", "date", "di1", fmt.Sprintf("avg%d", w1), fmt.Sprintf("avg%d", w2))
			for _, row := range res.Rows {
				fmt.Printf("%-12s %6.3f %8.3f %8.3f\n", row.Date, row.DI1, row.Rolling[0], row.Rolling[1])
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "Plot range in days")
	cmd.Flags().IntVar(&w1, "w1", 7, "First rolling window")
	cmd.Flags().IntVar(&w2, "w2", 28, "Second rolling window")
	return cmd
}

func statsCmd(dbPath *string) *cobra.Command {
	var window int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Aggregate streak and per-rule statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cleanup, err := openEngine(*dbPath)
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := context.Background()

			stats, err := engine.ComputeStatistics(ctx, engine.Clock().Today(), window)
			if err != nil {
				return err
			}

			g := stats.Global
			fmt.Printf("Streak lengths (%d streak(s)): mean %.1f, median %.1f, stdev %.1f, min %d, max %d\n",
				g.Count, g.Mean, g.Median, g.Stdev, g.Min, g.Max)

			fmt.Printf("\nConsistency over %s .. %s:\n", stats.Start, stats.End)
			for _, c := range stats.Consistency {
				fmt.Printf("  %-20s %5.1f%%  (%d/%d applicable days)\n",
					c.Key, c.PassRate*100, c.PassDays, c.ApplicableDays)
			}

			fmt.Println("\nPass runs (full history):")
			for _, r := range stats.RuleRuns {
				fmt.Printf("  %-20s current %d, max %d, mean %.1f over %d run(s)\n",
					r.Key, r.CurrentRun, r.Max, r.Mean, r.RunCount)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&window, "window", 28, "Consistency window in days")
	return cmd
}

// =============================================================================
// RULE COMMANDS
// =============================================================================

func rulesCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List every rule with its version spans",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cleanup, err := openEngine(*dbPath)
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := context.Background()

			keys, err := engine.ListRuleKeys(ctx)
			if err != nil {
				return err
			}
			for _, key := range keys {
				versions, err := engine.RuleVersions(ctx, key)
				if err != nil {
					return err
				}
				fmt.Printf("%s\n", key)
				for _, v := range versions {
					to := "open"
					if v.EffectiveTo != nil {
						to = v.EffectiveTo.String()
					}
					fmt.Printf("  v%d  %s .. %-10s  window=%dd buffer=%d weight=%s  %q\n",
						v.Version, v.EffectiveFrom, to, v.WindowDays, v.BufferMisses, v.Weight, v.Name)
				}
			}
			return nil
		},
	}
}
