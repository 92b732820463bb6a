package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/amancare/slotengine/internal/domain/scheduling"
	"github.com/amancare/slotengine/pkg/timeofday"
)

type previewOptions struct {
	start, end           string
	breakStart, breakEnd string
	duration             int
	tokens               int
	date                 string
	output               string
}

func previewCmd() *cobra.Command {
	var opts previewOptions
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Print the slot grid of a schedule without touching the database",
		Example: "  slot-server preview --start 08:00 --end 12:00 --break-start 10:00 --break-end 10:30 --duration 30\n" +
			"  slot-server preview --start 09:00 --end 13:00 --tokens 12 --date 2024-03-04 --output json",
		RunE: func(cmd *cobra.Command, args []string) error {
			def, date, err := opts.definition()
			if err != nil {
				return err
			}
			plan, err := scheduling.NewService(nil, nil).Preview(def, date)
			if err != nil {
				return err
			}
			return renderPlan(cmd.OutOrStdout(), plan, opts.output)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.start, "start", "", "Window start, HH:mm")
	f.StringVar(&opts.end, "end", "", "Window end, HH:mm")
	f.StringVar(&opts.breakStart, "break-start", "", "Break start, HH:mm")
	f.StringVar(&opts.breakEnd, "break-end", "", "Break end, HH:mm")
	f.IntVar(&opts.duration, "duration", 0, "Fixed slot length in minutes (DIRECT)")
	f.IntVar(&opts.tokens, "tokens", 0, "Target tokens per day (TOKEN_BASED)")
	f.StringVar(&opts.date, "date", "", "Calendar date, YYYY-MM-DD")
	f.StringVarP(&opts.output, "output", "o", "table", "Output format: table or json")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	cmd.MarkFlagsMutuallyExclusive("duration", "tokens")
	cmd.MarkFlagsOneRequired("duration", "tokens")
	cmd.MarkFlagsRequiredTogether("break-start", "break-end")
	return cmd
}

// definition builds an unsaved schedule from the flags. With a date, the
// schedule runs on that date's weekday.
func (o previewOptions) definition() (*scheduling.ScheduleDefinition, time.Time, error) {
	var date time.Time
	def := &scheduling.ScheduleDefinition{IsActive: true}

	var err error
	if def.StartTime, err = timeofday.Parse(o.start); err != nil {
		return nil, date, fmt.Errorf("--start: %w", err)
	}
	if def.EndTime, err = timeofday.Parse(o.end); err != nil {
		return nil, date, fmt.Errorf("--end: %w", err)
	}
	if o.breakStart != "" || o.breakEnd != "" {
		bs, err := timeofday.Parse(o.breakStart)
		if err != nil {
			return nil, date, fmt.Errorf("--break-start: %w", err)
		}
		be, err := timeofday.Parse(o.breakEnd)
		if err != nil {
			return nil, date, fmt.Errorf("--break-end: %w", err)
		}
		def.BreakStartTime, def.BreakEndTime = &bs, &be
	}

	switch {
	case o.duration > 0 && o.tokens > 0:
		return nil, date, fmt.Errorf("--duration and --tokens are mutually exclusive")
	case o.duration > 0:
		def.Duration = scheduling.DirectDuration{Minutes: o.duration}
	case o.tokens > 0:
		def.Duration = scheduling.TokenTarget{TokensPerDay: o.tokens}
	default:
		return nil, date, fmt.Errorf("one of --duration or --tokens must be positive")
	}

	if o.date != "" {
		if date, err = timeofday.ParseDate(o.date); err != nil {
			return nil, date, fmt.Errorf("--date: %w", err)
		}
		def.DayOfWeek = date.Weekday()
	}
	return def, date, nil
}

func renderPlan(w io.Writer, plan *scheduling.DayPlan, output string) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q", output)
	}

	fmt.Fprintf(w, "working minutes: %d  slot length: %d  expected tokens: %d\n",
		plan.WorkingMinutes, plan.EffectiveDuration, plan.ExpectedTokens)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEND\tTOKEN")
	for _, s := range plan.Slots {
		token := fmt.Sprint(s.TokenNumber)
		if s.IsBreakTime {
			token = "break"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Time, s.EndTime, token)
	}
	return tw.Flush()
}
