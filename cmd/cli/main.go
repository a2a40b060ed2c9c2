package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourusername/convertmaster-go/internal/domain"
)

var (
	serverURL string
	token     string
	rootCmd   = &cobra.Command{
		Use:          "convertmaster",
		Short:        "ConvertMaster CLI - submit and track media download jobs",
		Long:         `A command-line interface for the ConvertMaster download orchestrator.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CONVERTMASTER_SERVER", "http://localhost:8080"), "Server URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("CONVERTMASTER_TOKEN"), "API bearer token")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(renditionsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(logsCmd)
}

func client() *apiClient {
	return newAPIClient(serverURL, token)
}

var submitCmd = &cobra.Command{
	Use:   "submit [locator]",
	Short: "Submit a download job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatFlag, _ := cmd.Flags().GetString("format")
		quality, _ := cmd.Flags().GetString("quality")
		output, _ := cmd.Flags().GetString("output")
		wait, _ := cmd.Flags().GetBool("wait")

		format, err := parseFormat(formatFlag)
		if err != nil {
			return err
		}
		if output != "" {
			if output, err = filepath.Abs(output); err != nil {
				return err
			}
		}

		summary, err := client().submit(domain.Request{
			SourceLocator:   args[0],
			TargetFormat:    format,
			TargetQuality:   quality,
			OutputDirectory: output,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Job submitted!\n")
		fmt.Printf("ID:    %s\n", summary.ID)
		fmt.Printf("State: %s\n", summary.State)

		if wait {
			return watchJob(cmd.OutOrStdout(), summary.ID)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs in submission order",
	RunE: func(cmd *cobra.Command, args []string) error {
		states, _ := cmd.Flags().GetStringSlice("state")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := client().list(states, limit)
		if err != nil {
			return err
		}
		printJobs(cmd.OutOrStdout(), jobs)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show job details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := client().get(args[0])
		if err != nil {
			return err
		}
		printJob(cmd.OutOrStdout(), summary)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show the state of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := client().get(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), summary.State)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client().cancel(args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Cancellation requested")
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Submit a failed or cancelled job again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := client().retry(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Resubmitted as %s\n", summary.ID)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := client().stats()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Job Statistics:")
		fmt.Fprintf(out, "  Total:     %d\n", stats.Total)
		fmt.Fprintf(out, "  Queued:    %d\n", stats.Queued)
		fmt.Fprintf(out, "  Running:   %d\n", stats.Running)
		fmt.Fprintf(out, "  Succeeded: %d\n", stats.Succeeded)
		fmt.Fprintf(out, "  Failed:    %d\n", stats.Failed)
		fmt.Fprintf(out, "  Cancelled: %d\n", stats.Cancelled)
		return nil
	},
}

var renditionsCmd = &cobra.Command{
	Use:   "renditions [locator]",
	Short: "List the video qualities offered by a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		qualities, err := client().renditions(args[0])
		if err != nil {
			return err
		}
		if len(qualities) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No video renditions (audio only)")
			return nil
		}
		for _, q := range qualities {
			fmt.Fprintln(cmd.OutOrStdout(), q)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [id]",
	Short: "Stream job progress; without an id, stream every job",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return watchJob(cmd.OutOrStdout(), args[0])
		}
		return client().watch("", func(event domain.JobEvent) bool {
			fmt.Fprintln(cmd.OutOrStdout(), formatEvent(event))
			return false
		})
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs [category]",
	Short: "Show server logs (jobs, error, transfer)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		date, _ := cmd.Flags().GetString("date")
		query, _ := cmd.Flags().GetString("search")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := client().logs(args[0], date, query, limit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, e := range entries {
			fmt.Fprintf(out, "%s %-5s %s%s\n", e.Timestamp, strings.ToUpper(e.Level), e.Message, formatFields(e.Fields))
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().StringP("format", "f", "audio", "Target format (audio, video)")
	submitCmd.Flags().StringP("quality", "q", "", "Video quality ceiling, e.g. 720p")
	submitCmd.Flags().StringP("output", "o", "", "Output directory (default: server default)")
	submitCmd.Flags().BoolP("wait", "w", false, "Wait for the job to finish")
	listCmd.Flags().StringSliceP("state", "s", nil, "Filter by state (queued, running, succeeded, failed, cancelled)")
	listCmd.Flags().IntP("limit", "n", 0, "Maximum number of jobs")
	logsCmd.Flags().String("date", "", "Date (YYYY-MM-DD), default today")
	logsCmd.Flags().StringP("search", "q", "", "Only entries matching this text")
	logsCmd.Flags().IntP("limit", "n", 100, "Maximum number of entries")
}

// watchJob prints the state of a job and streams its events until it is terminal
func watchJob(out io.Writer, id string) error {
	c := client()
	summary, err := c.get(id)
	if err != nil {
		return err
	}
	if summary.IsTerminal() {
		printJob(out, summary)
		return nil
	}

	var final domain.JobEvent
	err = c.watch(id, func(event domain.JobEvent) bool {
		fmt.Fprintln(out, formatEvent(event))
		if event.Type == domain.EventTerminal {
			final = event
			return true
		}
		return false
	})
	if err != nil {
		return err
	}
	if final.State == domain.StateFailed {
		return fmt.Errorf("job failed: %s", final.Cause)
	}
	return nil
}

// parseFormat accepts short aliases for target formats
func parseFormat(s string) (domain.TargetFormat, error) {
	switch strings.ToLower(s) {
	case "audio", "mp3", string(domain.FormatAudioOnly):
		return domain.FormatAudioOnly, nil
	case "video", "mp4", string(domain.FormatVideoWithAudio):
		return domain.FormatVideoWithAudio, nil
	default:
		return "", fmt.Errorf("unknown format %q (use audio or video)", s)
	}
}

func formatEvent(event domain.JobEvent) string {
	id := truncate(event.JobID, 8)
	if event.Type == domain.EventTerminal {
		switch event.State {
		case domain.StateSucceeded:
			return fmt.Sprintf("%s  succeeded  %s", id, event.FilePath)
		case domain.StateFailed:
			return fmt.Sprintf("%s  failed     [%s] %s", id, event.ErrorKind, event.Cause)
		default:
			return fmt.Sprintf("%s  %s", id, event.State)
		}
	}

	line := fmt.Sprintf("%s  %3d%%  %s", id, event.PercentComplete, event.Phase)
	if event.ETASeconds != nil {
		line += fmt.Sprintf("  eta %s", time.Duration(*event.ETASeconds)*time.Second)
	}
	return line
}

func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	return b.String()
}

func printJobs(out io.Writer, jobs []domain.JobSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLOCATOR\tFORMAT\tQUALITY\tSTATE\tPROGRESS\tSUBMITTED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d%%\t%s\n",
			truncate(j.ID, 8),
			truncate(j.SourceLocator, 40),
			j.TargetFormat,
			orDash(j.TargetQuality),
			j.State,
			j.PercentComplete,
			j.SubmittedAt.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func printJob(out io.Writer, j domain.JobSummary) {
	fmt.Fprintf(out, "Job Details:\n")
	fmt.Fprintf(out, "  ID:        %s\n", j.ID)
	fmt.Fprintf(out, "  Locator:   %s\n", j.SourceLocator)
	fmt.Fprintf(out, "  Format:    %s\n", j.TargetFormat)
	fmt.Fprintf(out, "  Quality:   %s\n", orDash(j.TargetQuality))
	fmt.Fprintf(out, "  Output:    %s\n", j.OutputDirectory)
	fmt.Fprintf(out, "  State:     %s\n", j.State)
	fmt.Fprintf(out, "  Progress:  %d%%\n", j.PercentComplete)
	fmt.Fprintf(out, "  Submitted: %s\n", j.SubmittedAt.Local().Format(time.RFC3339))
	if j.FinishedAt != nil {
		fmt.Fprintf(out, "  Finished:  %s\n", j.FinishedAt.Local().Format(time.RFC3339))
	}
	if j.FilePath != "" {
		fmt.Fprintf(out, "  File:      %s\n", j.FilePath)
	}
	if j.Cause != "" {
		fmt.Fprintf(out, "  Cause:     %s\n", j.Cause)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
