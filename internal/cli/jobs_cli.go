package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scheduled jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job definition and runtime state",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new job",
	RunE:  runJobsCreate,
}

var jobsTriggerCmd = &cobra.Command{
	Use:   "trigger <job-id>",
	Short: "Run a job immediately",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("trigger", "triggered"),
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("cancel", "cancelled"),
}

var jobsPauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Pause a job's schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("pause", "paused"),
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a paused job",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("resume", "resumed"),
}

var jobsDisableCmd = &cobra.Command{
	Use:   "disable <job-id>",
	Short: "Disable a job",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("disable", "disabled"),
}

var jobsArchiveCmd = &cobra.Command{
	Use:   "archive <job-id>",
	Short: "Archive a paused or disabled job",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("archive", "archived"),
}

var jobsResetBreakerCmd = &cobra.Command{
	Use:   "reset-breaker <job-id>",
	Short: "Close a job's open circuit breaker",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("reset-breaker", "breaker reset"),
}

var jobsAttemptsCmd = &cobra.Command{
	Use:   "attempts <job-id>",
	Short: "Show a job's execution history",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsAttempts,
}

var jobsDepsCmd = &cobra.Command{
	Use:   "deps <job-id>",
	Short: "List a job's dependencies",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDeps,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show scheduler statistics",
	RunE:  runStats,
}

func init() {
	jobsCmd.PersistentFlags().String("url", "", "Server URL (default http://127.0.0.1:8420)")
	statsCmd.Flags().String("url", "", "Server URL (default http://127.0.0.1:8420)")

	jobsListCmd.Flags().String("status", "", "Filter by status (scheduled, ready, running, failed, ...)")
	jobsListCmd.Flags().String("type", "", "Filter by job type")
	jobsListCmd.Flags().String("group", "", "Filter by concurrency group")
	jobsListCmd.Flags().Int("limit", 50, "Maximum results")

	jobsCreateCmd.Flags().String("name", "", "Job name (required)")
	jobsCreateCmd.Flags().String("type", "", "Job type (required)")
	jobsCreateCmd.Flags().String("cron", "", "Cron schedule expression")
	jobsCreateCmd.Flags().String("timezone", "", "Timezone for the cron schedule (IANA)")
	jobsCreateCmd.Flags().String("run-at", "", "One-shot run time (RFC 3339)")
	jobsCreateCmd.Flags().Int("priority", 50, "Priority 0-100")
	jobsCreateCmd.Flags().Int("timeout", 0, "Execution timeout in seconds")
	jobsCreateCmd.Flags().Int("max-attempts", 0, "Attempts before permanent failure")
	jobsCreateCmd.Flags().String("group", "", "Concurrency group")
	jobsCreateCmd.Flags().String("params", "", "JSON object of handler parameters")

	jobsAttemptsCmd.Flags().Int("limit", 20, "Maximum results")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsCreateCmd)
	jobsCmd.AddCommand(jobsTriggerCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsPauseCmd)
	jobsCmd.AddCommand(jobsResumeCmd)
	jobsCmd.AddCommand(jobsDisableCmd)
	jobsCmd.AddCommand(jobsArchiveCmd)
	jobsCmd.AddCommand(jobsResetBreakerCmd)
	jobsCmd.AddCommand(jobsAttemptsCmd)
	jobsCmd.AddCommand(jobsDepsCmd)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	outFmt := outputFormat(cmd)
	status, _ := cmd.Flags().GetString("status")
	jobType, _ := cmd.Flags().GetString("type")
	group, _ := cmd.Flags().GetString("group")
	limit, _ := cmd.Flags().GetInt("limit")

	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if jobType != "" {
		q.Set("type", jobType)
	}
	if group != "" {
		q.Set("group", group)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}

	resp, body, err := apiRequest(cmd, "GET", "/api/jobs?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("server error: %s", string(body))
	}

	var result struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if outFmt == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result.Items)
	}

	if outFmt == "csv" {
		cols := []string{"id", "name", "type", "status", "priority", "attempts", "created_at"}
		rows := make([][]string, 0, len(result.Items))
		for _, j := range result.Items {
			rows = append(rows, []string{
				str(j["id"]), str(j["name"]), str(j["type"]), str(j["status"]),
				num(j["priority"]), num(j["attempts"]), str(j["createdAt"]),
			})
		}
		return writeCSVStdout(cols, rows)
	}

	if len(result.Items) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tPRI\tATTEMPTS\tCREATED")
	for _, j := range result.Items {
		created := str(j["createdAt"])
		if len(created) > 19 {
			created = created[:19]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s/%s\t%s\n",
			str(j["id"]), str(j["name"]), str(j["type"]), str(j["status"]),
			num(j["priority"]), num(j["attempts"]), num(j["maxAttempts"]), created)
	}
	return w.Flush()
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	resp, body, err := apiRequest(cmd, "GET", "/api/jobs/"+args[0], nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("server error: %s", string(body))
	}

	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Println(out.String())
	return nil
}

func runJobsCreate(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("name")
	jobType, _ := cmd.Flags().GetString("type")
	if name == "" || jobType == "" {
		return fmt.Errorf("--name and --type are required")
	}

	req := map[string]any{
		"name": name,
		"type": jobType,
	}
	if v, _ := cmd.Flags().GetString("cron"); v != "" {
		req["cronExpr"] = v
	}
	if v, _ := cmd.Flags().GetString("timezone"); v != "" {
		req["timezone"] = v
	}
	if v, _ := cmd.Flags().GetString("run-at"); v != "" {
		req["runOnceAt"] = v
	}
	if v, _ := cmd.Flags().GetInt("priority"); v != 0 {
		req["priority"] = v
	}
	if v, _ := cmd.Flags().GetInt("timeout"); v != 0 {
		req["timeoutSeconds"] = v
	}
	if v, _ := cmd.Flags().GetInt("max-attempts"); v != 0 {
		req["maxAttempts"] = v
	}
	if v, _ := cmd.Flags().GetString("group"); v != "" {
		req["group"] = v
	}
	if v, _ := cmd.Flags().GetString("params"); v != "" {
		var params map[string]string
		if err := json.Unmarshal([]byte(v), &params); err != nil {
			return fmt.Errorf("invalid --params JSON: %w", err)
		}
		req["parameters"] = params
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	resp, body, err := apiRequest(cmd, "POST", "/api/jobs", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if resp.StatusCode != 201 {
		return fmt.Errorf("create failed: %s", string(body))
	}

	var job map[string]any
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("Created job %s (%s)\n", job["id"], job["status"])
	return nil
}

// jobAction builds a RunE that POSTs a lifecycle action and reports the
// resulting status.
func jobAction(action, verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		resp, body, err := apiRequest(cmd, "POST", "/api/jobs/"+args[0]+"/"+action, nil)
		if err != nil {
			return err
		}
		if resp.StatusCode != 200 {
			return fmt.Errorf("%s failed: %s", action, string(body))
		}

		var job map[string]any
		if err := json.Unmarshal(body, &job); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
		fmt.Printf("Job %s %s (now %s)\n", job["id"], verb, job["status"])
		return nil
	}
}

func runJobsAttempts(cmd *cobra.Command, args []string) error {
	outFmt := outputFormat(cmd)
	limit, _ := cmd.Flags().GetInt("limit")

	path := fmt.Sprintf("/api/jobs/%s/attempts?limit=%d", args[0], limit)
	resp, body, err := apiRequest(cmd, "GET", path, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("server error: %s", string(body))
	}

	var result struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if outFmt == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result.Items)
	}

	if len(result.Items) == 0 {
		fmt.Println("No attempts recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ATTEMPT\tOUTCOME\tSTARTED\tDURATION\tERROR")
	for _, a := range result.Items {
		started := str(a["startedAt"])
		if len(started) > 19 {
			started = started[:19]
		}
		dur := "-"
		if ms, ok := a["durationMs"].(float64); ok {
			dur = fmt.Sprintf("%.0fms", ms)
		}
		errMsg := str(a["errorMessage"])
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			num(a["attemptNumber"]), str(a["outcome"]), started, dur, errMsg)
	}
	return w.Flush()
}

func runJobsDeps(cmd *cobra.Command, args []string) error {
	outFmt := outputFormat(cmd)

	resp, body, err := apiRequest(cmd, "GET", "/api/jobs/"+args[0]+"/dependencies", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("server error: %s", string(body))
	}

	var result struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if outFmt == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result.Items)
	}

	if len(result.Items) == 0 {
		fmt.Println("No dependencies.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEPENDS ON\tKIND")
	for _, e := range result.Items {
		fmt.Fprintf(w, "%s\t%s\n", str(e["dependsOnId"]), str(e["kind"]))
	}
	return w.Flush()
}

func runStats(cmd *cobra.Command, _ []string) error {
	resp, body, err := apiRequest(cmd, "GET", "/api/stats", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("server error: %s", string(body))
	}

	jsonOut, _ := cmd.Flags().GetBool("json")
	if jsonOut {
		var out bytes.Buffer
		if err := json.Indent(&out, body, "", "  "); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
		fmt.Println(out.String())
		return nil
	}

	var stats struct {
		ByStatus         map[string]int `json:"byStatus"`
		Total            int            `json:"total"`
		ActiveExecutions int            `json:"activeExecutions"`
		BreakersOpen     int            `json:"breakersOpen"`
	}
	if err := json.Unmarshal(body, &stats); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	fmt.Printf("Jobs: %d total, %d running, %d breakers open\n",
		stats.Total, stats.ActiveExecutions, stats.BreakersOpen)
	if len(stats.ByStatus) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STATUS\tCOUNT")
		for status, count := range stats.ByStatus {
			fmt.Fprintf(w, "%s\t%d\n", status, count)
		}
		return w.Flush()
	}
	return nil
}

// str returns a JSON value as a display string, empty for nil.
func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// num formats a JSON number without the float64 decimal point.
func num(v any) string {
	if f, ok := v.(float64); ok {
		return fmt.Sprintf("%.0f", f)
	}
	return str(v)
}
