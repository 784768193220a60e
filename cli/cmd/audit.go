package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/tresor/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and maintain the audit trail",
	Long:  "Query audit events, verify the integrity of the hash chain, and prune events past the retention window.",
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events",
	Long:  "List audit events with optional filters on time range, action, actor, result and entity.",
	RunE:  queryAudit,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit trail integrity",
	Long:  "Recompute the hash chain over the whole trail and report the first tampered or missing event, if any.",
	RunE:  verifyAudit,
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Prune old audit events",
	Long:  "Remove the contiguous prefix of events older than the retention window. The surviving chain stays verifiable.",
	RunE:  pruneAudit,
}

var (
	auditSince    string
	auditUntil    string
	auditAction   string
	auditActor    string
	auditResult   string
	auditSecretID string
	auditKeyID    string
	auditLimit    int
	auditOffset   int
)

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditPruneCmd)

	auditQueryCmd.Flags().StringVar(&auditSince, "since", "", "events at or after this time (RFC3339)")
	auditQueryCmd.Flags().StringVar(&auditUntil, "until", "", "events before this time (RFC3339)")
	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "filter by action")
	auditQueryCmd.Flags().StringVar(&auditActor, "actor", "", "filter by actor")
	auditQueryCmd.Flags().StringVar(&auditResult, "result", "", "filter by result (success, failure)")
	auditQueryCmd.Flags().StringVar(&auditSecretID, "secret-id", "", "filter by secret ID")
	auditQueryCmd.Flags().StringVar(&auditKeyID, "key-id", "", "filter by key ID")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 50, "limit number of results")
	auditQueryCmd.Flags().IntVar(&auditOffset, "offset", 0, "offset for pagination")
	auditQueryCmd.Flags().BoolVar(&outputJSON, "json", false, "output in JSON format")
}

func queryAudit(cmd *cobra.Command, args []string) error {
	options := audit.QueryOptions{
		Action:   auditAction,
		Actor:    auditActor,
		Result:   auditResult,
		SecretID: auditSecretID,
		KeyID:    auditKeyID,
		Limit:    auditLimit,
		Offset:   auditOffset,
	}

	if auditSince != "" {
		since, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return fmt.Errorf("bad --since value: %w", err)
		}
		options.Since = &since
	}
	if auditUntil != "" {
		until, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return fmt.Errorf("bad --until value: %w", err)
		}
		options.Until = &until
	}

	result, err := core.Audit().Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit trail: %w", err)
	}

	if outputJSON {
		return printJSON(result)
	}

	if len(result.Events) == 0 {
		fmt.Println("No audit events found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tACTION\tACTOR\tRESULT\tENTITY")
	for _, event := range result.Events {
		entity := event.SecretID
		if entity == "" {
			entity = event.KeyID
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			event.Seq,
			event.Timestamp.Format("2006-01-02 15:04:05"),
			event.Action,
			event.Actor,
			event.Result,
			entity,
		)
	}
	if err = w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\n%d of %d events", len(result.Events), result.TotalCount)
	if result.HasMore {
		fmt.Printf(" (more available, use --offset %d)", auditOffset+len(result.Events))
	}
	fmt.Println()
	return nil
}

func verifyAudit(cmd *cobra.Command, args []string) error {
	report, err := core.Audit().VerifyIntegrity()
	if err != nil {
		return fmt.Errorf("failed to verify audit trail: %w", err)
	}

	fmt.Printf("Events checked: %d\n", report.Checked)
	if report.Valid {
		fmt.Println("Integrity: OK")
		return nil
	}

	fmt.Println("Integrity: FAILED")
	fmt.Printf("First invalid sequence: %d\n", report.FirstInvalidSeq)
	fmt.Printf("Reason: %s\n", report.Reason)
	return fmt.Errorf("audit trail integrity check failed")
}

func pruneAudit(cmd *cobra.Command, args []string) error {
	removed, err := core.PruneAudit()
	if err != nil {
		return fmt.Errorf("failed to prune audit trail: %w", err)
	}
	if removed == 0 {
		fmt.Println("Nothing to prune")
		return nil
	}
	fmt.Printf("Pruned %d audit events\n", removed)
	return nil
}
