package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cartloom/cartloom/pkg/types"
)

var apiAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8400", "Runtime API address")

	storeCmd.AddCommand(storeCreateCmd)
	storeCmd.AddCommand(storeListCmd)
	storeCmd.AddCommand(storeAttachDBCmd)
	storeCmd.AddCommand(storeReprovisionCmd)
	rootCmd.AddCommand(storeCmd)

	jobCmd.AddCommand(jobEnqueueCmd)
	jobCmd.AddCommand(jobStatusCmd)
	jobCmd.AddCommand(jobCancelCmd)
	rootCmd.AddCommand(jobCmd)

	storeCreateCmd.Flags().String("owner", "", "Owner user id")
	storeCreateCmd.Flags().String("slug", "", "Store slug")
	storeCreateCmd.Flags().String("name", "", "Store display name")
	storeCreateCmd.MarkFlagRequired("owner")
	storeCreateCmd.MarkFlagRequired("slug")
	storeCreateCmd.MarkFlagRequired("name")

	storeAttachDBCmd.Flags().String("type", "postgresql", "Database type (postgresql, supabase)")
	storeAttachDBCmd.Flags().String("dsn", "", "Connection string")
	storeAttachDBCmd.MarkFlagRequired("dsn")

	storeReprovisionCmd.Flags().String("name", "", "Store display name to seed")
	storeReprovisionCmd.Flags().String("slug", "", "Store slug to seed")
	storeReprovisionCmd.Flags().String("owner-email", "", "Owner email to seed")

	jobEnqueueCmd.Flags().String("type", "", "Job type")
	jobEnqueueCmd.Flags().String("payload", "{}", "JSON payload")
	jobEnqueueCmd.Flags().String("priority", "normal", "Priority (low, normal, high, urgent)")
	jobEnqueueCmd.Flags().String("store", "", "Store id")
	jobEnqueueCmd.MarkFlagRequired("type")
}

// call sends one JSON request to the runtime API and decodes the reply
// into out when the status is 2xx.
func call(method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, apiAddr+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
			Step  string `json:"step"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			if apiErr.Step != "" {
				return fmt.Errorf("%s (step: %s)", apiErr.Error, apiErr.Step)
			}
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage stores",
}

var storeCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new store",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		slug, _ := cmd.Flags().GetString("slug")
		name, _ := cmd.Flags().GetString("name")

		var store types.Store
		err := call(http.MethodPost, "/v1/stores", map[string]string{
			"owner_id": owner, "slug": slug, "name": name,
		}, &store)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Store created: %s (%s)\n", store.ID, store.Slug)
		fmt.Printf("  Status: %s\n", store.Status)
		return nil
	},
}

var storeListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		var stores []*types.Store
		if err := call(http.MethodGet, "/v1/stores", nil, &stores); err != nil {
			return err
		}
		w := os.Stdout
		fmt.Fprintf(w, "%-38s %-20s %-18s %s\n", "ID", "SLUG", "STATUS", "NAME")
		for _, s := range stores {
			fmt.Fprintf(w, "%-38s %-20s %-18s %s\n", s.ID, s.Slug, s.Status, s.Name)
		}
		return nil
	},
}

var storeAttachDBCmd = &cobra.Command{
	Use:   "attach-db <store-id>",
	Short: "Attach a tenant database to a store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbType, _ := cmd.Flags().GetString("type")
		dsn, _ := cmd.Flags().GetString("dsn")

		err := call(http.MethodPost, "/v1/stores/"+args[0]+"/database", map[string]string{
			"database_type": dbType, "connection_string": dsn,
		}, nil)
		if err != nil {
			return err
		}
		fmt.Println("✓ Database attached; store is provisioning")
		return nil
	},
}

var storeReprovisionCmd = &cobra.Command{
	Use:   "reprovision <store-id>",
	Short: "Repair a store's tenant database schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		slug, _ := cmd.Flags().GetString("slug")
		ownerEmail, _ := cmd.Flags().GetString("owner-email")

		err := call(http.MethodPost, "/v1/stores/"+args[0]+"/reprovision", map[string]string{
			"name": name, "slug": slug, "owner_email": ownerEmail,
		}, nil)
		if err != nil {
			return err
		}
		fmt.Println("✓ Store repaired and active")
		return nil
	},
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage background jobs",
}

var jobEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a background job",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobType, _ := cmd.Flags().GetString("type")
		payload, _ := cmd.Flags().GetString("payload")
		priority, _ := cmd.Flags().GetString("priority")
		storeID, _ := cmd.Flags().GetString("store")

		var job types.Job
		err := call(http.MethodPost, "/v1/jobs", map[string]any{
			"type":     jobType,
			"payload":  json.RawMessage(payload),
			"priority": priority,
			"store_id": storeID,
		}, &job)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Job enqueued: %s\n", job.ID)
		return nil
	},
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var job types.Job
		if err := call(http.MethodGet, "/v1/jobs/"+args[0], nil, &job); err != nil {
			return err
		}
		fmt.Printf("Job:      %s (%s)\n", job.ID, job.Type)
		fmt.Printf("Status:   %s\n", job.Status)
		fmt.Printf("Progress: %.0f%% %s\n", job.Progress*100, job.ProgressMessage)
		if job.LastError != "" {
			fmt.Printf("Error:    %s (attempt %d/%d)\n", job.LastError, job.RetryCount+1, job.MaxRetries)
		}

		var history []*types.JobHistory
		if err := call(http.MethodGet, "/v1/jobs/"+args[0]+"/history", nil, &history); err != nil {
			return err
		}
		fmt.Println("History:")
		for _, h := range history {
			line := fmt.Sprintf("  %s  %-10s %s", h.ExecutedAt.Format(time.RFC3339), h.Status, h.Message)
			if h.Error != "" {
				line += " error=" + h.Error
			}
			fmt.Println(line)
		}
		return nil
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var job types.Job
		if err := call(http.MethodPost, "/v1/jobs/"+args[0]+"/cancel", nil, &job); err != nil {
			return err
		}
		fmt.Printf("✓ Job %s is now %s\n", job.ID, job.Status)
		return nil
	},
}
