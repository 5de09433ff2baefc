package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

// deliveryView mirrors the control API's record JSON.
type deliveryView struct {
	ID                 int64           `json:"id"`
	EventID            string          `json:"event_id"`
	Module             *moduleView     `json:"module,omitempty"`
	Method             string          `json:"request_method"`
	URL                string          `json:"request_url"`
	Status             string          `json:"status"`
	AttemptCount       int             `json:"attempt_count"`
	ResponseStatusCode int             `json:"response_status_code,omitempty"`
	ResponsePayload    json.RawMessage `json:"response_payload,omitempty"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	LastAttemptAt      string          `json:"last_attempt_at,omitempty"`
	NextRetryAt        string          `json:"next_retry_at,omitempty"`
	CreatedAt          string          `json:"created_at"`
}

type moduleView struct {
	ID   int64  `json:"id"`
	Slug string `json:"slug"`
}

func printDelivery(d deliveryView) {
	fmt.Printf("  ID: %d\n", d.ID)
	fmt.Printf("  Event ID: %s\n", d.EventID)
	fmt.Printf("  Endpoint: %s %s\n", d.Method, d.URL)
	fmt.Printf("  Status: %s\n", d.Status)
	fmt.Printf("  Attempts: %d\n", d.AttemptCount)
	if d.Module != nil {
		fmt.Printf("  Module: %s\n", d.Module.Slug)
	}
	if d.ResponseStatusCode > 0 {
		fmt.Printf("  Last HTTP Status: %d\n", d.ResponseStatusCode)
	}
	if d.ErrorMessage != "" {
		fmt.Printf("  Error: %s\n", d.ErrorMessage)
	}
	if d.LastAttemptAt != "" {
		fmt.Printf("  Last Attempt: %s\n", d.LastAttemptAt)
	}
	if d.NextRetryAt != "" {
		fmt.Printf("  Next Retry: %s\n", d.NextRetryAt)
	}
}

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Manage webhook deliveries",
	Long:  `Enqueue deliveries, inspect their retry state, and pause, resume, or delete them.`,
}

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List delivery records",
	Long: `List delivery records, newest first.

Example:
  relayctl delivery list --status retrying --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		if limit > 0 {
			q.Set("limit", fmt.Sprintf("%d", limit))
		}
		if offset > 0 {
			q.Set("offset", fmt.Sprintf("%d", offset))
		}
		path := "/v1/deliveries"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		resp, err := makeRequest(http.MethodGet, path, nil)
		if err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}
		var deliveries []deliveryView
		if err := decodeResponse(resp, &deliveries); err != nil {
			return err
		}

		if outputJSON {
			printOutput(deliveries)
		} else {
			fmt.Println("Deliveries:")
			if len(deliveries) == 0 {
				fmt.Println("  No deliveries found")
				return nil
			}
			for i, d := range deliveries {
				fmt.Printf("\n  Entry %d:\n", i+1)
				printDelivery(d)
			}
		}
		return nil
	},
}

// getCmd represents the get command
var getCmd = &cobra.Command{
	Use:   "get [id|event-id]",
	Short: "Get one delivery record",
	Long: `Get a delivery record by surrogate id or event id.

Example:
  relayctl delivery get whk-512`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest(http.MethodGet, "/v1/deliveries/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return fmt.Errorf("failed to get delivery: %w", err)
		}
		var d deliveryView
		if err := decodeResponse(resp, &d); err != nil {
			return err
		}

		if outputJSON {
			printOutput(d)
		} else {
			fmt.Println("Delivery:")
			printDelivery(d)
		}
		return nil
	},
}

// enqueueCmd represents the enqueue command
var enqueueCmd = &cobra.Command{
	Use:   "enqueue [event-id] [url]",
	Short: "Enqueue a delivery",
	Long: `Enqueue a delivery for an event. Enqueueing the same event id twice
returns the existing record unchanged.

Example:
  relayctl delivery enqueue evt-123 https://hooks.example.com/notify --method POST --payload '{"hello":"world"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		method, _ := cmd.Flags().GetString("method")
		payload, _ := cmd.Flags().GetString("payload")
		moduleSlug, _ := cmd.Flags().GetString("module-slug")
		moduleID, _ := cmd.Flags().GetInt64("module-id")

		body := map[string]any{
			"event_id": args[0],
			"url":      args[1],
		}
		if method != "" {
			body["method"] = method
		}
		if payload != "" {
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload must be valid JSON")
			}
			body["payload"] = json.RawMessage(payload)
		}
		if moduleSlug != "" {
			body["module"] = map[string]any{"id": moduleID, "slug": moduleSlug}
		}

		resp, err := makeRequest(http.MethodPost, "/v1/deliveries", body)
		if err != nil {
			return fmt.Errorf("failed to enqueue delivery: %w", err)
		}
		created := resp.StatusCode == http.StatusCreated
		var d deliveryView
		if err := decodeResponse(resp, &d); err != nil {
			return err
		}

		if outputJSON {
			printOutput(d)
		} else {
			if created {
				fmt.Println("Enqueued delivery:")
			} else {
				fmt.Println("Delivery already enqueued:")
			}
			printDelivery(d)
		}
		return nil
	},
}

func controlAction(action, id string) (deliveryView, error) {
	var d deliveryView
	resp, err := makeRequest(http.MethodPost, "/v1/deliveries/"+url.PathEscape(id)+"/"+action, nil)
	if err != nil {
		return d, fmt.Errorf("failed to %s delivery: %w", action, err)
	}
	err = decodeResponse(resp, &d)
	return d, err
}

// pauseCmd represents the pause command
var pauseCmd = &cobra.Command{
	Use:   "pause [id|event-id]",
	Short: "Pause a retrying delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := controlAction("pause", args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			printOutput(d)
		} else {
			fmt.Println("Paused delivery:")
			printDelivery(d)
		}
		return nil
	},
}

// resumeCmd represents the resume command
var resumeCmd = &cobra.Command{
	Use:   "resume [id|event-id]",
	Short: "Resume a paused delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := controlAction("resume", args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			printOutput(d)
		} else {
			fmt.Println("Resumed delivery:")
			printDelivery(d)
		}
		return nil
	},
}

// deleteCmd represents the delete command
var deleteCmd = &cobra.Command{
	Use:   "delete [id|event-id]",
	Short: "Delete a delivery record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest(http.MethodDelete, "/v1/deliveries/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return fmt.Errorf("failed to delete delivery: %w", err)
		}
		if err := decodeResponse(resp, nil); err != nil {
			return err
		}
		fmt.Printf("Deleted delivery %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(listCmd)
	deliveryCmd.AddCommand(getCmd)
	deliveryCmd.AddCommand(enqueueCmd)
	deliveryCmd.AddCommand(pauseCmd)
	deliveryCmd.AddCommand(resumeCmd)
	deliveryCmd.AddCommand(deleteCmd)

	// Flags for list command
	listCmd.Flags().String("status", "", "filter by status (retrying, paused, delivered, failed)")
	listCmd.Flags().Int("limit", 0, "maximum number of results")
	listCmd.Flags().Int("offset", 0, "number of results to skip")

	// Flags for enqueue command
	enqueueCmd.Flags().String("method", "", "HTTP method (default GET)")
	enqueueCmd.Flags().String("payload", "", "JSON request payload")
	enqueueCmd.Flags().String("module-slug", "", "originating integration module slug")
	enqueueCmd.Flags().Int64("module-id", 0, "originating integration module id")
}
