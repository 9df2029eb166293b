package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func addClientFlags(cmd *cobra.Command, serverURL, apiKey *string) {
	cmd.Flags().StringVar(serverURL, "server", "http://localhost:8080", "base URL of the harvester server")
	cmd.Flags().StringVar(apiKey, "api-key", "", "API key when auth is enabled")
}

// newSubmitCmd creates and configures the 'submit' subcommand.
func newSubmitCmd() *cobra.Command {
	var (
		serverURL    string
		apiKey       string
		jobID        string
		jobType      string
		target       string
		limit        int
		mode         string
		useProxies   bool
		rotateAgents bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submits an extraction job to a running server",
		Long: `Submits one content-extraction job over the REST API and prints the
accepted job ID. The job runs asynchronously; poll it with 'status' and
fetch the artifact with 'result'.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			jobConfig := map[string]any{"target": target}
			if limit > 0 {
				jobConfig["limit"] = limit
			}
			if mode != "" {
				jobConfig["mode"] = mode
			}
			if useProxies {
				jobConfig["use_proxies"] = true
			}
			if rotateAgents {
				jobConfig["rotate_agents"] = true
			}
			payload := map[string]any{"type": jobType, "config": jobConfig}
			if jobID != "" {
				payload["job_id"] = jobID
			}

			code, body, err := callServer(cmd.Context(), http.MethodPost, serverURL+"/v1/jobs", apiKey, payload)
			if err != nil {
				return err
			}
			if code != http.StatusAccepted {
				return fmt.Errorf("server rejected job (%d): %s", code, body)
			}
			fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(body))
			return nil
		},
	}

	addClientFlags(cmd, &serverURL, &apiKey)
	cmd.Flags().StringVar(&jobID, "job-id", "", "client-supplied job ID (server mints one when empty)")
	cmd.Flags().StringVar(&jobType, "type", "", "job type (reddit_subreddit, reddit_user, reddit_post, twitter_timeline, twitter_thread)")
	cmd.Flags().StringVar(&target, "target", "", "subreddit, username, post ID, or thread ID to extract")
	cmd.Flags().IntVar(&limit, "limit", 0, "max items to collect (0 uses the server default)")
	cmd.Flags().StringVar(&mode, "mode", "", "listing ordering (hot, new, top, controversial)")
	cmd.Flags().BoolVar(&useProxies, "use-proxies", false, "route requests through the proxy pool")
	cmd.Flags().BoolVar(&rotateAgents, "rotate-agents", false, "randomise the User-Agent per attempt")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

// newStatusCmd creates and configures the 'status' subcommand.
func newStatusCmd() *cobra.Command {
	var serverURL, apiKey string
	cmd := &cobra.Command{
		Use:   "status <job_id>",
		Short: "Shows the current state of a job",
		Args:  cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/v1/jobs/%s/status", serverURL, args[0])
			code, body, err := callServer(cmd.Context(), http.MethodGet, url, apiKey, nil)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return fmt.Errorf("status lookup failed (%d): %s", code, body)
			}
			fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(body))
			return nil
		},
	}
	addClientFlags(cmd, &serverURL, &apiKey)
	return cmd
}

// newResultCmd creates and configures the 'result' subcommand.
func newResultCmd() *cobra.Command {
	var serverURL, apiKey string
	cmd := &cobra.Command{
		Use:   "result <job_id>",
		Short: "Fetches the result record of a finished job",

		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/v1/jobs/%s/result", serverURL, args[0])
			code, body, err := callServer(cmd.Context(), http.MethodGet, url, apiKey, nil)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return fmt.Errorf("result lookup failed (%d): %s", code, body)
			}
			fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(body))
			return nil
		},
	}
	addClientFlags(cmd, &serverURL, &apiKey)
	return cmd
}

// newCancelCmd creates and configures the 'cancel' subcommand.
func newCancelCmd() *cobra.Command {
	var serverURL, apiKey string
	cmd := &cobra.Command{
		Use:   "cancel <job_id>",
		Short: "Requests cooperative cancellation of a job",

		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/v1/jobs/%s/cancel", serverURL, args[0])
			code, body, err := callServer(cmd.Context(), http.MethodPost, url, apiKey, nil)
			if err != nil {
				return err
			}
			if code != http.StatusAccepted {
				return fmt.Errorf("cancel failed (%d): %s", code, body)
			}
			fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(body))
			return nil
		},
	}
	addClientFlags(cmd, &serverURL, &apiKey)
	return cmd
}
