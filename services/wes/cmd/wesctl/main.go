package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"wesd/services/wes/diagnostics"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var apiBase string

	cmd := &cobra.Command{
		Use:           "wesctl",
		Short:         "Utility for submitting and managing workflow runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&apiBase, "api", "http://localhost:8080", "Base URL of the run service")

	cmd.AddCommand(newSubmitCommand(&apiBase))
	cmd.AddCommand(newStatusCommand(&apiBase))
	cmd.AddCommand(newCancelCommand(&apiBase))
	cmd.AddCommand(newLogsCommand(&apiBase))
	cmd.AddCommand(newVerifyCommand())
	return cmd
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newSubmitCommand(apiBase *string) *cobra.Command {
	var requestFile string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a run request from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(requestFile)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(commandContext(cmd), http.MethodPost,
				strings.TrimRight(*apiBase, "/")+"/runs", bytes.NewReader(data))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := httpClient().Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("submit failed: %s", strings.TrimSpace(string(body)))
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
			return nil
		},
	}

	cmd.Flags().StringVar(&requestFile, "file", "", "JSON run request to submit")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newStatusCommand(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(commandContext(cmd), cmd,
				fmt.Sprintf("%s/runs/%s/status", strings.TrimRight(*apiBase, "/"), args[0]))
		},
	}
}

func newCancelCommand(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/runs/%s/cancel", strings.TrimRight(*apiBase, "/"), args[0])
			req, err := http.NewRequestWithContext(commandContext(cmd), http.MethodPost, url, nil)
			if err != nil {
				return err
			}
			resp, err := httpClient().Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("cancel failed: %s", strings.TrimSpace(string(body)))
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
			return nil
		},
	}
}

func newLogsCommand(apiBase *string) *cobra.Command {
	var stream string

	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Print a run's stdout or stderr",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if stream != "stdout" && stream != "stderr" {
				return fmt.Errorf("stream must be stdout or stderr, got %q", stream)
			}
			url := fmt.Sprintf("%s/runs/%s/%s", strings.TrimRight(*apiBase, "/"), args[0], stream)
			req, err := http.NewRequestWithContext(commandContext(cmd), http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := httpClient().Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("fetch %s failed: %s", stream, strings.TrimSpace(string(body)))
			}
			_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
			return err
		},
	}

	cmd.Flags().StringVar(&stream, "stream", "stdout", "Which stream to print (stdout or stderr)")
	return cmd
}

func newVerifyCommand() *cobra.Command {
	var archiveFile string

	cmd := &cobra.Command{
		Use:   "verify-diagnostics",
		Short: "Verify the signature on a run diagnostics archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := diagnostics.NewSignerFromEnv()
			if err != nil {
				return err
			}
			manifest, err := diagnostics.Read(archiveFile, signer)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verified archive for run %s (final state %s, %d files, created %s)\n",
				manifest.RunID, manifest.FinalState, len(manifest.Files), manifest.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&archiveFile, "file", "", "Path to the diagnostics tar.zst")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func getJSON(ctx context.Context, cmd *cobra.Command, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed: %s", strings.TrimSpace(string(body)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, bytes.TrimSpace(body), "", "  "); err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
	return nil
}
