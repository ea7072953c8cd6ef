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
)

// Exit codes of the CLI contract.
const (
	exitOK           = 0
	exitBadArgs      = 2
	exitNotFound     = 3
	exitPrecondition = 4
	exitInternal     = 5
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitBadArgs)
	}
}

func rootCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:           "yawl",
		Short:         "Workflow engine client",
		Long:          "yawl drives a running yawl-server: load specifications, launch cases, inspect and cancel them.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", envOr("YAWL_ADDR", "http://localhost:8080"), "yawl-server base URL")

	cmd.AddCommand(loadCmd(&addr))
	cmd.AddCommand(launchCmd(&addr))
	cmd.AddCommand(statusCmd(&addr))
	cmd.AddCommand(cancelCmd(&addr))
	cmd.AddCommand(itemsCmd(&addr))
	return cmd
}

func loadCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "load <spec.yaml>",
		Short: "Load a specification document",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			doc, err := os.ReadFile(args[0])
			if err != nil {
				die(exitBadArgs, "read specification: %v", err)
			}
			body := do(http.MethodPost, *addr+"/api/v1/specs", doc)
			printJSON(body)
		},
	}
}

func launchCmd(addr *string) *cobra.Command {
	var specRef, override, data, role string

	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch a case",
		Run: func(cmd *cobra.Command, args []string) {
			if specRef == "" {
				die(exitBadArgs, "--spec is required")
			}
			payload := map[string]any{"spec": specRef, "override": override, "role": role}
			if data != "" {
				var parsed map[string]any
				if err := json.Unmarshal([]byte(data), &parsed); err != nil {
					die(exitBadArgs, "--data is not valid JSON: %v", err)
				}
				payload["data"] = parsed
			}
			body := do(http.MethodPost, *addr+"/api/v1/cases", marshal(payload))
			printJSON(body)
		},
	}
	cmd.Flags().StringVar(&specRef, "spec", "", "specification reference name:version")
	cmd.Flags().StringVar(&override, "override", "", "engine override: stateful or stateless (engine-admin)")
	cmd.Flags().StringVar(&data, "data", "", "initial case data as JSON")
	cmd.Flags().StringVar(&role, "role", "", "caller role")
	return cmd
}

func statusCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <caseId>",
		Short: "Show the canonical view of a case",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			body := do(http.MethodGet, *addr+"/api/v1/cases/"+args[0], nil)
			printJSON(body)
		},
	}
}

func cancelCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <caseId>",
		Short: "Cancel a case",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			body := do(http.MethodPost, *addr+"/api/v1/cases/"+args[0]+"/cancel", nil)
			printJSON(body)
		},
	}
}

func itemsCmd(addr *string) *cobra.Command {
	var caseID string

	cmd := &cobra.Command{
		Use:   "items",
		Short: "List live work items",
		Run: func(cmd *cobra.Command, args []string) {
			url := *addr + "/api/v1/items"
			if caseID != "" {
				url += "?case=" + caseID
			}
			body := do(http.MethodGet, url, nil)
			printJSON(body)
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "restrict to one case")
	return cmd
}

// do performs the request and exits with the contract code on failure
func do(method, url string, payload []byte) []byte {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		die(exitBadArgs, "build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		die(exitInternal, "request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		die(exitInternal, "read response: %v", err)
	}

	switch {
	case resp.StatusCode < 300:
		return body
	case resp.StatusCode == http.StatusNotFound:
		die(exitNotFound, "%s", errMessage(body))
	case resp.StatusCode == http.StatusConflict:
		die(exitPrecondition, "%s", errMessage(body))
	case resp.StatusCode == http.StatusBadRequest:
		die(exitBadArgs, "%s", errMessage(body))
	default:
		die(exitInternal, "%s", errMessage(body))
	}
	return nil
}

func errMessage(body []byte) string {
	var parsed map[string]string
	if err := json.Unmarshal(body, &parsed); err == nil && parsed["error"] != "" {
		return parsed["error"]
	}
	return string(body)
}

func marshal(v any) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		die(exitInternal, "encode payload: %v", err)
	}
	return out
}

func printJSON(body []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Println(buf.String())
}

func die(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
