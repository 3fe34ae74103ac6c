package client

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

var (
	lostColor    = color.New(color.FgRed, color.Bold)
	unknownColor = color.New(color.FgYellow)
)

// NewPipeCommand constructs the `pipe` command: tail the merged trace
// stream and print it line by line.
func NewPipeCommand(baseURL BaseURLFunc) *cobra.Command {
	pipeCmd := &cobra.Command{
		Use:   "pipe",
		Short: "Tail the merged trace stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			nonblock, _ := cmd.Flags().GetBool("nonblock")

			url := baseURL() + "/v1/trace/pipe"
			if nonblock {
				url += "?nonblock=1"
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusNoContent {
				return nil
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server answered %s", resp.Status)
			}

			out := cmd.OutOrStdout()
			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				printLine(out, scanner.Text())
			}
			if err := scanner.Err(); err != nil && cmd.Context().Err() == nil {
				return err
			}
			return nil
		},
	}
	pipeCmd.Flags().Bool("nonblock", false, "Perform a single non-blocking read instead of tailing")
	return pipeCmd
}

// printLine highlights loss markers and unknown-id fallbacks so they stand
// out when scrolling.
func printLine(w io.Writer, line string) {
	switch {
	case strings.Contains(line, "[LOST "):
		_, _ = lostColor.Fprintln(w, line)
	case strings.HasPrefix(line, "Unknown id "):
		_, _ = unknownColor.Fprintln(w, line)
	default:
		_, _ = fmt.Fprintln(w, line)
	}
}

// NewEmitCommand constructs the `emit` command: write one record through a
// registered event class.
func NewEmitCommand(baseURL BaseURLFunc) *cobra.Command {
	emitCmd := &cobra.Command{
		Use:   "emit [message]",
		Short: "Emit one trace record",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			class, _ := cmd.Flags().GetString("class")
			cpu, _ := cmd.Flags().GetInt("cpu")
			ts, _ := cmd.Flags().GetUint64("timestamp")
			message := ""
			if len(args) > 0 {
				message = args[0]
			}

			body, _ := json.Marshal(map[string]any{
				"class":     class,
				"cpu":       cpu,
				"timestamp": ts,
				"message":   message,
			})
			resp, err := http.Post(baseURL()+"/v1/trace/emit", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				msg, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("emit failed: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
			}
			return nil
		},
	}
	emitCmd.Flags().String("class", "message", "Event class name")
	emitCmd.Flags().Int("cpu", 0, "Target CPU buffer")
	emitCmd.Flags().Uint64("timestamp", 0, "Record timestamp in ns (0 = now)")
	return emitCmd
}

// NewStatsCommand constructs the `stats` command.
func NewStatsCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show registered classes and per-CPU buffer depths",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := http.Get(baseURL() + "/v1/trace/stats")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server answered %s", resp.Status)
			}
			var pretty bytes.Buffer
			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if err := json.Indent(&pretty, raw, "", "  "); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
			return nil
		},
	}
}
