package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fractary/faber/internal/core"
)

// errorOutput is the JSON written to stderr when a command fails.
type errorOutput struct {
	OK       bool        `json:"ok"`
	Error    errorDetail `json:"error"`
	ExitCode int         `json:"exit_code"`
}

type errorDetail struct {
	Category string         `json:"category"`
	Code     string         `json:"code,omitempty"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

// WriteError writes err as JSON to w.
func WriteError(w io.Writer, err error) {
	out := errorOutput{
		Error:    errorDetail{Category: string(core.ErrCatInternal), Message: err.Error()},
		ExitCode: ExitCode(err),
	}
	var ue usageError
	if errors.As(err, &ue) {
		out.Error.Category = "usage"
	}
	var de *core.DomainError
	if errors.As(err, &de) {
		out.Error = errorDetail{
			Category: string(de.Category),
			Code:     de.Code,
			Message:  de.Message,
			Details:  de.Details,
		}
		if de.Cause != nil {
			out.Error.Message += ": " + de.Cause.Error()
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}

// printRaw prints an already encoded JSON value.
func printRaw(cmd *cobra.Command, raw json.RawMessage) error {
	_, err := fmt.Fprintln(cmd.OutOrStdout(), string(raw))
	return err
}

// readInput returns the contents of path, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// parseJSONObject decodes an optional JSON object flag value.
func parseJSONObject(flag, s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, core.ErrValidation(core.CodeInvalidJSON, fmt.Sprintf("--%s must be a JSON object", flag)).WithCause(err)
	}
	return m, nil
}
