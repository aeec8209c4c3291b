package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"clinical-risk-service/internal/models"
	"clinical-risk-service/internal/risk"
)

func detectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect [text]",
		Short: "Run the risk detector over a transcript",
		Long: `Run the risk detector over a transcript and print the flags found.

Input is the text argument, the --file contents or stdin. JSON input is
either an array of word timings or an object {"text": ..., "words": [...]};
anything else is treated as plain text with synthesized word timings.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runDetect,
	}
	cmd.Flags().StringP("file", "f", "", "Read the transcript from a file")
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	cmd.Flags().Float64("confidence", 0.9, "Word confidence assumed for plain-text input")
	return cmd
}

type detectInput struct {
	Text  string              `json:"text"`
	Words []models.WordTiming `json:"words"`
}

// parseDetectInput accepts plain text, a JSON word-timing array or a JSON
// object with text and words.
func parseDetectInput(data []byte) (detectInput, error) {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0:
		return detectInput{}, fmt.Errorf("empty transcript")
	case trimmed[0] == '[':
		var words []models.WordTiming
		if err := json.Unmarshal(trimmed, &words); err != nil {
			return detectInput{}, fmt.Errorf("parse word timings: %w", err)
		}
		return detectInput{Words: words}, nil
	case trimmed[0] == '{':
		var in detectInput
		if err := json.Unmarshal(trimmed, &in); err != nil {
			return detectInput{}, fmt.Errorf("parse transcript: %w", err)
		}
		return in, nil
	default:
		return detectInput{Text: string(trimmed)}, nil
	}
}

// complete fills whichever of text and words is missing. Plain text gets
// evenly spaced synthesized word timings at the given confidence.
func (in detectInput) complete(confidence float64) detectInput {
	if len(in.Words) == 0 {
		in.Words = models.TranscriptFragment{Text: in.Text, Confidence: confidence}.WordTimings()
	}
	if strings.TrimSpace(in.Text) == "" {
		parts := make([]string, len(in.Words))
		for i, w := range in.Words {
			parts[i] = w.Word
		}
		in.Text = strings.Join(parts, " ")
	}
	return in
}

func readDetectInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 1 {
		return []byte(args[0]), nil
	}
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		return os.ReadFile(path)
	}
	return io.ReadAll(cmd.InOrStdin())
}

func runDetect(cmd *cobra.Command, args []string) error {
	lib, err := loadLibrary(cmd)
	if err != nil {
		return err
	}
	data, err := readDetectInput(cmd, args)
	if err != nil {
		return err
	}
	in, err := parseDetectInput(data)
	if err != nil {
		return err
	}
	confidence, _ := cmd.Flags().GetFloat64("confidence")
	in = in.complete(confidence)

	flags, err := risk.NewDetector(lib).Analyze(in.Text, in.Words, nil)
	if err != nil {
		return err
	}
	summary := risk.Summarize(flags)

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"flags": flags, "summary": summary})
	}

	if len(flags) == 0 {
		fmt.Fprintln(out, "No risk indicators found")
		return nil
	}
	fmt.Fprintf(out, "%-10s %-22s %-6s %-9s %s\n", "SEVERITY", "TYPE", "CONF", "AT", "MATCH")
	fmt.Fprintln(out, strings.Repeat("-", 72))
	for _, f := range flags {
		fmt.Fprintf(out, "%-10s %-22s %-6.2f %-9s %q\n",
			f.Severity, f.Type, f.Confidence, fmt.Sprintf("%dms", f.SessionRelativeTimestampMs), f.MatchedText)
	}
	fmt.Fprintf(out, "\n%d flags, highest severity %s", summary.Total, summary.HighestSeverity)
	if summary.RequiresReview {
		fmt.Fprint(out, ", requires clinician review")
	}
	fmt.Fprintln(out)
	return nil
}
