// Command webfetch is the subprocess entrypoint for the web-fetch
// skill: it downloads a URL and returns its extracted readable text
// content. It is invoked by internal/skills.Executor, never run
// in-process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/boassistant/bo/internal/fetch"
)

type request struct {
	URL      string `json:"url"`
	MaxChars int    `json:"max_chars"`
}

type response struct {
	Response string         `json:"response"`
	Hints    map[string]any `json:"hints,omitempty"`
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With(
		"component", "skill_webfetch",
		"request_id", os.Getenv("BO_REQUEST_ID"),
	)

	if err := run(os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("webfetch skill failed", "error", err)
		os.Exit(1)
	}
}

func run(stdin io.Reader, stdout io.Writer, logger *slog.Logger) error {
	var req request
	if err := json.NewDecoder(stdin).Decode(&req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if req.URL == "" {
		return fmt.Errorf("request missing required field: url")
	}

	f := fetch.New()
	result, err := f.Fetch(context.Background(), req.URL, req.MaxChars)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", req.URL, err)
	}

	logger.Info("fetched page", "url", req.URL, "status", result.StatusCode, "truncated", result.Truncated)

	text := result.Content
	if result.Title != "" {
		text = fmt.Sprintf("Title: %s\n\n%s", result.Title, result.Content)
	}
	if result.Truncated {
		text += "\n\n[content truncated]"
	}

	return json.NewEncoder(stdout).Encode(response{
		Response: text,
		Hints: map[string]any{
			"url":         result.URL,
			"status_code": result.StatusCode,
			"truncated":   result.Truncated,
			"length":      result.Length,
		},
	})
}
