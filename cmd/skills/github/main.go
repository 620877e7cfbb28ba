// Command github is the subprocess entrypoint for the GitHub skill: it
// performs a single issue/PR/search operation against a configured
// GitHub account and reports the result as skill output. It is
// invoked by internal/skills.Executor, never run in-process.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/boassistant/bo/internal/config"
	"github.com/boassistant/bo/internal/forge"
)

type request struct {
	Action  string   `json:"action"`
	Repo    string   `json:"repo"`
	Number  int      `json:"number"`
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	State   string   `json:"state"`
	Labels  []string `json:"labels"`
	Query   string   `json:"query"`
	Kind    string   `json:"kind"`
	Limit   int      `json:"limit"`
	Account string   `json:"account"`
}

type response struct {
	Response string         `json:"response"`
	Hints    map[string]any `json:"hints,omitempty"`
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With(
		"component", "skill_github",
		"request_id", os.Getenv("BO_REQUEST_ID"),
	)

	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("github skill failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, stdin io.Reader, stdout io.Writer, logger *slog.Logger) error {
	var req request
	if err := json.NewDecoder(stdin).Decode(&req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if req.Action == "" {
		return fmt.Errorf("request missing required field: action")
	}

	registry, acfg, err := loadRegistry(configPath, logger)
	if err != nil {
		return err
	}
	provider, _, err := registry.Account(req.Account)
	if err != nil {
		return err
	}
	owner, name := registry.ResolveRepo(acfg, req.Repo)
	if owner == "" || name == "" {
		return fmt.Errorf("repo %q does not resolve to an owner/name pair", req.Repo)
	}
	repo := owner + "/" + name

	ctx := context.Background()
	text, hints, err := dispatch(ctx, provider, repo, req)
	if err != nil {
		return err
	}

	logger.Info("github skill invocation", "action", req.Action, "repo", repo)
	return json.NewEncoder(stdout).Encode(response{Response: text, Hints: hints})
}

func dispatch(ctx context.Context, p forge.ForgeProvider, repo string, req request) (string, map[string]any, error) {
	switch req.Action {
	case "list_issues":
		issues, err := p.ListIssues(ctx, repo, &forge.ListOptions{State: req.State, Limit: req.Limit})
		if err != nil {
			return "", nil, fmt.Errorf("list issues: %w", err)
		}
		var sb strings.Builder
		for _, iss := range issues {
			fmt.Fprintf(&sb, "#%d [%s] %s\n", iss.Number, iss.State, iss.Title)
		}
		if sb.Len() == 0 {
			return "No issues found.", nil, nil
		}
		return sb.String(), map[string]any{"count": len(issues)}, nil

	case "get_issue":
		iss, err := p.GetIssue(ctx, repo, req.Number)
		if err != nil {
			return "", nil, fmt.Errorf("get issue: %w", err)
		}
		return fmt.Sprintf("#%d [%s] %s\n\n%s", iss.Number, iss.State, iss.Title, iss.Body), map[string]any{"url": iss.URL}, nil

	case "create_issue":
		if req.Title == "" {
			return "", nil, fmt.Errorf("create_issue requires title")
		}
		iss, err := p.CreateIssue(ctx, repo, &forge.Issue{Title: req.Title, Body: req.Body, Labels: req.Labels})
		if err != nil {
			return "", nil, fmt.Errorf("create issue: %w", err)
		}
		return fmt.Sprintf("Created issue #%d: %s", iss.Number, iss.URL), map[string]any{"number": iss.Number, "url": iss.URL}, nil

	case "update_issue":
		update := &forge.IssueUpdate{}
		if req.Title != "" {
			update.Title = &req.Title
		}
		if req.Body != "" {
			update.Body = &req.Body
		}
		if req.State != "" {
			update.State = &req.State
		}
		if req.Labels != nil {
			update.Labels = req.Labels
		}
		iss, err := p.UpdateIssue(ctx, repo, req.Number, update)
		if err != nil {
			return "", nil, fmt.Errorf("update issue: %w", err)
		}
		return fmt.Sprintf("Updated issue #%d", iss.Number), map[string]any{"url": iss.URL}, nil

	case "add_comment":
		if req.Body == "" {
			return "", nil, fmt.Errorf("add_comment requires body")
		}
		c, err := p.AddComment(ctx, repo, req.Number, req.Body)
		if err != nil {
			return "", nil, fmt.Errorf("add comment: %w", err)
		}
		return fmt.Sprintf("Added comment on #%d: %s", req.Number, c.URL), map[string]any{"url": c.URL}, nil

	case "list_prs":
		prs, err := p.ListPRs(ctx, repo, &forge.ListOptions{State: req.State, Limit: req.Limit})
		if err != nil {
			return "", nil, fmt.Errorf("list prs: %w", err)
		}
		var sb strings.Builder
		for _, pr := range prs {
			fmt.Fprintf(&sb, "#%d [%s] %s\n", pr.Number, pr.State, pr.Title)
		}
		if sb.Len() == 0 {
			return "No pull requests found.", nil, nil
		}
		return sb.String(), map[string]any{"count": len(prs)}, nil

	case "get_pr":
		pr, err := p.GetPR(ctx, repo, req.Number)
		if err != nil {
			return "", nil, fmt.Errorf("get pr: %w", err)
		}
		return fmt.Sprintf("#%d [%s] %s\n\n%s", pr.Number, pr.State, pr.Title, pr.Body), map[string]any{"url": pr.URL}, nil

	case "search":
		if req.Query == "" {
			return "", nil, fmt.Errorf("search requires query")
		}
		kind := forge.SearchKind(req.Kind)
		if kind == "" {
			kind = forge.SearchIssues
		}
		results, err := p.Search(ctx, req.Query, kind, req.Limit)
		if err != nil {
			return "", nil, fmt.Errorf("search: %w", err)
		}
		var sb strings.Builder
		for _, r := range results {
			fmt.Fprintf(&sb, "[%s] %s — %s\n", r.Kind, r.Title, r.URL)
		}
		if sb.Len() == 0 {
			return "No results found.", nil, nil
		}
		return sb.String(), map[string]any{"count": len(results)}, nil

	default:
		return "", nil, fmt.Errorf("unknown action %q", req.Action)
	}
}

// loadRegistry builds a single-account forge.Registry from the GitHub
// token in the top-level config file. The skill process gets no
// environment beyond BO_REQUEST_ID/BO_REQUEST_FROM, so it rediscovers
// config the same way cmd/bo does rather than inheriting it.
func loadRegistry(configPath string, logger *slog.Logger) (*forge.Registry, forge.AccountConfig, error) {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return nil, forge.AccountConfig{}, fmt.Errorf("find config: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, forge.AccountConfig{}, fmt.Errorf("load config: %w", err)
	}
	if cfg.GitHub.Token == "" {
		return nil, forge.AccountConfig{}, fmt.Errorf("github.token not configured")
	}

	fcfg := forge.Config{Accounts: []forge.AccountConfig{
		{Name: "primary", Provider: "github", Token: cfg.GitHub.Token, Owner: cfg.GitHub.Owner},
	}}
	fcfg.ApplyDefaults()

	registry, err := forge.NewRegistry(fcfg, logger)
	if err != nil {
		return nil, forge.AccountConfig{}, err
	}
	return registry, fcfg.Accounts[0], nil
}
