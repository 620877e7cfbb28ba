// Command email is the subprocess entrypoint for the email skill: it
// performs a single IMAP/SMTP operation (list, read, search, send,
// reply, mark, move, folders) against a configured account. It is
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
	"github.com/boassistant/bo/internal/email"
)

type request struct {
	Action      string   `json:"action"`
	Account     string   `json:"account"`
	Folder      string   `json:"folder"`
	UID         uint32   `json:"uid"`
	Limit       int      `json:"limit"`
	Unseen      bool     `json:"unseen"`
	Query       string   `json:"query"`
	To          []string `json:"to"`
	Cc          []string `json:"cc"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	ReplyAll    bool     `json:"reply_all"`
	Flag        string   `json:"flag"`
	Add         bool     `json:"add"`
	UIDs        []uint32 `json:"uids"`
	Destination string   `json:"destination"`
}

type skillResponse struct {
	Response string         `json:"response"`
	Hints    map[string]any `json:"hints,omitempty"`
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With(
		"component", "skill_email",
		"request_id", os.Getenv("BO_REQUEST_ID"),
	)

	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("email skill failed", "error", err)
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

	mgr, err := loadManager(configPath, logger)
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx := context.Background()
	text, hints, err := dispatch(ctx, mgr, req)
	if err != nil {
		return err
	}

	logger.Info("email skill invocation", "action", req.Action, "account", req.Account)
	return json.NewEncoder(stdout).Encode(skillResponse{Response: text, Hints: hints})
}

func dispatch(ctx context.Context, mgr *email.Manager, req request) (string, map[string]any, error) {
	switch req.Action {
	case "list":
		client, err := mgr.Account(req.Account)
		if err != nil {
			return "", nil, err
		}
		envelopes, err := client.ListMessages(ctx, email.ListOptions{
			Folder: req.Folder, Limit: req.Limit, Unseen: req.Unseen, Account: req.Account,
		})
		if err != nil {
			return "", nil, fmt.Errorf("list messages: %w", err)
		}
		return formatEnvelopeList(envelopes), map[string]any{"count": len(envelopes)}, nil

	case "read":
		if req.UID == 0 {
			return "", nil, fmt.Errorf("read requires uid")
		}
		client, err := mgr.Account(req.Account)
		if err != nil {
			return "", nil, err
		}
		msg, err := client.ReadMessage(ctx, req.Folder, req.UID)
		if err != nil {
			return "", nil, fmt.Errorf("read message: %w", err)
		}
		return formatMessage(msg), map[string]any{"message_id": msg.MessageID}, nil

	case "search":
		client, err := mgr.Account(req.Account)
		if err != nil {
			return "", nil, err
		}
		envelopes, err := client.SearchMessages(ctx, email.SearchOptions{
			Folder: req.Folder, Query: req.Query, Limit: req.Limit, Account: req.Account,
		})
		if err != nil {
			return "", nil, fmt.Errorf("search messages: %w", err)
		}
		return formatEnvelopeList(envelopes), map[string]any{"count": len(envelopes)}, nil

	case "folders":
		client, err := mgr.Account(req.Account)
		if err != nil {
			return "", nil, err
		}
		folders, err := client.ListFolders(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("list folders: %w", err)
		}
		var sb strings.Builder
		for _, f := range folders {
			fmt.Fprintf(&sb, "%s (%d messages, %d unseen)\n", f.Name, f.Messages, f.Unseen)
		}
		return sb.String(), map[string]any{"count": len(folders)}, nil

	case "mark":
		if len(req.UIDs) == 0 {
			return "", nil, fmt.Errorf("mark requires uids")
		}
		flag, ok := email.ValidFlag(req.Flag)
		if !ok {
			return "", nil, fmt.Errorf("unsupported flag %q", req.Flag)
		}
		client, err := mgr.Account(req.Account)
		if err != nil {
			return "", nil, err
		}
		if err := client.MarkMessages(ctx, email.MarkAction{
			UIDs: req.UIDs, Folder: req.Folder, Flag: flag, Add: req.Add, Account: req.Account,
		}); err != nil {
			return "", nil, fmt.Errorf("mark messages: %w", err)
		}
		return fmt.Sprintf("Marked %d message(s)", len(req.UIDs)), nil, nil

	case "move":
		if len(req.UIDs) == 0 || req.Destination == "" {
			return "", nil, fmt.Errorf("move requires uids and destination")
		}
		client, err := mgr.Account(req.Account)
		if err != nil {
			return "", nil, err
		}
		if err := client.MoveMessages(ctx, email.MoveOptions{
			UIDs: req.UIDs, Folder: req.Folder, Destination: req.Destination, Account: req.Account,
		}); err != nil {
			return "", nil, fmt.Errorf("move messages: %w", err)
		}
		folder := req.Folder
		if folder == "" {
			folder = "INBOX"
		}
		return fmt.Sprintf("Moved %d message(s) from %s to %s", len(req.UIDs), folder, req.Destination), nil, nil

	case "send":
		if len(req.To) == 0 || req.Subject == "" || req.Body == "" {
			return "", nil, fmt.Errorf("send requires to, subject, and body")
		}
		text, err := mgr.Send(ctx, nil, req.Account, req.To, req.Cc, req.Subject, req.Body, "", nil)
		if err != nil {
			return "", nil, err
		}
		return text, nil, nil

	case "reply":
		return reply(ctx, mgr, req)

	default:
		return "", nil, fmt.Errorf("unknown action %q", req.Action)
	}
}

// reply fetches the original message for its threading headers, then
// sends through Manager.Send the same way a fresh message would be.
func reply(ctx context.Context, mgr *email.Manager, req request) (string, map[string]any, error) {
	if req.UID == 0 {
		return "", nil, fmt.Errorf("reply requires uid")
	}
	if req.Body == "" {
		return "", nil, fmt.Errorf("reply requires body")
	}

	client, err := mgr.Account(req.Account)
	if err != nil {
		return "", nil, err
	}
	original, err := client.ReadMessage(ctx, req.Folder, req.UID)
	if err != nil {
		return "", nil, fmt.Errorf("fetch original message: %w", err)
	}

	subject := original.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	var to []string
	if original.ReplyTo != "" {
		to = []string{original.ReplyTo}
	} else {
		to = []string{original.From}
	}

	var cc []string
	if req.ReplyAll {
		acctCfg, err := mgr.AccountConfig(req.Account)
		if err != nil {
			return "", nil, err
		}
		ownAddr := acctCfg.DefaultFrom
		for _, addr := range original.To {
			if addr != ownAddr {
				to = append(to, addr)
			}
		}
		cc = append(cc, original.Cc...)
	}

	var refs []string
	refs = append(refs, original.References...)
	if original.MessageID != "" {
		refs = append(refs, original.MessageID)
	}

	text, err := mgr.Send(ctx, nil, req.Account, to, cc, subject, req.Body, original.MessageID, refs)
	if err != nil {
		return "", nil, err
	}
	return text, nil, nil
}

func formatEnvelopeList(envelopes []email.Envelope) string {
	if len(envelopes) == 0 {
		return "No messages found."
	}
	var sb strings.Builder
	for _, e := range envelopes {
		fmt.Fprintf(&sb, "#%d  %s  %s — %s\n", e.UID, e.Date.Format("2006-01-02 15:04"), e.From, e.Subject)
	}
	return sb.String()
}

func formatMessage(msg *email.Message) string {
	body := msg.TextBody
	if body == "" {
		body = msg.HTMLBody
	}
	return fmt.Sprintf("From: %s\nSubject: %s\nDate: %s\n\n%s", msg.From, msg.Subject, msg.Date.Format("2006-01-02 15:04"), body)
}

// loadManager builds an email.Manager from the top-level config's
// single-account EmailConfig. The skill process gets no environment
// beyond BO_REQUEST_ID/BO_REQUEST_FROM, so it rediscovers config the
// same way cmd/bo does rather than inheriting it.
func loadManager(configPath string, logger *slog.Logger) (*email.Manager, error) {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("find config: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if !cfg.Email.Configured() {
		return nil, fmt.Errorf("email not configured")
	}

	ecfg := email.Config{Accounts: []email.AccountConfig{
		{
			Name: "primary",
			IMAP: email.IMAPConfig{Host: cfg.Email.IMAPHost, Username: cfg.Email.Username, Password: cfg.Email.Password},
			SMTP: email.SMTPConfig{Host: cfg.Email.SMTPHost, Username: cfg.Email.Username, Password: cfg.Email.Password},
		},
	}}
	ecfg.ApplyDefaults()
	ecfg.Accounts[0].DefaultFrom = cfg.Email.Username

	return email.NewManager(ecfg, logger), nil
}
