package repl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"blastpit/internal/common/auth"
	"blastpit/internal/console/command"
	httpclient "blastpit/internal/console/http"
	"blastpit/internal/console/state"
	appErr "blastpit/pkg/errors"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
)

const (
	replPrompt    = "blastpit> "
	mintSecretEnv = "BLASTPIT_JWT_SECRET"

	defaultMintIssuer  = "blastpit"
	defaultMintSubject = "analyst"
	defaultMintRole    = "analyst"
	defaultMintTTL     = time.Hour

	defaultWatchWindow = 30 * time.Second
)

// Session holds REPL state.
type Session struct {
	client     *httpclient.Client
	commands   map[string]command.Command
	tokenState *state.TokenState
	statePath  string
	prettyJSON bool
	rl         *readline.Instance
}

func New(client *httpclient.Client, commands map[string]command.Command, tokenState *state.TokenState, statePath, historyPath string, prettyJSON bool) (*Session, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          replPrompt,
		HistoryFile:     historyPath,
		AutoComplete:    buildCompleter(commands),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("init line editor failed: %w", err)
	}
	return &Session{
		client:     client,
		commands:   commands,
		tokenState: tokenState,
		statePath:  statePath,
		prettyJSON: prettyJSON,
		rl:         rl,
	}, nil
}

func (s *Session) Close() error {
	return s.rl.Close()
}

func (s *Session) Run(ctx context.Context) {
	for {
		line, err := s.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if s.handleSystemCommand(line) {
			continue
		}

		if err := s.handleCommand(ctx, line); err != nil {
			s.printLine("error: %v", err)
		}
	}
}

func (s *Session) handleSystemCommand(line string) bool {
	switch line {
	case "exit", "quit":
		s.printLine("bye")
		_ = s.rl.Close()
		os.Exit(0)
	case "help":
		s.printHelp()
		return true
	}
	if strings.HasPrefix(line, "set ") {
		s.handleSet(strings.TrimSpace(strings.TrimPrefix(line, "set ")))
		return true
	}
	if strings.HasPrefix(line, "show ") {
		s.handleShow(strings.TrimSpace(strings.TrimPrefix(line, "show ")))
		return true
	}
	return false
}

func (s *Session) handleSet(args string) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		s.printLine("usage: set base|token|timeout")
		return
	}
	switch parts[0] {
	case "base":
		if len(parts) < 2 {
			s.printLine("usage: set base http://127.0.0.1:8080")
			return
		}
		s.client.SetBaseURL(parts[1])
		s.printLine("base set to %s", parts[1])
	case "timeout":
		if len(parts) < 2 {
			s.printLine("usage: set timeout 60s")
			return
		}
		dur, err := time.ParseDuration(parts[1])
		if err != nil {
			s.printLine("invalid duration: %v", err)
			return
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	case "token":
		if len(parts) < 2 {
			s.printLine("usage: set token <access_token>")
			return
		}
		s.tokenState.AccessToken = parts[1]
		if err := state.Save(s.statePath, *s.tokenState); err != nil {
			s.printLine("save token failed: %v", err)
			return
		}
		s.printLine("token updated")
	default:
		s.printLine("unknown set command")
	}
}

func (s *Session) handleShow(args string) {
	switch args {
	case "token":
		if s.tokenState.AccessToken == "" {
			s.printLine("token: <empty>")
			return
		}
		token := s.tokenState.AccessToken
		if len(token) > 12 {
			token = token[:6] + "..." + token[len(token)-4:]
		}
		s.printLine("token: %s", token)
		if s.tokenState.Subject != "" {
			s.printLine("subject: %s (%s)", s.tokenState.Subject, s.tokenState.Role)
		}
		if !s.tokenState.ExpiresAt.IsZero() {
			s.printLine("expires: %s", s.tokenState.ExpiresAt.Format(time.RFC3339))
		}
	case "config":
		s.printLine("tokenStatePath: %s", s.statePath)
	default:
		s.printLine("usage: show token|config")
	}
}

func (s *Session) handleCommand(ctx context.Context, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) < 2 {
		return fmt.Errorf("invalid command, use: <service> <action> key=value ...")
	}
	service := tokens[0]
	action := tokens[1]
	params := command.Params{}
	for _, token := range tokens[2:] {
		parts := strings.SplitN(token, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid param: %s", token)
		}
		params.Set(parts[0], parts[1])
	}

	// Minting and watching never leave the console as plain requests.
	if service == "auth" && action == "mint" {
		return s.handleMint(params)
	}
	if service == "instance" && action == "watch" {
		return s.handleWatch(ctx, params)
	}

	key := fmt.Sprintf("%s %s", service, action)
	cmd, ok := s.commands[key]
	if !ok {
		return fmt.Errorf("unknown command: %s %s", service, action)
	}

	s.applyParamShortcuts(&cmd, params)
	if err := s.promptMissing(&cmd, params); err != nil {
		return err
	}
	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(ctx, req.Method, req.Path, req.Headers, req.Body)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	s.clearTokenAfterRevoke(cmd, params, resp.Body)
	return nil
}

func (s *Session) applyParamShortcuts(cmd *command.Command, params command.Params) {
	if cmd.Service == "instance" && cmd.Action == "exec" {
		if params.Get("code_file") != "" && params.Get("code") == "" {
			params.Set("code", "_file_")
		}
	}
	if cmd.Service == "instance" && cmd.Action == "restore" {
		if params.Get("snapshot_file") != "" && params.Get("snapshot_json") == "" {
			params.Set("snapshot_json", "_file_")
		}
	}
	if cmd.Service == "analysis" && cmd.Action == "submit" {
		if (params.Get("tasks_json") != "" || params.Get("tasks_file") != "") && params.Get("sample_key") == "" {
			params.Set("sample_key", "_file_")
		}
	}
}

func (s *Session) handleMint(params command.Params) error {
	secret := os.Getenv(mintSecretEnv)
	if secret == "" {
		return fmt.Errorf("%s is not set", mintSecretEnv)
	}
	subject := params.Get("subject")
	if subject == "" {
		subject = defaultMintSubject
	}
	role := params.Get("role")
	if role == "" {
		role = defaultMintRole
	}
	issuer := params.Get("issuer")
	if issuer == "" {
		issuer = defaultMintIssuer
	}
	ttl := defaultMintTTL
	if params.Get("ttl") != "" {
		parsed, err := time.ParseDuration(params.Get("ttl"))
		if err != nil {
			return fmt.Errorf("invalid ttl: %w", err)
		}
		ttl = parsed
	}

	token, err := auth.Mint(secret, issuer, subject, role, ttl)
	if err != nil {
		return fmt.Errorf("mint token failed: %w", err)
	}
	s.tokenState.AccessToken = token
	s.tokenState.Subject = subject
	s.tokenState.Role = role
	s.tokenState.ExpiresAt = time.Now().Add(ttl)
	if err := state.Save(s.statePath, *s.tokenState); err != nil {
		return fmt.Errorf("save token failed: %w", err)
	}
	s.printLine("token minted for %s (%s), expires at %s", subject, role, s.tokenState.ExpiresAt.Format(time.RFC3339))
	return nil
}

func (s *Session) handleWatch(ctx context.Context, params command.Params) error {
	id := params.Get("id")
	if id == "" {
		id = params.Get("instance_id")
	}
	if id == "" {
		value, err := s.promptValue("instance_id")
		if err != nil {
			return err
		}
		id = value
	}
	window := defaultWatchWindow
	if params.Get("duration") != "" {
		parsed, err := time.ParseDuration(params.Get("duration"))
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		window = parsed
	}

	watchCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	s.printLine("watching %s for %s", id, window)
	count := 0
	err := s.client.Stream(watchCtx, "/api/v1/instances/"+id+"/events/stream", func(message []byte) {
		count++
		s.printJSON(message)
	})
	s.printLine("watch ended after %d event(s)", count)
	return err
}

func (s *Session) promptMissing(cmd *command.Command, params command.Params) error {
	for _, field := range cmd.Fields {
		if !field.Required {
			continue
		}
		if params.Has(field.Name) && params.Get(field.Name) != "" && params.Get(field.Name) != "_file_" {
			continue
		}
		if params.Get(field.Name) == "_file_" {
			continue
		}
		value, err := s.promptValue(field.Prompt)
		if err != nil {
			return err
		}
		params.Set(field.Name, value)
	}
	return nil
}

func (s *Session) promptValue(prompt string) (string, error) {
	s.rl.SetPrompt(prompt + ": ")
	defer s.rl.SetPrompt(replPrompt)
	line, err := s.rl.Readline()
	if err != nil {
		return "", fmt.Errorf("read input failed: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (s *Session) renderResponse(resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	if len(resp.Body) == 0 {
		return
	}
	s.printJSON(resp.Body)
}

func (s *Session) printJSON(body []byte) {
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return
		}
	}
	s.printLine("%s", string(body))
}

func (s *Session) clearTokenAfterRevoke(cmd command.Command, params command.Params, body []byte) {
	if cmd.Service != "auth" || cmd.Action != "revoke" {
		return
	}
	if s.tokenState.AccessToken == "" || params.Get("token") != s.tokenState.AccessToken {
		return
	}
	var resp struct {
		Code appErr.ErrorCode `json:"code"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return
	}
	if resp.Code != appErr.Success {
		return
	}
	*s.tokenState = state.TokenState{}
	_ = state.Clear(s.statePath)
	s.printLine("local token cleared")
}

func (s *Session) printHelp() {
	s.printLine("usage: <service> <action> key=value ...")
	s.printLine("system: help | exit | set base|timeout|token | show token|config")
	s.printLine("examples:")
	s.printLine("  auth mint subject=alice role=admin ttl=2h")
	s.printLine("  instance create preset=strict")
	s.printLine("  instance exec id=<instance_id> code_file=./probe.lua")
	s.printLine("  instance watch id=<instance_id> duration=30s")
	s.printLine("  analysis submit sample_key=samples/<digest> preset=default")
	s.printLine("  sample upload file=./dropper.bin content_type=application/octet-stream")
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.rl.Stdout(), format+"\n", args...)
}

func buildCompleter(commands map[string]command.Command) readline.AutoCompleter {
	// mint and watch are local commands and never appear in the registry.
	actions := map[string][]readline.PrefixCompleterInterface{
		"auth":     {readline.PcItem("mint")},
		"instance": {readline.PcItem("watch")},
	}
	for _, cmd := range commands {
		actions[cmd.Service] = append(actions[cmd.Service], readline.PcItem(cmd.Action))
	}

	items := []readline.PrefixCompleterInterface{
		readline.PcItem("help"),
		readline.PcItem("exit"),
		readline.PcItem("quit"),
		readline.PcItem("set",
			readline.PcItem("base"),
			readline.PcItem("timeout"),
			readline.PcItem("token"),
		),
		readline.PcItem("show",
			readline.PcItem("token"),
			readline.PcItem("config"),
		),
	}
	for service, sub := range actions {
		items = append(items, readline.PcItem(service, sub...))
	}
	return readline.NewPrefixCompleter(items...)
}
