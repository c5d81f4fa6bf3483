package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"blastpit/internal/console/command"
	"blastpit/internal/console/config"
	httpclient "blastpit/internal/console/http"
	"blastpit/internal/console/repl"
	"blastpit/internal/console/state"
)

const defaultConfigPath = "configs/console.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	baseURL := flag.String("base", "", "Override base URL")
	timeout := flag.Duration("timeout", 0, "Override HTTP timeout (e.g. 60s)")
	token := flag.String("token", "", "Override access token")
	statePath := flag.String("state", "", "Override token state path")
	historyPath := flag.String("history", "", "Override history file path")
	pretty := flag.Bool("pretty", false, "Pretty print JSON response")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if *statePath != "" {
		cfg.TokenStatePath = *statePath
	}
	if *historyPath != "" {
		cfg.HistoryPath = *historyPath
	}
	if *pretty {
		trueValue := true
		cfg.PrettyJSON = &trueValue
	}

	tokenState, err := state.Load(cfg.TokenStatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load token state failed: %v\n", err)
		return
	}
	if *token != "" {
		tokenState.AccessToken = *token
	}

	client := httpclient.New(cfg.BaseURL, cfg.Timeout, func() string {
		return tokenState.AccessToken
	})

	session, err := repl.New(client, command.Registry(), &tokenState, cfg.TokenStatePath, cfg.HistoryPath, cfg.PrettyJSON != nil && *cfg.PrettyJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start console failed: %v\n", err)
		return
	}
	defer func() { _ = session.Close() }()
	session.Run(context.Background())
}
