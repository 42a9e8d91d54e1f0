package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"stockbot/internal/config"

	"github.com/spf13/cobra"
)

// providerMeta describes a provider option for the wizard.
type providerMeta struct {
	Name         string
	EnvVar       string
	APIBase      string
	DefaultModel string
}

var knownProviders = []providerMeta{
	{Name: "gemini", EnvVar: "GEMINI_API_KEY", APIBase: "https://generativelanguage.googleapis.com/v1beta", DefaultModel: "gemini-1.5-flash"},
	{Name: "openai", EnvVar: "OPENAI_API_KEY", APIBase: "https://api.openai.com/v1", DefaultModel: "gpt-4o-mini"},
}

var knownChannels = []struct {
	ID   string
	Desc string
}{{"cli", "Interactive terminal chat"}, {"line", "LINE bot (webhook)"}, {"telegram", "Telegram bot"}}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: workspace → LLM provider → channel → save config",
		Long:  "Guides you through workspace path, LLM provider (and API key), and channel (CLI/LINE/Telegram). Writes config to the path used by --config or default.",
		RunE:  runWizard,
	}
}

func runWizard(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]config.ProviderConfig)
	}

	reader := bufio.NewReader(os.Stdin)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(os.Stdout, " [%s]: ", def)
		} else {
			fmt.Fprint(os.Stdout, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" && def != "" {
			return def, nil
		}
		return s, nil
	}

	// Step 1: Workspace
	fmt.Println("\n--- Step 1: Workspace ---")
	workspace := cfg.General.Workspace
	if workspace == "" {
		workspace = "~/.stockbot/workspace"
	}
	fmt.Fprint(os.Stdout, "Directory for bot data (rendered charts, etc.)")
	ws, err := prompt(workspace)
	if err != nil {
		return err
	}
	if ws != "" {
		cfg.General.Workspace = ws
	}
	cfg.General.Workspace = config.ExpandPath(cfg.General.Workspace)
	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	fmt.Fprintf(os.Stdout, "  Using workspace: %s\n", cfg.General.Workspace)

	// Step 2: Provider
	fmt.Println("\n--- Step 2: LLM provider ---")
	for i, p := range knownProviders {
		fmt.Fprintf(os.Stdout, "  %d) %s (set %s)\n", i+1, p.Name, p.EnvVar)
	}
	fmt.Fprint(os.Stdout, "Choose provider (1-"+fmt.Sprint(len(knownProviders))+")")
	defNum := "1"
	for i, p := range knownProviders {
		if p.Name == cfg.General.DefaultProvider {
			defNum = fmt.Sprint(i + 1)
			break
		}
	}
	choice, err := prompt(defNum)
	if err != nil {
		return err
	}
	var idx int
	if n, _ := fmt.Sscanf(choice, "%d", &idx); n != 1 || idx < 1 || idx > len(knownProviders) {
		idx = 1
	}
	prov := knownProviders[idx-1]
	cfg.General.DefaultProvider = prov.Name
	pc, ok := cfg.Providers[prov.Name]
	if !ok {
		pc = config.ProviderConfig{APIBase: prov.APIBase, DefaultModel: prov.DefaultModel}
	}
	pc.Enabled = true
	if pc.DefaultModel == "" {
		pc.DefaultModel = prov.DefaultModel
	}
	fmt.Fprintf(os.Stdout, "API key: paste key or env var reference (e.g. ${%s})", prov.EnvVar)
	key, err := prompt("${" + prov.EnvVar + "}")
	if err != nil {
		return err
	}
	if key != "" {
		pc.APIKey = key
	}
	cfg.Providers[prov.Name] = pc
	for name := range cfg.Providers {
		if name != prov.Name {
			p := cfg.Providers[name]
			p.Enabled = false
			cfg.Providers[name] = p
		}
	}
	fmt.Fprintf(os.Stdout, "  Using provider: %s\n", prov.Name)

	// Step 3: Channel
	fmt.Println("\n--- Step 3: Channel ---")
	for i, c := range knownChannels {
		fmt.Fprintf(os.Stdout, "  %d) %s - %s\n", i+1, c.ID, c.Desc)
	}
	fmt.Fprint(os.Stdout, "Choose channel (1-3)")
	chChoice, err := prompt("1")
	if err != nil {
		return err
	}
	var chIdx int
	if n, _ := fmt.Sscanf(chChoice, "%d", &chIdx); n != 1 || chIdx < 1 || chIdx > len(knownChannels) {
		chIdx = 1
	}
	chID := knownChannels[chIdx-1].ID
	cfg.Channels.CLI.Enabled = chID == "cli"
	cfg.Channels.Line.Enabled = chID == "line"
	cfg.Channels.Telegram.Enabled = chID == "telegram"
	switch chID {
	case "line":
		fmt.Fprint(os.Stdout, "LINE channel secret (from LINE Developers console)")
		secret, err := prompt("${LINE_SECRET}")
		if err != nil {
			return err
		}
		if secret != "" {
			cfg.Channels.Line.ChannelSecret = secret
		}
		fmt.Fprint(os.Stdout, "LINE channel access token")
		tok, err := prompt("${LINE_TOKEN}")
		if err != nil {
			return err
		}
		if tok != "" {
			cfg.Channels.Line.ChannelToken = tok
		}
	case "telegram":
		fmt.Fprint(os.Stdout, "Telegram bot token (from @BotFather)")
		tok, err := prompt("")
		if err != nil {
			return err
		}
		if tok != "" {
			cfg.Channels.Telegram.Token = tok
		}
	}
	fmt.Fprintf(os.Stdout, "  Using channel: %s\n", chID)

	// Save
	cfgDir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
	fmt.Println("Next: run 'stockbot chat' for CLI, or 'stockbot serve' for LINE/Telegram.")
	return nil
}
