package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/rickchristie/pgguard"
	"github.com/rickchristie/pgguard/internal/configfile"
	"github.com/rickchristie/pgguard/internal/meta"
	"github.com/rickchristie/pgguard/internal/safety"
)

func runDoctor() error {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file (.json, .yaml or .yml)")
	fs.Parse(os.Args[2:])

	useColor := isTTY(os.Stderr.Fd())
	return doctor(os.Stderr, useColor, *configPath)
}

func doctor(w io.Writer, useColor bool, configPath string) error {
	printBanner(w, useColor)
	fmt.Fprintf(w, "gopgguard %s\n\n", meta.Version)

	config, ok := doctorValidateConfig(w, useColor, configPath)
	if !ok {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Fix the issues above and run 'gopgguard doctor' again.")
		return nil
	}

	fmt.Fprintln(w)
	printAgentSnippets(w, useColor, config)
	return nil
}

// doctorValidateConfig loads and validates the config file, printing check results.
// Returns the parsed config and true if all checks passed.
func doctorValidateConfig(w io.Writer, useColor bool, configPath string) (*pgguard.ServerConfig, bool) {
	allPassed := true
	check := func(pass bool, msg string) {
		printCheck(w, useColor, pass, msg)
		if !pass {
			allPassed = false
		}
	}

	// Check 1: Config file exists and parses
	data, err := os.ReadFile(configPath)
	if err != nil {
		check(false, fmt.Sprintf("Config file readable (%s)", configPath))
		return nil, false
	}
	check(true, fmt.Sprintf("Config file readable (%s)", configPath))

	format := configfile.Format(configPath)
	var config pgguard.ServerConfig
	if err := configfile.Decode(configPath, data, &config); err != nil {
		check(false, fmt.Sprintf("Config file is valid %s: %v", format, err))
		return nil, false
	}
	check(true, fmt.Sprintf("Config file is valid %s", format))

	// Check 2: connection.dbname is set
	if config.Connection.DBName == "" {
		check(false, "connection.dbname is set")
	} else {
		check(true, fmt.Sprintf("connection.dbname is set (%s)", config.Connection.DBName))
	}

	// Check 3: server.port > 0
	if config.Server.Port <= 0 {
		check(false, "server.port is > 0")
	} else {
		check(true, fmt.Sprintf("server.port is > 0 (%d)", config.Server.Port))
	}

	// Check 4: Health check path set when enabled
	if config.Server.HealthCheckEnabled {
		if config.Server.HealthCheckPath == "" {
			check(false, "health_check_path is set (required when health_check_enabled)")
		} else {
			check(true, fmt.Sprintf("health_check_path is set (%s)", config.Server.HealthCheckPath))
		}
	}
	if config.Server.MetricsEnabled {
		path := metricsPath(config.Server)
		if config.Server.HealthCheckEnabled && path == config.Server.HealthCheckPath {
			check(false, fmt.Sprintf("metrics_path differs from health_check_path (%s)", path))
		} else {
			check(true, fmt.Sprintf("metrics served at %s", path))
		}
	}

	// Check 5: Pool and query limits
	if config.Pool.MaxConns <= 0 {
		check(false, "pool.max_conns is > 0")
	}
	if config.Query.DefaultTimeoutSeconds <= 0 {
		check(false, "query.default_timeout_seconds is > 0")
	}

	// Check 6: Safety modes and risk levels parse
	safetyOK := true
	type field struct{ name, value string }
	modes := []field{
		{"safety.database_mode", config.Safety.DatabaseMode},
		{"safety.api_mode", config.Safety.APIMode},
	}
	for _, f := range modes {
		if _, err := pgguard.ParseMode(f.value); err != nil {
			check(false, fmt.Sprintf("%s is valid: %v", f.name, err))
			safetyOK = false
		}
	}
	var risks []field
	for i, rule := range config.Safety.APIRules {
		risks = append(risks, field{fmt.Sprintf("safety.api_rules[%d].risk", i), rule.Risk})
	}
	for i, rule := range config.Query.TimeoutRules {
		risks = append(risks, field{fmt.Sprintf("timeout_rules[%d].min_risk", i), rule.MinRisk})
	}
	for i, hook := range config.ServerHooks.BeforeExecute {
		risks = append(risks, field{fmt.Sprintf("server_hooks.before_execute[%d].min_risk", i), hook.MinRisk})
	}
	for _, f := range risks {
		if f.value == "" {
			continue
		}
		if _, err := safety.ParseRiskLevel(f.value); err != nil {
			check(false, fmt.Sprintf("%s is valid: %v", f.name, err))
			safetyOK = false
		}
	}
	if safetyOK {
		database, _ := pgguard.ParseMode(config.Safety.DatabaseMode)
		api, _ := pgguard.ParseMode(config.Safety.APIMode)
		check(true, fmt.Sprintf("Safety modes are valid (database: %s, api: %s)", database, api))
	}

	// Check 7: Regex patterns compile
	regexOK := true
	compile := func(field, pattern string) {
		if _, err := regexp.Compile(pattern); err != nil {
			check(false, fmt.Sprintf("%s regex compiles: %v", field, err))
			regexOK = false
		}
	}
	for i, rule := range config.ErrorPrompts {
		compile(fmt.Sprintf("error_prompts[%d]", i), rule.Pattern)
	}
	for i, rule := range config.Sanitization {
		compile(fmt.Sprintf("sanitization[%d]", i), rule.Pattern)
	}
	for i, rule := range config.Query.TimeoutRules {
		compile(fmt.Sprintf("timeout_rules[%d]", i), rule.Pattern)
	}
	for i, rule := range config.Safety.DenyRules {
		if rule.Pattern != "" {
			compile(fmt.Sprintf("safety.deny_rules[%d]", i), rule.Pattern)
		}
	}
	for i, hook := range config.ServerHooks.BeforeExecute {
		compile(fmt.Sprintf("server_hooks.before_execute[%d]", i), hook.Pattern)
	}
	if regexOK {
		check(true, "All regex patterns compile")
	}

	// Check 8: Migrations cannot be recorded into a read-only database
	if config.Migrations.Enabled && config.ReadOnly {
		check(false, "migrations.enabled is compatible with read_only")
	}

	return &config, allPassed
}

// printCheck prints a colored ✓ or ✗ check line.
func printCheck(w io.Writer, useColor bool, pass bool, msg string) {
	if pass {
		if useColor {
			fmt.Fprintf(w, "  \033[32m✓\033[0m %s\n", msg)
		} else {
			fmt.Fprintf(w, "  ✓ %s\n", msg)
		}
	} else {
		if useColor {
			fmt.Fprintf(w, "  \033[31m✗\033[0m %s\n", msg)
		} else {
			fmt.Fprintf(w, "  ✗ %s\n", msg)
		}
	}
}

// printAgentSnippets prints MCP connection config snippets for various AI agents.
func printAgentSnippets(w io.Writer, useColor bool, config *pgguard.ServerConfig) {
	port := config.Server.Port
	url := fmt.Sprintf("http://localhost:%d/mcp", port)

	heading := func(title string) {
		if useColor {
			fmt.Fprintf(w, "\033[1;36m%s\033[0m\n", title)
		} else {
			fmt.Fprintln(w, title)
		}
	}

	subheading := func(title string) {
		if useColor {
			fmt.Fprintf(w, "  \033[1m%s\033[0m\n", title)
		} else {
			fmt.Fprintf(w, "  %s\n", title)
		}
	}

	heading("Agent Connection Snippets")
	fmt.Fprintln(w)

	// Claude Code
	subheading("Claude Code")
	fmt.Fprintf(w, "  Run this command to add the server:\n\n")
	fmt.Fprintf(w, "    claude mcp add --transport http postgres %s\n\n", url)
	fmt.Fprintf(w, "  Or add to .mcp.json (project scope):\n\n")
	fmt.Fprintf(w, `  {
    "mcpServers": {
      "postgres": {
        "type": "http",
        "url": "%s"
      }
    }
  }
`, url)
	fmt.Fprintln(w)

	// Copilot CLI
	subheading("Copilot CLI (~/.copilot/mcp-config.json)")
	fmt.Fprintf(w, `  {
    "mcpServers": {
      "postgres": {
        "type": "http",
        "url": "%s"
      }
    }
  }
`, url)
	fmt.Fprintln(w)

	// Gemini CLI
	subheading("Gemini CLI (~/.gemini/settings.json)")
	fmt.Fprintf(w, `  {
    "mcpServers": {
      "postgres": {
        "httpUrl": "%s"
      }
    }
  }
`, url)
	fmt.Fprintln(w)

	// OpenCode
	subheading("OpenCode (opencode.json)")
	fmt.Fprintf(w, `  {
    "mcp": {
      "postgres": {
        "type": "remote",
        "url": "%s"
      }
    }
  }
`, url)
	fmt.Fprintln(w)

	// Cursor
	subheading("Cursor (.cursor/mcp.json)")
	fmt.Fprintf(w, `  {
    "mcpServers": {
      "postgres": {
        "url": "%s"
      }
    }
  }
`, url)
	fmt.Fprintln(w)

	// Windsurf
	subheading("Windsurf (~/.codeium/windsurf/mcp_config.json)")
	fmt.Fprintf(w, `  {
    "mcpServers": {
      "postgres": {
        "serverUrl": "%s"
      }
    }
  }
`, url)
}
