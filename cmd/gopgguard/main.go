package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "configure":
		if err := runConfigure(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("gopgguard: PostgreSQL safety gate for AI agents")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  gopgguard serve       Start the MCP server")
	fmt.Println("  gopgguard configure   Run interactive configuration wizard")
	fmt.Println("  gopgguard doctor      Check the configuration and print agent snippets")
	fmt.Println("  gopgguard --help      Show this help message")
	fmt.Println()
	fmt.Println("The config file defaults to .gopgguard/config.json; set GOPGGUARD_CONFIG_PATH")
	fmt.Println("to override it. Files ending in .yaml or .yml are read as YAML.")
}
