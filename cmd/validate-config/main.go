package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/marcelsud/webhook-relay/config"
)

/* validate-config - Standalone CLI tool to validate webhook.yaml
 * Usage: go run cmd/validate-config/main.go [webhook.yaml]
 * Environment overrides apply exactly as they would for the client
 * Exit codes: 0 = valid, 1 = invalid
 */

func main() {
	configFile := config.DefaultFile + ".yaml"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}

	fmt.Printf("Validating config file: %s\n", configFile)
	fmt.Println(strings.Repeat("-", 50))

	fs := pflag.NewFlagSet("validate-config", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse([]string{"--config", configFile}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "VALIDATION FAILED\n\n")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	table, err := cfg.Table()
	if err != nil {
		fmt.Fprintf(os.Stderr, "VALIDATION FAILED\n\nError: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("VALIDATION PASSED\n\n")
	fmt.Printf("Loaded %d destination(s) and %d rule(s)\n", len(table.Destinations()), len(table.Rules()))

	for i, rule := range table.Rules() {
		fmt.Printf("\n%d. Source: %s\n", i+1, rule.Source)
		dest, err := table.Get(rule.Destination)
		if err != nil {
			continue
		}
		fmt.Printf("   Destination: %s\n", dest.Name)
		fmt.Printf("   URL:         %s\n", dest.URL)
		if dest.RateLimit > 0 {
			fmt.Printf("   Rate limit:  %.2f/s\n", dest.RateLimit)
		}
	}

	if cfg.WebhookID == "" {
		fmt.Printf("\nWarning: no webhook_id; the client will wait for one to be selected\n")
	}

	out, err := cfg.YAML()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nResolved configuration:\n\n%s", out)
	os.Exit(0)
}
