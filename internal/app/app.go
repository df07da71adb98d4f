package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "serve":
		return runServe(args[1:])
	case "schedule":
		return runSchedule(args[1:])
	case "run-job":
		return runJob(args[1:])
	case "import-seed":
		return runImportSeed(args[1:])
	case "validate-seed":
		return runValidateSeed(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "toonrank CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  toonrank <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health         Verify database connectivity and migrate the schema")
	fmt.Fprintln(os.Stderr, "  serve          Start the API server and the snapshot scheduler")
	fmt.Fprintln(os.Stderr, "  schedule       Run the snapshot scheduler without the API")
	fmt.Fprintln(os.Stderr, "  run-job        Run one scrape job in the foreground")
	fmt.Fprintln(os.Stderr, "  import-seed    Import a seed catalog JSON array")
	fmt.Fprintln(os.Stderr, "  validate-seed  Validate seed catalog JSON files")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"toonrank <command> -h\" for command-specific flags.")
}
