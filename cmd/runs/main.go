package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"floodmesh.ai/internal/persistence/indexdb"
)

func main() {
	cmd := "list"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("runs "+cmd, flag.ExitOnError)
	dbPath := fs.String("db", "./runs/index.sqlite", "sqlite results index")
	runID := fs.String("run", "", "run id (required for ticks, cascades, metrics)")
	limit := fs.Int("limit", 20, "result limit (list)")
	action := fs.String("action", "", "cascade action filter: scheduled|applied|suppressed|deduplicated")
	_ = fs.Parse(args)

	r, err := indexdb.OpenReader(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer r.Close()

	if cmd != "list" && strings.TrimSpace(*runID) == "" {
		fmt.Fprintln(os.Stderr, "missing -run")
		os.Exit(2)
	}

	switch cmd {
	case "list":
		rows, err := r.Runs(*limit)
		exitOn("runs", err)
		for _, row := range rows {
			printJSON(row)
		}
	case "ticks":
		rows, err := r.Ticks(*runID)
		exitOn("ticks", err)
		for _, row := range rows {
			row.Snapshot = nil
			printJSON(row)
		}
	case "cascades":
		rows, err := r.Cascades(*runID, *action)
		exitOn("cascades", err)
		for _, row := range rows {
			printJSON(row)
		}
	case "metrics":
		sum, err := r.Summary(*runID)
		exitOn("metrics", err)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(sum)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (list|ticks|cascades|metrics)\n", cmd)
		os.Exit(2)
	}
}

func exitOn(what string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}
