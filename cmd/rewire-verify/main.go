// Command rewire-verify runs the offline invariant probe against a Rewire
// database and reports each check. Exits non-zero when any check fails.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rewire/rewire/internal/invariants"
	"github.com/rewire/rewire/internal/store"
)

func main() {
	log.SetFlags(0)

	dbPath := flag.String("db", "", "SQLite database path")
	verbose := flag.Bool("v", false, "show passing checks too")
	flag.Parse()

	if *dbPath == "" {
		log.Fatal("rewire-verify: -db is required")
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("rewire-verify: %v", err)
	}
	defer st.Close()

	probe := invariants.New(st, func() int64 { return time.Now().Unix() })
	passed, failed, results, err := probe.CheckAll(context.Background())
	if err != nil {
		log.Fatalf("rewire-verify: %v", err)
	}

	fmt.Printf("Invariant check: %d passed, %d failed\n", passed, failed)
	for _, r := range results {
		if !r.Passed || *verbose {
			status := "PASS"
			if !r.Passed {
				status = "FAIL"
			}
			fmt.Printf("  [%s] %s: %s\n", status, r.Name, r.Message)
			if ev := r.EvidenceJSON(); ev != "" {
				fmt.Printf("         evidence: %s\n", ev)
			}
		}
	}

	if failed > 0 {
		os.Exit(1)
	}
}
