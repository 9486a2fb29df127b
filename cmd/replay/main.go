package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/quorumtrade/trading-core/internal/ledger"
)

// replay inspects a decision ledger offline: list decisions in a window,
// filter by confidence, and verify integrity hashes.

func main() {
	log.SetFlags(0)

	path := flag.String("ledger", "data/ledger.jsonl", "path to the ledger file")
	fromFlag := flag.String("from", "", "window start (RFC3339), default 24h ago")
	toFlag := flag.String("to", "", "window end (RFC3339), default now")
	minConf := flag.Float64("min-confidence", 0, "only show decisions at or above this confidence")
	verify := flag.Bool("verify", false, "recompute integrity hashes and report mismatches")
	flag.Parse()

	now := time.Now().UTC()
	from := now.Add(-24 * time.Hour)
	to := now
	var err error
	if *fromFlag != "" {
		if from, err = time.Parse(time.RFC3339, *fromFlag); err != nil {
			log.Fatalf("parse -from: %v", err)
		}
	}
	if *toFlag != "" {
		if to, err = time.Parse(time.RFC3339, *toFlag); err != nil {
			log.Fatalf("parse -to: %v", err)
		}
	}

	l, err := ledger.Open(*path, 0)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer l.Close()

	if *verify {
		bad := l.Verify()
		if len(bad) == 0 {
			fmt.Println(`{"integrity":"ok"}`)
		} else {
			out, _ := json.Marshal(map[string]any{"integrity": "mismatch", "decision_ids": bad})
			fmt.Println(string(out))
			os.Exit(1)
		}
		return
	}

	for _, d := range l.QueryDecisions(from, to, *minConf) {
		line, err := json.Marshal(d)
		if err != nil {
			log.Fatalf("marshal decision %s: %v", d.DecisionID, err)
		}
		fmt.Println(string(line))
	}
}
