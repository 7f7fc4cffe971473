// chaincheck verifies an exported audit chain file: linkage integrity plus a
// per-link summary. Exit code 1 means the chain does not verify.
package main

import (
	"fmt"
	"os"

	"github.com/buildguard/backend/internal/audit"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: chaincheck <chain.json>")
		os.Exit(2)
	}

	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", os.Args[1], err)
		os.Exit(2)
	}

	chain, err := audit.ImportJSON(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse chain: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("\033[96mAudit Chain Verification — project %s\033[0m\n", chain.ProjectID)
	fmt.Println("---------------------------------------------------------")
	for i, link := range chain.ChainLinks {
		target := string(link.TargetAgent)
		if target == "" {
			target = "(terminal)"
		}
		fmt.Printf("  %d. %-8s → %-10s  %s  %s\n",
			i+1, link.SourceAgent, target, shortHash(link.DecisionHash), link.TransitionReason)
	}
	fmt.Println("---------------------------------------------------------")
	fmt.Printf("  links: %d   outcome: %s   cost: $%.6f   duration: %.2fs\n",
		chain.Len(), chain.Outcome, chain.TotalCostUSD, chain.ProcessingTimeSeconds)

	if err := chain.VerifyIntegrity(); err != nil {
		fmt.Printf("\033[31m[FAIL]\033[0m %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\033[32m[OK]\033[0m chain integrity verified")
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
