// Package report renders the master table and the chain for the CLI.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/cairn-oracle/cairn/pkg/ledger"
)

// FormatStatus writes the master table as a formatted table, best sources
// first within each category, followed by the per-category rankings.
// Returns the number of sources formatted.
func FormatStatus(w io.Writer, table *ledger.MasterTable) int {
	if len(table.Sources) == 0 {
		fmt.Fprintln(w, "No data sources committed yet")
		return 0
	}

	fmt.Fprintf(w, "Master table at height %d:\n\n", table.Height)
	fmt.Fprintf(w, "%-24s %-16s %-5s %-7s %-8s %s\n",
		"KEY", "CATEGORY", "TIER", "SCORE", "STATUS", "UPDATED")
	fmt.Fprintf(w, "%-24s %-16s %-5s %-7s %-8s %s\n",
		strings.Repeat("-", 24), strings.Repeat("-", 16), "-----", "-------", "--------", "--------")

	for _, category := range sortedCategories(table) {
		for _, key := range table.Rankings[category] {
			entry := table.Sources[key]
			fmt.Fprintf(w, "%-24s %-16s %s %-7.3f %-8s %s\n",
				truncate(key, 24),
				truncate(entry.Category, 16),
				colorTier(entry.Tier),
				entry.Vector.WeightedScore(),
				entry.Status,
				formatAge(entry.UpdatedAtMs),
			)
		}
	}

	countMsg := "source"
	if len(table.Sources) != 1 {
		countMsg = "sources"
	}
	fmt.Fprintf(w, "\n%d %s across %d categories\n", len(table.Sources), countMsg, len(table.Rankings))
	return len(table.Sources)
}

// FormatChain writes one line per block, oldest first. Returns the number of
// blocks formatted.
func FormatChain(w io.Writer, chain []ledger.Block) int {
	if len(chain) == 0 {
		fmt.Fprintln(w, "The chain is empty")
		return 0
	}

	fmt.Fprintf(w, "%-6s %-8s %-10s %-24s %-8s %s\n",
		"INDEX", "TYPE", "HASH", "SUBJECT", "VOTES", "AGE")
	fmt.Fprintf(w, "%-6s %-8s %-10s %-24s %-8s %s\n",
		"------", "--------", "----------", "------------------------", "--------", "--------")

	for _, b := range chain {
		fmt.Fprintf(w, "%-6d %-8s %-10s %-24s %-8d %s\n",
			b.Index,
			b.Delta.Type,
			truncate(b.Hash, 10),
			truncate(blockSubject(&b), 24),
			len(b.Approvals),
			formatAge(b.TimestampMs),
		)
	}

	fmt.Fprintf(w, "\n%d blocks, tip %s\n", len(chain), truncate(chain[len(chain)-1].Hash, 16))
	return len(chain)
}

// FormatChainJSONL writes the chain as line-delimited JSON, one block per
// line, for processing with tools like jq.
func FormatChainJSONL(w io.Writer, chain []ledger.Block) error {
	for i := range chain {
		data, err := json.Marshal(&chain[i])
		if err != nil {
			return fmt.Errorf("failed to marshal block %d: %w", chain[i].Index, err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

func blockSubject(b *ledger.Block) string {
	switch b.Delta.Type {
	case ledger.DeltaAdd:
		if b.Delta.Source != nil {
			return fmt.Sprintf("%s → %s", b.Delta.Source.Key, b.Delta.Source.Tier)
		}
		return ""
	case ledger.DeltaCluster:
		return fmt.Sprintf("%d sources retiered", len(b.Delta.TierChanges))
	default:
		return string(b.Delta.Type)
	}
}

func sortedCategories(table *ledger.MasterTable) []string {
	categories := make([]string, 0, len(table.Rankings))
	for category := range table.Rankings {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	return categories
}

// colorTier pads first so ANSI escapes do not break column alignment.
func colorTier(t ledger.Tier) string {
	padded := fmt.Sprintf("%-5s", t)
	switch t {
	case ledger.TierAPlus:
		return color.New(color.FgGreen, color.Bold).Sprint(padded)
	case ledger.TierA:
		return color.GreenString(padded)
	case ledger.TierB:
		return color.CyanString(padded)
	case ledger.TierC:
		return color.YellowString(padded)
	default:
		return color.RedString(padded)
	}
}

func formatAge(ms int64) string {
	if ms == 0 {
		return "-"
	}
	age := time.Since(time.UnixMilli(ms))
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd", int(age.Hours()/24))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
