package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/app"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/indexes"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/planner"
)

// withManager connects to the configured database for a one-shot command.
// Logs stay at warn unless --log-level says otherwise, so command output is
// not interleaved with startup noise.
func (cli *CLI) withManager(configPath, logLevel string, fn func(ctx context.Context, m *app.Manager) error) error {
	cfg, err := cli.loadConfig(configPath)
	if err != nil {
		return err
	}

	if logLevel == "" {
		logLevel = "warn"
	}
	cfg.Logging.OutputPath = "stderr"
	logger, err := app.NewLogger(cfg.Logging, logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager, err := app.NewManager(ctx, cfg, logger,
		app.WithConfigPath(configPath),
		app.WithVersion(Version),
		app.WithoutEventSinks())
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	defer manager.Close(context.Background())

	return fn(ctx, manager)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (cli *CLI) indexesCommand(args []string) error {
	if len(args) == 0 || wantsHelp(args[:1]) {
		cli.printIndexesHelp()
		return nil
	}

	sub := args[0]
	var configPath, logLevel, table, names, name, asJSON, confirm string

	flags := map[string]*string{
		"config":    &configPath,
		"log-level": &logLevel,
		"table":     &table,
		"names":     &names,
		"name":      &name,
		"json":      &asJSON,
		"yes":       &confirm,
	}

	remaining := cli.parseFlags(args[1:], flags)
	if wantsHelp(remaining) {
		cli.printIndexesHelp()
		return nil
	}

	switch sub {
	case "list":
		return cli.withManager(configPath, logLevel, func(ctx context.Context, m *app.Manager) error {
			descriptors, err := m.Indexes().DescribeIndexes(ctx, table)
			if err != nil {
				return err
			}
			if asJSON == "true" {
				return printJSON(descriptors)
			}
			printDescriptors(descriptors)
			return nil
		})

	case "recommend":
		return cli.withManager(configPath, logLevel, func(ctx context.Context, m *app.Manager) error {
			recs, err := m.Indexes().Recommend(ctx)
			if err != nil {
				return err
			}
			if asJSON == "true" {
				return printJSON(recs)
			}
			printRecommendations(recs)
			return nil
		})

	case "create":
		list := splitList(names)
		if len(list) == 0 {
			return fmt.Errorf("--names is required (comma-separated required index names)")
		}
		return cli.withManager(configPath, logLevel, func(ctx context.Context, m *app.Manager) error {
			if err := m.Indexes().CreateConcurrently(ctx, list); err != nil {
				return err
			}
			fmt.Printf("✅ Created %d index(es) concurrently: %s\n", len(list), strings.Join(list, ", "))
			return nil
		})

	case "drop":
		if name == "" {
			return fmt.Errorf("--name is required")
		}
		if confirm != "true" {
			return fmt.Errorf("refusing to drop %s without --yes", name)
		}
		return cli.withManager(configPath, logLevel, func(ctx context.Context, m *app.Manager) error {
			if err := m.Indexes().Drop(ctx, name); err != nil {
				return err
			}
			fmt.Printf("✅ Dropped index %s concurrently\n", name)
			return nil
		})

	default:
		fmt.Printf("Unknown indexes subcommand: %s\n\n", sub)
		cli.printIndexesHelp()
		return fmt.Errorf("unknown indexes subcommand: %s", sub)
	}
}

func (cli *CLI) explainCommand(args []string) error {
	var configPath, logLevel, query, compare, index, asJSON string

	flags := map[string]*string{
		"config":    &configPath,
		"log-level": &logLevel,
		"query":     &query,
		"compare":   &compare,
		"index":     &index,
		"json":      &asJSON,
	}

	remaining := cli.parseFlags(args, flags)
	if wantsHelp(remaining) {
		cli.printExplainHelp()
		return nil
	}
	if query == "" {
		return fmt.Errorf("--query is required")
	}

	return cli.withManager(configPath, logLevel, func(ctx context.Context, m *app.Manager) error {
		switch {
		case compare != "":
			cmp, err := m.Analyzer().ComparePlans(ctx, query, compare)
			if err != nil {
				return err
			}
			if asJSON == "true" {
				return printJSON(cmp)
			}
			fmt.Println("BASELINE:")
			printMetrics(cmp.Baseline)
			fmt.Println("\nCANDIDATE:")
			printMetrics(cmp.Candidate)
			if cmp.Faster() {
				fmt.Printf("\n✅ Candidate is %.1f%% faster\n", cmp.ImprovementPercent)
			} else {
				fmt.Printf("\n⚠️  Candidate is not faster\n")
			}
			return nil

		case index != "":
			verdict, err := m.Indexes().ValidateEffectiveness(ctx, index, query)
			if err != nil {
				return err
			}
			if asJSON == "true" {
				return printJSON(verdict)
			}
			fmt.Printf("Index:          %s\n", verdict.Index)
			fmt.Printf("Used:           %t\n", verdict.Used)
			fmt.Printf("Rows Returned:  %d\n", verdict.RowsReturned)
			fmt.Printf("Selectivity:    %.4f\n", verdict.Selectivity)
			fmt.Printf("Execution Time: %.3f ms\n", verdict.ExecutionTimeMs)
			fmt.Printf("Verdict:        %s\n", verdict.Recommendation)
			return nil

		default:
			metrics, err := m.Analyzer().MeasurePerformance(ctx, query)
			if err != nil {
				return err
			}
			if asJSON == "true" {
				return printJSON(metrics)
			}
			printMetrics(metrics)
			return nil
		}
	})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printDescriptors(descriptors []indexes.Descriptor) {
	if len(descriptors) == 0 {
		fmt.Println("No indexes found")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tINDEX\tKIND\tCOLUMNS\tSIZE\tSCANS\tFLAGS")
	for _, d := range descriptors {
		var flags []string
		if d.Primary {
			flags = append(flags, "primary")
		}
		if d.Unique {
			flags = append(flags, "unique")
		}
		if d.ConstraintBacked {
			flags = append(flags, "constraint")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			d.Table, d.Name, d.Kind, strings.Join(d.Columns, ","), formatBytes(d.SizeBytes), d.Scans, strings.Join(flags, ","))
	}
	w.Flush()
}

func printRecommendations(recs []indexes.Recommendation) {
	if len(recs) == 0 {
		fmt.Println("✅ No index changes recommended")
		return
	}
	for i, r := range recs {
		fmt.Printf("%d. [%s] %s %s on %s\n", i+1, r.Impact, strings.ToUpper(string(r.Action)), r.Index, r.Table)
		fmt.Printf("   Reason: %s\n", r.Reason)
		if r.SizeBytes > 0 {
			fmt.Printf("   Size: %s\n", formatBytes(r.SizeBytes))
		}
		fmt.Printf("   SQL: %s\n", r.Statement)
	}
}

func printMetrics(m *planner.PerformanceMetrics) {
	fmt.Printf("  Execution Time: %.3f ms\n", m.ExecutionTimeMs)
	fmt.Printf("  Planning Time:  %.3f ms\n", m.PlanningTimeMs)
	fmt.Printf("  Rows Returned:  %d\n", m.RowsReturned)
	fmt.Printf("  Scan Types:     %s\n", strings.Join(m.ScanTypes, ", "))
	if len(m.IndexesUsed) > 0 {
		fmt.Printf("  Indexes Used:   %s\n", strings.Join(m.IndexesUsed, ", "))
	} else {
		fmt.Printf("  Indexes Used:   none\n")
	}
	fmt.Printf("  Buffer Hits:    %.1f%% (%d hit, %d read)\n", m.BufferHitRatio()*100, m.BufferHits, m.BufferReads)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func (cli *CLI) printIndexesHelp() {
	fmt.Println("USAGE: pgpool-manager indexes <subcommand> [options]")
	fmt.Println("Inspect the index catalog and apply advisory changes.")
	fmt.Println()
	fmt.Println("SUBCOMMANDS:")
	fmt.Println("  list        Describe indexes with usage statistics")
	fmt.Println("  recommend   Report missing required indexes and unused large indexes")
	fmt.Println("  create      Create required indexes with CREATE INDEX CONCURRENTLY")
	fmt.Println("  drop        Drop an index with DROP INDEX CONCURRENTLY")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  --config path      Configuration file path (default: zero-config mode)")
	fmt.Println("  --table name       Limit list to one table")
	fmt.Println("  --names a,b        Required index names to create")
	fmt.Println("  --name index       Index to drop")
	fmt.Println("  --yes              Confirm a drop")
	fmt.Println("  --json             Print JSON instead of a table")
	fmt.Println("  --log-level level  Log level (default: warn)")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  pgpool-manager indexes list --table properties")
	fmt.Println("  pgpool-manager indexes recommend --json")
	fmt.Println("  pgpool-manager indexes create --names idx_properties_price,idx_properties_created_at")
	fmt.Println("  pgpool-manager indexes drop --name idx_properties_legacy --yes")
}

func (cli *CLI) printExplainHelp() {
	fmt.Println("USAGE: pgpool-manager explain --query sql [options]")
	fmt.Println("Run EXPLAIN (ANALYZE, BUFFERS) inside a rolled-back transaction and summarise the plan.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  --config path      Configuration file path (default: zero-config mode)")
	fmt.Println("  --query sql        Statement to measure")
	fmt.Println("  --compare sql      Alternative statement to compare against --query")
	fmt.Println("  --index name       Check whether the plan uses this index and how selective it is")
	fmt.Println("  --json             Print JSON")
	fmt.Println("  --log-level level  Log level (default: warn)")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  pgpool-manager explain --query \"SELECT * FROM properties WHERE price < 500000\"")
	fmt.Println("  pgpool-manager explain --query \"SELECT id FROM properties ORDER BY created_at DESC LIMIT 20\" --index idx_properties_created_at")
}
