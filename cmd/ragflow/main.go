// Command ragflow answers a question by orchestrating LLMs and the tool
// services advertised by an MCP registry.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dshills/ragflow-go/agent"
	"github.com/dshills/ragflow-go/config"
	"github.com/dshills/ragflow-go/graph"
	"github.com/dshills/ragflow-go/graph/emit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ragflow:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath     = flag.String("config", "ragflow.yaml", "path to the YAML configuration")
		question       = flag.String("q", "", "the question to answer (required)")
		verbose        = flag.Bool("v", false, "log workflow events to stderr")
		jsonLog        = flag.Bool("json-log", false, "emit workflow events as JSONL instead of text")
		showVisits     = flag.Bool("visits", false, "print the node visit log after the answer")
		showCost       = flag.Bool("cost", false, "print token usage and estimated cost")
		enableMetrics  = flag.Bool("metrics", false, "register Prometheus collectors")
		noSQLBlocking  = flag.Bool("disable-sql-blocking", false, "log SQL violations instead of blocking")
		noDatabases    = flag.Bool("disable-databases", false, "skip the SQL subgraph entirely")
		noPromptStage  = flag.Bool("disable-prompt-stage", false, "plan heuristically instead of via LLM")
		noRespStage    = flag.Bool("disable-response-stage", false, "concatenate documents instead of LLM synthesis")
		maxIterations  = flag.Int("max-iterations", -1, "override the refinement iteration cap (-1 uses config)")
		maxSteps       = flag.Int("max-steps", 0, "override the node-visit budget (0 uses config)")
	)
	flag.Parse()

	if *question == "" {
		flag.Usage()
		return fmt.Errorf("-q is required")
	}

	// Best-effort: a missing .env is not an error.
	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	var opts []agent.Option
	if *verbose {
		format := emit.FormatText
		if *jsonLog {
			format = emit.FormatJSON
		}
		opts = append(opts, agent.WithEmitter(emit.NewLogEmitter(os.Stderr, format)))
	}
	if *enableMetrics {
		opts = append(opts, agent.WithMetrics(graph.NewMetrics(prometheus.DefaultRegisterer)))
	}

	orch, err := agent.New(cfg, opts...)
	if err != nil {
		return err
	}

	flags := agent.RequestFlags{
		DisableSQLBlocking:   *noSQLBlocking,
		DisableDatabases:     *noDatabases,
		DisablePromptStage:   *noPromptStage,
		DisableResponseStage: *noRespStage,
		MaxSteps:             *maxSteps,
	}
	if *maxIterations >= 0 {
		flags.MaxIterations = maxIterations
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := orch.Run(ctx, *question, flags)
	if err != nil {
		return err
	}

	fmt.Println(result.FinalAnswer)

	if *showVisits {
		fmt.Fprintln(os.Stderr, "\nvisits:")
		for _, v := range result.Visits {
			fmt.Fprintf(os.Stderr, "  %2d %-22s %5dms attempts=%d\n", v.Step, v.Node, v.DurationMS, v.Attempts)
		}
	}
	if *showCost {
		fmt.Fprintf(os.Stderr, "\nestimated cost: $%.4f\n", result.CostUSD)
		for model, usage := range result.Usage {
			fmt.Fprintf(os.Stderr, "  %s: %d in / %d out tokens over %d calls ($%.4f)\n",
				model, usage.InputTokens, usage.OutputTokens, usage.Calls, usage.CostUSD)
		}
	}
	return nil
}
