// docscope is the command-line entry point for the document analysis engine.
//
// Subcommands:
//
//	open     create a session for a document
//	query    run an iterative query against a session
//	list     list sessions for the project
//	export   export a session's results as JSON or markdown
//	close    close a session
//	cleanup  delete closed sessions past the retention window
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"docscope/pkg/chunker"
	"docscope/pkg/config"
	"docscope/pkg/export"
	"docscope/pkg/llm"
	"docscope/pkg/logx"
	"docscope/pkg/orchestrator"
	"docscope/pkg/store"
	"docscope/pkg/worker"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "open":
		err = cmdOpen(args)
	case "query":
		err = cmdQuery(args)
	case "list":
		err = cmdList(args)
	case "export":
		err = cmdExport(args)
	case "close":
		err = cmdClose(args)
	case "cleanup":
		err = cmdCleanup(args)
	case "version":
		fmt.Printf("docscope %s\n", version)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: docscope <open|query|list|export|close|cleanup|version> [flags]")
}

// loadEnvironment reads the project config and builds the store.
func loadEnvironment(projectDir string) (config.Config, *store.Store, error) {
	cfg, err := config.Load(filepath.Join(projectDir, config.StorageDirName, "config.yaml"))
	if err != nil {
		return cfg, nil, err
	}
	return cfg, store.NewStore(projectDir, cfg.Sessions.MaxPerProject), nil
}

func cmdOpen(args []string) error {
	fs := flag.NewFlagSet("open", flag.ExitOnError)
	projectDir := fs.String("projectdir", ".", "Project directory")
	doc := fs.String("doc", "", "Path to the document to analyze")
	segmentSize := fs.Int("segment-size", 0, "Segment size in characters (default from config)")
	overlap := fs.Int("overlap", -1, "Segment overlap in characters (default from config)")
	strategy := fs.String("strategy", "", "Chunking strategy: fixed, line, boundary")
	materialize := fs.Bool("materialize", false, "Write segment files under the session's chunks/ directory")
	fs.Parse(args)

	if *doc == "" {
		return fmt.Errorf("-doc is required")
	}

	cfg, st, err := loadEnvironment(*projectDir)
	if err != nil {
		return err
	}
	chunk := store.ChunkSettings{
		SegmentSize: cfg.Chunking.SegmentSize,
		Overlap:     cfg.Chunking.Overlap,
		Strategy:    cfg.Chunking.Strategy,
	}
	if *segmentSize > 0 {
		chunk.SegmentSize = *segmentSize
	}
	if *overlap >= 0 {
		chunk.Overlap = *overlap
	}
	if *strategy != "" {
		chunk.Strategy = *strategy
	}

	sess, err := st.CreateSession(*doc, chunk)
	if err != nil {
		return err
	}
	if *materialize {
		content, err := os.ReadFile(sess.DocumentPath)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", sess.DocumentPath, err)
		}
		segments, err := chunker.Chunk(string(content), chunker.Config{
			SegmentSize: chunk.SegmentSize,
			Overlap:     chunk.Overlap,
			Strategy:    chunker.Strategy(chunk.Strategy),
		})
		if err != nil {
			return err
		}
		if err := st.MaterializeChunks(sess.ID, segments); err != nil {
			return err
		}
	}
	fmt.Printf("opened session %s for %s (%d bytes, %d/%d %s)\n",
		sess.ID, sess.DocumentPath, sess.Size, chunk.SegmentSize, chunk.Overlap, chunk.Strategy)
	return nil
}

func cmdQuery(args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	projectDir := fs.String("projectdir", ".", "Project directory")
	sessionID := fs.String("session", "", "Session id")
	query := fs.String("q", "", "Natural-language query")
	iterations := fs.Int("iterations", 0, "Max refinement iterations (default from config)")
	model := fs.String("model", "", "Model override")
	noCache := fs.Bool("no-cache", false, "Disable the judgment cache")
	fs.Parse(args)

	if *sessionID == "" || *query == "" {
		return fmt.Errorf("-session and -q are required")
	}
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}

	cfg, st, err := loadEnvironment(*projectDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := worker.NewRegistry(cfg.Worker, cfg.Analysis.MaxConcurrent)
	defer registry.CloseAll()

	var cache *llm.Cache
	if !*noCache {
		cache, err = llm.OpenCache(filepath.Join(*projectDir, config.StorageDirName, "cache.db"))
		if err != nil {
			logx.Warnf("Judgment cache unavailable, continuing without: %v", err)
		} else {
			defer cache.Close()
		}
	}

	client := llm.NewRetryableClient(llm.NewAnthropicClient(apiKey, cfg.Analysis.Model), llm.DefaultRetryConfig)
	batch := llm.NewBatchClient(client, cache)

	orch := orchestrator.New(st, registry, batch, cfg)
	orch.SetObserver(func(event orchestrator.Event) {
		switch event.Type {
		case orchestrator.EventIterationStart:
			fmt.Fprintf(os.Stderr, "iteration %d: %s\n", event.Iteration, event.Message)
		case orchestrator.EventChunksFound:
			fmt.Fprintf(os.Stderr, "  %d candidate segments\n", event.ChunksFound)
		case orchestrator.EventIterationComplete:
			fmt.Fprintf(os.Stderr, "  %d new findings\n", event.NewFindings)
		case orchestrator.EventProgress:
			fmt.Fprintf(os.Stderr, "  %.0f%% %s\n", event.Progress*100, event.Message)
		}
	})

	result, err := orch.ExecuteQuery(ctx, *sessionID, *query, orchestrator.QueryOptions{
		MaxIterations: *iterations,
		Model:         *model,
	})
	if err != nil {
		return err
	}

	sess, err := st.GetSession(*sessionID)
	if err != nil {
		return err
	}
	return export.Markdown(os.Stdout, sess, []*store.QueryResult{result})
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	projectDir := fs.String("projectdir", ".", "Project directory")
	fs.Parse(args)

	_, st, err := loadEnvironment(*projectDir)
	if err != nil {
		return err
	}

	sessions := st.ListSessions()
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tDOCUMENT\tLAST ACCESSED")
	for _, sess := range sessions {
		doc := sess.RelativePath
		if doc == "" {
			doc = sess.DocumentPath
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", sess.ID, sess.State, doc, sess.LastAccessedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func cmdExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	projectDir := fs.String("projectdir", ".", "Project directory")
	sessionID := fs.String("session", "", "Session id")
	format := fs.String("format", "markdown", "Export format: json or markdown")
	out := fs.String("out", "", "Output file (default stdout)")
	truncate := fs.Int("truncate-excerpts", 0, "Cap excerpt length in JSON export (0 = full)")
	fs.Parse(args)

	if *sessionID == "" {
		return fmt.Errorf("-session is required")
	}

	_, st, err := loadEnvironment(*projectDir)
	if err != nil {
		return err
	}
	sess, err := st.GetSession(*sessionID)
	if err != nil {
		return err
	}
	results, err := st.ListQueryResults(*sessionID)
	if err != nil {
		return err
	}

	dest := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", *out, err)
		}
		defer f.Close()
		dest = f
	}

	switch *format {
	case "json":
		return export.JSON(dest, sess, results, export.Options{TruncateExcerpts: *truncate})
	case "markdown":
		return export.Markdown(dest, sess, results)
	default:
		return fmt.Errorf("unknown format %q", *format)
	}
}

func cmdClose(args []string) error {
	fs := flag.NewFlagSet("close", flag.ExitOnError)
	projectDir := fs.String("projectdir", ".", "Project directory")
	sessionID := fs.String("session", "", "Session id")
	fs.Parse(args)

	if *sessionID == "" {
		return fmt.Errorf("-session is required")
	}
	_, st, err := loadEnvironment(*projectDir)
	if err != nil {
		return err
	}
	if err := st.CloseSession(*sessionID); err != nil {
		return err
	}
	fmt.Printf("closed session %s\n", *sessionID)
	return nil
}

func cmdCleanup(args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	projectDir := fs.String("projectdir", ".", "Project directory")
	retentionDays := fs.Int("retention-days", 0, "Retention window in days (default from config)")
	fs.Parse(args)

	cfg, st, err := loadEnvironment(*projectDir)
	if err != nil {
		return err
	}
	days := cfg.Sessions.RetentionDays
	if *retentionDays > 0 {
		days = *retentionDays
	}

	removed, err := st.CleanupExpired(days)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d expired session(s)\n", removed)
	return nil
}
