// Command castore reads and writes content-addressed table stores kept
// in memory, in a directory, in S3 or in Postgres.
//
//	castore --backend file --path ./blobs --root-file ./root write doc.json
//	castore --config castore.yaml read-rows cakes --where flavor='"lemon"'
//
// Persisted backends keep the manifest link of the current version in
// the root file between invocations. Results are printed as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/jrhy/castore"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := mainImpl(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "castore: %v\n", err)
		os.Exit(1)
	}
}

// env is what a subcommand runs against.
type env struct {
	cfg     config
	backend *backend
	logger  *slog.Logger
	where   []string
	stdin   io.Reader
	stdout  io.Writer
}

type command struct {
	usage string
	nargs int
	// noStore commands don't open a backend.
	noStore bool
	// mutates commands save the root afterwards.
	mutates bool
	run     func(ctx context.Context, e *env, args []string) error
}

var commands = map[string]command{
	"tables":       {usage: "tables", run: runTables},
	"create-table": {usage: "create-table NAME TYPE", nargs: 2, mutates: true, run: runCreateTable},
	"write":        {usage: "write FILE|-", nargs: 1, mutates: true, run: runWrite},
	"read-row":     {usage: "read-row TABLE HASH", nargs: 2, run: runReadRow},
	"read-rows":    {usage: "read-rows TABLE [--where KEY=JSON]...", nargs: 1, run: runReadRows},
	"dump":         {usage: "dump", run: runDump},
	"hash":         {usage: "hash FILE|-", nargs: 1, noStore: true, run: runHash},
	"diff":         {usage: "diff OLD_ROOT", nargs: 1, run: runDiff},
}

func mainImpl(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("castore", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML or JSONC config file")
	logLevel := fs.String("log-level", "warn", "log level (debug, info, warn, error)")
	var flags config
	flags.addFlags(fs)
	where := fs.StringArray("where", nil, "read-rows filter KEY=JSON; a value that isn't JSON is a string")
	fs.Usage = func() { printUsage(stderr, fs) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	logger := newLogger(stderr, level)

	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(stderr, fs)
		return fmt.Errorf("no command given")
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", rest[0])
	}
	if len(rest)-1 != cmd.nargs {
		return fmt.Errorf("usage: castore %s", cmd.usage)
	}

	cfg := defaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = loadConfig(*configPath); err != nil {
			return err
		}
	}
	cfg.override(fs, flags)
	e := &env{cfg: cfg, logger: logger, where: *where, stdin: stdin, stdout: stdout}
	if !cmd.noStore {
		b, err := cfg.open(ctx, logger)
		if err != nil {
			return err
		}
		defer b.close()
		if err := b.store.Ready(ctx); err != nil {
			return err
		}
		e.backend = b
	}
	if err := cmd.run(ctx, e, rest[1:]); err != nil {
		return err
	}
	if cmd.mutates {
		return e.backend.save(logger)
	}
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
		w = colorable.NewColorable(f)
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
	}))
}

func printUsage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintf(w, "usage: castore [flags] COMMAND [ARGS]\n\ncommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
	fmt.Fprintf(w, "\nflags:\n%s", fs.FlagUsages())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// readDocument reads a JSON document, with comments allowed, from the
// named file or from stdin for "-".
func readDocument(e *env, name string) (*castore.Document, error) {
	var data []byte
	var err error
	if name == "-" {
		data, err = io.ReadAll(e.stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	var doc castore.Document
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &doc, nil
}

// parseWhere turns KEY=JSON arguments into a read-rows filter.
func parseWhere(args []string) (map[string]any, error) {
	where := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--where %q: want KEY=VALUE", arg)
		}
		if _, dup := where[key]; dup {
			return nil, fmt.Errorf("--where %q: key repeated", key)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		where[key] = v
	}
	return where, nil
}

func runTables(ctx context.Context, e *env, args []string) error {
	names, err := e.backend.store.Tables(ctx)
	if err != nil {
		return err
	}
	if names == nil {
		names = []string{}
	}
	return printJSON(e.stdout, names)
}

func runCreateTable(ctx context.Context, e *env, args []string) error {
	return e.backend.store.CreateTable(ctx, args[0], castore.ContentType(args[1]))
}

func runWrite(ctx context.Context, e *env, args []string) error {
	doc, err := readDocument(e, args[0])
	if err != nil {
		return err
	}
	if err := e.backend.store.Write(ctx, doc); err != nil {
		return err
	}
	dump, err := e.backend.store.Dump(ctx)
	if err != nil {
		return err
	}
	return printJSON(e.stdout, map[string]string{"_hash": dump.Hash})
}

func runReadRow(ctx context.Context, e *env, args []string) error {
	doc, err := e.backend.store.ReadRow(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	return printJSON(e.stdout, doc)
}

func runReadRows(ctx context.Context, e *env, args []string) error {
	where, err := parseWhere(e.where)
	if err != nil {
		return err
	}
	doc, err := e.backend.store.ReadRows(ctx, args[0], where)
	if err != nil {
		return err
	}
	return printJSON(e.stdout, doc)
}

func runDump(ctx context.Context, e *env, args []string) error {
	doc, err := e.backend.store.Dump(ctx)
	if err != nil {
		return err
	}
	return printJSON(e.stdout, doc)
}

func runHash(ctx context.Context, e *env, args []string) error {
	doc, err := readDocument(e, args[0])
	if err != nil {
		return err
	}
	digest, err := castore.ParseDigest(e.cfg.Digest)
	if err != nil {
		return err
	}
	hashed, err := castore.HashDocument(castore.NewHasher(digest), doc)
	if err != nil {
		return err
	}
	return printJSON(e.stdout, hashed)
}

// runDiff prints one line per row added since the given root, prefixed
// with "+", and per row removed, prefixed with "-".
func runDiff(ctx context.Context, e *env, args []string) error {
	if e.backend.persisted == nil {
		return fmt.Errorf("diff needs a persisted backend")
	}
	var old *castore.PersistedStore
	if args[0] != "" {
		link := args[0]
		var err error
		old, err = (&castore.Root{Link: &link}).LoadStore(e.backend.remote)
		if err != nil {
			return err
		}
	}
	return e.backend.persisted.DiffIter(ctx, old, func(added, removed bool, table string, row castore.Row) (bool, error) {
		b, err := json.Marshal(row)
		if err != nil {
			return false, err
		}
		sign := "+"
		if removed {
			sign = "-"
		}
		_, err = fmt.Fprintf(e.stdout, "%s %s %s\n", sign, table, b)
		return err == nil, err
	})
}
