// Command budgetctl runs maintenance operations against a budgetcore store:
// recomputing totals, printing trees and approvals, and exporting versions
// to the archive.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"budgetcore/internal/blob"
	"budgetcore/internal/core"
	"budgetcore/pkg/domain"
)

var (
	exitFunc    = os.Exit
	openBackend = openFromEnv
)

// backend is an opened service plus the cleanup for its store.
type backend struct {
	svc   *core.Service
	close func() error
}

func main() {
	code := cli(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

type command struct {
	summary string
	run     func(ctx context.Context, svc *core.Service, args []string, stdout, stderr io.Writer) error
}

var commands = map[string]command{
	"recompute": {"recompute the totals of one budget version", runRecompute},
	"tree":      {"print the title tree of one budget", runTree},
	"export":    {"archive one budget version as JSON", runExport},
	"approvals": {"list approval requests", runApprovals},
	"pending":   {"list pending approvals grouped by project", runPending},
}

var errUsage = errors.New("usage")

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	cmd, ok := commands[args[0]]
	if !ok {
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		usage(stderr)
		return 2
	}
	b, err := openBackend(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open backend: %v\n", err)
		return 1
	}
	defer func() {
		if b.close != nil {
			if err := b.close(); err != nil {
				_, _ = fmt.Fprintf(stderr, "close backend: %v\n", err)
			}
		}
	}()
	if err := cmd.run(ctx, b.svc, args[1:], stdout, stderr); err != nil {
		if errors.Is(err, errUsage) {
			return 2
		}
		_, _ = fmt.Fprintf(stderr, "%s failed: %v\n", args[0], err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: budgetctl <command> [flags]")
	for _, name := range []string{"recompute", "tree", "export", "approvals", "pending"} {
		_, _ = fmt.Fprintf(w, "  %-10s %s\n", name, commands[name].summary)
	}
}

func budgetFlag(name string, args []string, stderr io.Writer) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("budget", "", "budget version id")
	if err := parseFlags(fs, args); err != nil {
		return "", err
	}
	if strings.TrimSpace(*id) == "" {
		_, _ = fmt.Fprintf(stderr, "%s: -budget is required\n", name)
		return "", errUsage
	}
	return *id, nil
}

func runRecompute(ctx context.Context, svc *core.Service, args []string, stdout, stderr io.Writer) error {
	id, err := budgetFlag("recompute", args, stderr)
	if err != nil {
		return err
	}
	budget, err := svc.RecomputeBudget(ctx, id)
	if err != nil {
		return err
	}
	return writeJSON(stdout, budget)
}

func runTree(ctx context.Context, svc *core.Service, args []string, stdout, stderr io.Writer) error {
	id, err := budgetFlag("tree", args, stderr)
	if err != nil {
		return err
	}
	tree, err := svc.Tree(ctx, id)
	if err != nil {
		return err
	}
	return writeJSON(stdout, tree)
}

func runExport(ctx context.Context, svc *core.Service, args []string, stdout, stderr io.Writer) error {
	id, err := budgetFlag("export", args, stderr)
	if err != nil {
		return err
	}
	info, err := svc.ExportVersion(ctx, id)
	if errors.Is(err, core.ErrArchiveDisabled) {
		return fmt.Errorf("%w: set BUDGETCORE_BLOB_DRIVER", err)
	}
	if err != nil {
		return err
	}
	return writeJSON(stdout, info)
}

func runApprovals(ctx context.Context, svc *core.Service, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("approvals", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var filter core.ApprovalFilter
	var status, typ string
	fs.StringVar(&filter.ProjectID, "project", "", "project id")
	fs.StringVar(&filter.ParentBudgetID, "group", "", "parent budget id")
	fs.StringVar(&status, "status", "", "PENDING|APPROVED|REJECTED|CANCELLED")
	fs.StringVar(&typ, "type", "", "approval type")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	filter.Status = domain.ApprovalStatus(strings.ToUpper(status))
	filter.Type = domain.ApprovalType(strings.ToUpper(typ))
	list, err := svc.ListApprovals(ctx, filter)
	if err != nil {
		return err
	}
	return writeJSON(stdout, list)
}

func runPending(ctx context.Context, svc *core.Service, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	groups, err := svc.PendingApprovalGroups(ctx)
	if err != nil {
		return err
	}
	return writeJSON(stdout, groups)
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// openFromEnv builds the service from BUDGETCORE_* variables. The archive is
// enabled only when BUDGETCORE_BLOB_DRIVER is set.
func openFromEnv(ctx context.Context) (backend, error) {
	logger, err := core.NewZapLoggerFromConfig(os.Getenv("BUDGETCORE_LOG_LEVEL"), os.Getenv("BUDGETCORE_LOG_FORMAT"))
	if err != nil {
		return backend{}, err
	}
	store, err := core.OpenPersistentStore(ctx, core.NewDefaultRulesEngine())
	if err != nil {
		_ = logger.Sync()
		return backend{}, err
	}
	opts := []core.ServiceOption{
		core.WithLogger(logger),
		core.WithAuditRecorder(core.LoggerAuditRecorder{Logger: logger}),
	}
	if os.Getenv("BUDGETCORE_BLOB_DRIVER") != "" {
		archive, err := blob.Open(ctx)
		if err != nil {
			_ = closeStore(ctx, store)
			return backend{}, err
		}
		opts = append(opts, core.WithArchiveStore(archive))
	}
	return backend{
		svc: core.NewService(store, opts...),
		close: func() error {
			err := closeStore(ctx, store)
			_ = logger.Sync()
			return err
		},
	}, nil
}

func closeStore(ctx context.Context, store domain.PersistentStore) error {
	switch s := store.(type) {
	case interface{ Close(context.Context) error }:
		return s.Close(ctx)
	case io.Closer:
		return s.Close()
	default:
		return nil
	}
}
