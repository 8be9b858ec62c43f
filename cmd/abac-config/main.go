package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/logger"
	"github.com/oarkflow/abac/stores"
	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "convert":
		err = handleConvert(args)
	case "validate":
		err = handleValidate(args)
	case "stats":
		err = handleStats(args)
	case "apply":
		err = handleApply(args)
	case "sweep":
		err = handleSweep(args)
	case "check":
		err = handleCheck(args)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("abac-config - Configuration tool for the access decision engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  abac-config convert <input> <output>      - Convert between YAML and JSON")
	fmt.Println("  abac-config validate <file>               - Validate configuration")
	fmt.Println("  abac-config stats <file>                  - Show configuration statistics")
	fmt.Println("  abac-config apply <file> --db <path>      - Seed and upsert rules into a SQLite database")
	fmt.Println("  abac-config sweep --db <path>             - Expire overdue break-glass sessions")
	fmt.Println("  abac-config check --db <path> [flags]     - Evaluate one access request")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

// dbFlags are shared by commands that open the rule database.
type dbFlags struct {
	path      string
	redisAddr string
	logFormat string
}

func (f *dbFlags) add(fs *pflag.FlagSet) {
	fs.StringVar(&f.path, "db", "abac.db", "SQLite database path")
	fs.StringVar(&f.redisAddr, "redis", "", "Redis address for the shared rule cache and break-glass notifications")
	fs.StringVar(&f.logFormat, "log-format", "", "Log through log/slog to stderr: text or json (default structured console)")
}

func (f *dbFlags) logger() (logger.Logger, error) {
	switch f.logFormat {
	case "":
		return logger.Default(), nil
	case "text":
		return logger.NewSLogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))), nil
	case "json":
		return logger.NewSLogLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil))), nil
	}
	return nil, fmt.Errorf("unknown log format %q", f.logFormat)
}

func parse(fs *pflag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// backend is an opened database with the stores and engine over it.
type backend struct {
	db       *squealx.DB
	rules    *stores.SQLRuleStore
	sessions *stores.SQLSessionStore
	audit    *stores.SQLAuditStore
	redis    *redis.Client
	log      logger.Logger
	engine   *abac.Engine
}

func openBackend(ctx context.Context, f dbFlags, engineCfg abac.EngineConfig) (*backend, error) {
	log, err := f.logger()
	if err != nil {
		return nil, err
	}
	sqlDB, err := sql.Open("sqlite", f.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.path, err)
	}
	sqlDB.SetMaxOpenConns(1)
	db := squealx.NewDb(sqlDB, "sqlite", "abac")
	if err := stores.Migrate(ctx, db); err != nil {
		sqlDB.Close()
		return nil, err
	}
	b := &backend{
		db:       db,
		rules:    stores.NewSQLRuleStore(db),
		sessions: stores.NewSQLSessionStore(db),
		audit:    stores.NewSQLAuditStore(db),
		log:      log,
	}
	opts, err := engineCfg.Options()
	if err != nil {
		b.close()
		return nil, err
	}
	opts = append(opts, abac.WithLogger(b.log))
	addr := f.redisAddr
	if addr == "" && engineCfg.CacheBackend == abac.CacheBackendRedis {
		addr = engineCfg.RedisAddr
	}
	if addr != "" {
		b.redis = redis.NewClient(&redis.Options{Addr: addr})
		opts = append(opts,
			abac.WithRuleCachePort(stores.NewRedisRuleCache(b.redis)),
			abac.WithNotifier(stores.NewRedisNotifier(b.redis, engineCfg.RedisChannel)),
		)
	}
	b.engine, err = abac.NewEngine(b.rules, b.audit, opts...)
	if err != nil {
		b.close()
		return nil, err
	}
	return b, nil
}

func (b *backend) close() {
	if b.engine != nil {
		b.engine.Close()
	}
	if b.redis != nil {
		b.redis.Close()
	}
	b.db.Close()
}

func handleConvert(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: abac-config convert <input> <output>")
	}
	cfg, err := abac.NewConfigLoader().LoadFile(args[0])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	var data []byte
	switch strings.ToLower(filepath.Ext(args[1])) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported file format: %s", filepath.Ext(args[1]))
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[1], data, 0644); err != nil {
		return err
	}
	fmt.Printf("Converted %s -> %s\n", args[0], args[1])
	return nil
}

func handleValidate(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: abac-config validate <file>")
	}
	cfg, err := abac.NewConfigLoader().LoadFile(args[0])
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Principals: %d\n", len(cfg.Principals))
	fmt.Printf("  Properties: %d\n", len(cfg.Properties))
	fmt.Printf("  Collection rules: %d\n", len(cfg.CollectionRules))
	fmt.Printf("  Property rules: %d\n", len(cfg.PropertyRules))
	return nil
}

func handleStats(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: abac-config stats <file>")
	}
	cfg, err := abac.NewConfigLoader().LoadFile(args[0])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat, _ := os.Stat(args[0]); stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	collections := map[string]int{}
	conditional := 0
	for _, r := range cfg.CollectionRules {
		collections[r.CollectionID]++
		if len(r.Condition) > 0 {
			conditional++
		}
	}
	classified := 0
	gated := 0
	for _, p := range cfg.Properties {
		if p.IsSensitive || p.IsPHI || p.IsPII {
			classified++
		}
		if p.RequiresBreakGlass {
			gated++
		}
	}

	fmt.Println("Components:")
	fmt.Printf("  Collections:       %d\n", len(collections))
	fmt.Printf("  Collection rules:  %d (%d conditional)\n", len(cfg.CollectionRules), conditional)
	fmt.Printf("  Properties:        %d (%d classified, %d break-glass)\n", len(cfg.Properties), classified, gated)
	fmt.Printf("  Property rules:    %d\n", len(cfg.PropertyRules))
	fmt.Printf("  Principals:        %d\n", len(cfg.Principals))
	fmt.Println()

	bg := cfg.BreakGlass.ToConfig()
	fmt.Println("Engine Configuration:")
	fmt.Printf("  Rule cache TTL:        %dms\n", cfg.Engine.RuleCacheTTL)
	fmt.Printf("  Cache backend:         %s\n", cfg.Engine.CacheBackend)
	fmt.Printf("  Audit buffer size:     %d\n", cfg.Engine.AuditBufferSize)
	fmt.Printf("  Break-glass default:   %s\n", bg.DefaultDuration)
	fmt.Printf("  Break-glass max:       %s\n", bg.MaxDuration)
	fmt.Printf("  Approval required for: %s\n", strings.Join(bg.ApprovalRequired, ", "))
	return nil
}

func handleApply(args []string) error {
	var f dbFlags
	var actor string
	fs := pflag.NewFlagSet("apply", pflag.ContinueOnError)
	f.add(fs)
	fs.StringVar(&actor, "actor", "abac-config", "actor recorded on rule mutations")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: abac-config apply <file> --db <path>")
	}
	cfg, err := abac.NewConfigLoader().LoadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	ctx := context.Background()
	b, err := openBackend(ctx, f, cfg.Engine)
	if err != nil {
		return err
	}
	defer b.close()
	if err := b.engine.ApplyConfig(ctx, cfg, actor); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}

	fmt.Printf("Configuration applied successfully\n")
	fmt.Printf("  Properties loaded: %d\n", len(cfg.Properties))
	fmt.Printf("  Collection rules loaded: %d\n", len(cfg.CollectionRules))
	fmt.Printf("  Property rules loaded: %d\n", len(cfg.PropertyRules))
	return nil
}

func handleSweep(args []string) error {
	var f dbFlags
	var interval time.Duration
	fs := pflag.NewFlagSet("sweep", pflag.ContinueOnError)
	f.add(fs)
	fs.DurationVar(&interval, "every", 0, "keep sweeping at this interval until interrupted")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	ctx := context.Background()
	b, err := openBackend(ctx, f, abac.EngineConfig{})
	if err != nil {
		return err
	}
	defer b.close()
	mgr, err := abac.NewBreakGlassManager(b.sessions, b.engine.Emitter(), abac.WithBreakGlassLogger(b.log))
	if err != nil {
		return err
	}
	if interval <= 0 {
		n, err := mgr.ExpireOldSessions(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Expired %d break-glass session(s)\n", n)
		return nil
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	sweeper := abac.NewBreakGlassSweeper(mgr, interval)
	sweeper.Start(ctx)
	<-ctx.Done()
	sweeper.Stop()
	return nil
}

func handleCheck(args []string) error {
	var f dbFlags
	var user abac.UserAccessContext
	var collection, op, record string
	var trace bool
	fs := pflag.NewFlagSet("check", pflag.ContinueOnError)
	f.add(fs)
	fs.StringVar(&user.ID, "user", "", "user id")
	fs.StringSliceVar(&user.RoleIDs, "roles", nil, "role ids")
	fs.StringSliceVar(&user.TeamIDs, "teams", nil, "team ids")
	fs.StringSliceVar(&user.GroupIDs, "groups", nil, "group ids")
	fs.StringVar(&user.Email, "email", "", "user email")
	fs.StringVar(&user.DepartmentID, "department", "", "department id")
	fs.StringVar(&user.LocationID, "location", "", "location id")
	fs.StringVar(&collection, "collection", "", "collection id")
	fs.StringVar(&op, "op", "read", "operation: read, create, update or delete")
	fs.StringVar(&record, "record", "", "record as a JSON object")
	fs.BoolVar(&trace, "trace", false, "include the evaluation trace")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if user.ID == "" || collection == "" {
		return fmt.Errorf("--user and --collection are required")
	}
	req := abac.AccessCheckRequest{
		User:         &user,
		CollectionID: collection,
		Operation:    abac.Operation(op),
		IncludeTrace: trace,
	}
	if record != "" {
		if err := json.Unmarshal([]byte(record), &req.Record); err != nil {
			return fmt.Errorf("parse --record: %w", err)
		}
	}

	ctx := context.Background()
	b, err := openBackend(ctx, f, abac.EngineConfig{})
	if err != nil {
		return err
	}
	defer b.close()
	res, err := b.engine.CheckAccess(ctx, req)
	if err != nil {
		return err
	}
	perms, err := b.engine.GetEffectivePermissions(ctx, collection, &user)
	if err != nil {
		return err
	}
	mgr, err := abac.NewBreakGlassManager(b.sessions, b.engine.Emitter())
	if err != nil {
		return err
	}
	recordID, _ := req.Record["id"].(string)
	session, err := mgr.ActiveSessionFor(ctx, user.ID, collection, recordID)
	if err != nil {
		return err
	}
	perms = abac.ApplyBreakGlassOverride(perms, session, recordID, b.engine.Clock().Now())
	result := map[string]any{"decision": res, "permissions": perms}
	if req.Record != nil && res.Allowed {
		result["record"] = abac.MaskItem(req.Record, perms.Properties)
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
