// ABOUTME: Operator CLI for agentready-gateway tokens, delegations and audit log
// ABOUTME: Opens the gateway's SQLite store directly using the gateway config file

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/agentready-gateway/internal/admin"
	"github.com/2389/agentready-gateway/internal/auth"
	"github.com/2389/agentready-gateway/internal/config"
	"github.com/2389/agentready-gateway/internal/store"
)

const banner = `
                         _                        _                 _           _
  __ _  __ _  ___ _ __ | |_      _ __ ___  __ _  __| |_   _       __ _  __| |_ __ ___ (_)_ __
 / _' |/ _' |/ _ \ '_ \| __|____| '__/ _ \/ _' |/ _' | | | |____ / _' |/ _' | '_ ' _ \| | '_ \
| (_| | (_| |  __/ | | | ||_____| | |  __/ (_| | (_| | |_| |____| (_| | (_| | | | | | | | | | |
 \__,_|\__, |\___|_| |_|\__|    |_|  \___|\__,_|\__,_|\__, |     \__,_|\__,_|_| |_| |_|_|_| |_|
       |___/                                          |___/
`

// getConfigPath mirrors agentready-gateway so both binaries read the same file.
func getConfigPath() string {
	if envPath := os.Getenv("AGENTREADY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agentready", "gateway.yaml")
}

// operatorName identifies the person running the CLI in audit entries.
func operatorName() string {
	if name := os.Getenv("AGENTREADY_OPERATOR"); name != "" {
		return name
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return
	}

	svc, closeStore, err := openService()
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
	defer closeStore()

	switch cmd {
	case "tokens":
		err = cmdTokens(ctx, svc, args)
	case "agents":
		err = cmdAgents(ctx, svc, args)
	case "delegations":
		err = cmdDelegations(ctx, svc, args)
	case "audit":
		err = cmdAudit(ctx, svc, args)
	case "session":
		err = cmdSession(ctx, svc, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		closeStore()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		closeStore()
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: agentready-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  tokens                        List active tokens")
	fmt.Println("  tokens list [flags]           List tokens (--kind, --subject, --parent, --all, --limit)")
	fmt.Println("  tokens revoke <id>            Revoke a token and its delegated user tokens")
	fmt.Println("  agents revoke <agent-id>      Revoke every token issued to an agent")
	fmt.Println("  delegations [flags]           List delegation requests (--user, --agent-token, --status, --limit)")
	fmt.Println("  audit [flags]                 Show the audit log (--since, --actor, --action, --target, --limit)")
	fmt.Println("  session create --user <id>    Mint a consent-page session (--ttl, default 1h)")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  AGENTREADY_CONFIG     Gateway config file (default: ~/.config/agentready/gateway.yaml)")
	fmt.Println("  AGENTREADY_DB_PATH    Overrides database.path from the config")
	fmt.Println("  AGENTREADY_OPERATOR   Name recorded in the audit log (default: $USER)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  agentready-admin tokens list --kind agent")
	fmt.Println("  agentready-admin agents revoke shopping-bot")
	fmt.Println("  agentready-admin audit --since 24h --action revoke_token")
	fmt.Println("  agentready-admin session create --user alice --ttl 30m")
	fmt.Println()
}

// openService loads the gateway config and opens its store.
func openService() (*admin.Service, func(), error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Database.Driver == "memory" {
		return nil, nil, errors.New("the gateway uses the memory store; there is nothing to administer offline")
	}

	path := cfg.Database.Path
	if envPath := os.Getenv("AGENTREADY_DB_PATH"); envPath != "" {
		path = envPath
	}

	// Store chatter would interleave with table output.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	slog.SetDefault(logger)

	s, err := store.OpenSQLite(cfg.Database.Driver, path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	sessions := auth.NewJWTVerifier([]byte(cfg.Auth.SessionSecret), "")
	return admin.NewService(s, sessions, logger), func() { _ = s.Close() }, nil
}

// flagSet holds "--name value" and "--name=value" flags. Flags may follow
// positional arguments, which the flag package does not allow.
type flagSet struct {
	values map[string]string
	bools  map[string]bool
	args   []string
}

func parseFlags(args []string, boolFlags ...string) (*flagSet, error) {
	fs := &flagSet{values: map[string]string{}, bools: map[string]bool{}}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			fs.args = append(fs.args, arg)
			continue
		}
		name := strings.TrimPrefix(arg, "--")
		if k, v, ok := strings.Cut(name, "="); ok {
			fs.values[k] = v
			continue
		}
		if slices.Contains(boolFlags, name) {
			fs.bools[name] = true
			continue
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("--%s requires a value", name)
		}
		fs.values[name] = args[i+1]
		i++
	}
	return fs, nil
}

func (fs *flagSet) limit() (int, error) {
	raw, ok := fs.values["limit"]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("--limit must be a positive integer, got %q", raw)
	}
	return n, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("Jan 02 15:04")
}

// cmdTokens handles tokens subcommands
func cmdTokens(ctx context.Context, svc *admin.Service, args []string) error {
	subcmd := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "--") {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		return cmdTokensList(ctx, svc, args)
	case "revoke", "rm":
		if len(args) < 1 {
			return errors.New("usage: tokens revoke <token-id>")
		}
		n, err := svc.RevokeToken(ctx, operatorName(), args[0])
		if err != nil {
			return err
		}
		printRevoked(args[0], n)
		return nil
	default:
		return fmt.Errorf("unknown tokens subcommand: %s (use list, revoke)", subcmd)
	}
}

func cmdTokensList(ctx context.Context, svc *admin.Service, args []string) error {
	fs, err := parseFlags(args, "all")
	if err != nil {
		return err
	}
	limit, err := fs.limit()
	if err != nil {
		return err
	}

	tokens, err := svc.ListTokens(ctx, admin.TokenQuery{
		Kind:           store.TokenKind(fs.values["kind"]),
		Subject:        fs.values["subject"],
		ParentID:       fs.values["parent"],
		IncludeRevoked: fs.bools["all"],
		Limit:          limit,
	})
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Tokens")
	cyan.Println("  ------")

	if len(tokens) == 0 {
		fmt.Println("  (no tokens)")
		fmt.Println()
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tKIND\tSUBJECT\tAGENT\tSCOPES\tEXPIRES\tSTATE")
	fmt.Fprintln(w, "  --\t----\t-------\t-----\t------\t-------\t-----")
	for _, t := range tokens {
		state := color.GreenString("active")
		switch {
		case t.RevokedAt != nil:
			state = color.RedString("revoked")
		case !t.Active(now):
			state = color.YellowString("expired")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(t.ID, 12), t.Kind, truncate(t.Subject, 20), truncate(t.AgentID, 20),
			truncate(store.JoinScopes(t.Scopes), 28), formatTime(&t.ExpiresAt), state)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func printRevoked(target string, n int) {
	green := color.New(color.FgGreen)
	if n == 0 {
		color.Yellow("  %s was already revoked\n", target)
		return
	}
	green.Printf("✓ Revoked %s", target)
	fmt.Printf(" (%d token(s))\n", n)
}

// cmdAgents handles agents subcommands
func cmdAgents(ctx context.Context, svc *admin.Service, args []string) error {
	if len(args) < 2 || args[0] != "revoke" {
		return errors.New("usage: agents revoke <agent-id>")
	}
	n, err := svc.RevokeAgent(ctx, operatorName(), args[1])
	if err != nil {
		return err
	}
	printRevoked("agent "+args[1], n)
	return nil
}

func cmdDelegations(ctx context.Context, svc *admin.Service, args []string) error {
	fs, err := parseFlags(args)
	if err != nil {
		return err
	}
	limit, err := fs.limit()
	if err != nil {
		return err
	}

	requests, err := svc.ListDelegations(ctx, admin.DelegationQuery{
		UserID:       fs.values["user"],
		AgentTokenID: fs.values["agent-token"],
		Status:       store.DelegationStatus(fs.values["status"]),
		Limit:        limit,
	})
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Delegation Requests")
	cyan.Println("  -------------------")

	if len(requests) == 0 {
		fmt.Println("  (no delegation requests)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tAGENT\tUSER\tSCOPES\tSTATUS\tCREATED\tDECIDED")
	fmt.Fprintln(w, "  --\t-----\t----\t------\t------\t-------\t-------")
	for _, r := range requests {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(r.ID, 12), truncate(r.AgentID, 20), truncate(r.UserID, 20),
			truncate(store.JoinScopes(r.Scopes), 28), r.Status, formatTime(&r.CreatedAt), formatTime(r.DecidedAt))
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdAudit(ctx context.Context, svc *admin.Service, args []string) error {
	fs, err := parseFlags(args)
	if err != nil {
		return err
	}
	limit, err := fs.limit()
	if err != nil {
		return err
	}
	var since time.Duration
	if raw, ok := fs.values["since"]; ok {
		since, err = time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("--since: %w", err)
		}
	}

	entries, err := svc.ListAudit(ctx, admin.AuditQuery{
		Since:    since,
		Actor:    fs.values["actor"],
		Action:   store.AuditAction(fs.values["action"]),
		TargetID: fs.values["target"],
		Limit:    limit,
	})
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Audit Log")
	cyan.Println("  ---------")

	if len(entries) == 0 {
		fmt.Println("  (no entries)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tACTOR\tACTION\tTARGET\tDETAIL")
	fmt.Fprintln(w, "  ----\t-----\t------\t------\t------")
	for _, e := range entries {
		detail := ""
		for k, v := range e.Detail {
			if detail != "" {
				detail += " "
			}
			detail += fmt.Sprintf("%s=%v", k, v)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("Jan 02 15:04:05"), truncate(e.Actor, 24), e.Action,
			truncate(e.TargetType+"/"+e.TargetID, 32), truncate(detail, 60))
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdSession(ctx context.Context, svc *admin.Service, args []string) error {
	if len(args) < 1 || args[0] != "create" {
		return errors.New("usage: session create --user <id> [--ttl 1h]")
	}
	fs, err := parseFlags(args[1:])
	if err != nil {
		return err
	}
	userID := fs.values["user"]
	if userID == "" {
		return errors.New("--user is required")
	}
	var ttl time.Duration
	if raw, ok := fs.values["ttl"]; ok {
		ttl, err = time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("--ttl: %w", err)
		}
	}

	sess, err := svc.CreateSession(ctx, operatorName(), userID, ttl)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Printf("✓ Session for %s", sess.UserID)
	fmt.Printf(" (expires %s)\n\n", sess.ExpiresAt.Local().Format("Jan 02 15:04"))
	fmt.Println(sess.Token)
	fmt.Println()
	yellow.Println("  Send it as a Bearer token or the agentready_session cookie when opening /consent/<id>.")
	return nil
}
