// Package setup diagnoses a deployment: configuration, storage, queue and
// upstream reachability.
package setup

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fenilsonani/mail-automation/internal/config"
	"github.com/fenilsonani/mail-automation/internal/mailbox"
	"github.com/fenilsonani/mail-automation/internal/storage"
)

// Check statuses
const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// CheckResult is the outcome of one diagnostic.
type CheckResult struct {
	Name    string
	Status  string
	Message string
	Help    string
}

// Check runs one diagnostic against the configuration.
type Check func(ctx context.Context, cfg *config.Config) CheckResult

// DoctorResults contains all doctor check results
type DoctorResults struct {
	Checks  []CheckResult
	Passed  int
	Failed  int
	Warned  int
	Healthy bool
}

// DefaultChecks are the diagnostics run by the doctor command.
func DefaultChecks() []Check {
	return []Check{
		checkConfig,
		checkDatabase,
		checkRedis,
		checkRelay,
		checkDKIM,
		checkAI,
		checkAPISecret,
		checkHealthEndpoint,
	}
}

// RunDoctor runs checks in order and tallies the results.
func RunDoctor(ctx context.Context, cfg *config.Config, checks []Check) *DoctorResults {
	results := &DoctorResults{}
	for _, check := range checks {
		result := check(ctx, cfg)
		results.Checks = append(results.Checks, result)

		switch result.Status {
		case StatusPass:
			results.Passed++
		case StatusFail:
			results.Failed++
		case StatusWarn:
			results.Warned++
		}
	}
	results.Healthy = results.Failed == 0
	return results
}

// Print writes the results for a terminal.
func (r *DoctorResults) Print(w io.Writer) {
	fmt.Fprintln(w, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(w, "                    HEALTH CHECK")
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(w)

	for _, check := range r.Checks {
		icon, color := "✓", "\033[32m"
		switch check.Status {
		case StatusFail:
			icon, color = "✗", "\033[31m"
		case StatusWarn:
			icon, color = "!", "\033[33m"
		}

		fmt.Fprintf(w, "%s%s\033[0m %s\n", color, icon, check.Name)
		if check.Message != "" {
			fmt.Fprintf(w, "  %s\n", check.Message)
		}
		if check.Status != StatusPass && check.Help != "" {
			fmt.Fprintf(w, "  → %s\n", check.Help)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintf(w, "Results: %d passed, %d failed, %d warnings\n", r.Passed, r.Failed, r.Warned)
	if r.Healthy {
		fmt.Fprintln(w, "\033[32m✓ Automation engine is healthy!\033[0m")
	} else {
		fmt.Fprintln(w, "\033[31m✗ Automation engine has issues. Check above.\033[0m")
	}
}

func pass(name, msg string) CheckResult { return CheckResult{Name: name, Status: StatusPass, Message: msg} }
func warn(name, msg, help string) CheckResult {
	return CheckResult{Name: name, Status: StatusWarn, Message: msg, Help: help}
}
func fail(name, msg, help string) CheckResult {
	return CheckResult{Name: name, Status: StatusFail, Message: msg, Help: help}
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if err := cfg.Validate(); err != nil {
		return fail("Configuration", err.Error(), "Fix the setting in config.yaml")
	}
	return pass("Configuration", "All settings are valid")
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	const name = "Database"
	db, err := storage.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fail(name, err.Error(), "Check storage.database_path and directory permissions")
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fail(name, err.Error(), "Check storage.database_path and directory permissions")
	}
	version, err := db.SchemaVersion(ctx)
	if err != nil || version == 0 {
		return warn(name, "Schema not migrated", "Run: automation migrate")
	}
	return pass(name, fmt.Sprintf("Connected, schema version %d", version))
}

func checkRedis(ctx context.Context, cfg *config.Config) CheckResult {
	const name = "Redis Queue"
	opts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		return fail(name, "Invalid queue.redis_url: "+err.Error(), "Use redis://host:port/db")
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fail(name, "Cannot reach "+opts.Addr+": "+err.Error(), "Start Redis or fix queue.redis_url")
	}
	return pass(name, "Connected to "+opts.Addr)
}

func checkRelay(ctx context.Context, cfg *config.Config) CheckResult {
	const name = "SMTP Relay"
	if cfg.SMTP.RelayHost == "" {
		return warn(name, "No relay configured, outbound mail stays in the outbox",
			"Set smtp.relay_host to send replies and check-ins")
	}
	d := net.Dialer{Timeout: config.Duration(cfg.SMTP.ConnectTimeout, 5*time.Second)}
	conn, err := d.DialContext(ctx, "tcp", cfg.SMTP.RelayHost)
	if err != nil {
		return fail(name, "Cannot connect to "+cfg.SMTP.RelayHost+": "+err.Error(), "Check smtp.relay_host and firewall rules")
	}
	conn.Close()
	return pass(name, "Reachable at "+cfg.SMTP.RelayHost)
}

func checkDKIM(ctx context.Context, cfg *config.Config) CheckResult {
	const name = "DKIM Signing"
	if cfg.SMTP.DKIMDomain == "" {
		return warn(name, "Outbound mail is not signed", "Set smtp.dkim_domain and smtp.dkim_key_file")
	}
	if _, err := mailbox.NewDKIMSigner(cfg.SMTP.DKIMDomain, cfg.SMTP.DKIMSelector, cfg.SMTP.DKIMKeyFile); err != nil {
		return fail(name, err.Error(), "Provide a PEM RSA private key readable by the service")
	}
	return pass(name, fmt.Sprintf("Signing as %s._domainkey.%s", cfg.SMTP.DKIMSelector, cfg.SMTP.DKIMDomain))
}

func checkAI(ctx context.Context, cfg *config.Config) CheckResult {
	const name = "AI Classification"
	if !cfg.AI.Enabled {
		return warn(name, "Disabled, rules without static conditions never match",
			"Set ai.enabled and OPENAI_API_KEY")
	}
	if cfg.AI.APIKey == "" {
		return fail(name, "No API key", "Set OPENAI_API_KEY")
	}
	return pass(name, "Using model "+cfg.AI.Model)
}

func checkAPISecret(ctx context.Context, cfg *config.Config) CheckResult {
	const name = "Trigger Authentication"
	if cfg.API.SecretHash == "" {
		return warn(name, "Trigger endpoints accept unauthenticated requests",
			"Run: automation secret hash <secret> and set api.secret_hash")
	}
	return pass(name, "Bearer secret required")
}

func checkHealthEndpoint(ctx context.Context, cfg *config.Config) CheckResult {
	const name = "API Health Endpoint"
	url := "http://" + net.JoinHostPort(cfg.Server.Listen, strconv.Itoa(cfg.Server.Port)) + "/api/health"

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fail(name, err.Error(), "")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return warn(name, "Not responding at "+url, "Start the engine: automation serve")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fail(name, fmt.Sprintf("%s returned %d", url, resp.StatusCode), "Inspect the services listed in the health response")
	}
	return pass(name, "Healthy at "+url)
}
