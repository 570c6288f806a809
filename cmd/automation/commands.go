package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenilsonani/mail-automation/internal/account"
	"github.com/fenilsonani/mail-automation/internal/api"
	"github.com/fenilsonani/mail-automation/internal/automation"
	"github.com/fenilsonani/mail-automation/internal/rules"
	"github.com/fenilsonani/mail-automation/internal/setup"
	"github.com/fenilsonani/mail-automation/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		version, err := db.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Database at schema version %d\n", version)
		return nil
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Claim and enqueue due automation jobs once",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		e, err := buildEngine(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer e.Close()

		counts, err := e.scheduler.Tick(cmd.Context(), time.Now())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(counts)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("automation v0.1.0")
	},
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage accounts",
}

var (
	accountName   string
	accountAI     bool
	accountOptIns []string
)

var accountAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Add an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		a := &account.Account{Email: args[0], Name: accountName, AIAccess: accountAI, OptIns: accountOptIns}
		if err := account.NewStore(db).Create(cmd.Context(), a); err != nil {
			return fmt.Errorf("failed to create account: %w", err)
		}
		fmt.Printf("Account %s created (id %s)\n", a.Email, a.ID)
		return nil
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage rules",
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <account-email> <file>",
	Short: "Create or update an account's rules from a YAML file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()

		doc, err := rules.ParseFile(f)
		if err != nil {
			return err
		}

		db, acct, err := openAccount(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		res, err := rules.NewStore(db).Import(cmd.Context(), acct.ID, doc)
		if err != nil {
			return err
		}
		fmt.Printf("Imported rules for %s: %d created, %d updated\n", acct.Email, res.Created, res.Updated)
		return nil
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list <account-email>",
	Short: "List an account's rules in evaluation order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, acct, err := openAccount(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		list, err := rules.NewStore(db).List(cmd.Context(), acct.ID)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No rules found")
			return nil
		}

		fmt.Printf("%-4s %-30s %-8s %-9s %s\n", "POS", "NAME", "ENABLED", "AUTOMATE", "ACTIONS")
		fmt.Println(strings.Repeat("-", 80))
		for _, r := range list {
			types := make([]string, len(r.Actions))
			for i, a := range r.Actions {
				types[i] = string(a.Type)
			}
			fmt.Printf("%-4d %-30s %-8t %-9t %s\n", r.Position, r.Name, r.Enabled, r.Automate, strings.Join(types, ","))
		}
		return nil
	},
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage automation jobs",
}

var (
	jobName   string
	jobCron   string
	jobPrompt string
)

var jobAddCmd = &cobra.Command{
	Use:   "add <account-email>",
	Short: "Schedule a check-in job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, acct, err := openAccount(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		j := &automation.Job{
			AccountID:      acct.ID,
			Name:           jobName,
			Type:           automation.JobCheckIn,
			CronExpression: jobCron,
			Prompt:         jobPrompt,
			Enabled:        true,
		}
		if err := automation.NewStore(db).Create(cmd.Context(), j, time.Now()); err != nil {
			return err
		}
		fmt.Printf("Job %s created, first run at %s\n", j.ID, j.NextRunAt.Local().Format(time.RFC1123))
		return nil
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list <account-email>",
	Short: "List an account's automation jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, acct, err := openAccount(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		jobs, err := automation.NewStore(db).List(cmd.Context(), acct.ID)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs found")
			return nil
		}

		fmt.Printf("%-36s %-20s %-15s %-8s %s\n", "ID", "NAME", "CRON", "ENABLED", "NEXT RUN")
		fmt.Println(strings.Repeat("-", 110))
		for _, j := range jobs {
			fmt.Printf("%-36s %-20s %-15s %-8t %s\n", j.ID, j.Name, j.CronExpression, j.Enabled,
				j.NextRunAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var jobEnableCmd = &cobra.Command{
	Use:   "enable <job-id>",
	Short: "Resume a job from its next occurrence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setJobEnabled(cmd.Context(), args[0], true)
	},
}

var jobDisableCmd = &cobra.Command{
	Use:   "disable <job-id>",
	Short: "Pause a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setJobEnabled(cmd.Context(), args[0], false)
	},
}

func setJobEnabled(ctx context.Context, id string, enabled bool) error {
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := automation.NewStore(db).SetEnabled(ctx, id, enabled, time.Now()); err != nil {
		return err
	}
	fmt.Printf("Job %s enabled=%t\n", id, enabled)
	return nil
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage the trigger API secret",
}

var secretHashCmd = &cobra.Command{
	Use:   "hash <secret>",
	Short: "Print the argon2id hash to store in api.secret_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := api.HashSecret(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func openAccount(ctx context.Context, email string) (*storage.DB, *account.Account, error) {
	db, err := openDB(ctx)
	if err != nil {
		return nil, nil, err
	}
	acct, err := account.NewStore(db).GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("%s: %w", email, err)
	}
	return db, acct, nil
}

func init() {
	accountAddCmd.Flags().StringVar(&accountName, "name", "", "display name")
	accountAddCmd.Flags().BoolVar(&accountAI, "ai", false, "grant AI classification access")
	accountAddCmd.Flags().StringSliceVar(&accountOptIns, "opt-in", nil, "feature opt-ins")

	jobAddCmd.Flags().StringVar(&jobName, "name", "", "job name shown in the email subject")
	jobAddCmd.Flags().StringVar(&jobCron, "cron", "0 9 * * *", "five-field cron expression")
	jobAddCmd.Flags().StringVar(&jobPrompt, "prompt", "", "instructions for the AI summary")
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose configuration, storage, queue and upstream connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		results := setup.RunDoctor(cmd.Context(), cfg, setup.DefaultChecks())
		results.Print(os.Stdout)
		if !results.Healthy {
			return fmt.Errorf("%d checks failed", results.Failed)
		}
		return nil
	},
}
