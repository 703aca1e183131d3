package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/qcollector/backend/internal/application/services"
	"github.com/qcollector/backend/internal/domain/migration"
	"github.com/qcollector/backend/internal/infrastructure/database"
	"github.com/qcollector/backend/internal/infrastructure/persistence"
)

// cliActor is the operator identity recorded when migratectl enqueues or
// rolls back migrations
var cliActor = migration.Actor{
	UserID: "migratectl",
	Name:   "Operations CLI",
	Role:   services.RoleSuperAdmin,
}

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "migratectl",
		Short: "Operations tooling for the field migration system",
		Long:  "migratectl inspects and drives the migration queue, history and backups directly against the database.",
	}

	root.AddCommand(historyCmd())
	root.AddCommand(rollbackCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(backupsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServices() *services.ServiceManager {
	db, err := database.GetInstance()
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	return services.NewServiceManager(db)
}

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <formId>",
		Short: "Show a form's migration history, newest first",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc := newServices()
			records, err := svc.Migration.History(context.Background(), cliActor, args[0], limit, 0)
			if err != nil {
				log.Fatalf("Failed to load history: %v", err)
			}

			if len(records) == 0 {
				fmt.Println("No migrations recorded for this form")
				return
			}
			for _, rec := range records {
				status := "✅"
				if !rec.Success {
					status = "❌"
				}
				fmt.Printf("%s %s  %-13s %-30s %s\n",
					status, rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.Type, rec.ColumnName, rec.ID)
				if rec.ErrorMessage != nil {
					fmt.Printf("      error: %s\n", *rec.ErrorMessage)
				}
			}
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records to show")
	return cmd
}

func rollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <migrationId>",
		Short: "Enqueue the reversing operation for a past migration",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc := newServices()
			jobID, err := svc.Migration.Rollback(context.Background(), cliActor, args[0])
			if err != nil {
				log.Fatalf("Rollback failed: %v", err)
			}
			fmt.Printf("Rollback queued as job %s\n", jobID)
			fmt.Println("The job runs when a server's queue workers pick it up")
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-state job counts for the migration queue",
		Run: func(cmd *cobra.Command, args []string) {
			svc := newServices()
			status, err := svc.Migration.QueueStatus(context.Background(), cliActor)
			if err != nil {
				log.Fatalf("Failed to load queue status: %v", err)
			}

			fmt.Printf("waiting:   %d\n", status.Waiting)
			fmt.Printf("active:    %d\n", status.Active)
			fmt.Printf("delayed:   %d\n", status.Delayed)
			fmt.Printf("completed: %d\n", status.Completed)
			fmt.Printf("failed:    %d\n", status.Failed)
			fmt.Printf("cancelled: %d\n", status.Cancelled)
			fmt.Printf("depth:     %d\n", status.Depth())
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete column backups past their retention window now",
		Run: func(cmd *cobra.Command, args []string) {
			svc := newServices()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			deleted, err := svc.Retention.RunNow(ctx)
			if err != nil {
				log.Fatalf("Sweep failed: %v", err)
			}
			fmt.Printf("Removed %d expired backup(s)\n", deleted)
		},
	}
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backupId>",
		Short: "Write a column backup's snapshot back into its table",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc := newServices()
			restored, err := svc.Migration.RestoreBackup(context.Background(), cliActor, args[0])
			if err != nil {
				log.Fatalf("Restore failed: %v", err)
			}
			fmt.Printf("Restored %d row(s)\n", restored)
		},
	}
}

func backupsCmd() *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "backups <formId>",
		Short: "List a form's column backups",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc := newServices()
			backups, err := svc.Migration.ListBackups(context.Background(), cliActor, args[0], persistence.BackupFilter(filter))
			if err != nil {
				log.Fatalf("Failed to list backups: %v", err)
			}

			if len(backups) == 0 {
				fmt.Println("No backups match the filter")
				return
			}
			now := time.Now()
			for _, b := range backups {
				state := "active"
				if b.Expired(now) {
					state = "expired"
				}
				fmt.Printf("%-8s %s  %-12s %-30s %6d rows  until %s  %s\n",
					state, b.CreatedAt.Format("2006-01-02"), b.Type, b.ColumnName,
					b.RecordCount, b.RetentionUntil.Format("2006-01-02"), b.ID)
			}
		},
	}

	cmd.Flags().StringVar(&filter, "filter", "all", "active, expired or all")
	return cmd
}
