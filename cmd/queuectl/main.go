package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"game-download-coordinator/models"
	"game-download-coordinator/storage"
	"game-download-coordinator/utils"
)

var (
	action     = flag.String("action", "", "Action to perform: list, stats, audit, clear, prune, backup, restore, backups")
	configFile = flag.String("config", ".env", "Path to config file")
	backupDir  = flag.String("dir", "backups", "Backup directory")
	backupFile = flag.String("file", "", "Backup file path (for restore)")
	keepDays   = flag.Int("keep", 30, "Backup retention in days (for backup)")
	state      = flag.String("state", "", "Only list tasks in this state (for list)")
	taskID     = flag.String("task", "", "Task id whose audit trail to show (for audit)")
	limit      = flag.Int("limit", 20, "Maximum rows to show")
	olderThan  = flag.Int("older-than", 0, "Prune history older than this many days (default: HISTORY_RETENTION_DAYS)")
	force      = flag.Bool("force", false, "Force operation without confirmation")
)

var (
	okText   = color.New(color.FgGreen).SprintFunc()
	warnText = color.New(color.FgYellow).SprintFunc()
	failText = color.New(color.FgRed).SprintFunc()
)

func main() {
	flag.Parse()

	if *action == "" {
		printUsage()
		os.Exit(1)
	}

	config, err := utils.LoadConfigFile(*configFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	db, err := storage.NewDatabase(config.DatabaseDriver, config.DatabaseTarget())
	if err != nil {
		fmt.Printf("Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	logger := utils.NewDiscardLogger()
	taskStore := storage.NewTaskStore(db)
	audit := storage.NewAuditLogger(db, logger)

	switch *action {
	case "list":
		listTasks(taskStore)
	case "stats":
		showStats(db, taskStore)
	case "audit":
		showAudit(audit)
	case "clear":
		clearHistory(taskStore)
	case "prune":
		pruneHistory(config, taskStore, audit)
	case "backup", "restore", "backups":
		bs, err := storage.NewBackupService(taskStore, audit, *backupDir, time.Duration(*keepDays)*24*time.Hour)
		if err != nil {
			fmt.Printf("Error initializing backup service: %v\n", err)
			os.Exit(1)
		}
		switch *action {
		case "backup":
			executeBackup(bs)
		case "restore":
			executeRestore(bs)
		default:
			listBackups(bs)
		}
	default:
		fmt.Printf("Unknown action: %s\n", *action)
		printUsage()
		os.Exit(1)
	}
}

func listTasks(ts *storage.TaskStore) {
	var (
		tasks []models.Task
		err   error
	)
	if *state != "" {
		s := models.TaskState(*state)
		if !s.Valid() {
			fmt.Printf("Error: unknown state %q\n", *state)
			os.Exit(1)
		}
		tasks, err = ts.ListByState(s, *limit)
	} else {
		tasks, err = ts.ListRecent(*limit)
	}
	if err != nil {
		fmt.Printf("Error listing tasks: %v\n", err)
		os.Exit(1)
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks stored.")
		return
	}

	fmt.Printf("%-12s %-8s %-10s %-10s %-10s %-10s %s\n", "ID", "GAME", "KIND", "REASON", "STATE", "SIZE", "UPDATED")
	fmt.Printf("%s\n", strings.Repeat("-", 84))
	for _, t := range tasks {
		fmt.Printf("%-12s %-8d %-10s %-10s %-10s %-10s %s\n",
			shortID(t.ID),
			t.GameID,
			t.Kind,
			t.Reason,
			colorState(t.State),
			models.FormatBytes(t.TotalSize),
			t.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
		)
		if t.Error != "" {
			fmt.Printf("             %s\n", failText(t.Error))
		}
	}
}

func showStats(db *storage.Database, ts *storage.TaskStore) {
	stats, err := ts.Stats()
	if err != nil {
		fmt.Printf("Error getting task stats: %v\n", err)
		os.Exit(1)
	}
	version, err := db.SchemaVersion()
	if err != nil {
		fmt.Printf("Error reading schema version: %v\n", err)
		os.Exit(1)
	}

	total := 0
	for _, n := range stats {
		total += n
	}

	fmt.Println("📊 Task Statistics")
	fmt.Println(strings.Repeat("=", 40))
	fmt.Printf("Database Driver:      %s\n", db.Driver())
	fmt.Printf("Schema Version:       %d\n", version)
	fmt.Printf("Total Tasks:          %d\n", total)
	for _, s := range []models.TaskState{
		models.StateQueued, models.StateActive, models.StatePaused,
		models.StateFinished, models.StateErroring, models.StateCancelled,
	} {
		fmt.Printf("  %-19s %d\n", string(s)+":", stats[string(s)])
	}

	if done, failed := stats[string(models.StateFinished)], stats[string(models.StateErroring)]; done+failed > 0 {
		rate := float64(done) / float64(done+failed) * 100
		fmt.Printf("Success Rate:         %.1f%%\n", rate)
	}
	if n := stats[string(models.StateActive)]; n > 0 {
		fmt.Printf("\n%s %d task(s) were active when the coordinator last stopped; they resume on restart.\n", warnText("⚠️"), n)
	}
}

func showAudit(audit *storage.AuditLogger) {
	var (
		events []*storage.AuditEvent
		err    error
	)
	if *taskID != "" {
		events, err = audit.History(*taskID)
	} else {
		events, err = audit.Recent(*limit)
	}
	if err != nil {
		fmt.Printf("Error reading audit log: %v\n", err)
		os.Exit(1)
	}

	if len(events) == 0 {
		fmt.Println("No audit events.")
		return
	}

	fmt.Printf("%-20s %-12s %-8s %-16s %s\n", "TIME", "TASK", "GAME", "ACTION", "TRANSITION")
	fmt.Printf("%s\n", strings.Repeat("-", 80))
	for _, ev := range events {
		transition := ev.NewState
		if ev.OldState != "" {
			transition = ev.OldState + " → " + ev.NewState
		}
		fmt.Printf("%-20s %-12s %-8d %-16s %s\n",
			ev.Timestamp.Local().Format("2006-01-02 15:04:05"),
			shortID(ev.TaskID),
			ev.GameID,
			ev.Action,
			transition,
		)
		if ev.Details != "" {
			fmt.Printf("%52s%s\n", "", ev.Details)
		}
	}
}

func clearHistory(ts *storage.TaskStore) {
	if !confirm("⚠️  This removes every finished, failed and cancelled task. Stop the coordinator first.") {
		fmt.Println("Clear cancelled.")
		return
	}

	n, err := ts.DeleteTerminal()
	if err != nil {
		fmt.Printf("Error clearing history: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s Removed %d history task(s)\n", okText("✅"), n)
}

func pruneHistory(config *utils.Config, ts *storage.TaskStore, audit *storage.AuditLogger) {
	days := *olderThan
	if days <= 0 {
		days = config.HistoryRetentionDays
	}
	if days <= 0 {
		fmt.Println("Error: no retention configured, pass -older-than")
		os.Exit(1)
	}
	if !confirm(fmt.Sprintf("⚠️  This removes history and audit rows older than %d days.", days)) {
		fmt.Println("Prune cancelled.")
		return
	}

	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	tasks, err := ts.PruneBefore(cutoff)
	if err != nil {
		fmt.Printf("Error pruning tasks: %v\n", err)
		os.Exit(1)
	}
	events, err := audit.PruneBefore(cutoff)
	if err != nil {
		fmt.Printf("Error pruning audit log: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s Pruned %d task(s) and %d audit event(s)\n", okText("✅"), tasks, events)
}

func executeBackup(bs *storage.BackupService) {
	fmt.Println("Creating task backup...")
	res, err := bs.CreateBackup()
	if err != nil {
		fmt.Printf("Error creating backup: %v\n", err)
		os.Exit(1)
	}
	info, err := os.Stat(res.Path)
	if err != nil {
		fmt.Printf("Error getting backup file info: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s Backup created successfully!\n", okText("✅"))
	fmt.Printf("   File:   %s\n", res.Path)
	fmt.Printf("   Size:   %s\n", models.FormatBytes(info.Size()))
	fmt.Printf("   Tasks:  %d\n", res.Tasks)
	fmt.Printf("   Events: %d\n", res.Events)

	removed, err := bs.CleanupOldBackups()
	if err != nil {
		fmt.Printf("%s Cleanup of old backups failed: %v\n", warnText("⚠️"), err)
	} else if removed > 0 {
		fmt.Printf("   Removed %d backup(s) older than %d days\n", removed, *keepDays)
	}
}

func executeRestore(bs *storage.BackupService) {
	if *backupFile == "" {
		fmt.Println("Error: backup file must be specified with -file flag")
		os.Exit(1)
	}
	if _, err := os.Stat(*backupFile); os.IsNotExist(err) {
		fmt.Printf("Error: backup file does not exist: %s\n", *backupFile)
		os.Exit(1)
	}
	if !confirm(fmt.Sprintf("⚠️  This overwrites stored tasks with the ones in %s. Stop the coordinator first.", *backupFile)) {
		fmt.Println("Restore cancelled.")
		return
	}

	res, err := bs.RestoreFromBackup(*backupFile)
	if err != nil {
		fmt.Printf("Error restoring backup: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s Restored %d task(s) and %d audit event(s) from %s\n", okText("✅"), res.Tasks, res.Events, *backupFile)
}

func listBackups(bs *storage.BackupService) {
	backups, err := bs.ListBackups()
	if err != nil {
		fmt.Printf("Error listing backups: %v\n", err)
		os.Exit(1)
	}
	if len(backups) == 0 {
		fmt.Printf("No backups found in directory: %s\n", *backupDir)
		return
	}

	fmt.Printf("Found %d backup(s) in %s:\n\n", len(backups), *backupDir)
	fmt.Printf("%-40s %-12s %s\n", "NAME", "SIZE", "CREATED")
	fmt.Printf("%s\n", strings.Repeat("-", 74))
	for _, b := range backups {
		fmt.Printf("%-40s %-12s %s\n", b.Name, models.FormatBytes(b.Size), b.Created.Format("2006-01-02 15:04:05"))
	}
}

func confirm(prompt string) bool {
	if *force {
		return true
	}
	fmt.Println(prompt)
	fmt.Print("Are you sure you want to continue? (y/N): ")

	var response string
	fmt.Scanln(&response)
	response = strings.ToLower(response)
	return response == "y" || response == "yes"
}

func colorState(s models.TaskState) string {
	padded := fmt.Sprintf("%-10s", s)
	switch s {
	case models.StateFinished:
		return okText(padded)
	case models.StateErroring:
		return failText(padded)
	case models.StatePaused, models.StateCancelled:
		return warnText(padded)
	}
	return padded
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func printUsage() {
	fmt.Println("Game Download Coordinator - Task Database Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s -action=<action> [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Actions:")
	fmt.Println("  list      List stored tasks")
	fmt.Println("  stats     Show task counts per state")
	fmt.Println("  audit     Show the audit trail")
	fmt.Println("  clear     Remove all finished, failed and cancelled tasks")
	fmt.Println("  prune     Remove history and audit rows past retention")
	fmt.Println("  backup    Export tasks and audit trail to a backup file")
	fmt.Println("  restore   Import a backup file")
	fmt.Println("  backups   List backup files")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Show failed tasks")
	fmt.Printf("  %s -action=list -state=erroring\n", os.Args[0])
	fmt.Println()
	fmt.Println("  # Audit trail of one task")
	fmt.Printf("  %s -action=audit -task=3f2a9c1e-...\n", os.Args[0])
	fmt.Println()
	fmt.Println("  # Prune history older than a week")
	fmt.Printf("  %s -action=prune -older-than=7 -force\n", os.Args[0])
	fmt.Println()
	fmt.Println("  # Restore from a backup")
	fmt.Printf("  %s -action=restore -file=backups/tasks_backup_20240125_120000.jsonl.gz\n", os.Args[0])
}
