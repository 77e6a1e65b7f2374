package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/backlinkoo/linkwatch/internal/utils"
	"github.com/backlinkoo/linkwatch/pkg/storage"
)

// dbCmd represents the db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Interact with the linkwatch database",
}

// shellCmd represents the shell command
var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive shell to the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbFlag, _ := cmd.Flags().GetString("dbpath")
		dbPath, err := utils.ResolveDBPath(dbFlag)
		if err != nil {
			return err
		}

		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return fmt.Errorf("database file not found: %s", dbPath)
		}

		// Check if sqlite3 is in PATH
		sqlitePath, err := exec.LookPath("sqlite3")
		if err != nil {
			return fmt.Errorf("sqlite3 command not found in your PATH. Please install it to use the db shell")
		}

		// Print schema first
		fmt.Println("--> Database schema:")
		schemaCmd := exec.Command(sqlitePath, dbPath, ".schema")
		schemaCmd.Stdout = os.Stdout
		schemaCmd.Stderr = os.Stderr
		if err := schemaCmd.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: couldn't retrieve schema: %v\n", err)
		}
		fmt.Println("\n--> Starting interactive shell... (Ctrl+D to exit)")

		c := exec.Command(sqlitePath, dbPath)
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr

		return c.Run()
	},
}

// dbStatsCmd represents the db stats command
var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Prints row counts and link statuses per campaign.",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbFlag, _ := cmd.Flags().GetString("dbpath")
		dbPath, err := utils.ResolveDBPath(dbFlag)
		if err != nil {
			return err
		}
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return fmt.Errorf("database file not found: %s", dbPath)
		}

		db, err := storage.Open(dbPath)
		if err != nil {
			return err
		}
		defer db.Close()

		tables, err := db.Stats(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "TABLE\tROWS\t")
		for _, t := range tables {
			fmt.Fprintf(w, "%s\t%d\t\n", t.Table, t.Rows)
		}
		w.Flush()

		counts, err := db.CountByStatus(cmd.Context())
		if err != nil {
			return err
		}
		if len(counts) == 0 {
			fmt.Println("\nNo links in the database to generate stats.")
			return nil
		}

		type row struct{ unverified, verified, broken, redirect, removed int }
		var order []string
		byCampaign := make(map[string]*row)
		for _, c := range counts {
			r, ok := byCampaign[c.CampaignID]
			if !ok {
				r = &row{}
				byCampaign[c.CampaignID] = r
				order = append(order, c.CampaignID)
			}
			switch c.Status {
			case storage.StatusUnverified:
				r.unverified += c.Count
			case storage.StatusVerified:
				r.verified += c.Count
			case storage.StatusBroken:
				r.broken += c.Count
			case storage.StatusRedirect:
				r.redirect += c.Count
			case storage.StatusRemoved:
				r.removed += c.Count
			}
		}

		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "CAMPAIGN\tUNVERIFIED\tVERIFIED\tBROKEN\tREDIRECT\tREMOVED\t")
		var total row
		for _, id := range order {
			r := byCampaign[id]
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t\n", id, r.unverified, r.verified, r.broken, r.redirect, r.removed)
			total.unverified += r.unverified
			total.verified += r.verified
			total.broken += r.broken
			total.redirect += r.redirect
			total.removed += r.removed
		}
		fmt.Fprintln(w, " \t \t \t \t \t \t")
		fmt.Fprintf(w, "TOTAL\t%d\t%d\t%d\t%d\t%d\t\n", total.unverified, total.verified, total.broken, total.redirect, total.removed)

		w.Flush()

		return nil
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(shellCmd)
	dbCmd.AddCommand(dbStatsCmd)
}
