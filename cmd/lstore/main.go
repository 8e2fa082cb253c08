// Command lstore is an interactive shell and small set of maintenance
// subcommands over an L-Store-style column-oriented database directory.
//
// Usage:
//
//	lstore shell <db-dir>
//	lstore stats <db-dir>
//
// Shell commands (prefixed by .):
//
//	.help                              Show this help
//	.tables                            List loaded tables
//	.create <table> <cols> <key>       Create a table with <cols> user columns, primary key column <key>
//	.insert <table> <v0> <v1> ...      Insert a row
//	.select <table> <key> <keyCol>     Select by exact key match on column keyCol
//	.update <table> <key> <v0|_> ...   Update; use _ to leave a column unchanged
//	.delete <table> <key>              Delete by primary key
//	.sum <table> <start> <end> <col>   Sum column over a primary key range
//	.index <table> <col>               Create a secondary index on col
//	.quit / .exit                      Leave the shell
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Felmond13/lstoredb/config"
	"github.com/Felmond13/lstoredb/db"
	"github.com/Felmond13/lstoredb/query"
	"github.com/Felmond13/lstoredb/table"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "lstore",
		Short: "A column-oriented storage engine shell and maintenance CLI",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to an ini config file (defaults used if omitted)")
	root.AddCommand(shellCmd(), statsCmd(), loadCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lstore: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell <db-dir>",
		Short: "Open a database directory and start an interactive shell",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runShell(args[0])
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <db-dir>",
		Short: "Print the loaded table names and column counts, then exit",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			database, err := db.Open(args[0], loadConfig(), logrus.StandardLogger())
			if err != nil {
				fmt.Fprintf(os.Stderr, "lstore: %v\n", err)
				os.Exit(1)
			}
			defer database.Close()

			for _, tbl := range database.Tables() {
				fmt.Printf("%s\tcolumns=%d\tkey=%d\n", tbl.Name(), tbl.NumColumns(), tbl.Key())
			}
		},
	}
}

func loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <db-dir> <table> <file>",
		Short: "Bulk-insert comma-separated int64 rows from a file into an existing table",
		Args:  cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			runLoad(args[0], args[1], args[2])
		},
	}
}

func runLoad(path, tableName, file string) {
	database, err := db.Open(path, loadConfig(), logrus.StandardLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "lstore: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	tbl := database.GetTable(tableName)
	if tbl == nil {
		fmt.Fprintf(os.Stderr, "lstore: no such table %q\n", tableName)
		os.Exit(1)
	}
	q := query.New(tbl)

	f, err := os.Open(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lstore: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	inserted, failed := 0, 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		values, err := parseInts(strings.Split(line, ","))
		if err != nil {
			fmt.Fprintf(os.Stderr, "lstore: skipping line %q: %v\n", line, err)
			failed++
			continue
		}
		ok, err := q.Insert(values...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lstore: insert failed for %q: %v\n", line, err)
			failed++
			continue
		}
		if !ok {
			failed++
			continue
		}
		inserted++
	}
	fmt.Printf("inserted=%d failed=%d\n", inserted, failed)
}

func runShell(path string) {
	log := logrus.StandardLogger()
	database, err := db.Open(path, loadConfig(), log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lstore: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	fmt.Printf("lstore shell — %s\n", path)
	fmt.Println("Type .help for the command list, .quit to leave.")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("lstore> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, ".") {
			fmt.Println("lstore: commands must start with '.', e.g. .help")
			continue
		}
		if dispatch(database, line) {
			break
		}
	}
}

func dispatch(database *db.Database, line string) (quit bool) {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case ".quit", ".exit":
		return true
	case ".help":
		printHelp()
	case ".tables":
		for _, tbl := range database.Tables() {
			fmt.Println(tbl.Name())
		}
	case ".create":
		cmdCreate(database, args)
	case ".insert":
		cmdInsert(database, args)
	case ".select":
		cmdSelect(database, args)
	case ".update":
		cmdUpdate(database, args)
	case ".delete":
		cmdDelete(database, args)
	case ".sum":
		cmdSum(database, args)
	case ".index":
		cmdIndex(database, args)
	default:
		fmt.Printf("lstore: unknown command %q (try .help)\n", cmd)
	}
	return false
}

func printHelp() {
	fmt.Print(`.tables                            List loaded tables
.create <table> <cols> <key>      Create a table with <cols> user columns, primary key column <key>
.insert <table> <v0> <v1> ...     Insert a row
.select <table> <key> <keyCol>    Select by exact key match on column keyCol
.update <table> <key> <v0|_> ...  Update; use _ to leave a column unchanged
.delete <table> <key>             Delete by primary key
.sum <table> <start> <end> <col>  Sum column over a primary key range
.index <table> <col>              Create a secondary index on col
.quit / .exit                     Leave the shell
`)
}

func cmdCreate(database *db.Database, args []string) {
	if len(args) != 3 {
		fmt.Println("usage: .create <table> <cols> <key>")
		return
	}
	cols, err1 := strconv.Atoi(args[1])
	key, err2 := strconv.Atoi(args[2])
	if err1 != nil || err2 != nil {
		fmt.Println("lstore: <cols> and <key> must be integers")
		return
	}
	if database.CreateTable(args[0], cols, key) == nil {
		fmt.Printf("lstore: table %q already exists\n", args[0])
		return
	}
	fmt.Printf("created table %q (%d columns, key=%d)\n", args[0], cols, key)
}

func resolveQuery(database *db.Database, name string) *query.Query {
	tbl := database.GetTable(name)
	if tbl == nil {
		fmt.Printf("lstore: no such table %q\n", name)
		return nil
	}
	return query.New(tbl)
}

func cmdInsert(database *db.Database, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: .insert <table> <v0> <v1> ...")
		return
	}
	q := resolveQuery(database, args[0])
	if q == nil {
		return
	}
	values, err := parseInts(args[1:])
	if err != nil {
		fmt.Printf("lstore: %v\n", err)
		return
	}
	ok, err := q.Insert(values...)
	if err != nil {
		fmt.Printf("lstore: insert failed: %v\n", err)
		return
	}
	fmt.Println(ok)
}

func cmdSelect(database *db.Database, args []string) {
	if len(args) != 3 {
		fmt.Println("usage: .select <table> <key> <keyCol>")
		return
	}
	q := resolveQuery(database, args[0])
	if q == nil {
		return
	}
	key, err1 := strconv.ParseInt(args[1], 10, 64)
	keyCol, err2 := strconv.Atoi(args[2])
	if err1 != nil || err2 != nil {
		fmt.Println("lstore: <key> and <keyCol> must be integers")
		return
	}
	projected := make([]int, q.Table.NumColumns())
	for i := range projected {
		projected[i] = 1
	}
	records, ok, err := q.Select(key, keyCol, projected)
	if err != nil {
		fmt.Printf("lstore: select failed: %v\n", err)
		return
	}
	if !ok {
		fmt.Println("lstore: invalid key column")
		return
	}
	for _, r := range records {
		fmt.Println(formatRecord(r))
	}
}

func cmdUpdate(database *db.Database, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: .update <table> <key> <v0|_> ...")
		return
	}
	q := resolveQuery(database, args[0])
	if q == nil {
		return
	}
	key, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Println("lstore: <key> must be an integer")
		return
	}
	columns := make([]*int64, len(args)-2)
	for i, raw := range args[2:] {
		if raw == "_" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			fmt.Printf("lstore: column %d is not an integer or '_'\n", i)
			return
		}
		columns[i] = &v
	}
	ok, err := q.Update(key, columns...)
	if err != nil {
		fmt.Printf("lstore: update failed: %v\n", err)
		return
	}
	fmt.Println(ok)
}

func cmdDelete(database *db.Database, args []string) {
	if len(args) != 2 {
		fmt.Println("usage: .delete <table> <key>")
		return
	}
	q := resolveQuery(database, args[0])
	if q == nil {
		return
	}
	key, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Println("lstore: <key> must be an integer")
		return
	}
	ok, err := q.Delete(key)
	if err != nil {
		fmt.Printf("lstore: delete failed: %v\n", err)
		return
	}
	fmt.Println(ok)
}

func cmdSum(database *db.Database, args []string) {
	if len(args) != 4 {
		fmt.Println("usage: .sum <table> <start> <end> <col>")
		return
	}
	q := resolveQuery(database, args[0])
	if q == nil {
		return
	}
	start, err1 := strconv.ParseInt(args[1], 10, 64)
	end, err2 := strconv.ParseInt(args[2], 10, 64)
	col, err3 := strconv.Atoi(args[3])
	if err1 != nil || err2 != nil || err3 != nil {
		fmt.Println("lstore: <start>, <end>, and <col> must be integers")
		return
	}
	total, ok, err := q.Sum(start, end, col)
	if err != nil {
		fmt.Printf("lstore: sum failed: %v\n", err)
		return
	}
	if !ok {
		fmt.Println("no rows matched")
		return
	}
	fmt.Println(total)
}

func cmdIndex(database *db.Database, args []string) {
	if len(args) != 2 {
		fmt.Println("usage: .index <table> <col>")
		return
	}
	q := resolveQuery(database, args[0])
	if q == nil {
		return
	}
	col, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Println("lstore: <col> must be an integer")
		return
	}
	fmt.Println(q.CreateIndex(col))
}

func parseInts(args []string) ([]int64, error) {
	values := make([]int64, len(args))
	for i, raw := range args {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("column %d (%q) is not an integer", i, raw)
		}
		values[i] = v
	}
	return values, nil
}

func formatRecord(r *table.Record) string {
	parts := make([]string, len(r.Columns))
	for i, v := range r.Columns {
		if v == nil {
			parts[i] = "_"
		} else {
			parts[i] = strconv.FormatInt(*v, 10)
		}
	}
	return fmt.Sprintf("rid=%d key=%d [%s]", r.RID, r.Key, strings.Join(parts, ", "))
}
