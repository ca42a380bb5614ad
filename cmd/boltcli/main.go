// Package main provides boltcli, a small Cypher shell exercising the
// driver end to end: run one statement, or an interactive REPL.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	boltdriver "github.com/nornax/bolt-driver"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "boltcli",
		Short: "boltcli - Cypher shell over the Bolt protocol",
	}
	rootCmd.PersistentFlags().String("uri", "bolt://localhost:7687", "Database URI (bolt[+s|+ssc] or neo4j[+s|+ssc] scheme)")
	rootCmd.PersistentFlags().String("user", "neo4j", "Username")
	rootCmd.PersistentFlags().String("password", "", "Password")
	rootCmd.PersistentFlags().String("database", "", "Database name (empty for the home database)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("boltcli v%s\n", version)
		},
	})

	runCmd := &cobra.Command{
		Use:   "run [cypher]",
		Short: "Run one Cypher statement and print its records",
		Args:  cobra.ExactArgs(1),
		RunE:  runOnce,
	}
	rootCmd.AddCommand(runCmd)

	shellCmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive Cypher REPL",
		RunE:  runShell,
	}
	rootCmd.AddCommand(shellCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func openDriver(cmd *cobra.Command) (*boltdriver.Driver, string, error) {
	uri, _ := cmd.Flags().GetString("uri")
	user, _ := cmd.Flags().GetString("user")
	password, _ := cmd.Flags().GetString("password")
	database, _ := cmd.Flags().GetString("database")

	driver, err := boltdriver.NewDriver(uri, boltdriver.BasicAuth(user, password, ""), nil)
	if err != nil {
		return nil, "", err
	}
	return driver, database, nil
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	driver, database, err := openDriver(cmd)
	if err != nil {
		return err
	}
	defer driver.Close(ctx)

	result, err := driver.ExecuteQuery(ctx, args[0], nil, boltdriver.WithDatabase(database))
	if err != nil {
		return err
	}
	printEager(result)
	return nil
}

func runShell(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	driver, database, err := openDriver(cmd)
	if err != nil {
		return err
	}
	defer driver.Close(ctx)

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return err
	}
	fmt.Println("Connected. Type a Cypher statement, or :quit to leave.")

	session := driver.NewSession(boltdriver.SessionConfig{Database: database})
	defer session.Close(ctx)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("cypher> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == ":quit" || line == ":exit" {
			return nil
		}
		result, err := session.Run(ctx, line, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			continue
		}
		printResult(ctx, result)
	}
}

func printEager(result *boltdriver.EagerResult) {
	fmt.Println(strings.Join(result.Keys, "\t"))
	for _, rec := range result.Records {
		printRecord(rec)
	}
	fmt.Printf("(%d records)\n", len(result.Records))
}

func printResult(ctx context.Context, result *boltdriver.Result) {
	fmt.Println(strings.Join(result.Keys(), "\t"))
	n := 0
	for result.Next(ctx) {
		printRecord(result.Record())
		n++
	}
	if err := result.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return
	}
	fmt.Printf("(%d records)\n", n)
}

func printRecord(rec *boltdriver.Record) {
	cells := make([]string, len(rec.Values))
	for i, v := range rec.Values {
		cells[i] = fmt.Sprintf("%v", v)
	}
	fmt.Println(strings.Join(cells, "\t"))
}
