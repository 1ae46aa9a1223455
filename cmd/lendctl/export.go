package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"cowlend/integrations/exports"
	"cowlend/native/lending"
	"cowlend/storage"
)

func runExport(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(exportCommand, flag.ContinueOnError)
	dbPath := fs.String("db", "data/ledger.db", "lendingd bolt database (opened read-only)")
	format := fs.String("format", string(exports.FormatCSV), "csv, jsonl or parquet")
	outPath := fs.String("out", "", "Output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *outPath == "" {
		return fmt.Errorf("--out is required")
	}
	n, sum, err := exportLoans(*dbPath, exports.Format(strings.ToLower(*format)), *outPath, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Exported %d loans to %s (sha256 %s)\n", n, *outPath, sum)
	return nil
}

func exportLoans(dbPath string, format exports.Format, outPath string, at time.Time) (int, string, error) {
	store, err := storage.OpenBolt(dbPath, &bolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return 0, "", fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	loans, err := lending.NewLedger(store, nil, lending.Config{}).AllLoans()
	if err != nil {
		return 0, "", err
	}
	rows := exports.Rows(loans, at)
	sum, err := exports.WriteFile(outPath, format, rows)
	if err != nil {
		return 0, "", err
	}
	return len(rows), sum, nil
}
