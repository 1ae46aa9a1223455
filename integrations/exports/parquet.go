package exports

import (
	"bytes"
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	LoanID     string `parquet:"name=loan_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	Origin     string `parquet:"name=origin, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status     string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Lender     string `parquet:"name=lender, type=BYTE_ARRAY, convertedtype=UTF8"`
	Borrower   string `parquet:"name=borrower, type=BYTE_ARRAY, convertedtype=UTF8"`
	Principal  string `parquet:"name=principal, type=BYTE_ARRAY, convertedtype=UTF8"`
	Collateral string `parquet:"name=collateral, type=BYTE_ARRAY, convertedtype=UTF8"`
	RateBips   int64  `parquet:"name=rate_bips, type=INT64"`
	CreatedAt  string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Maturity   string `parquet:"name=maturity, type=BYTE_ARRAY, convertedtype=UTF8"`
	Debt       string `parquet:"name=debt, type=BYTE_ARRAY, convertedtype=UTF8"`
	SnapshotAt string `parquet:"name=snapshot_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Parquet builds a snappy-compressed parquet export for rows. Amounts are
// kept as decimal strings because they routinely exceed 64 bits.
func Parquet(rows []Row) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	fw := writerfile.NewWriterFile(buffer)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		return nil, "", fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			LoanID:     row.LoanID,
			Sequence:   int64(row.Sequence),
			Origin:     row.Origin,
			Status:     row.Status,
			Lender:     row.Lender,
			Borrower:   row.Borrower,
			Principal:  row.Principal,
			Collateral: row.Collateral,
			RateBips:   int64(row.RateBips),
			CreatedAt:  row.CreatedAt,
			Maturity:   row.Maturity,
			Debt:       row.Debt,
			SnapshotAt: row.SnapshotAt,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			return nil, "", fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, "", fmt.Errorf("exports: parquet flush: %w", err)
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}

// Format names a supported export encoding.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSONL   Format = "jsonl"
	FormatParquet Format = "parquet"
)

// Encode renders rows in the requested format.
func Encode(format Format, rows []Row) ([]byte, string, error) {
	switch format {
	case FormatCSV:
		return CSV(rows)
	case FormatJSONL:
		return JSONL(rows)
	case FormatParquet:
		return Parquet(rows)
	default:
		return nil, "", fmt.Errorf("exports: unsupported format %q", format)
	}
}

// WriteFile encodes rows to path and returns the payload checksum.
func WriteFile(path string, format Format, rows []Row) (string, error) {
	data, sum, err := Encode(format, rows)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("exports: write %s: %w", path, err)
	}
	return sum, nil
}
