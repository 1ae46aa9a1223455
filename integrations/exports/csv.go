package exports

import (
	"bytes"
	"encoding/csv"
)

// CSV builds a CSV export for rows and returns the serialised data alongside
// a SHA-256 checksum of the payload.
func CSV(rows []Row) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for _, row := range rows {
		if err := writer.Write(row.record()); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}
