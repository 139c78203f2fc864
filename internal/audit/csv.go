package audit

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

var csvHeader = []string{
	"ID", "Timestamp", "Principal ID", "Username", "Operation", "Cluster ID", "Cluster Name",
	"Method", "Path", "Outcome", "Reason", "Status", "Error", "Client IP", "Duration (ms)",
}

// WriteCSV exports records as CSV with a header row.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		status := ""
		if r.StatusCode != nil {
			status = strconv.Itoa(*r.StatusCode)
		}
		row := []string{
			r.ID,
			r.At.UTC().Format(time.RFC3339),
			r.PrincipalID,
			r.Username,
			r.Operation,
			r.ClusterID,
			r.ClusterName,
			r.Method,
			r.Path,
			string(r.Outcome),
			r.Reason,
			status,
			r.Error,
			r.ClientIP,
			strconv.FormatInt(r.DurationMS, 10),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
