package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Export searches log and renders the matching records in format
func Export(ctx context.Context, log Log, filter SearchFilter, format ExportFormat) ([]byte, error) {
	records, err := log.Search(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to search security log: %w", err)
	}
	return Encode(records, format)
}

// Encode renders records in format
func Encode(records []*Record, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatJSON, "":
		return exportJSON(records)
	case ExportFormatNDJSON:
		return exportNDJSON(records)
	case ExportFormatCSV:
		return exportCSV(records)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

// exportJSON exports records as a JSON array
func exportJSON(records []*Record) ([]byte, error) {
	return json.MarshalIndent(records, "", "  ")
}

// exportNDJSON exports records as newline-delimited JSON
func exportNDJSON(records []*Record) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, r := range records {
		if err := encoder.Encode(r); err != nil {
			return nil, fmt.Errorf("failed to encode record: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// exportCSV exports records as CSV. Metadata is written as a JSON column.
func exportCSV(records []*Record) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"Seq",
		"Timestamp",
		"Category",
		"Action",
		"Outcome",
		"Provider",
		"EventID",
		"EventType",
		"SourceIP",
		"UserAgent",
		"RequestID",
		"Actor",
		"Message",
		"Metadata",
		"PrevHash",
		"Hash",
	}

	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, r := range records {
		metadata := ""
		if len(r.Metadata) > 0 {
			data, err := json.Marshal(r.Metadata)
			if err != nil {
				return nil, fmt.Errorf("failed to encode metadata: %w", err)
			}
			metadata = string(data)
		}

		row := []string{
			strconv.FormatInt(r.Seq, 10),
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			string(r.Category),
			r.Action,
			string(r.Outcome),
			r.Provider,
			r.EventID,
			r.EventType,
			r.SourceIP,
			r.UserAgent,
			r.RequestID,
			r.Actor,
			r.Message,
			metadata,
			r.PrevHash,
			r.Hash,
		}

		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}
