package reconcile

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// Report points at the files written for one run.
type Report struct {
	CSVPath     string
	ParquetPath string
	Rows        int
}

// ReportWriter persists per-run sweep reports under a directory.
type ReportWriter struct {
	dir string
}

// NewReportWriter creates dir if needed.
func NewReportWriter(dir string) (*ReportWriter, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("reconcile: report directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("reconcile: create report dir: %w", err)
	}
	return &ReportWriter{dir: dir}, nil
}

// Write stores the items of summary as CSV and Parquet.
func (w *ReportWriter) Write(summary Summary) (*Report, error) {
	stamp := summary.StartedAt.UTC().Format("20060102T150405Z")
	base := fmt.Sprintf("sweep_%s_%s", stamp, slug(summary.Trigger))
	report := &Report{
		CSVPath:     filepath.Join(w.dir, base+".csv"),
		ParquetPath: filepath.Join(w.dir, base+".parquet"),
		Rows:        len(summary.Items),
	}
	if err := writeCSV(report.CSVPath, summary.Items); err != nil {
		return nil, err
	}
	if err := writeParquet(report.ParquetPath, summary.Items); err != nil {
		return nil, err
	}
	return report, nil
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "run"
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, s)
}

var reportHeader = []string{
	"escrow_id", "request_id", "provider_id", "request_status", "lamports", "age_seconds", "action", "error",
}

func writeCSV(path string, items []Item) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("reconcile: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(reportHeader); err != nil {
		return fmt.Errorf("reconcile: write csv header: %w", err)
	}
	for _, item := range items {
		record := []string{
			item.EscrowID.String(),
			item.RequestID.String(),
			item.ProviderID,
			string(item.RequestStatus),
			item.Lamports,
			strconv.FormatFloat(seconds(item.Age), 'f', 0, 64),
			string(item.Action),
			item.Error,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("reconcile: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("reconcile: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	EscrowID      string  `parquet:"name=escrow_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	RequestID     string  `parquet:"name=request_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProviderID    string  `parquet:"name=provider_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	RequestStatus string  `parquet:"name=request_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Lamports      string  `parquet:"name=lamports, type=BYTE_ARRAY, convertedtype=UTF8"`
	AgeSeconds    float64 `parquet:"name=age_seconds, type=DOUBLE"`
	Action        string  `parquet:"name=action, type=BYTE_ARRAY, convertedtype=UTF8"`
	Error         string  `parquet:"name=error, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, items []Item) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("reconcile: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("reconcile: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, item := range items {
		row := &parquetRow{
			EscrowID:      item.EscrowID.String(),
			RequestID:     item.RequestID.String(),
			ProviderID:    item.ProviderID,
			RequestStatus: string(item.RequestStatus),
			Lamports:      item.Lamports,
			AgeSeconds:    seconds(item.Age),
			Action:        string(item.Action),
			Error:         item.Error,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("reconcile: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("reconcile: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("reconcile: close parquet file: %w", err)
	}
	return nil
}

func seconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
