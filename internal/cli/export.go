package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"surgeq/internal/runner"
	"surgeq/internal/stats"
)

var csvHeader = []string{
	"timeStamp", "elapsed", "label", "responseCode", "responseMessage",
	"threadName", "success", "failureMessage", "bytes", "iteration", "truncated",
}

// WriteCSV writes one row per outcome in a JMeter-like layout.
func WriteCSV(w io.Writer, label string, outcomes []stats.Outcome) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for _, o := range outcomes {
		code, msg := "", ""
		if o.HasStatus() {
			code = strconv.Itoa(o.StatusCode)
			msg = http.StatusText(o.StatusCode)
		}
		failure := o.FailureKey()
		if o.Detail != "" {
			failure += ": " + o.Detail
		}

		record := []string{
			strconv.FormatInt(o.Timestamp.UnixMilli(), 10),
			strconv.FormatInt(o.Latency.Milliseconds(), 10),
			label,
			code,
			msg,
			fmt.Sprintf("VU-%d", o.VU),
			strconv.FormatBool(o.Success),
			failure,
			strconv.FormatInt(o.Bytes, 10),
			strconv.FormatUint(o.Iteration, 10),
			strconv.FormatBool(o.Truncated),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeFile(name string, fn func(io.Writer) error) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Export writes <prefix>.csv, <prefix>.json with every outcome and
// <prefix>_summary.json with the report.
func Export(rep *runner.Report, prefix string) error {
	label := rep.Name
	if label == "" {
		label = "surgeq"
	}
	if err := writeFile(prefix+".csv", func(w io.Writer) error {
		return WriteCSV(w, label, rep.Outcomes)
	}); err != nil {
		return fmt.Errorf("export csv: %w", err)
	}
	if err := writeFile(prefix+".json", func(w io.Writer) error {
		return writeJSON(w, rep.Outcomes)
	}); err != nil {
		return fmt.Errorf("export json: %w", err)
	}
	if err := writeFile(prefix+"_summary.json", func(w io.Writer) error {
		return writeJSON(w, rep)
	}); err != nil {
		return fmt.Errorf("export summary: %w", err)
	}
	return nil
}
