// Package importer loads monitored-account records in bulk. The rows come
// from a collaborating system's CSV export; only the columns this service
// needs are read, everything else in the file is ignored.
package importer

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/logging"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/model"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/store"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/util"
)

// Result summarizes one import run.
type Result struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

var truthy = map[string]struct{}{
	"true": {}, "yes": {}, "y": {}, "1": {}, "active": {}, "on": {},
}

// ImportRecords upserts the given account records. Rows without a usable
// handle are skipped and reported, never fatal.
func ImportRecords(ctx context.Context, db *store.DB, recs []model.AccountRecord) (Result, error) {
	var res Result
	for i, rec := range recs {
		rec.Handle = util.CleanHandle(rec.Handle)
		if rec.Handle == "" {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("row %d: missing handle", i+1))
			continue
		}
		if rec.Name == "" {
			rec.Name = rec.Handle
		}
		rec.ClassificationMode = rec.ClassificationMode.Normalize()
		_, created, err := db.UpsertClub(ctx, rec)
		if err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("row %d (%s): %v", i+1, rec.Handle, err))
			continue
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}
	logging.Info("accounts imported", logging.Fields{
		"created": res.Created,
		"updated": res.Updated,
		"skipped": res.Skipped,
	})
	return res, nil
}

// ImportCSV reads account rows from r and upserts them. The first row must
// be a header; column names are matched case-insensitively and extra
// columns are ignored.
func ImportCSV(ctx context.Context, db *store.DB, r io.Reader) (Result, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return Result{}, fmt.Errorf("importer: read header: %w", err)
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(util.NormalizeWhitespace(name))] = i
	}
	handleIdx, ok := findColumn(cols, "instagram", "handle", "username", "account")
	if !ok {
		return Result{}, fmt.Errorf("importer: no handle column in header %v", header)
	}
	nameIdx, _ := findColumn(cols, "name", "club", "organization")
	activeIdx, hasActive := findColumn(cols, "active", "enabled", "monitor")
	modeIdx, hasMode := findColumn(cols, "classification_mode", "mode")

	var recs []model.AccountRecord
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("importer: read row: %w", err)
		}
		rec := model.AccountRecord{
			Handle: field(row, handleIdx),
			Name:   field(row, nameIdx),
			Active: true,
		}
		if hasActive {
			_, rec.Active = truthy[strings.ToLower(strings.TrimSpace(field(row, activeIdx)))]
		}
		if hasMode {
			rec.ClassificationMode = model.ClassificationMode(strings.ToLower(strings.TrimSpace(field(row, modeIdx))))
		}
		recs = append(recs, rec)
	}
	return ImportRecords(ctx, db, recs)
}

func findColumn(cols map[string]int, names ...string) (int, bool) {
	for _, n := range names {
		if i, ok := cols[n]; ok {
			return i, true
		}
	}
	return -1, false
}

func field(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}
