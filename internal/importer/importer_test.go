package importer

import (
	"context"
	"strings"
	"testing"

	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/model"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/store"
)

func openStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestImportCSV(t *testing.T) {
	db := openStore(t)
	csvData := strings.Join([]string{
		"Name,Instagram,Active,Classification_Mode,Notes",
		"Chess Club,@chessclub,yes,auto,weekly meetups",
		"Drama Society,https://www.instagram.com/dramasoc/,no,manual,",
		"No Handle Row,,yes,auto,",
		",bare_handle,1,,",
	}, "\n")

	res, err := ImportCSV(context.Background(), db, strings.NewReader(csvData))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Created != 3 || res.Skipped != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	ctx := context.Background()
	chess, err := db.GetClubByHandle(ctx, "chessclub")
	if err != nil {
		t.Fatalf("get chessclub: %v", err)
	}
	if chess.Name != "Chess Club" || !chess.Active || chess.ClassificationMode != model.ModeAuto {
		t.Fatalf("unexpected chess club %+v", chess)
	}

	drama, err := db.GetClubByHandle(ctx, "dramasoc")
	if err != nil {
		t.Fatalf("get dramasoc: %v", err)
	}
	if drama.Active || drama.ClassificationMode != model.ModeManual {
		t.Fatalf("unexpected drama society %+v", drama)
	}

	bare, err := db.GetClubByHandle(ctx, "bare_handle")
	if err != nil {
		t.Fatalf("get bare_handle: %v", err)
	}
	if bare.Name != "bare_handle" {
		t.Fatalf("missing name should default to handle, got %q", bare.Name)
	}
}

func TestImportCSVRequiresHandleColumn(t *testing.T) {
	db := openStore(t)
	if _, err := ImportCSV(context.Background(), db, strings.NewReader("Name,Notes\nA,B\n")); err == nil {
		t.Fatal("want error for missing handle column")
	}
}

func TestImportRecordsIsIdempotent(t *testing.T) {
	db := openStore(t)
	recs := []model.AccountRecord{
		{Name: "Chess Club", Handle: "chessclub", Active: true},
	}
	ctx := context.Background()
	if res, err := ImportRecords(ctx, db, recs); err != nil || res.Created != 1 {
		t.Fatalf("first import res=%+v err=%v", res, err)
	}
	recs[0].Name = "Chess Club (updated)"
	res, err := ImportRecords(ctx, db, recs)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if res.Created != 0 || res.Updated != 1 {
		t.Fatalf("second import should update, got %+v", res)
	}
	club, err := db.GetClubByHandle(ctx, "chessclub")
	if err != nil {
		t.Fatalf("get club: %v", err)
	}
	if club.Name != "Chess Club (updated)" {
		t.Fatalf("name = %q, want updated name", club.Name)
	}
}
