package extract

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/images"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/model"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/store"
)

func TestParseJSONPayload(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"plain", `{"events":[]}`, false},
		{"fenced", "```json\n{\"events\":[]}\n```", false},
		{"prose wrapped", "Here is the result:\n{\"events\":[]}\nHope that helps.", false},
		{"no json", "I could not read the poster.", true},
		{"empty", "```\n```", true},
	}
	for _, tc := range cases {
		payload, err := parseJSONPayload(tc.text)
		if tc.wantErr {
			if !errors.Is(err, ErrFailed) {
				t.Fatalf("%s: err = %v, want ErrFailed", tc.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		var probe map[string]any
		if err := json.Unmarshal(payload, &probe); err != nil {
			t.Fatalf("%s: payload not valid JSON: %v", tc.name, err)
		}
	}
}

func TestOverallConfidence(t *testing.T) {
	if c := overallConfidence(json.RawMessage(`{"extractionConfidence":{"overall":0.95}}`)); c == nil || *c != 0.95 {
		t.Fatalf("got %v, want 0.95", c)
	}
	if c := overallConfidence(json.RawMessage(`{"events":[]}`)); c != nil {
		t.Fatalf("got %v, want nil", c)
	}
}

func TestClientExtractEventJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Contents []struct {
				Parts []map[string]any `json:"parts"`
			} `json:"contents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Contents) != 1 || len(req.Contents[0].Parts) < 2 {
			t.Errorf("unexpected request shape %+v", req)
		}
		inner := "```json\n{\"events\":[],\"extractionConfidence\":{\"overall\":0.8}}\n```"
		resp := map[string]any{
			"candidates": []any{
				map[string]any{"content": map[string]any{
					"parts": []any{map[string]any{"text": inner}},
				}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-model")
	c.SetKey("k")
	payload, err := c.ExtractEventJSON(context.Background(), []byte{1, 2, 3}, "image/jpeg", "caption", time.Now())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if conf := overallConfidence(payload); conf == nil || *conf != 0.8 {
		t.Fatalf("confidence = %v, want 0.8", conf)
	}
}

func TestClientWithoutKey(t *testing.T) {
	c := NewClient("http://unused", "")
	if c.Ready() {
		t.Fatal("client without key should not be ready")
	}
	if _, err := c.ExtractEventJSON(context.Background(), nil, "image/jpeg", "", time.Time{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

type fakeExtractor struct {
	ready   bool
	payload json.RawMessage
	err     error
	calls   int
}

func (f *fakeExtractor) Ready() bool { return f.ready }
func (f *fakeExtractor) ExtractEventJSON(ctx context.Context, image []byte, mimeType, caption string, postedAt time.Time) (json.RawMessage, error) {
	f.calls++
	return f.payload, f.err
}

func seedPost(t *testing.T, db *store.DB, imagePath string) model.Post {
	t.Helper()
	ctx := context.Background()
	club, _, err := db.UpsertClub(ctx, model.AccountRecord{Name: "Chess Club", Handle: "chessclub", Active: true})
	if err != nil {
		t.Fatalf("upsert club: %v", err)
	}
	post, _, err := db.UpsertPost(ctx, club.ID, model.NormalizedPost{
		ExternalID: "p1",
		ImageURL:   "https://cdn/p1.jpg",
		Caption:    "Concert tonight",
		Timestamp:  time.Now().Add(-time.Hour),
	}, nil)
	if err != nil {
		t.Fatalf("upsert post: %v", err)
	}
	if imagePath != "" {
		if err := db.SetLocalImagePath(ctx, post.ID, imagePath); err != nil {
			t.Fatalf("set image path: %v", err)
		}
		post.LocalImagePath = imagePath
	}
	return post
}

func writeTestImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "p1.jpg")
	if err := os.WriteFile(path, []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 0x4a, 0x46, 0x49, 0x46}, 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return path
}

func TestCoordinatorOverwriteSemantics(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()
	cache, err := images.NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	post := seedPost(t, db, writeTestImage(t))

	fake := &fakeExtractor{ready: true, payload: json.RawMessage(`{"events":[{"title":"Spring Concert"}],"extractionConfidence":{"overall":0.9}}`)}
	coord := &Coordinator{db: db, cache: cache, client: fake}
	ctx := context.Background()

	event, err := coord.Extract(ctx, post, false)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if event.Confidence == nil || *event.Confidence != 0.9 {
		t.Fatalf("confidence = %v, want 0.9", event.Confidence)
	}
	got, err := db.GetPost(ctx, post.ID)
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if !got.Processed {
		t.Fatal("post should be marked processed after extraction")
	}

	// overwrite=false on an extracted post: no model call, stored payload back
	fake.payload = json.RawMessage(`{"events":[{"title":"CHANGED"}]}`)
	again, err := coord.Extract(ctx, post, false)
	if err != nil {
		t.Fatalf("repeat extract: %v", err)
	}
	if fake.calls != 1 {
		t.Fatalf("model called %d times, want 1", fake.calls)
	}
	if string(again.Payload) != string(event.Payload) {
		t.Fatal("repeat without overwrite must return the stored payload")
	}

	// overwrite=true replaces the payload
	replaced, err := coord.Extract(ctx, post, true)
	if err != nil {
		t.Fatalf("overwrite extract: %v", err)
	}
	if fake.calls != 2 {
		t.Fatalf("model called %d times, want 2", fake.calls)
	}
	var probe struct {
		Events []struct {
			Title string `json:"title"`
		} `json:"events"`
	}
	if err := json.Unmarshal(replaced.Payload, &probe); err != nil || len(probe.Events) == 0 || probe.Events[0].Title != "CHANGED" {
		t.Fatalf("overwrite did not replace payload: %s (err %v)", replaced.Payload, err)
	}
}

func TestCoordinatorUnavailableWithoutKey(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()
	cache, _ := images.NewCache(t.TempDir())
	coord := &Coordinator{db: db, cache: cache, client: &fakeExtractor{ready: false}}

	if _, err := coord.Extract(context.Background(), model.Post{ID: 1}, false); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestCoordinatorFailsWithoutImage(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()
	cache, _ := images.NewCache(t.TempDir())
	ctx := context.Background()
	club, _, err := db.UpsertClub(ctx, model.AccountRecord{Name: "Club", Handle: "club", Active: true})
	if err != nil {
		t.Fatalf("upsert club: %v", err)
	}
	post, _, err := db.UpsertPost(ctx, club.ID, model.NormalizedPost{ExternalID: "novisual", Caption: "text only", Timestamp: time.Now()}, nil)
	if err != nil {
		t.Fatalf("upsert post: %v", err)
	}

	coord := &Coordinator{db: db, cache: cache, client: &fakeExtractor{ready: true}}
	if _, err := coord.Extract(ctx, post, false); !errors.Is(err, ErrFailed) {
		t.Fatalf("err = %v, want ErrFailed", err)
	}
}
