package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
)

func TestTMDBSearchByTitle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search/movie" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("query") != "Ten" || q.Get("primary_release_year") != "2002" || q.Get("api_key") != "test-key" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		if q.Get("include_adult") != "false" || q.Get("language") != "en-GB" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		payload := map[string]any{
			"results": []any{
				map[string]any{"id": 38843, "title": "Ten", "original_title": "Ten", "release_date": "2002-09-18", "poster_path": "/ten.jpg", "popularity": 4.2},
				map[string]any{"id": 99, "title": "Ten", "release_date": "", "popularity": 0.5},
			},
		}
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			t.Fatalf("encode response: %v", err)
		}
	}))
	defer server.Close()

	client, err := NewTMDBClient("test-key", server.URL, "en-GB")
	if err != nil {
		t.Fatalf("NewTMDBClient: %v", err)
	}
	results, err := client.SearchByTitle(context.Background(), "Ten", 2002)
	if err != nil {
		t.Fatalf("SearchByTitle: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	first := results[0]
	if first.ID != 38843 || first.Year != 2002 || first.Popularity != 4.2 {
		t.Fatalf("unexpected first result %+v", first)
	}
	if first.PosterURL != tmdbImageBase+"/ten.jpg" {
		t.Fatalf("poster url = %q", first.PosterURL)
	}
	if results[1].Year != 0 || results[1].PosterURL != "" {
		t.Fatalf("missing fields should stay empty: %+v", results[1])
	}
}

func TestTMDBGetDetails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/movie/28" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("append_to_response"); got != "credits,release_dates" {
			t.Fatalf("append_to_response = %q", got)
		}
		var cast []any
		for i := 0; i < 12; i++ {
			cast = append(cast, map[string]any{"name": "Actor " + string(rune('A'+i)), "order": i})
		}
		payload := map[string]any{
			"id":             28,
			"title":          "Apocalypse Now",
			"original_title": "Apocalypse Now",
			"overview":       "At the height of the Vietnam war...",
			"release_date":   "1979-08-15",
			"runtime":        147,
			"poster_path":    "/apocalypse.jpg",
			"genres":         []any{map[string]any{"name": "Drama"}, map[string]any{"name": "War"}},
			"credits": map[string]any{
				"cast": cast,
				"crew": []any{
					map[string]any{"name": "Francis Ford Coppola", "job": "Director"},
					map[string]any{"name": "Vittorio Storaro", "job": "Director of Photography"},
				},
			},
			"release_dates": map[string]any{
				"results": []any{
					map[string]any{"iso_3166_1": "US", "release_dates": []any{map[string]any{"certification": "R"}}},
					map[string]any{"iso_3166_1": "GB", "release_dates": []any{map[string]any{"certification": ""}, map[string]any{"certification": "15"}}},
				},
			},
		}
		_ = json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	client, err := NewTMDBClient("test-key", server.URL, "")
	if err != nil {
		t.Fatalf("NewTMDBClient: %v", err)
	}
	d, err := client.GetDetails(context.Background(), 28)
	if err != nil {
		t.Fatalf("GetDetails: %v", err)
	}
	if d.Year != 1979 || d.Runtime != 147 || d.Certification != "15" {
		t.Fatalf("unexpected details %+v", d)
	}
	if !slices.Equal(d.Directors, []string{"Francis Ford Coppola"}) {
		t.Fatalf("directors = %v", d.Directors)
	}
	if len(d.Cast) != 10 || d.Cast[0] != "Actor A" {
		t.Fatalf("cast = %v", d.Cast)
	}
	if !slices.Equal(d.Genres, []string{"Drama", "War"}) {
		t.Fatalf("genres = %v", d.Genres)
	}
}

func TestTMDBBearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer aaa.bbb.ccc" {
			t.Fatalf("authorization = %q", got)
		}
		if r.URL.Query().Has("api_key") {
			t.Fatal("api_key should not be sent with a bearer token")
		}
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer server.Close()

	client, _ := NewTMDBClient("aaa.bbb.ccc", server.URL, "")
	if _, err := client.SearchByTitle(context.Background(), "Ten", 0); err != nil {
		t.Fatalf("SearchByTitle: %v", err)
	}
}

func TestTMDBErrors(t *testing.T) {
	status := http.StatusServiceUnavailable
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	client, _ := NewTMDBClient("test-key", server.URL, "")

	_, err := client.SearchByTitle(context.Background(), "Ten", 0)
	if !errors.Is(err, ErrCatalogUnavailable) {
		t.Fatalf("503 should be ErrCatalogUnavailable, got %v", err)
	}

	status = http.StatusTooManyRequests
	if _, err := client.GetDetails(context.Background(), 1); !errors.Is(err, ErrCatalogUnavailable) {
		t.Fatalf("429 should be ErrCatalogUnavailable, got %v", err)
	}

	status = http.StatusNotFound
	_, err = client.GetDetails(context.Background(), 1)
	if err == nil || errors.Is(err, ErrCatalogUnavailable) {
		t.Fatalf("404 should be a plain error, got %v", err)
	}

	if _, err := client.SearchByTitle(context.Background(), "  ", 0); err == nil {
		t.Fatal("expected error for empty query")
	}
	if _, err := NewTMDBClient("", server.URL, ""); err == nil {
		t.Fatal("expected error for missing api key")
	}
}

type countingCatalog struct {
	mu       sync.Mutex
	searches int
	details  int
}

func (c *countingCatalog) SearchByTitle(ctx context.Context, title string, year int) ([]CatalogResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searches++
	return []CatalogResult{{ID: 1, Title: title, Year: year}}, nil
}

func (c *countingCatalog) GetDetails(ctx context.Context, id int64) (*CatalogDetails, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.details++
	return &CatalogDetails{ID: id}, nil
}

func TestCatalogGatewayCachesAndCollapses(t *testing.T) {
	inner := &countingCatalog{}
	gateway := NewCatalogGateway(inner, 0, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := gateway.SearchByTitle(ctx, "Perfect Days", 2023); err != nil {
				t.Errorf("SearchByTitle: %v", err)
			}
		}()
	}
	wg.Wait()

	// 匹配键相同视为同一查询
	if _, err := gateway.SearchByTitle(ctx, "perfect  days", 2023); err != nil {
		t.Fatalf("SearchByTitle: %v", err)
	}
	if _, err := gateway.SearchByTitle(ctx, "Perfect Days", 0); err != nil {
		t.Fatalf("SearchByTitle: %v", err)
	}
	if inner.searches != 2 {
		t.Fatalf("inner searches = %d, want 2", inner.searches)
	}

	for i := 0; i < 3; i++ {
		if _, err := gateway.GetDetails(ctx, 976893); err != nil {
			t.Fatalf("GetDetails: %v", err)
		}
	}
	if inner.details != 1 {
		t.Fatalf("inner details = %d, want 1", inner.details)
	}
}
