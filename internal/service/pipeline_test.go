package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/user/screenings/internal/model"
)

func TestPipelineGroupsVersionsIntoOneFilm(t *testing.T) {
	repos := newTestRepos(t)
	p := newTestPipeline(t, repos, nil)
	ctx := context.Background()

	batch := venueBatch("prince-charles",
		listing("prince-charles", "Apocalypse Now : Final Cut (15)", at(3, 18, 0)),
		listing("prince-charles", "Apocalypse Now", at(4, 20, 30)),
	)
	report, err := p.ProcessBatch(ctx, "run-1", batch, nil)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if report.Added != 2 || report.FilmsCreated != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	films, err := repos.Film.ListTitleIndex(ctx)
	if err != nil {
		t.Fatalf("ListTitleIndex: %v", err)
	}
	if len(films) != 1 {
		t.Fatalf("films = %d, want 1", len(films))
	}
	if films[0].Title != "Apocalypse Now" || films[0].NormalizedTitle != "apocalypse now" {
		t.Fatalf("unexpected film %+v", films[0])
	}
	if n, _ := repos.Screening.CountByFilm(ctx, films[0].ID); n != 2 {
		t.Fatalf("screenings for film = %d, want 2", n)
	}

	venue, err := repos.Venue.FindByID(ctx, "prince-charles")
	if err != nil || venue == nil {
		t.Fatalf("venue not stored: %v", err)
	}
}

func TestPipelineRerunIsIdempotent(t *testing.T) {
	repos := newTestRepos(t)
	p := newTestPipeline(t, repos, nil)
	ctx := context.Background()

	source := NewStaticSource(venueBatch("castle",
		listing("castle", "Paris, Texas (15)", at(1, 19, 0)),
		listing("castle", "Paris, Texas", at(2, 14, 0)),
		listing("castle", "Perfect Days", at(2, 20, 15)),
	))

	first, err := p.Run(ctx, source)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	second, err := p.Run(ctx, source)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if b := first.Batches[0]; b.Added != 3 || b.Updated != 0 || b.FilmsCreated != 2 {
		t.Fatalf("first run = %+v", b)
	}
	if b := second.Batches[0]; b.Added != 0 || b.Updated != 3 || b.FilmsCreated != 0 {
		t.Fatalf("second run = %+v", b)
	}

	films, _ := repos.Film.Count(ctx)
	screenings, _ := repos.Screening.Count(ctx)
	if films != 2 || screenings != 3 {
		t.Fatalf("films = %d, screenings = %d; want 2 and 3", films, screenings)
	}
	if p.LastRun() == nil || p.LastRun().RunID != second.RunID {
		t.Fatal("LastRun should return the latest report")
	}
	if first.RunID == second.RunID {
		t.Fatal("run ids should be unique")
	}
}

func TestPipelineVolumeDropWritesNothing(t *testing.T) {
	repos := newTestRepos(t)
	p := newTestPipeline(t, repos, nil)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		if err := repos.IngestRun.Record(ctx, &model.IngestRun{RunID: "earlier", VenueID: "rio", ListingCount: 40}); err != nil {
			t.Fatalf("seed history: %v", err)
		}
	}

	batch := venueBatch("rio",
		listing("rio", "Nosferatu", at(1, 20, 0)),
		listing("rio", "Nosferatu", at(2, 20, 0)),
	)
	report, err := p.ProcessBatch(ctx, "run-1", batch, nil)

	var blockErr *AnomalyBlockError
	if !errors.As(err, &blockErr) {
		t.Fatalf("expected AnomalyBlockError, got %v", err)
	}
	if !slices.Contains(blockErr.Report.BlockReasons, RuleVolumeDrop) {
		t.Fatalf("block reasons = %v", blockErr.Report.BlockReasons)
	}
	if !report.BlockedByAnomalyGuard || report.Added != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	films, _ := repos.Film.Count(ctx)
	screenings, _ := repos.Screening.Count(ctx)
	if films != 0 || screenings != 0 {
		t.Fatalf("blocked batch wrote films=%d screenings=%d", films, screenings)
	}
	if v, _ := repos.Venue.FindByID(ctx, "rio"); v != nil {
		t.Fatal("blocked batch should not upsert the venue")
	}
	runs, err := repos.IngestRun.Recent(ctx, "rio", 20, testNow.AddDate(-1, 0, 0))
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 7 {
		t.Fatalf("ingest runs = %d, want 7 (blocked batch not recorded)", len(runs))
	}
}

func TestPipelineBlockedVenueDoesNotStopOthers(t *testing.T) {
	repos := newTestRepos(t)
	p := newTestPipeline(t, repos, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = repos.IngestRun.Record(ctx, &model.IngestRun{RunID: "earlier", VenueID: "rio", ListingCount: 30})
	}

	report, err := p.Run(ctx, NewStaticSource(
		venueBatch("rio", listing("rio", "Nosferatu", at(1, 20, 0))),
		venueBatch("castle", listing("castle", "Perfect Days", at(1, 18, 0))),
	))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if blocked := report.BlockedVenues(); !slices.Equal(blocked, []string{"rio"}) {
		t.Fatalf("blocked venues = %v", blocked)
	}
	if report.Batches[1].Added != 1 {
		t.Fatalf("castle batch = %+v", report.Batches[1])
	}
}

func TestPipelineRejectsInvalidListings(t *testing.T) {
	repos := newTestRepos(t)
	p := newTestPipeline(t, repos, nil)
	ctx := context.Background()

	noURL := listing("castle", "Perfect Days", at(1, 18, 0))
	noURL.BookingURL = ""
	past := listing("castle", "Perfect Days", testNow.Add(-3*time.Hour))
	wrongVenue := listing("rio", "Perfect Days", at(1, 20, 0))
	badYear := listing("castle", "Perfect Days", at(1, 22, 0))
	badYear.Year = 1700
	justStarted := listing("castle", "Perfect Days", testNow.Add(-30*time.Minute))

	report, err := p.ProcessBatch(ctx, "run-1", venueBatch("castle",
		listing("castle", "Perfect Days", at(2, 18, 0)),
		noURL, past, wrongVenue, badYear, justStarted,
	), nil)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if report.RejectedByValidation != 4 {
		t.Fatalf("rejected = %d, want 4", report.RejectedByValidation)
	}
	if report.Added != 2 {
		t.Fatalf("added = %d, want 2", report.Added)
	}

	runs, _ := repos.IngestRun.Recent(ctx, "castle", 5, testNow.AddDate(-1, 0, 0))
	if len(runs) != 1 || runs[0].ListingCount != 2 {
		t.Fatalf("ingest run = %+v", runs)
	}
}

func TestPipelineAmbiguousTitleCreatedUnmatched(t *testing.T) {
	repos := newTestRepos(t)
	catalog := newFakeCatalog()
	catalog.addSearch("Ten", 0, fiveTens(2002)...)
	p := newTestPipeline(t, repos, catalog)
	ctx := context.Background()

	report, err := p.ProcessBatch(ctx, "run-1", venueBatch("ica", listing("ica", "Ten", at(1, 18, 0))), nil)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if report.FilmsCreated != 1 || report.FilmsMatched != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if catalog.searchCount() != 0 {
		t.Fatalf("catalog searched %d times for an ambiguous title", catalog.searchCount())
	}

	films, _ := repos.Film.ListTitleIndex(ctx)
	if len(films) != 1 || films[0].HasExternalMatch() {
		t.Fatalf("expected one unmatched film, got %+v", films)
	}
	if films[0].MatchAttemptAt == nil {
		t.Fatal("match attempt time should be recorded")
	}
}

func TestPipelineAmbiguousTitleMatchedWithHints(t *testing.T) {
	repos := newTestRepos(t)
	catalog := newFakeCatalog()
	catalog.addSearch("Ten", 2002, fiveTens(2002)...)
	catalog.details[1] = &CatalogDetails{
		ID: 1, Title: "Ten", Year: 2002, Runtime: 94,
		Directors: []string{"Abbas Kiarostami"}, Genres: []string{"Drama"},
		PosterURL: "https://image.tmdb.org/t/p/w500/ten.jpg",
	}
	p := newTestPipeline(t, repos, catalog)
	ctx := context.Background()

	l := listing("ica", "Ten", at(1, 18, 0))
	l.Year = 2002
	l.Director = "Abbas Kiarostami"
	report, err := p.ProcessBatch(ctx, "run-1", venueBatch("ica", l), nil)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if report.FilmsMatched != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	film, err := repos.Film.FindByExternalID(ctx, 1)
	if err != nil || film == nil {
		t.Fatalf("matched film not stored: %v", err)
	}
	if film.Runtime != 94 || !slices.Equal(film.Directors, []string{"Abbas Kiarostami"}) || !film.IsRepertory {
		t.Fatalf("details not applied: %+v", film)
	}
}

func TestPipelineMergesUnmatchedFilmIntoExternalHolder(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	// A：早先未匹配创建；B：另一家影院的写法，已关联外部 ID
	unmatched := &model.Film{Title: "Withnail & I", NormalizedTitle: "withnail and i"}
	holderID := int64(13446)
	holder := &model.Film{ExternalID: &holderID, Title: "Withnail and I", NormalizedTitle: "withnail i", Year: 1987}
	if err := repos.Film.Create(ctx, holder); err != nil {
		t.Fatalf("seed holder: %v", err)
	}
	seedScreening(t, repos, unmatched, "castle", at(1, 18, 0))
	seedScreening(t, repos, unmatched, "castle", at(2, 18, 0))
	seedScreening(t, repos, holder, "castle", at(1, 18, 0))
	seedScreening(t, repos, holder, "castle", at(3, 18, 0))

	catalog := newFakeCatalog()
	catalog.addSearch("Withnail & I", 0, CatalogResult{ID: holderID, Title: "Withnail and I", Year: 1987, Popularity: 12})
	p := newTestPipeline(t, repos, catalog)

	report, err := p.ProcessBatch(ctx, "run-1", venueBatch("castle", listing("castle", "Withnail & I", at(4, 18, 0))), nil)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if report.FilmsMerged != 1 || report.Added != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	if f, _ := repos.Film.FindByID(ctx, unmatched.ID); f != nil {
		t.Fatal("merged film should be deleted")
	}
	n, err := repos.Screening.CountByFilm(ctx, holder.ID)
	if err != nil {
		t.Fatalf("CountByFilm: %v", err)
	}
	// 冲突的 day1 场次丢弃 A 的那份；day2 改挂；day4 为新场次
	if n != 4 {
		t.Fatalf("holder screenings = %d, want 4", n)
	}
	if s, _ := repos.Screening.FindSlot(ctx, holder.ID, "castle", at(4, 18, 0)); s == nil {
		t.Fatal("new screening should attach to the holder")
	}
}

func TestPipelineConcurrentBatchesShareExternalFilm(t *testing.T) {
	repos := newTestRepos(t)
	catalog := newFakeCatalog()
	catalog.addSearch("Perfect Days", 0, CatalogResult{ID: 976893, Title: "Perfect Days", Year: 2023, Popularity: 30})
	p := newTestPipeline(t, repos, catalog)
	ctx := context.Background()

	var batches []model.VenueBatch
	for _, v := range []string{"barbican", "castle", "ica", "rio"} {
		batches = append(batches, venueBatch(v, listing(v, "Perfect Days", at(1, 18, 0))))
	}
	report, err := p.Run(ctx, NewStaticSource(batches...))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	created := 0
	for _, b := range report.Batches {
		if b.Added != 1 || b.Failed != 0 {
			t.Fatalf("batch %s = %+v", b.VenueID, b)
		}
		created += b.FilmsCreated
	}
	if created != 1 {
		t.Fatalf("films created across batches = %d, want 1", created)
	}

	film, err := repos.Film.FindByExternalID(ctx, 976893)
	if err != nil || film == nil {
		t.Fatalf("film not found: %v", err)
	}
	if n, _ := repos.Film.Count(ctx); n != 1 {
		t.Fatalf("films = %d, want 1", n)
	}
	if n, _ := repos.Screening.CountByFilm(ctx, film.ID); n != 4 {
		t.Fatalf("screenings = %d, want 4", n)
	}
}

func TestPipelineTagsFestivalInline(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	f := lffFestival()
	f.Slug = "flare"
	f.Strategy = model.StrategyAuto
	f.Venues = []string{"bfi-southbank"}
	f.StartDate = at(2, 0, 0)
	f.EndDate = at(6, 0, 0)
	festival := seedFestival(t, repos, f)

	festivals := NewFestivalCache(repos.Festival)
	if err := festivals.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	p := newTestPipeline(t, repos, nil)
	report, err := p.ProcessBatch(ctx, "run-1", venueBatch("bfi-southbank",
		listing("bfi-southbank", "Paris Is Burning", at(3, 18, 0)),
		listing("bfi-southbank", "Paris Is Burning", at(20, 18, 0)),
	), festivals)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if report.FestivalTagged != 1 {
		t.Fatalf("festival tagged = %d, want 1", report.FestivalTagged)
	}
	if n, _ := repos.Festival.CountTagged(ctx, festival.ID); n != 1 {
		t.Fatalf("tagged rows = %d, want 1", n)
	}
}

func TestJSONDirSource(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rio.json", `{"venue":{"name":"Rio Cinema","timezone":"Europe/London"},
		"listings":[{"title":"Nosferatu (15)","datetime":"2026-03-04T20:00:00Z","booking_url":"https://riocinema.org.uk/nosferatu"}]}`)
	writeFile(t, dir, "broken.json", `{"venue":`)
	writeFile(t, dir, "notes.txt", `ignored`)

	batches, err := NewJSONDirSource(dir).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	b := batches[0]
	if b.Venue.ID != "rio" || b.Listings[0].VenueID != "rio" || b.Listings[0].RawTitle != "Nosferatu (15)" {
		t.Fatalf("unexpected batch %+v", b)
	}

	if _, err := NewJSONDirSource(dir + "/missing").Fetch(context.Background()); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestPipelineKeepsSequelsApart(t *testing.T) {
	repos := newTestRepos(t)
	p := newTestPipeline(t, repos, nil)
	ctx := context.Background()

	titles := []struct {
		title string
		year  int
	}{
		{"Toy Story", 1995},
		{"Toy Story 2", 1999},
		{"Heat", 0},
		{"Heathers", 0},
		{"Rocky", 1976},
		{"Rocky II", 1976},
		{"Star Wars: Episode IV", 1977},
		{"Star Wars: Episode V", 1977},
	}
	var listings []model.RawListing
	for i, tc := range titles {
		l := listing("prince-charles", tc.title, at(1, 10+i, 0))
		l.Year = tc.year
		listings = append(listings, l)
	}

	report, err := p.ProcessBatch(ctx, "run-1", venueBatch("prince-charles", listings...), nil)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if report.Added != len(titles) || report.FilmsCreated != len(titles) {
		t.Fatalf("unexpected report %+v", report)
	}

	films, _ := repos.Film.ListTitleIndex(ctx)
	if len(films) != len(titles) {
		t.Fatalf("films = %d, want %d", len(films), len(titles))
	}
	for _, f := range films {
		if n, _ := repos.Screening.CountByFilm(ctx, f.ID); n != 1 {
			t.Errorf("film %d %q has %d screenings, want 1", f.ID, f.Title, n)
		}
	}
}

func TestPipelineNearTitleNeedsKnownYears(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	seeded := &model.Film{Title: "Crouching Tiger, Hidden Dragon", NormalizedTitle: "crouching tiger hidden dragon", Year: 2000}
	if err := repos.Film.Create(ctx, seeded); err != nil {
		t.Fatalf("seed film: %v", err)
	}
	p := newTestPipeline(t, repos, nil)

	// 拼写错误 + 年份一致：并入已有影片
	typo := listing("rio", "Crouching Tiger Hiden Dragon", at(1, 18, 0))
	typo.Year = 2000
	report, err := p.ProcessBatch(ctx, "run-1", venueBatch("rio", typo), nil)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if report.FilmsCreated != 0 {
		t.Fatalf("typo with matching year should reuse the film: %+v", report)
	}
	if n, _ := repos.Screening.CountByFilm(ctx, seeded.ID); n != 1 {
		t.Fatalf("seeded film screenings = %d, want 1", n)
	}

	// 没有年份：不走相似标题
	other := listing("castle", "Crouching Tiger Hidden Dragn", at(1, 18, 0))
	report, err = p.ProcessBatch(ctx, "run-2", venueBatch("castle", other), nil)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if report.FilmsCreated != 1 {
		t.Fatalf("listing without year should not join a near title: %+v", report)
	}
}

func TestPipelineCatalogOutageHealsNextRun(t *testing.T) {
	repos := newTestRepos(t)
	catalog := newFakeCatalog()
	catalog.err = errors.New("tmdb returned 503")
	p := newTestPipeline(t, repos, catalog)
	ctx := context.Background()

	report, err := p.ProcessBatch(ctx, "run-1", venueBatch("castle",
		listing("castle", "Perfect Days", at(1, 18, 0)),
		listing("castle", "Wings of Desire", at(1, 21, 0)),
	), nil)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if report.Added != 2 || report.Failed != 0 || report.FilmsCreated != 2 || report.FilmsMatched != 0 {
		t.Fatalf("outage should create unmatched films and continue: %+v", report)
	}
	films, _ := repos.Film.ListTitleIndex(ctx)
	for _, f := range films {
		if f.HasExternalMatch() || f.MatchAttemptAt != nil {
			t.Fatalf("film %q should be unmatched without a recorded attempt: %+v", f.Title, f)
		}
	}

	// 6 小时后外部影片库恢复
	catalog.mu.Lock()
	catalog.err = nil
	catalog.mu.Unlock()
	catalog.addSearch("Perfect Days", 0, CatalogResult{ID: 976893, Title: "Perfect Days", Year: 2023, Popularity: 30})
	p.now = func() time.Time { return testNow.Add(6 * time.Hour) }

	report, err = p.ProcessBatch(ctx, "run-2", venueBatch("castle",
		listing("castle", "Perfect Days", at(2, 18, 0)),
	), nil)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if report.FilmsMatched != 1 {
		t.Fatalf("film should be matched once the catalog is back: %+v", report)
	}
	film, _ := repos.Film.FindByExternalID(ctx, 976893)
	if film == nil {
		t.Fatal("film still unmatched after catalog recovered")
	}
	if n, _ := repos.Screening.CountByFilm(ctx, film.ID); n != 2 {
		t.Fatalf("screenings = %d, want 2", n)
	}
}

func TestPipelineRecordsAttemptWhenCatalogHasNoResult(t *testing.T) {
	repos := newTestRepos(t)
	catalog := newFakeCatalog()
	p := newTestPipeline(t, repos, catalog)
	ctx := context.Background()

	if _, err := p.ProcessBatch(ctx, "run-1", venueBatch("castle", listing("castle", "Perfect Days", at(1, 18, 0))), nil); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if _, err := p.ProcessBatch(ctx, "run-2", venueBatch("castle", listing("castle", "Perfect Days", at(2, 18, 0))), nil); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	// 第二次在重试间隔内，不再查询
	if catalog.searchCount() != 1 {
		t.Fatalf("searches = %v, want 1", catalog.searches)
	}
}

type blockingSource struct {
	release chan struct{}
}

func (s *blockingSource) Name() string { return "blocking" }

func (s *blockingSource) Fetch(ctx context.Context) ([]model.VenueBatch, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []model.VenueBatch{venueBatch("castle", listing("castle", "Perfect Days", at(1, 18, 0)))}, nil
}

func TestPipelineStartHoldsRunLock(t *testing.T) {
	repos := newTestRepos(t)
	p := newTestPipeline(t, repos, nil)
	source := &blockingSource{release: make(chan struct{})}

	done := make(chan *model.RunReport, 1)
	if err := p.Start(source, time.Minute, func(r *model.RunReport, err error) { done <- r }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(source, time.Minute, nil); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("second Start = %v, want ErrRunInProgress", err)
	}
	if _, err := p.Run(context.Background(), source); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("Run during Start = %v, want ErrRunInProgress", err)
	}
	if !p.Running() {
		t.Fatal("pipeline should report running")
	}

	close(source.release)
	select {
	case r := <-done:
		if r == nil || r.Batches[0].Added != 1 {
			t.Fatalf("unexpected report %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("background run did not finish")
	}
	// done 回调在解锁前执行，等待锁释放
	deadline := time.Now().Add(5 * time.Second)
	for p.Running() {
		if time.Now().After(deadline) {
			t.Fatal("run lock not released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
