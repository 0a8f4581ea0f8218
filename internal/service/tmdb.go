package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/user/screenings/internal/config"
)

const tmdbImageBase = "https://image.tmdb.org/t/p/w500"

// TMDBClient TMDB v3 API 客户端
type TMDBClient struct {
	apiKey     string
	baseURL    string
	language   string
	httpClient *http.Client
}

var _ FilmCatalog = (*TMDBClient)(nil)

// NewTMDBClient 创建 TMDB 客户端
func NewTMDBClient(apiKey, baseURL, language string) (*TMDBClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("tmdb api key required")
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://api.themoviedb.org/3"
	}
	return &TMDBClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		language:   language,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// NewCatalogFromConfig 按配置创建带限流缓存的影片库，未配置 key 时返回 nil
func NewCatalogFromConfig(cfg *config.Config) FilmCatalog {
	client, err := NewTMDBClient(cfg.TMDBAPIKey, cfg.TMDBBaseURL, cfg.TMDBLanguage)
	if err != nil {
		return nil
	}
	return NewCatalogGateway(client, cfg.TMDBRatePerSec, cfg.TMDBBurst)
}

type tmdbSearchResponse struct {
	Results []struct {
		ID            int64   `json:"id"`
		Title         string  `json:"title"`
		OriginalTitle string  `json:"original_title"`
		ReleaseDate   string  `json:"release_date"`
		PosterPath    string  `json:"poster_path"`
		Popularity    float64 `json:"popularity"`
	} `json:"results"`
}

// SearchByTitle /search/movie，year > 0 时按首映年份过滤
func (c *TMDBClient) SearchByTitle(ctx context.Context, title string, year int) ([]CatalogResult, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("query must not be empty")
	}
	params := url.Values{}
	params.Set("query", title)
	params.Set("include_adult", "false")
	if year > 0 {
		params.Set("primary_release_year", strconv.Itoa(year))
	}

	var payload tmdbSearchResponse
	if err := c.get(ctx, "/search/movie", params, &payload); err != nil {
		return nil, err
	}

	results := make([]CatalogResult, 0, len(payload.Results))
	for _, r := range payload.Results {
		results = append(results, CatalogResult{
			ID:            r.ID,
			Title:         r.Title,
			OriginalTitle: r.OriginalTitle,
			Year:          yearFromDate(r.ReleaseDate),
			PosterURL:     posterURL(r.PosterPath),
			Popularity:    r.Popularity,
		})
	}
	return results, nil
}

type tmdbDetailsResponse struct {
	ID            int64  `json:"id"`
	Title         string `json:"title"`
	OriginalTitle string `json:"original_title"`
	Overview      string `json:"overview"`
	ReleaseDate   string `json:"release_date"`
	Runtime       int    `json:"runtime"`
	PosterPath    string `json:"poster_path"`
	Genres        []struct {
		Name string `json:"name"`
	} `json:"genres"`
	Credits struct {
		Cast []struct {
			Name  string `json:"name"`
			Order int    `json:"order"`
		} `json:"cast"`
		Crew []struct {
			Name string `json:"name"`
			Job  string `json:"job"`
		} `json:"crew"`
	} `json:"credits"`
	ReleaseDates struct {
		Results []struct {
			ISO31661     string `json:"iso_3166_1"`
			ReleaseDates []struct {
				Certification string `json:"certification"`
			} `json:"release_dates"`
		} `json:"results"`
	} `json:"release_dates"`
}

// GetDetails /movie/{id}，附带演职员和各地区分级
func (c *TMDBClient) GetDetails(ctx context.Context, id int64) (*CatalogDetails, error) {
	params := url.Values{}
	params.Set("append_to_response", "credits,release_dates")

	var payload tmdbDetailsResponse
	if err := c.get(ctx, fmt.Sprintf("/movie/%d", id), params, &payload); err != nil {
		return nil, err
	}

	d := &CatalogDetails{
		ID:            payload.ID,
		Title:         payload.Title,
		OriginalTitle: payload.OriginalTitle,
		Year:          yearFromDate(payload.ReleaseDate),
		Runtime:       payload.Runtime,
		Synopsis:      payload.Overview,
		PosterURL:     posterURL(payload.PosterPath),
	}
	for _, g := range payload.Genres {
		d.Genres = append(d.Genres, g.Name)
	}
	for _, crew := range payload.Credits.Crew {
		if crew.Job == "Director" {
			d.Directors = append(d.Directors, crew.Name)
		}
	}
	for i, cast := range payload.Credits.Cast {
		if i >= 10 {
			break
		}
		d.Cast = append(d.Cast, cast.Name)
	}
	for _, r := range payload.ReleaseDates.Results {
		if r.ISO31661 != "GB" {
			continue
		}
		for _, rd := range r.ReleaseDates {
			if rd.Certification != "" {
				d.Certification = rd.Certification
				break
			}
		}
	}
	return d, nil
}

// get 发送请求；网络错误和 5xx/429 归为 ErrCatalogUnavailable
func (c *TMDBClient) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if c.language != "" {
		params.Set("language", c.language)
	}
	// v4 读访问令牌（JWT）走 Bearer，v3 key 走查询参数
	bearer := strings.Count(c.apiKey, ".") == 2
	if !bearer {
		params.Set("api_key", c.apiKey)
	}
	endpoint := c.baseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if bearer {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return fmt.Errorf("%w: execute request (latency=%v): %v", ErrCatalogUnavailable, latency, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: tmdb returned %d (latency=%v)", ErrCatalogUnavailable, resp.StatusCode, latency)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tmdb returned %d (latency=%v)", resp.StatusCode, latency)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode tmdb response: %w", err)
	}
	return nil
}

func posterURL(path string) string {
	if path == "" {
		return ""
	}
	return tmdbImageBase + path
}
