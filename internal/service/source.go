package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/user/screenings/internal/model"
)

// ListingSource 排片来源（影院爬虫适配器的产出）
// 不做并发，只负责读取，并发由调用方控制
type ListingSource interface {
	Name() string
	Fetch(ctx context.Context) ([]model.VenueBatch, error)
}

// JSONDirSource 读取目录下每个影院一个的 JSON 文件：<dir>/<venue>.json
// 文件内容 {"venue": {...}, "listings": [...]}
type JSONDirSource struct {
	dir string
}

func NewJSONDirSource(dir string) *JSONDirSource {
	return &JSONDirSource{dir: dir}
}

func (s *JSONDirSource) Name() string {
	return "jsondir:" + s.dir
}

// Fetch 按文件名排序读取；单个文件损坏只记录日志并跳过
func (s *JSONDirSource) Fetch(ctx context.Context) ([]model.VenueBatch, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("读取排片目录失败: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	batches := make([]model.VenueBatch, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := readVenueFile(filepath.Join(s.dir, name))
		if err != nil {
			log.Printf("[Source] 跳过排片文件 %s: %v", name, err)
			continue
		}
		batches = append(batches, *batch)
	}
	return batches, nil
}

func readVenueFile(path string) (*model.VenueBatch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var batch model.VenueBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("解析JSON失败: %w", err)
	}

	// 文件名即影院 ID
	if batch.Venue.ID == "" {
		batch.Venue.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	for i := range batch.Listings {
		if batch.Listings[i].VenueID == "" {
			batch.Listings[i].VenueID = batch.Venue.ID
		}
	}
	return &batch, nil
}

// StaticSource 内存中的排片来源（运维接口手动提交、测试）
type StaticSource struct {
	batches []model.VenueBatch
}

func NewStaticSource(batches ...model.VenueBatch) *StaticSource {
	return &StaticSource{batches: batches}
}

func (s *StaticSource) Name() string {
	return "static"
}

func (s *StaticSource) Fetch(ctx context.Context) ([]model.VenueBatch, error) {
	return s.batches, nil
}
