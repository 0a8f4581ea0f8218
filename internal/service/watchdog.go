package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/user/screenings/internal/model"
	"github.com/user/screenings/internal/repository"
	"github.com/user/screenings/internal/utils"
)

// 探测方式
const (
	ProbeContent = "content" // 页面正文足够长，或内容明显变长
	ProbeExists  = "exists"  // 节目单上线前页面不存在，200 即视为公布
)

// ProbeResult 单个电影节的探测结果
type ProbeResult struct {
	Slug       string `json:"slug"`
	StatusCode int    `json:"status_code"`
	Length     int    `json:"length"`
	Hash       string `json:"hash"`
	Announced  bool   `json:"announced"`
	Flipped    bool   `json:"flipped"`
	Error      string `json:"error,omitempty"`
}

// Watchdog 定期探测电影节节目单页面，独立于标记逻辑
type Watchdog struct {
	festivals *repository.FestivalRepository
	client    *utils.HTTPClient
	// 正文长度达到该值即视为节目单已公布
	MinTextLength int
	// 内容变化且长度增长超过该比例也视为公布
	GrowthRatio float64
	now         func() time.Time
}

func NewWatchdog(festivals *repository.FestivalRepository, client *utils.HTTPClient) *Watchdog {
	if client == nil {
		client = utils.NewHTTPClient(20 * time.Second)
	}
	return &Watchdog{
		festivals:     festivals,
		client:        client,
		MinTextLength: 4000,
		GrowthRatio:   1.5,
		now:           time.Now,
	}
}

// Run 探测观察窗口内所有配置了节目单地址、且尚未公布的电影节
func (w *Watchdog) Run(ctx context.Context) ([]ProbeResult, error) {
	festivals, err := w.festivals.ListInWatchWindow(ctx, w.now(), watchLead, watchTrail)
	if err != nil {
		return nil, err
	}

	var results []ProbeResult
	for i := range festivals {
		f := &festivals[i]
		if f.ProgrammeURL == "" || f.ProgrammeAnnounced {
			continue
		}
		res := w.Probe(ctx, f)
		results = append(results, res)
		if res.Error != "" {
			log.Printf("[Watchdog] 探测 %s 失败: %s", f.Slug, res.Error)
			continue
		}
		if err := w.festivals.UpdateProbe(ctx, f.ID, res.Announced, res.Hash, res.Length, w.now().UTC()); err != nil {
			log.Printf("[Watchdog] 保存 %s 探测结果失败: %v", f.Slug, err)
			continue
		}
		if res.Flipped {
			log.Printf("[Watchdog] 电影节 %s 节目单已公布: %s", f.Slug, f.ProgrammeURL)
		}
	}
	return results, nil
}

// Probe 探测单个电影节，不写库
func (w *Watchdog) Probe(ctx context.Context, f *model.Festival) ProbeResult {
	res := ProbeResult{Slug: f.Slug, Announced: f.ProgrammeAnnounced}
	page, err := w.client.Fetch(ctx, f.ProgrammeURL)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.StatusCode = page.StatusCode

	if f.ProgrammeProbe == ProbeExists {
		if page.StatusCode == http.StatusOK {
			res.Announced = true
		}
		res.Length = len(page.Body)
		res.Hash = hashBytes(page.Body)
		res.Flipped = res.Announced && !f.ProgrammeAnnounced
		return res
	}

	if page.StatusCode != http.StatusOK {
		res.Error = fmt.Sprintf("programme page returned %d", page.StatusCode)
		return res
	}
	text, err := visibleText(page.Body)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Length = len(text)
	res.Hash = hashBytes([]byte(text))

	switch {
	case res.Length >= w.MinTextLength:
		res.Announced = true
	case f.ProgrammeHash != "" && f.ProgrammeHash != res.Hash && f.ProgrammeLength > 0 &&
		float64(res.Length) >= float64(f.ProgrammeLength)*w.GrowthRatio:
		res.Announced = true
	}
	res.Flipped = res.Announced && !f.ProgrammeAnnounced
	return res
}

// visibleText 提取正文文本，去掉脚本、样式和导航
func visibleText(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse programme page: %w", err)
	}
	doc.Find("script, style, noscript, nav, header, footer").Remove()
	text := doc.Find("body").Text()
	return strings.Join(strings.Fields(text), " "), nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
