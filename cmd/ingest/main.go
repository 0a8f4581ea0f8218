package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/user/screenings/internal/config"
	"github.com/user/screenings/internal/repository"
	"github.com/user/screenings/internal/service"
)

// 单次入库：读取排片目录，输出运行报告 JSON；有影院被拦截时退出码为 2
func main() {
	dir := flag.String("dir", "", "排片 JSON 目录（默认 LISTINGS_DIR）")
	sweep := flag.Bool("sweep", false, "入库后执行一次电影节反向标记")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("未找到 .env 文件，使用系统环境变量")
	}
	cfg := config.Load()
	if *dir != "" {
		cfg.ListingsDir = *dir
	}

	db, err := repository.InitDB(cfg)
	if err != nil {
		log.Fatalf("数据库连接失败: %v", err)
	}
	sqlDB, _ := db.DB()
	defer sqlDB.Close()

	repos := repository.NewRepositories(db)
	svcs := service.NewServices(repos, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := svcs.Pipeline.Run(ctx, service.NewJSONDirSource(cfg.ListingsDir))
	if err != nil {
		log.Fatalf("入库失败: %v", err)
	}
	svcs.Posters.Wait()

	if *sweep {
		if sr, err := svcs.Sweeper.Sweep(ctx); err != nil {
			log.Printf("电影节反向标记失败: %v", err)
		} else {
			log.Printf("电影节反向标记: %d 个电影节，新标记 %d", sr.Festivals, sr.Tagged)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		log.Fatalf("输出报告失败: %v", err)
	}

	if blocked := report.BlockedVenues(); len(blocked) > 0 {
		log.Printf("以下影院被异常检测拦截，需要人工检查: %v", blocked)
		sqlDB.Close()
		os.Exit(2)
	}
}
