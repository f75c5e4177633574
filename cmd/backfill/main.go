package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"miniquant/internal/config"
	"miniquant/internal/database"
	"miniquant/internal/market"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
		codes      = flag.String("codes", "", "股票代码，用逗号分隔，默认 backtest.codes")
		startDate  = flag.String("start", "", "开始日期 (YYYY-MM-DD)")
		endDate    = flag.String("end", "", "结束日期 (YYYY-MM-DD)")
		days       = flag.Int("days", 30, "回填天数（从今天往前）")
		target     = flag.String("target", "postgres", "写入目标: postgres 或 clickhouse")
		check      = flag.Bool("check", false, "只检查已存储的数据，不回填")
	)
	flag.Parse()

	// 加载配置
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, *target)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", *target, err)
	}
	defer closeStore()

	// 解析时间范围
	var startTime, endTime time.Time
	if *startDate != "" && *endDate != "" {
		if startTime, err = time.Parse(market.DateLayout, *startDate); err != nil {
			log.Fatalf("Invalid start date format: %v", err)
		}
		if endTime, err = time.Parse(market.DateLayout, *endDate); err != nil {
			log.Fatalf("Invalid end date format: %v", err)
		}
	} else {
		endTime = market.Day(time.Now())
		startTime = endTime.AddDate(0, 0, -*days)
	}

	codeList := cfg.Backtest.Codes
	if *codes != "" {
		codeList = nil
		for _, c := range strings.Split(*codes, ",") {
			if c = strings.TrimSpace(c); c != "" {
				codeList = append(codeList, c)
			}
		}
	}
	if len(codeList) == 0 {
		log.Fatal("No codes to backfill, pass -codes or set backtest.codes")
	}

	fmt.Printf("日线数据回填工具\n")
	fmt.Printf("================\n")
	fmt.Printf("股票: %v\n", codeList)
	fmt.Printf("目标: %s\n", *target)
	fmt.Printf("时间范围: %s 到 %s\n", startTime.Format(market.DateLayout), endTime.Format(market.DateLayout))
	fmt.Printf("操作模式: %s\n", map[bool]string{true: "检查", false: "回填"}[*check])
	fmt.Printf("================\n\n")

	if !*check {
		remote := market.NewEastmoneyFeed(market.EastmoneyConfig{
			RequestsPerSecond: cfg.Market.RequestsPerSecond,
			Burst:             cfg.Market.Burst,
			Timeout:           cfg.Market.Timeout,
			MaxRetries:        cfg.Market.MaxRetries,
		})
		report, err := market.NewSyncer(remote, store).Sync(ctx, codeList, startTime, endTime)
		if err != nil {
			log.Printf("Backfill stopped: %v", err)
		}
		if report != nil {
			fmt.Printf("回填完成: %d 只股票, %d 根K线, 用时 %s\n", report.Codes, report.Bars, report.Elapsed.Round(time.Millisecond))
			for code, reason := range report.Failed {
				fmt.Printf("  失败 %s: %s\n", code, reason)
			}
		}
		fmt.Println()
	}

	// 检查数据覆盖
	for _, code := range codeList {
		bars, err := store.Bars(ctx, code, startTime, endTime)
		if err != nil {
			fmt.Printf("%s: 无数据 (%v)\n", code, err)
			continue
		}
		fmt.Printf("%s: %d 根K线, %s 到 %s\n", code, len(bars),
			bars[0].Date.Format(market.DateLayout), bars[len(bars)-1].Date.Format(market.DateLayout))
	}
}

// openStore connects the chosen bar store and returns its close function
func openStore(ctx context.Context, cfg *config.Config, target string) (market.Store, func(), error) {
	switch target {
	case "postgres":
		db, err := database.NewConnection(ctx, &database.Config{
			DSN:     cfg.Database.DSN(),
			MaxOpen: cfg.Database.MaxOpen,
			MaxIdle: cfg.Database.MaxIdle,
			Timeout: cfg.Database.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return market.NewPostgresStore(db.DB), func() { db.Close() }, nil
	case "clickhouse":
		conn, err := market.NewClickHouseConn(ctx, cfg.ClickHouse.DSN)
		if err != nil {
			return nil, nil, err
		}
		store := market.NewClickHouseStore(conn)
		if err := store.EnsureSchema(ctx); err != nil {
			conn.Close()
			return nil, nil, err
		}
		return store, func() { conn.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown target %q", target)
	}
}
