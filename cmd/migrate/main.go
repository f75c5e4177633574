package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"miniquant/internal/config"
	"miniquant/internal/database"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
		up         = flag.Bool("up", false, "运行数据库迁移")
		down       = flag.Bool("down", false, "回滚全部数据库迁移")
		steps      = flag.Int("steps", 0, "按步数迁移，负数表示回滚")
		version    = flag.Bool("version", false, "显示当前迁移版本")
		force      = flag.Int("force", -1, "强制设置迁移版本（用于修复脏状态）")
		help       = flag.Bool("help", false, "显示帮助信息")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	// 加载配置
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("加载 .env 失败: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("加载配置文件失败: %v", err)
	}

	ctx := context.Background()

	// 连接数据库
	db, err := database.NewConnection(ctx, &database.Config{
		DSN:     cfg.Database.DSN(),
		MaxOpen: 2,
		MaxIdle: 1,
		Timeout: cfg.Database.Timeout,
	})
	if err != nil {
		log.Fatalf("连接数据库失败: %v", err)
	}
	defer db.Close()

	// 创建迁移器
	migrator, err := database.NewMigrator(ctx, db)
	if err != nil {
		log.Fatalf("创建迁移器失败: %v", err)
	}
	defer migrator.Close()

	// 执行操作
	switch {
	case *down:
		rollbackMigrations(migrator)
	case *steps != 0:
		migrateSteps(migrator, *steps)
	case *version:
		showVersion(migrator)
	case *force >= 0:
		forceMigrationVersion(migrator, *force)
	case *up:
		runMigrations(migrator)
	default:
		// 默认运行迁移
		runMigrations(migrator)
	}
}

func showHelp() {
	fmt.Println("MiniQuant 数据库迁移工具")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  migrate [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("示例:")
	fmt.Println("  migrate -up")
	fmt.Println("  migrate -steps -1      # 回滚一步")
	fmt.Println("  migrate -version")
	fmt.Println("  migrate -force 2       # 修复脏状态，强制设置为版本2")
	fmt.Println("  migrate -config configs/production.yaml -up")
}

func runMigrations(migrator *database.Migrator) {
	log.Println("开始运行数据库迁移...")
	if err := migrator.Up(); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}
	showVersion(migrator)
}

func rollbackMigrations(migrator *database.Migrator) {
	log.Println("开始回滚数据库迁移...")
	if err := migrator.Down(); err != nil {
		log.Fatalf("数据库回滚失败: %v", err)
	}
	log.Println("数据库回滚完成")
}

func migrateSteps(migrator *database.Migrator, n int) {
	log.Printf("按步数迁移: %d", n)
	if err := migrator.Steps(n); err != nil {
		log.Fatalf("迁移失败: %v", err)
	}
	showVersion(migrator)
}

func showVersion(migrator *database.Migrator) {
	version, dirty, err := migrator.Version()
	if err != nil {
		log.Fatalf("获取迁移版本失败: %v", err)
	}
	if dirty {
		fmt.Printf("当前迁移版本: %d (dirty，请使用 -force 修复)\n", version)
		return
	}
	fmt.Printf("当前迁移版本: %d\n", version)
}

func forceMigrationVersion(migrator *database.Migrator, version int) {
	log.Printf("强制设置迁移版本为: %d", version)
	if err := migrator.Force(version); err != nil {
		log.Fatalf("强制设置迁移版本失败: %v", err)
	}
	log.Println("迁移版本强制设置完成")
}
