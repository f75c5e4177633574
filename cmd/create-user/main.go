package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"miniquant/internal/config"
	"miniquant/internal/database"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
		username   = flag.String("username", "", "用户名")
		password   = flag.String("password", "", "密码，为空时读取 MINIQUANT_USER_PASSWORD")
		role       = flag.String("role", "user", "角色: admin 或 user")
		purge      = flag.Bool("purge-sessions", false, "清理过期的刷新令牌")
	)
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("加载 .env 失败: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("加载配置文件失败: %v", err)
	}

	ctx := context.Background()
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

	users := database.NewUserRepository(db.DB)

	if *purge {
		n, err := users.DeleteExpiredSessions(ctx)
		if err != nil {
			log.Fatalf("清理会话失败: %v", err)
		}
		fmt.Printf("已清理 %d 个过期会话\n", n)
		if *username == "" {
			return
		}
	}

	if *username == "" {
		log.Fatal("请指定 -username")
	}
	if *password == "" {
		*password = os.Getenv("MINIQUANT_USER_PASSWORD")
	}
	if len(*password) < 8 {
		log.Fatal("密码至少 8 位")
	}
	if *role != "admin" && *role != "user" {
		log.Fatalf("未知角色: %s", *role)
	}

	user, err := users.CreateUser(ctx, *username, *password, *role)
	if err != nil {
		log.Fatalf("创建用户失败: %v", err)
	}
	fmt.Printf("用户已创建: %s (%s) id=%s\n", user.Username, user.Role, user.ID)
}
