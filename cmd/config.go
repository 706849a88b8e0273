package main

import (
	"errors"
	"fmt"
	"os"

	"veille/internal/fetcher"
	"veille/internal/logging"
	"veille/internal/notifier"
	"veille/internal/pipeline"
	"veille/internal/scheduler"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// AppConfig 应用配置。
type AppConfig struct {
	Fetcher   fetcher.Config       `yaml:"fetcher"`
	Pipeline  pipeline.Config      `yaml:"pipeline"`
	Alerts    notifier.Config      `yaml:"alerts"`
	Email     notifier.EmailConfig `yaml:"email"`
	Scheduler scheduler.Config     `yaml:"scheduler"`
	Server    ServerConfig         `yaml:"server"`
	Database  DatabaseConfig       `yaml:"database"`
	Log       logging.Config       `yaml:"log"`
}

type ServerConfig struct {
	Addr            string `yaml:"addr"`
	CronSecret      string `yaml:"cron_secret"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	// OrganizationsHeader 非空时启用按需抓取与订阅设置，由网关在该请求头中传入用户所属机构。
	// 必须同时配置 GatewaySecret，且服务只应暴露在网关之后。
	OrganizationsHeader string `yaml:"organizations_header"`
	GatewaySecretHeader string `yaml:"gateway_secret_header"`
	GatewaySecret       string `yaml:"gateway_secret"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// envOverrides 为环境变量覆盖项，前缀 VEILLE_。
type envOverrides struct {
	CronSecret    string `envconfig:"CRON_SECRET"`
	GatewaySecret string `envconfig:"GATEWAY_SECRET"`
	DatabasePath  string `envconfig:"DATABASE_PATH"`
	SMTPPassword  string `envconfig:"SMTP_PASSWORD"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
	Addr          string `envconfig:"ADDR"`
}

// loadConfig 读取 YAML 配置，文件不存在时使用默认值，随后应用环境变量。
func loadConfig(path string) (AppConfig, error) {
	var cfg AppConfig
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("parse config: %w", err)
		}
	}

	var env envOverrides
	if err := envconfig.Process("veille", &env); err != nil {
		return AppConfig{}, fmt.Errorf("read env: %w", err)
	}
	if env.CronSecret != "" {
		cfg.Server.CronSecret = env.CronSecret
	}
	if env.GatewaySecret != "" {
		cfg.Server.GatewaySecret = env.GatewaySecret
	}
	if env.DatabasePath != "" {
		cfg.Database.Path = env.DatabasePath
	}
	if env.SMTPPassword != "" {
		cfg.Email.Password = env.SMTPPassword
	}
	if env.LogLevel != "" {
		cfg.Log.Level = env.LogLevel
	}
	if env.Addr != "" {
		cfg.Server.Addr = env.Addr
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/veille.db"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	return cfg, nil
}
