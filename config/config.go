package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	NodeID              string        `mapstructure:"node_id"`
	Port                int           `mapstructure:"port"`
	StoragePath         string        `mapstructure:"storage_path"`
	OutputPath          string        `mapstructure:"output_path"`
	ChunkSize           int64         `mapstructure:"chunk_size"`
	MaxInflight         int           `mapstructure:"max_inflight"`
	AckTimeout          time.Duration `mapstructure:"ack_timeout"`
	SessionsPerUser     int           `mapstructure:"sessions_per_user"`
	DedupWindow         time.Duration `mapstructure:"dedup_window"`
	ProgressInterval    time.Duration `mapstructure:"progress_interval"`
	ProgressMinDeltaPct float64       `mapstructure:"progress_min_delta_pct"`
}

var Config *AppConfig

func LoadConfig(path string) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(path)
	viper.AutomaticEnv()

	viper.SetDefault("node_id", "filebeam-default-node")
	viper.SetDefault("port", 8080)
	viper.SetDefault("storage_path", "./data")
	viper.SetDefault("output_path", "./received")
	viper.SetDefault("chunk_size", 0) // 0 = choose by file size
	viper.SetDefault("max_inflight", 4)
	viper.SetDefault("ack_timeout", 10*time.Second)
	viper.SetDefault("sessions_per_user", 3)
	viper.SetDefault("dedup_window", 10*time.Second)
	viper.SetDefault("progress_interval", 500*time.Millisecond)
	viper.SetDefault("progress_min_delta_pct", 1.0)

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("⚠️ Could not read config file, using defaults: %v", err)
	}

	var appConfig AppConfig
	if err := viper.Unmarshal(&appConfig); err != nil {
		log.Fatalf("❌ Unable to decode config into struct: %v", err)
	}

	Config = &appConfig

	fmt.Println("✅ Configuration loaded successfully.")
}
