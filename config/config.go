package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	CheckIn  CheckInConfig  `yaml:"checkin"`
}

type StorageConfig struct {
	// Backend is "file" or "postgres". Empty means "file".
	Backend string `yaml:"backend"`
	// Dir is the document directory for the file backend.
	Dir string `yaml:"dir"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	SignCompletedTopicName string `yaml:"sign_completed_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type CheckInConfig struct {
	WorkerHTTPAddr string `yaml:"worker_http_addr"`
	APIHTTPAddr    string `yaml:"api_http_addr"`

	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	// Timezone for daily/weekly schedules, IANA name. Empty means local.
	Timezone string `yaml:"timezone"`

	CourseCacheTTLSeconds int `yaml:"course_cache_ttl_seconds"`

	// Monitor probe budget per account.
	ProbeLimitPerWindow int `yaml:"probe_limit_per_window"`
	ProbeWindowSeconds  int `yaml:"probe_window_seconds"`

	// PhotoPath is the image submitted for photo check-ins.
	PhotoPath string `yaml:"photo_path"`

	// Platform host overrides, mostly for local emulators. Empty fields fall
	// back to the real hosts.
	PassportBaseURL string `yaml:"passport_base_url"`
	APIBaseURL      string `yaml:"api_base_url"`
	StudyBaseURL    string `yaml:"study_base_url"`
	MobileBaseURL   string `yaml:"mobile_base_url"`
	PanBaseURL      string `yaml:"pan_base_url"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
