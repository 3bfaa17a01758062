// Package config loads the gateway configuration from the environment and an
// optional config file.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// FileEnv names the optional config file.
const FileEnv = "GATEWAY_CONFIG_FILE"

// Config holds all gateway configuration.
type Config struct {
	Service       ServiceConfig
	STT           STTConfig
	Yandex        YandexConfig
	Kafka         KafkaConfig
	Store         StoreConfig
	Session       SessionConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds service identity and listener settings.
type ServiceConfig struct {
	Principal   string
	Env         string
	HTTPAddr    string
	MetricsAddr string
	// APIKey, when set, is required in the X-API-Key header of management
	// requests.
	APIKey string
}

// STTConfig holds the defaults applied to connections that do not set
// their own recognition parameters.
type STTConfig struct {
	Provider          string
	Language          string
	SampleRateHz      int
	EnableDiarization bool
	InterimResults    bool   // google only
	AudioEncoding     string // google only
}

// YandexConfig holds SpeechKit credentials and endpoint.
type YandexConfig struct {
	APIKey           string
	IAMToken         string
	FolderID         string
	Endpoint         string
	StreamingEnabled bool
}

// KafkaConfig holds Kafka publisher configuration.
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Principal    string
}

// StoreConfig selects where ended-session transcripts are written.
type StoreConfig struct {
	Backend  string // local, s3 or none
	LocalDir string
	S3       S3Config
}

// S3Config holds object store settings.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// SessionConfig tunes session handling.
type SessionConfig struct {
	ResultBuffer int
	DrainTimeout time.Duration
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
}

var defaults = map[string]any{
	"service_principal":         "svc-transcription-gateway",
	"env":                       "",
	"http_addr":                 ":8000",
	"metrics_addr":              ":9090",
	"api_key":                   "",
	"stt_provider":              "yandex",
	"stt_language":              "ru-RU",
	"stt_sample_rate_hz":        16000,
	"stt_enable_diarization":    true,
	"stt_interim_results":       true,
	"stt_audio_encoding":        "LINEAR16",
	"yandex_api_key":            "",
	"yandex_iam_token":          "",
	"yandex_folder_id":          "",
	"yandex_endpoint":           "stt.api.cloud.yandex.net:443",
	"yandex_streaming_enabled":  true,
	"kafka_enabled":             false,
	"kafka_brokers":             "",
	"kafka_topic_partial":       "transcription.transcript.partial",
	"kafka_topic_final":         "transcription.transcript.final",
	"kafka_principal":           "",
	"store_backend":             "local",
	"store_local_dir":           "data",
	"s3_bucket":                 "",
	"s3_prefix":                 "",
	"s3_region":                 "us-east-1",
	"s3_endpoint":               "",
	"s3_access_key_id":          "",
	"s3_secret_access_key":      "",
	"session_result_buffer":     256,
	"session_drain_timeout":     "5s",
	"log_level":                 "info",
	"log_format":                "json",
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration from the environment, layered over the file
// named by GATEWAY_CONFIG_FILE when set. Malformed values fall back to
// their defaults.
func Load() *Config {
	v := newViper()
	if path := v.GetString(strings.ToLower(FileEnv)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to read config file, using environment only")
		}
	}
	return fromViper(v)
}

// Defaults returns the configuration with every setting at its default.
func Defaults() *Config {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) *Config {
	principal := v.GetString("service_principal")
	kafkaPrincipal := v.GetString("kafka_principal")
	if kafkaPrincipal == "" {
		kafkaPrincipal = principal
	}

	return &Config{
		Service: ServiceConfig{
			Principal:   principal,
			Env:         v.GetString("env"),
			HTTPAddr:    v.GetString("http_addr"),
			MetricsAddr: v.GetString("metrics_addr"),
			APIKey:      v.GetString("api_key"),
		},
		STT: STTConfig{
			Provider:          v.GetString("stt_provider"),
			Language:          v.GetString("stt_language"),
			SampleRateHz:      getInt(v, "stt_sample_rate_hz"),
			EnableDiarization: getBool(v, "stt_enable_diarization"),
			InterimResults:    getBool(v, "stt_interim_results"),
			AudioEncoding:     v.GetString("stt_audio_encoding"),
		},
		Yandex: YandexConfig{
			APIKey:           v.GetString("yandex_api_key"),
			IAMToken:         v.GetString("yandex_iam_token"),
			FolderID:         v.GetString("yandex_folder_id"),
			Endpoint:         v.GetString("yandex_endpoint"),
			StreamingEnabled: getBool(v, "yandex_streaming_enabled"),
		},
		Kafka: KafkaConfig{
			Enabled:      getBool(v, "kafka_enabled"),
			Brokers:      splitList(v.GetString("kafka_brokers")),
			TopicPartial: v.GetString("kafka_topic_partial"),
			TopicFinal:   v.GetString("kafka_topic_final"),
			Principal:    kafkaPrincipal,
		},
		Store: StoreConfig{
			Backend:  strings.ToLower(v.GetString("store_backend")),
			LocalDir: v.GetString("store_local_dir"),
			S3: S3Config{
				Bucket:          v.GetString("s3_bucket"),
				Prefix:          v.GetString("s3_prefix"),
				Region:          v.GetString("s3_region"),
				Endpoint:        v.GetString("s3_endpoint"),
				AccessKeyID:     v.GetString("s3_access_key_id"),
				SecretAccessKey: v.GetString("s3_secret_access_key"),
			},
		},
		Session: SessionConfig{
			ResultBuffer: getInt(v, "session_result_buffer"),
			DrainTimeout: getDuration(v, "session_drain_timeout"),
		},
		Observability: ObservabilityConfig{
			LogLevel:  v.GetString("log_level"),
			LogFormat: v.GetString("log_format"),
		},
	}
}

// defaultString renders the default of key for parsing.
func defaultString(key string) string {
	switch d := defaults[key].(type) {
	case string:
		return d
	case int:
		return strconv.Itoa(d)
	case bool:
		return strconv.FormatBool(d)
	default:
		return ""
	}
}

func getInt(v *viper.Viper, key string) int {
	if n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key))); err == nil {
		return n
	}
	log.Warn().Str("key", key).Str("value", v.GetString(key)).Msg("Invalid integer, using default")
	n, _ := strconv.Atoi(defaultString(key))
	return n
}

func getBool(v *viper.Viper, key string) bool {
	if b, err := strconv.ParseBool(strings.TrimSpace(v.GetString(key))); err == nil {
		return b
	}
	log.Warn().Str("key", key).Str("value", v.GetString(key)).Msg("Invalid boolean, using default")
	b, _ := strconv.ParseBool(defaultString(key))
	return b
}

func getDuration(v *viper.Viper, key string) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(v.GetString(key))); err == nil {
		return d
	}
	log.Warn().Str("key", key).Str("value", v.GetString(key)).Msg("Invalid duration, using default")
	d, _ := time.ParseDuration(defaultString(key))
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
