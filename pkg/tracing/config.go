package tracing

import (
	"fmt"
	"time"

	"github.com/tokmz/qichat/pkg/errors"
)

// 导出器类型
const (
	ExporterOTLP     = "otlp"      // OTLP over HTTP
	ExporterOTLPGRPC = "otlp_grpc" // OTLP over gRPC
	ExporterStdout   = "stdout"
	ExporterNoop     = "noop"
)

// ErrInvalidConfig 链路追踪配置错误
var ErrInvalidConfig = errors.New(5001, 500, "链路追踪配置错误", nil)

// Config 链路追踪配置
type Config struct {
	Enabled bool `mapstructure:"enabled"` // 是否启用（关闭时使用 noop 导出器）

	ServiceName    string `mapstructure:"serviceName"`    // 服务名称（必填）
	ServiceVersion string `mapstructure:"serviceVersion"` // 服务版本
	Environment    string `mapstructure:"environment"`    // 环境（dev/staging/prod）

	ExporterType     string            `mapstructure:"exporter"` // otlp/otlp_grpc/stdout/noop
	ExporterEndpoint string            `mapstructure:"endpoint"` // Collector 地址
	ExporterHeaders  map[string]string `mapstructure:"headers"`  // 导出请求头（用于认证）
	Insecure         bool              `mapstructure:"insecure"` // 不使用 TLS

	SamplingType string  `mapstructure:"samplingType"` // always/never/ratio/parent_based
	SamplingRate float64 `mapstructure:"samplingRate"` // 0.0-1.0

	ResourceAttributes map[string]string `mapstructure:"attributes"`

	// 批处理配置
	BatchTimeout       time.Duration `mapstructure:"batchTimeout"`
	MaxExportBatchSize int           `mapstructure:"maxExportBatchSize"`
	MaxQueueSize       int           `mapstructure:"maxQueueSize"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Enabled:            false,
		ServiceName:        "qichat",
		ServiceVersion:     "dev",
		Environment:        "development",
		ExporterType:       ExporterStdout,
		SamplingType:       "parent_based",
		SamplingRate:       1.0,
		BatchTimeout:       5 * time.Second,
		MaxExportBatchSize: 512,
		MaxQueueSize:       2048,
	}
}

// setDefaults 补齐零值字段
func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.ServiceName == "" {
		c.ServiceName = d.ServiceName
	}
	if c.ExporterType == "" {
		c.ExporterType = d.ExporterType
	}
	if c.SamplingType == "" {
		c.SamplingType = d.SamplingType
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	if c.MaxExportBatchSize <= 0 {
		c.MaxExportBatchSize = d.MaxExportBatchSize
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("%w: service name is required", ErrInvalidConfig)
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("%w: sampling rate must be between 0.0 and 1.0", ErrInvalidConfig)
	}

	switch c.ExporterType {
	case ExporterOTLP, ExporterOTLPGRPC, ExporterStdout, ExporterNoop:
		return nil
	default:
		return fmt.Errorf("%w: invalid exporter type %q", ErrInvalidConfig, c.ExporterType)
	}
}
