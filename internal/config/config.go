package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
)

// Config 全局配置结构体
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Courier   CourierConfig   `mapstructure:"courier"`
	Protocol  ProtocolConfig  `mapstructure:"protocol"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Log       LogConfig       `mapstructure:"log"`
	Security  SecurityConfig  `mapstructure:"security"`
	System    SystemConfig    `mapstructure:"system"`
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SerialConfig 串口配置
type SerialConfig struct {
	Port        string        `mapstructure:"port"`
	BaudRate    int           `mapstructure:"baud_rate"`
	DataBits    int           `mapstructure:"data_bits"`
	StopBits    int           `mapstructure:"stop_bits"`
	Parity      string        `mapstructure:"parity"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"` // 单次底层读取超时
	Timeout     time.Duration `mapstructure:"timeout"`      // 一帧响应的最长等待时间
	Simulate    bool          `mapstructure:"simulate"`     // 使用内置模拟器代替真实设备
}

// CourierConfig 轮询器配置
type CourierConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	RetryLimit         int           `mapstructure:"retry_limit"`
	ResetSettle        time.Duration `mapstructure:"reset_settle"`
	SignedSerialDigit  bool          `mapstructure:"signed_serial_digit"` // 兼容旧设备的序列号末位渲染
	QueryIdentityStart bool          `mapstructure:"query_identity_on_start"`
	LinkEvents         bool          `mapstructure:"link_events"` // 是否向监听者推送原始收发帧
}

// ProtocolConfig 协议配置
type ProtocolConfig struct {
	EnabledBills byte     `mapstructure:"enabled_bills"` // 低7位，每位对应一种面额
	EscrowMode   bool     `mapstructure:"escrow_mode"`
	BillNames    []string `mapstructure:"bill_names"`
}

// WebSocketConfig WebSocket配置
type WebSocketConfig struct {
	Path            string        `mapstructure:"path"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	JWT JWTConfig `mapstructure:"jwt"`
}

// JWTConfig JWT配置，Secret为空时控制接口不做认证
type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	Timezone string `mapstructure:"timezone"`
	MaxProcs int    `mapstructure:"max_procs"`
}

// 设备复位后至少等待500ms再重新打开串口
const minResetSettle = 500 * time.Millisecond

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()
		var loaded *Config
		loaded, err = load(v, configPath)
		if err != nil {
			return
		}
		mu.Lock()
		cfg = loaded
		mu.Unlock()
	})

	return err
}

// Load 读取配置但不修改全局实例（用于测试和工具）
func Load(configPath string) (*Config, error) {
	return load(viper.New(), configPath)
}

func load(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// 设置环境变量前缀
	v.SetEnvPrefix("BILL_ACCEPTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认配置
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, apperrors.Wrap(err, apperrors.ErrConfigLoad, "read config")
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrConfigParse, "unmarshal config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Apex RS-232: 9600 7E1
	v.SetDefault("serial.port", "/dev/ttyUSB0")
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 7)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "E")
	v.SetDefault("serial.read_timeout", "20ms")
	v.SetDefault("serial.timeout", "100ms")
	v.SetDefault("serial.simulate", false)

	v.SetDefault("courier.poll_interval", "100ms")
	v.SetDefault("courier.retry_limit", 5)
	v.SetDefault("courier.reset_settle", "500ms")
	v.SetDefault("courier.signed_serial_digit", true)
	v.SetDefault("courier.query_identity_on_start", true)
	v.SetDefault("courier.link_events", true)

	v.SetDefault("protocol.enabled_bills", 0x7F)
	v.SetDefault("protocol.escrow_mode", false)

	v.SetDefault("websocket.path", "/ws/events")
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.ping_interval", "54s")
	v.SetDefault("websocket.pong_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "10s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "bill-acceptor.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("security.jwt.expire_hours", 24)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Courier.PollInterval <= 0 {
		return apperrors.Newf(apperrors.ErrConfigValidate, "courier.poll_interval must be > 0")
	}
	if c.Courier.RetryLimit < 1 {
		return apperrors.Newf(apperrors.ErrConfigValidate, "courier.retry_limit must be >= 1")
	}
	if c.Courier.ResetSettle < minResetSettle {
		return apperrors.Newf(apperrors.ErrConfigValidate, "courier.reset_settle must be >= %v", minResetSettle)
	}
	if c.Serial.Timeout <= 0 {
		return apperrors.Newf(apperrors.ErrConfigValidate, "serial.timeout must be > 0")
	}
	if c.Serial.BaudRate <= 0 {
		return apperrors.Newf(apperrors.ErrConfigValidate, "serial.baud_rate must be > 0")
	}
	switch strings.ToUpper(c.Serial.Parity) {
	case "", "N", "NONE", "E", "EVEN", "O", "ODD":
	default:
		return apperrors.Newf(apperrors.ErrConfigValidate, "serial.parity %q is not supported", c.Serial.Parity)
	}
	if c.Protocol.EnabledBills&0x80 != 0 {
		return apperrors.Newf(apperrors.ErrConfigValidate, "protocol.enabled_bills must fit in 7 bits")
	}
	if len(c.Protocol.BillNames) > 7 {
		return apperrors.Newf(apperrors.ErrConfigValidate, "protocol.bill_names supports at most 7 entries")
	}
	return nil
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	if v == nil {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}
		if err := newCfg.Validate(); err != nil {
			fmt.Printf("配置重载校验失败: %v\n", err)
			return
		}

		mu.Lock()
		cfg = newCfg
		mu.Unlock()

		if callback != nil {
			callback(newCfg)
		}
	})
	v.WatchConfig()
}
