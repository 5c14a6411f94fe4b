package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 9600, cfg.Serial.BaudRate)
	assert.Equal(t, 7, cfg.Serial.DataBits)
	assert.Equal(t, "E", cfg.Serial.Parity)
	assert.Equal(t, 100*time.Millisecond, cfg.Courier.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Courier.ResetSettle)
	assert.Equal(t, 5, cfg.Courier.RetryLimit)
	assert.Equal(t, byte(0x7F), cfg.Protocol.EnabledBills)
	assert.Equal(t, "/ws/events", cfg.WebSocket.Path)
	assert.True(t, cfg.Courier.LinkEvents)
	assert.True(t, cfg.Courier.QueryIdentityStart)
	assert.True(t, cfg.Courier.SignedSerialDigit, "默认与已部署设备的序列号渲染保持一致")
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
serial:
  port: /dev/ttyS3
  timeout: 250ms
courier:
  poll_interval: 50ms
  retry_limit: 3
  signed_serial_digit: false
protocol:
  enabled_bills: 3
  escrow_mode: true
  bill_names: ["1 EUR", "2 EUR"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyS3", cfg.Serial.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Serial.Timeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Courier.PollInterval)
	assert.Equal(t, 3, cfg.Courier.RetryLimit)
	assert.False(t, cfg.Courier.SignedSerialDigit)
	assert.Equal(t, byte(3), cfg.Protocol.EnabledBills)
	assert.True(t, cfg.Protocol.EscrowMode)
	assert.Equal(t, []string{"1 EUR", "2 EUR"}, cfg.Protocol.BillNames)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "")
	t.Setenv("BILL_ACCEPTOR_SERIAL_PORT", "/dev/ttyACM9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM9", cfg.Serial.Port)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Serial:  SerialConfig{BaudRate: 9600, Parity: "E", Timeout: 100 * time.Millisecond},
			Courier: CourierConfig{PollInterval: 100 * time.Millisecond, RetryLimit: 3},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"零轮询间隔", func(c *Config) { c.Courier.PollInterval = 0 }},
		{"重试次数为零", func(c *Config) { c.Courier.RetryLimit = 0 }},
		{"负的复位等待", func(c *Config) { c.Courier.ResetSettle = -time.Second }},
		{"零复位等待", func(c *Config) { c.Courier.ResetSettle = 0 }},
		{"复位等待过短", func(c *Config) { c.Courier.ResetSettle = 100 * time.Millisecond }},
		{"零串口超时", func(c *Config) { c.Serial.Timeout = 0 }},
		{"零波特率", func(c *Config) { c.Serial.BaudRate = 0 }},
		{"未知校验位", func(c *Config) { c.Serial.Parity = "M" }},
		{"面额掩码超出7位", func(c *Config) { c.Protocol.EnabledBills = 0xFF }},
		{"面额名称过多", func(c *Config) { c.Protocol.BillNames = make([]string, 8) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			assert.True(t, apperrors.Is(err, apperrors.ErrConfigValidate), "got %v", err)
		})
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := writeConfig(t, "courier:\n  retry_limit: 0\n")
	_, err := Load(path)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigValidate))
}
