package hardware

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
	"github.com/wfunc/bill-acceptor/internal/logger"
	"go.uber.org/zap"
)

const defaultReadTimeout = 20 * time.Millisecond

// TransportConfig 串口传输配置
type TransportConfig struct {
	Port        string
	BaudRate    int
	DataBits    int
	StopBits    int
	Parity      string
	ReadTimeout time.Duration // 单次底层读取的超时，必须大于0，否则tarm/serial会一直阻塞
}

// SerialTransport 半双工串口传输层。
// 只由轮询循环调用读写；Close可在轮询停止后由其他协程调用。
type SerialTransport struct {
	cfg      TransportConfig
	opener   PortOpener
	frameLen func([]byte) int
	logger   *zap.Logger

	mu   sync.Mutex
	port SerialPort
}

// NewSerialTransport 创建串口传输层。frameLen返回缓冲区中完整帧的长度（未收齐为0），opener为nil时使用真实串口
func NewSerialTransport(cfg TransportConfig, frameLen func([]byte) int, opener PortOpener) *SerialTransport {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if opener == nil {
		opener = OpenTarmPort
	}
	if frameLen == nil {
		frameLen = func([]byte) int { return 0 }
	}
	return &SerialTransport{
		cfg:      cfg,
		opener:   opener,
		frameLen: frameLen,
		logger:   logger.WithModule("serial"),
	}
}

// serialConfig 转换为 tarm/serial 配置
func (t *SerialTransport) serialConfig() *serial.Config {
	parity := serial.ParityNone
	switch strings.ToUpper(t.cfg.Parity) {
	case "O", "ODD":
		parity = serial.ParityOdd
	case "E", "EVEN":
		parity = serial.ParityEven
	}

	stopBits := serial.Stop1
	if t.cfg.StopBits == 2 {
		stopBits = serial.Stop2
	}

	size := byte(8)
	if t.cfg.DataBits > 0 {
		size = byte(t.cfg.DataBits)
	}

	return &serial.Config{
		Name:        t.cfg.Port,
		Baud:        t.cfg.BaudRate,
		Size:        size,
		Parity:      parity,
		StopBits:    stopBits,
		ReadTimeout: t.cfg.ReadTimeout,
	}
}

// Open 打开串口，已打开时直接返回
func (t *SerialTransport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port != nil {
		return nil
	}

	port, err := t.opener(t.serialConfig())
	if err != nil {
		t.logger.Error("打开串口失败",
			zap.String("port", t.cfg.Port),
			zap.Error(err))
		return apperrors.Wrapf(err, apperrors.ErrSerialPortOpen, "open %s", t.cfg.Port)
	}

	t.port = port
	t.logger.Info("串口已打开",
		zap.String("port", t.cfg.Port),
		zap.Int("baud_rate", t.cfg.BaudRate))
	return nil
}

// Close 关闭串口，未打开时直接返回
func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return nil
	}

	err := t.port.Close()
	t.port = nil
	if err != nil {
		t.logger.Warn("关闭串口时出错", zap.Error(err))
		return apperrors.Wrap(err, apperrors.ErrSerialPortOpen, "close")
	}
	t.logger.Info("串口已关闭", zap.String("port", t.cfg.Port))
	return nil
}

// IsOpen 串口是否已打开
func (t *SerialTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// PortName 串口设备路径
func (t *SerialTransport) PortName() string {
	return t.cfg.Port
}

func (t *SerialTransport) current() (SerialPort, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, apperrors.New(apperrors.ErrDeviceOffline, "port not open")
	}
	return t.port, nil
}

// Flush 丢弃输入缓冲区中的数据
func (t *SerialTransport) Flush() error {
	port, err := t.current()
	if err != nil {
		return err
	}
	if err := port.Flush(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrSerialPortRead, "flush")
	}
	return nil
}

// Write 写入一帧
func (t *SerialTransport) Write(frame []byte) error {
	port, err := t.current()
	if err != nil {
		return err
	}

	n, err := port.Write(frame)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrSerialPortWrite)
	}
	if n != len(frame) {
		return apperrors.Newf(apperrors.ErrSerialPortWrite, "short write %d/%d", n, len(frame))
	}
	return nil
}

// ReadFrame 读取一帧响应：收齐一帧或读满maxLen字节即返回，超过timeout返回超时错误。
// 同一次读取中跟在帧后的字节被丢弃
func (t *SerialTransport) ReadFrame(maxLen int, timeout time.Duration) ([]byte, error) {
	port, err := t.current()
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 0, maxLen)
	chunk := make([]byte, maxLen)

	for len(buf) < maxLen {
		if time.Now().After(deadline) {
			return nil, apperrors.Newf(apperrors.ErrSerialTimeout,
				"%d bytes received in %v", len(buf), timeout)
		}

		n, err := port.Read(chunk[:maxLen-len(buf)])
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if size := t.frameLen(buf); size > 0 {
				if size < len(buf) {
					t.logger.Debug("丢弃帧后多余字节", zap.Int("extra", len(buf)-size))
					buf = buf[:size]
				}
				return buf, nil
			}
			continue
		}
		// tarm/serial 在读超时时返回 0 字节（部分平台附带 io.EOF）
		if err != nil && err != io.EOF {
			return nil, apperrors.Wrap(err, apperrors.ErrSerialPortRead)
		}
	}

	if size := t.frameLen(buf); size > 0 && size < len(buf) {
		buf = buf[:size]
	}
	return buf, nil
}
