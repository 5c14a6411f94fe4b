package hardware

import (
	"io"
	"os"

	"github.com/tarm/serial"
)

// SerialPort 串口接口（用于测试）
type SerialPort interface {
	io.ReadWriteCloser
	Flush() error
}

// PortOpener 打开串口的函数，测试时替换为模拟实现
type PortOpener func(cfg *serial.Config) (SerialPort, error)

// OpenTarmPort 使用 tarm/serial 打开真实串口
func OpenTarmPort(cfg *serial.Config) (SerialPort, error) {
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// SerialPortExists 检查串口设备是否存在
func SerialPortExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
