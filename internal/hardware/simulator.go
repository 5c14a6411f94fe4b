package hardware

import (
	"errors"
	"sync"
	"time"

	"github.com/tarm/serial"
	"github.com/wfunc/bill-acceptor/internal/logger"
	"github.com/wfunc/bill-acceptor/internal/protocol"
	"go.uber.org/zap"
)

var errSimulatorClosed = errors.New("simulator port closed")

// 设备端响应位
const (
	simIdling    byte = 0x01
	simAccepting byte = 0x02
	simEscrowed  byte = 0x04
	simStacked   byte = 0x10
	simReturned  byte = 0x40

	simRejected       byte = 0x02
	simCassetteInside byte = 0x10

	simPowerUp byte = 0x01
)

type simPhase int

const (
	phaseIdle simPhase = iota
	phaseAccepting
	phaseEscrowed
	phaseStacked
	phaseReturned
	phaseRejected
)

// Simulator 模拟Apex纸币器（用于无硬件运行和测试）。
// 实现SerialPort：写入主机命令后生成对应的设备响应
type Simulator struct {
	mu     sync.Mutex
	logger *zap.Logger

	closed  bool
	pending []byte

	phase    simPhase
	bill     int
	queue    []int
	powerUp  bool
	model    byte
	firmware byte
	serial   [5]byte

	// 没有数据时单次读取的等待时间
	readDelay time.Duration
}

// NewSimulator 创建模拟器
func NewSimulator() *Simulator {
	return &Simulator{
		logger:    logger.WithModule("simulator"),
		powerUp:   true,
		model:     'T',
		firmware:  0x21,
		serial:    [5]byte{0x12, 0x34, 0x56, 0x78, 0x09},
		readDelay: 5 * time.Millisecond,
	}
}

// Opener 返回打开模拟器的PortOpener
func (s *Simulator) Opener() PortOpener {
	return func(*serial.Config) (SerialPort, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = false
		s.pending = nil
		return s, nil
	}
}

// InsertBill 模拟投入一张纸币，index为面额索引1-7
func (s *Simulator) InsertBill(index int) error {
	if index < 1 || index > 7 {
		return errors.New("bill index must be 1-7")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, index)
	s.logger.Info("模拟投入纸币", zap.Int("index", index))
	return nil
}

// SetSerialNumber 设置序列号查询返回的5个字节
func (s *Simulator) SetSerialNumber(b [5]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serial = b
}

// Write 接收主机命令
func (s *Simulator) Write(frame []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errSimulatorClosed
	}
	if !protocol.IsValid(frame) {
		return len(frame), nil
	}

	ack := frame[2] & 0x01
	switch frame[2] & 0xF0 {
	case protocol.MsgHostCommand:
		s.pending = s.poll(ack, frame[3], frame[4]&0x10 != 0, protocol.CreditAction(frame[5]))
	case protocol.MsgReset:
		s.phase = phaseIdle
		s.queue = nil
		s.powerUp = true
		s.pending = nil
	case protocol.MsgExtended:
		if len(frame) > 3 && frame[3] == protocol.SubSerialNumber {
			body := append([]byte{protocol.MsgExtended | ack}, s.serial[:]...)
			s.pending = protocol.Wrap(body)
		}
	}
	return len(frame), nil
}

// poll 推进状态机并生成标准响应
func (s *Simulator) poll(ack, enabled byte, escrow bool, action protocol.CreditAction) []byte {
	switch s.phase {
	case phaseEscrowed:
		switch action {
		case protocol.ActionStack:
			s.phase = phaseStacked
		case protocol.ActionReturn:
			s.phase = phaseReturned
		}
	case phaseStacked, phaseReturned, phaseRejected:
		s.phase = phaseIdle
		s.bill = 0
	case phaseAccepting:
		switch {
		case enabled&(1<<(s.bill-1)) == 0:
			s.phase = phaseRejected
		case escrow:
			s.phase = phaseEscrowed
		default:
			s.phase = phaseStacked
		}
	case phaseIdle:
		if len(s.queue) > 0 {
			s.bill = s.queue[0]
			s.queue = s.queue[1:]
			s.phase = phaseAccepting
		}
	}

	d1 := simCassetteInside
	var d0, d2 byte
	switch s.phase {
	case phaseIdle:
		d0 = simIdling
	case phaseAccepting:
		d0 = simAccepting
	case phaseEscrowed:
		d0 = simEscrowed
		d2 = byte(s.bill) << 3
	case phaseStacked:
		d0 = simStacked | simIdling
		d2 = byte(s.bill) << 3
	case phaseReturned:
		d0 = simReturned | simIdling
	case phaseRejected:
		d0 = simIdling
		d1 |= simRejected
	}
	if s.powerUp {
		d2 |= simPowerUp
		s.powerUp = false
	}

	return protocol.Wrap([]byte{protocol.MsgSlaveReply | ack, d0, d1, d2, s.model, s.firmware, 0x00})
}

// Read 读取待发送的响应，没有数据时模拟串口读超时
func (s *Simulator) Read(b []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, errSimulatorClosed
	}
	if len(s.pending) == 0 {
		delay := s.readDelay
		s.mu.Unlock()
		time.Sleep(delay)
		return 0, nil
	}
	n := copy(b, s.pending)
	s.pending = s.pending[n:]
	s.mu.Unlock()
	return n, nil
}

// Flush 丢弃未读取的响应
func (s *Simulator) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	return nil
}

// Close 关闭模拟串口
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
