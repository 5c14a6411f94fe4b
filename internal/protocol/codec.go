package protocol

import (
	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
)

// CreditAction 主机在下一条标准命令中携带的入账动作
type CreditAction byte

const (
	ActionNone   CreditAction = 0x00
	ActionStack  CreditAction = 0x20 // 压钞
	ActionReturn CreditAction = 0x40 // 退钞
)

// String 动作名称
func (a CreditAction) String() string {
	switch a {
	case ActionStack:
		return "stack"
	case ActionReturn:
		return "return"
	default:
		return "none"
	}
}

const escrowEnableBit byte = 0x10

// Config 编解码器配置
type Config struct {
	EnabledBills byte     // 低7位，bit0对应面额索引1
	EscrowMode   bool     // 开启后纸币在暂存位等待主机决定
	BillNames    []string // 面额名称，索引1-7
}

// Response 一帧设备响应的解析结果
type Response struct {
	Action           CreditAction
	Model            byte
	FirmwareRevision byte
	Events           []EventKind
	CreditIndex      int
	BillName         string
	Raw              []byte
}

// Codec Apex RS-232 编解码器。ack位状态随标准命令翻转，只能由轮询循环单线程使用
type Codec struct {
	cfg   Config
	bills *BillTable
	ack   byte
}

// NewCodec 创建编解码器
func NewCodec(cfg Config) *Codec {
	cfg.EnabledBills &= 0x7F
	return &Codec{
		cfg:   cfg,
		bills: NewBillTable(cfg.BillNames),
	}
}

// BuildNormal 构建标准命令帧，携带上一轮解析出的入账动作
func (c *Codec) BuildNormal(action CreditAction) []byte {
	var d1 byte
	if c.cfg.EscrowMode {
		d1 = escrowEnableBit
	}
	frame := Wrap([]byte{MsgHostCommand | c.ack, c.cfg.EnabledBills, d1, byte(action)})
	c.ack ^= ackMask
	return frame
}

// BuildReset 构建复位帧，设备不回复
func (c *Codec) BuildReset() []byte {
	return Wrap([]byte{MsgReset | c.ack, 0x7F, 0x7F, 0x7F})
}

// BuildIdentity 构建序列号查询帧
func (c *Codec) BuildIdentity() []byte {
	return Wrap([]byte{MsgExtended | c.ack, SubSerialNumber})
}

// IsValid 校验响应帧
func (c *Codec) IsValid(frame []byte) bool {
	return IsValid(frame)
}

// MaxResponseLen 单次读取的最大长度
func (c *Codec) MaxResponseLen() int {
	return MaxResponseLen
}

// Parse 解析标准响应帧，调用方需先通过IsValid校验
func (c *Codec) Parse(frame []byte) (*Response, error) {
	if len(frame) != SlaveFrameLen || frame[2]&0xF0 != MsgSlaveReply {
		return nil, apperrors.Newf(apperrors.ErrInvalidResponse, "unexpected reply: %s", HexString(frame))
	}

	d0, d1, d2 := frame[3], frame[4], frame[5]
	resp := &Response{
		Model:            frame[6],
		FirmwareRevision: frame[7],
		Events:           classify(d0, d1, d2),
		CreditIndex:      creditIndex(d2),
		Raw:              append([]byte(nil), frame...),
	}
	if resp.CreditIndex != 0 {
		resp.BillName = c.bills.Name(resp.CreditIndex)
	}
	resp.Action = c.decide(d0, resp.CreditIndex)
	return resp, nil
}

// decide 暂存模式下，已启用的面额压钞，其余退钞
func (c *Codec) decide(d0 byte, index int) CreditAction {
	if !c.cfg.EscrowMode || d0&bitEscrowed == 0 {
		return ActionNone
	}
	if index >= 1 && index <= 7 && c.cfg.EnabledBills&(1<<(index-1)) != 0 {
		return ActionStack
	}
	return ActionReturn
}
