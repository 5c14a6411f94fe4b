package protocol

import (
	"fmt"
	"strings"
)

// 帧定义
const (
	STX byte = 0x02 // 帧头
	ETX byte = 0x03 // 帧尾

	// 信封开销：STX + LEN + ETX + CHK
	envelopeLen = 4

	HostFrameLen  = 8  // 主机标准命令帧长度
	SlaveFrameLen = 11 // 设备标准响应帧长度

	// MaxResponseLen 一次读取的最大响应长度
	MaxResponseLen = SlaveFrameLen
)

// 消息类型（高4位）
const (
	MsgHostCommand  byte = 0x10 // 主机标准命令
	MsgSlaveReply   byte = 0x20 // 设备标准响应
	MsgReset        byte = 0x60 // 复位
	MsgExtended     byte = 0x70 // 扩展命令
	ackMask         byte = 0x01
	SubSerialNumber byte = 0x05 // 扩展子命令：查询序列号
)

// Checksum 计算校验和：LEN到ETX之前所有字节的异或
func Checksum(frame []byte) byte {
	var chk byte
	for _, b := range frame[1 : len(frame)-2] {
		chk ^= b
	}
	return chk
}

// Wrap 把消息体封装为完整帧：STX LEN body... ETX CHK
func Wrap(body []byte) []byte {
	frame := make([]byte, 0, len(body)+envelopeLen)
	frame = append(frame, STX, byte(len(body)+envelopeLen))
	frame = append(frame, body...)
	frame = append(frame, ETX, 0)
	frame[len(frame)-1] = Checksum(frame)
	return frame
}

// IsValid 校验帧格式：帧头、长度字段、帧尾位置与校验和
func IsValid(frame []byte) bool {
	if len(frame) < envelopeLen+1 {
		return false
	}
	if frame[0] != STX {
		return false
	}
	if int(frame[1]) != len(frame) {
		return false
	}
	if frame[len(frame)-2] != ETX {
		return false
	}
	return frame[len(frame)-1] == Checksum(frame)
}

// FrameLength 返回缓冲区开头完整帧的长度（按长度字段），未收齐时返回0。
// 传输层据此提前结束读取并丢弃帧后多余的字节
func FrameLength(buf []byte) int {
	if len(buf) < 2 {
		return 0
	}
	if buf[0] != STX {
		// 错位数据：交给上层校验并冲刷
		return len(buf)
	}
	n := int(buf[1])
	if n < 2 {
		return len(buf)
	}
	if len(buf) < n {
		return 0
	}
	return n
}

// HexString 以空格分隔的大写十六进制渲染字节
func HexString(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(len(data) * 3)
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}
