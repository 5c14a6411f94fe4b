package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
)

// slaveFrame 构造设备标准响应帧
func slaveFrame(d0, d1, d2, model, fw byte) []byte {
	return Wrap([]byte{MsgSlaveReply, d0, d1, d2, model, fw, 0x00})
}

func TestWrapAndChecksum(t *testing.T) {
	frame := Wrap([]byte{MsgHostCommand, 0x7F, 0x00, 0x00})

	assert.Equal(t, []byte{0x02, 0x08, 0x10, 0x7F, 0x00, 0x00, 0x03, 0x67}, frame)
	assert.Equal(t, "02 08 10 7F 00 00 03 67", HexString(frame))
	assert.True(t, IsValid(frame))
}

func TestIsValid(t *testing.T) {
	good := slaveFrame(bitIdling, bitCassettePresent, 0, 'T', 0x21)
	require.True(t, IsValid(good))

	tests := []struct {
		name  string
		frame []byte
	}{
		{"空帧", nil},
		{"过短", []byte{STX, 0x03, ETX}},
		{"帧头错误", append([]byte{0xFF}, good[1:]...)},
		{"长度不符", good[:len(good)-1]},
		{"校验和错误", func() []byte {
			f := append([]byte(nil), good...)
			f[len(f)-1] ^= 0xFF
			return f
		}()},
		{"帧尾错误", func() []byte {
			f := append([]byte(nil), good...)
			f[len(f)-2] = 0x00
			f[len(f)-1] = Checksum(f)
			return f
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, IsValid(tt.frame))
		})
	}
}

func TestFrameLength(t *testing.T) {
	frame := slaveFrame(bitIdling, bitCassettePresent, 0, 'T', 0x21)

	assert.Zero(t, FrameLength(nil))
	assert.Zero(t, FrameLength(frame[:1]))
	assert.Zero(t, FrameLength(frame[:5]))
	assert.Equal(t, len(frame), FrameLength(frame))

	// 帧后跟随下一帧的开头时只取声明长度
	withTail := append(append([]byte{}, frame...), STX, 0x0B)
	assert.Equal(t, len(frame), FrameLength(withTail))

	// 错位数据立即交给上层处理
	assert.Equal(t, 2, FrameLength([]byte{0x55, 0x66}))
	assert.Equal(t, 3, FrameLength([]byte{STX, 0x01, 0x03}))
}

func TestBuildNormalTogglesAck(t *testing.T) {
	c := NewCodec(Config{EnabledBills: 0x7F})

	first := c.BuildNormal(ActionNone)
	second := c.BuildNormal(ActionStack)
	third := c.BuildNormal(ActionNone)

	assert.Equal(t, byte(0x10), first[2])
	assert.Equal(t, byte(0x11), second[2])
	assert.Equal(t, byte(0x10), third[2])
	assert.Equal(t, byte(ActionStack), second[5])
	for _, f := range [][]byte{first, second, third} {
		assert.True(t, IsValid(f))
		assert.Len(t, f, HostFrameLen)
	}
}

func TestBuildNormalEscrowBit(t *testing.T) {
	c := NewCodec(Config{EnabledBills: 0xFF, EscrowMode: true})
	frame := c.BuildNormal(ActionNone)

	assert.Equal(t, byte(0x7F), frame[3], "面额掩码只保留低7位")
	assert.Equal(t, escrowEnableBit, frame[4])
}

func TestMaintenanceFrames(t *testing.T) {
	c := NewCodec(Config{})

	reset := c.BuildReset()
	assert.True(t, IsValid(reset))
	assert.Equal(t, MsgReset, reset[2]&0xF0)
	assert.Equal(t, []byte{0x7F, 0x7F, 0x7F}, reset[3:6])

	identity := c.BuildIdentity()
	assert.True(t, IsValid(identity))
	assert.Equal(t, MsgExtended, identity[2]&0xF0)
	assert.Equal(t, SubSerialNumber, identity[3])

	// 维护帧不翻转ack
	assert.Equal(t, byte(0x10), c.BuildNormal(ActionNone)[2])
}

func TestParseEvents(t *testing.T) {
	c := NewCodec(Config{EnabledBills: 0x7F})

	tests := []struct {
		name       string
		d0, d1, d2 byte
		want       []EventKind
		bill       string
	}{
		{
			name: "空闲",
			d0:   bitIdling, d1: bitCassettePresent,
			want: []EventKind{EventIdling},
		},
		{
			name: "钞箱缺失且上电",
			d0:   bitIdling, d1: 0, d2: bitPowerUp,
			want: []EventKind{EventIdling, EventCassetteMissing, EventPowerUp},
		},
		{
			name: "压钞入账",
			d0:   bitStacked, d1: bitCassettePresent, d2: 3 << creditIndexShift,
			want: []EventKind{EventStacked, EventCredit},
			bill: "$5",
		},
		{
			name: "暂存",
			d0:   bitEscrowed, d1: bitCassettePresent, d2: 5 << creditIndexShift,
			want: []EventKind{EventEscrowed},
			bill: "$20",
		},
		{
			name: "拒钞卡钞",
			d0:   bitReturned, d1: bitCassettePresent | bitRejected | bitJammed, d2: bitFailure,
			want: []EventKind{EventReturned, EventBillRejected, EventBillJammed, EventFailure},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := c.Parse(slaveFrame(tt.d0, tt.d1, tt.d2, 'T', 0x21))
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Events)
			assert.Equal(t, tt.bill, resp.BillName)
			assert.Equal(t, byte('T'), resp.Model)
			assert.Equal(t, byte(0x21), resp.FirmwareRevision)
			assert.Equal(t, ActionNone, resp.Action)
		})
	}
}

func TestParseEscrowDecision(t *testing.T) {
	// 只启用 $1 和 $5
	c := NewCodec(Config{EnabledBills: 0x05, EscrowMode: true})

	resp, err := c.Parse(slaveFrame(bitEscrowed, bitCassettePresent, 3<<creditIndexShift, 'A', 1))
	require.NoError(t, err)
	assert.Equal(t, ActionStack, resp.Action)

	resp, err = c.Parse(slaveFrame(bitEscrowed, bitCassettePresent, 2<<creditIndexShift, 'A', 1))
	require.NoError(t, err)
	assert.Equal(t, ActionReturn, resp.Action)

	resp, err = c.Parse(slaveFrame(bitIdling, bitCassettePresent, 0, 'A', 1))
	require.NoError(t, err)
	assert.Equal(t, ActionNone, resp.Action)
}

func TestParseRejectsNonReply(t *testing.T) {
	c := NewCodec(Config{})

	_, err := c.Parse(Wrap([]byte{MsgExtended, 0x12, 0x34, 0x56, 0x78, 0x09}))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidResponse))
}

func TestBillTableAndModel(t *testing.T) {
	bills := NewBillTable([]string{"1 EUR", "2 EUR"})
	assert.Equal(t, "1 EUR", bills.Name(1))
	assert.Equal(t, "Bill3", bills.Name(3))
	assert.Equal(t, "Bill0", bills.Name(0))

	assert.Equal(t, "$100", NewBillTable(nil).Name(7))
	assert.Equal(t, "Trilogy", ModelName('T'))
	assert.Equal(t, "Unknown(0x01)", ModelName(0x01))
	assert.Equal(t, "1.0a", FirmwareString(0x0A))
	assert.Equal(t, "credit", EventCredit.String())
	assert.Equal(t, "unknown", EventKind(99).String())
}
