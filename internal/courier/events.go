package courier

import (
	"time"

	"github.com/wfunc/bill-acceptor/internal/protocol"
)

// Event 分发给监听者的领域事件，创建后不可修改
type Event interface {
	Type() string
	Time() time.Time
}

// 事件类型
const (
	TypeConnectionFailure = "connection_failure"
	TypeLinkData          = "link_data"
	TypeCredit            = "credit"
	TypeEscrowed          = "escrowed"
)

// Direction 链路数据方向
type Direction string

const (
	DirectionTx Direction = "tx"
	DirectionRx Direction = "rx"
)

// ConnectionFailureEvent 连续通信失败达到阈值后，每个失败周期都会发送一次
type ConnectionFailureEvent struct {
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

func (e ConnectionFailureEvent) Type() string    { return TypeConnectionFailure }
func (e ConnectionFailureEvent) Time() time.Time { return e.Timestamp }

// LinkDataEvent 串口收发的原始帧
type LinkDataEvent struct {
	Direction Direction `json:"direction"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

func (e LinkDataEvent) Type() string    { return TypeLinkData }
func (e LinkDataEvent) Time() time.Time { return e.Timestamp }

// CreditEvent 纸币已压入钞箱
type CreditEvent struct {
	Bill      string    `json:"bill"`
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
}

func (e CreditEvent) Type() string    { return TypeCredit }
func (e CreditEvent) Time() time.Time { return e.Timestamp }

// EscrowedEvent 纸币停在暂存位
type EscrowedEvent struct {
	Bill      string    `json:"bill"`
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
}

func (e EscrowedEvent) Type() string    { return TypeEscrowed }
func (e EscrowedEvent) Time() time.Time { return e.Timestamp }

// GenericEvent 其余设备状态事件，携带原始响应帧
type GenericEvent struct {
	Kind      protocol.EventKind `json:"-"`
	Raw       string             `json:"raw"`
	Timestamp time.Time          `json:"timestamp"`
}

func (e GenericEvent) Type() string    { return e.Kind.String() }
func (e GenericEvent) Time() time.Time { return e.Timestamp }

// newResponseEvents 把一帧解析结果转换为领域事件
func newResponseEvents(resp *protocol.Response, now time.Time) []Event {
	events := make([]Event, 0, len(resp.Events))
	raw := protocol.HexString(resp.Raw)
	for _, kind := range resp.Events {
		switch kind {
		case protocol.EventCredit:
			events = append(events, CreditEvent{Bill: resp.BillName, Index: resp.CreditIndex, Timestamp: now})
		case protocol.EventEscrowed:
			events = append(events, EscrowedEvent{Bill: resp.BillName, Index: resp.CreditIndex, Timestamp: now})
		default:
			events = append(events, GenericEvent{Kind: kind, Raw: raw, Timestamp: now})
		}
	}
	return events
}
