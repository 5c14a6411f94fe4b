package protocol

// EventKind 设备响应中解析出的事件类型
type EventKind int

const (
	EventIdling EventKind = iota + 1
	EventAccepting
	EventEscrowed
	EventStacking
	EventStacked
	EventReturning
	EventReturned
	EventCheated
	EventBillRejected
	EventBillJammed
	EventStackerFull
	EventCassetteMissing
	EventPowerUp
	EventInvalidCommand
	EventFailure
	EventCredit
)

var eventNames = map[EventKind]string{
	EventIdling:          "idling",
	EventAccepting:       "accepting",
	EventEscrowed:        "escrowed",
	EventStacking:        "stacking",
	EventStacked:         "stacked",
	EventReturning:       "returning",
	EventReturned:        "returned",
	EventCheated:         "cheated",
	EventBillRejected:    "bill_rejected",
	EventBillJammed:      "bill_jammed",
	EventStackerFull:     "stacker_full",
	EventCassetteMissing: "cassette_missing",
	EventPowerUp:         "power_up",
	EventInvalidCommand:  "invalid_command",
	EventFailure:         "failure",
	EventCredit:          "credit",
}

// String 事件名称
func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// 响应数据位定义
const (
	// data0：状态
	bitIdling    byte = 0x01
	bitAccepting byte = 0x02
	bitEscrowed  byte = 0x04
	bitStacking  byte = 0x08
	bitStacked   byte = 0x10
	bitReturning byte = 0x20
	bitReturned  byte = 0x40

	// data1：异常
	bitCheated         byte = 0x01
	bitRejected        byte = 0x02
	bitJammed          byte = 0x04
	bitStackerFull     byte = 0x08
	bitCassettePresent byte = 0x10

	// data2：系统 + 面额索引(bit3-5)
	bitPowerUp        byte = 0x01
	bitInvalidCommand byte = 0x02
	bitFailure        byte = 0x04
	creditIndexMask   byte = 0x38
	creditIndexShift       = 3
)

type flag struct {
	bit  byte
	kind EventKind
}

var (
	stateFlags = []flag{
		{bitIdling, EventIdling},
		{bitAccepting, EventAccepting},
		{bitEscrowed, EventEscrowed},
		{bitStacking, EventStacking},
		{bitStacked, EventStacked},
		{bitReturning, EventReturning},
		{bitReturned, EventReturned},
	}
	faultFlags = []flag{
		{bitCheated, EventCheated},
		{bitRejected, EventBillRejected},
		{bitJammed, EventBillJammed},
		{bitStackerFull, EventStackerFull},
	}
	systemFlags = []flag{
		{bitPowerUp, EventPowerUp},
		{bitInvalidCommand, EventInvalidCommand},
		{bitFailure, EventFailure},
	}
)

// classify 按位解析出事件列表，顺序固定：状态、异常、系统、入账
func classify(d0, d1, d2 byte) []EventKind {
	var events []EventKind
	for _, f := range stateFlags {
		if d0&f.bit != 0 {
			events = append(events, f.kind)
		}
	}
	for _, f := range faultFlags {
		if d1&f.bit != 0 {
			events = append(events, f.kind)
		}
	}
	if d1&bitCassettePresent == 0 {
		events = append(events, EventCassetteMissing)
	}
	for _, f := range systemFlags {
		if d2&f.bit != 0 {
			events = append(events, f.kind)
		}
	}
	if d0&bitStacked != 0 && creditIndex(d2) != 0 {
		events = append(events, EventCredit)
	}
	return events
}

func creditIndex(d2 byte) int {
	return int((d2 & creditIndexMask) >> creditIndexShift)
}
