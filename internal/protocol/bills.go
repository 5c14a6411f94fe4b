package protocol

import "fmt"

// DefaultBillNames 默认美元面额表，索引1-7
var DefaultBillNames = []string{"$1", "$2", "$5", "$10", "$20", "$50", "$100"}

// BillTable 面额索引到名称的映射
type BillTable struct {
	names []string
}

// NewBillTable 创建面额表，names为空时使用默认美元面额
func NewBillTable(names []string) *BillTable {
	if len(names) == 0 {
		names = DefaultBillNames
	}
	cp := make([]string, len(names))
	copy(cp, names)
	return &BillTable{names: cp}
}

// Name 返回索引(1-7)对应的面额名称
func (t *BillTable) Name(index int) string {
	if index < 1 || index > len(t.names) {
		return fmt.Sprintf("Bill%d", index)
	}
	return t.names[index-1]
}

// 机型代码
var modelNames = map[byte]string{
	'A': "Apex 5000",
	'B': "Apex 7000",
	'S': "Spectra",
	'T': "Trilogy",
}

// ModelName 机型代码转名称，未知机型返回代码本身
func ModelName(code byte) string {
	if name, ok := modelNames[code]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(0x%02X)", code)
}

// FirmwareString 固件版本渲染为 1.xx
func FirmwareString(rev byte) string {
	return fmt.Sprintf("1.%02x", rev)
}
