package snmp

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/gosnmp/gosnmp"
)

var typeNames = map[gosnmp.Asn1BER]string{
	gosnmp.Integer:          "Integer",
	gosnmp.BitString:        "BitString",
	gosnmp.OctetString:      "OctetString",
	gosnmp.Null:             "Null",
	gosnmp.ObjectIdentifier: "ObjectIdentifier",
	gosnmp.IPAddress:        "IpAddress",
	gosnmp.Counter32:        "Counter32",
	gosnmp.Gauge32:          "Gauge32",
	gosnmp.TimeTicks:        "TimeTicks",
	gosnmp.Opaque:           "Opaque",
	gosnmp.Counter64:        "Counter64",
	gosnmp.Uinteger32:       "Uinteger32",
	gosnmp.OpaqueFloat:      "OpaqueFloat",
	gosnmp.OpaqueDouble:     "OpaqueDouble",
	gosnmp.NoSuchObject:     "NoSuchObject",
	gosnmp.NoSuchInstance:   "NoSuchInstance",
	gosnmp.EndOfMibView:     "EndOfMibView",
}

// TypeName PDU 类型名称
func TypeName(t gosnmp.Asn1BER) string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Asn1BER(%d)", byte(t))
}

// IsMissing 对象或实例不存在
func IsMissing(t gosnmp.Asn1BER) bool {
	return t == gosnmp.NoSuchObject || t == gosnmp.NoSuchInstance || t == gosnmp.EndOfMibView || t == gosnmp.Null
}

// ToNative 转换为 Go 原生类型：整数 int64，计数器 uint64，可打印字节串为 string，
// 其余字节串保留 []byte，不存在的对象为 nil
func ToNative(pdu gosnmp.SnmpPDU) any {
	if IsMissing(pdu.Type) {
		return nil
	}
	switch pdu.Type {
	case gosnmp.Integer:
		return gosnmp.ToBigInt(pdu.Value).Int64()
	case gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks, gosnmp.Uinteger32, gosnmp.Counter64:
		return gosnmp.ToBigInt(pdu.Value).Uint64()
	case gosnmp.OctetString, gosnmp.Opaque, gosnmp.BitString:
		switch v := pdu.Value.(type) {
		case []byte:
			if s, ok := printable(v); ok {
				return s
			}
			return v
		case string:
			return v
		}
	case gosnmp.ObjectIdentifier:
		return NormalizeOID(fmt.Sprint(pdu.Value))
	case gosnmp.IPAddress:
		return fmt.Sprint(pdu.Value)
	case gosnmp.OpaqueFloat:
		if f, ok := pdu.Value.(float32); ok {
			return float64(f)
		}
	case gosnmp.OpaqueDouble:
		if f, ok := pdu.Value.(float64); ok {
			return f
		}
	}
	return fmt.Sprint(pdu.Value)
}

// printable 合法 UTF-8 且除常见空白外无控制字符；设备附加的结尾 NUL 去除
func printable(b []byte) (string, bool) {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	if !utf8.Valid(b) {
		return "", false
	}
	s := string(b)
	for _, r := range s {
		if unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r' {
			return "", false
		}
	}
	return s, true
}
