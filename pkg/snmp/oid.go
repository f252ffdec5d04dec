package snmp

import (
	"strconv"
	"strings"

	"github.com/sshcollectorpro/remotecollect/pkg/collecterr"
)

// NormalizeOID 去除首尾空白与前导点
func NormalizeOID(oid string) string {
	return strings.TrimPrefix(strings.TrimSpace(oid), ".")
}

// ValidateOID 校验数字形式的 OID，返回规范化结果
func ValidateOID(oid string) (string, error) {
	n := NormalizeOID(oid)
	if n == "" {
		return "", collecterr.Collect("oid", nil, "empty oid")
	}
	for _, part := range strings.Split(n, ".") {
		if part == "" {
			return "", collecterr.Collect("oid", nil, "malformed oid %q", oid)
		}
		if _, err := strconv.ParseUint(part, 10, 32); err != nil {
			return "", collecterr.Collect("oid", nil, "malformed oid %q", oid)
		}
	}
	return n, nil
}

// MaxRangeOIDs 单个范围写法最多展开的 OID 数
const MaxRangeOIDs = 10000

// IsRange OID 中是否包含范围写法
func IsRange(oid string) bool { return strings.Contains(oid, "-") }

// ExpandRange 展开范围写法 "<prefix>.<n>-<m>[.<suffix>]"
// 例如 "1.3.6.1.2.1.2.2.1.2-4.0" 展开为 ...2.0 ...3.0 ...4.0；n > m 时结果为空
// 展开数超过 MaxRangeOIDs 时返回 CollectError
func ExpandRange(expr string) ([]string, error) {
	expr = NormalizeOID(expr)
	if strings.Count(expr, "-") != 1 {
		return nil, collecterr.Collect("oid", nil, "an oid range must contain exactly one '-': %q", expr)
	}
	begin, end, _ := strings.Cut(expr, "-")
	var prefix, suffix string
	first := begin
	if i := strings.LastIndex(begin, "."); i >= 0 {
		prefix, first = begin[:i], begin[i+1:]
	}
	last := end
	if i := strings.Index(end, "."); i >= 0 {
		last, suffix = end[:i], end[i+1:]
	}
	from, err1 := strconv.Atoi(first)
	to, err2 := strconv.Atoi(last)
	if err1 != nil || err2 != nil || from < 0 {
		return nil, collecterr.Collect("oid", nil, "malformed oid range %q", expr)
	}
	if to-from >= MaxRangeOIDs {
		return nil, collecterr.Collect("oid", nil, "oid range %q expands to %d oids (max %d)", expr, to-from+1, MaxRangeOIDs)
	}

	oids := make([]string, 0, max(to-from+1, 0))
	for id := from; id <= to; id++ {
		parts := make([]string, 0, 3)
		if prefix != "" {
			parts = append(parts, prefix)
		}
		parts = append(parts, strconv.Itoa(id))
		if suffix != "" {
			parts = append(parts, suffix)
		}
		oid, err := ValidateOID(strings.Join(parts, "."))
		if err != nil {
			return nil, err
		}
		oids = append(oids, oid)
	}
	return oids, nil
}

// CompareOID 按数字分量比较两个 OID
func CompareOID(a, b string) int {
	pa := strings.Split(NormalizeOID(a), ".")
	pb := strings.Split(NormalizeOID(b), ".")
	for i := 0; i < len(pa) && i < len(pb); i++ {
		x, _ := strconv.ParseUint(pa[i], 10, 64)
		y, _ := strconv.ParseUint(pb[i], 10, 64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	switch {
	case len(pa) < len(pb):
		return -1
	case len(pa) > len(pb):
		return 1
	}
	return 0
}

// HasPrefix oid 是否位于 root 子树下（含 root 本身）
func HasPrefix(oid, root string) bool {
	oid, root = NormalizeOID(oid), NormalizeOID(root)
	return oid == root || strings.HasPrefix(oid, root+".")
}

// Component 取 OID 的第 i 个数字分量，负数从末尾计数
func Component(oid string, i int) (int, error) {
	parts := strings.Split(NormalizeOID(oid), ".")
	if i < 0 {
		i += len(parts)
	}
	if i < 0 || i >= len(parts) {
		return 0, collecterr.Collect("oid", nil, "oid %q has no component %d", oid, i)
	}
	v, err := strconv.Atoi(parts[i])
	if err != nil {
		return 0, collecterr.Collect("oid", err, "oid %q component %d is not numeric", oid, i)
	}
	return v, nil
}
