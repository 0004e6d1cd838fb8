package scoring

import (
	"encoding/json"
	"strings"
)

// 作答载荷的编码方式：
//   单选      "optId" 或 JSON 字符串
//   多选      JSON 数组 ["a","b"] 或逗号分隔 "a,b"
//   填空/简答  原始文本
//   配对      "a:b,c:d" 或 JSON [["a","b"],["c","d"]]

func normalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func parseSingle(payload string) string {
	p := strings.TrimSpace(payload)
	if strings.HasPrefix(p, `"`) {
		var s string
		if err := json.Unmarshal([]byte(p), &s); err == nil {
			return strings.TrimSpace(s)
		}
	}
	return p
}

func parseSelection(payload string) map[string]struct{} {
	set := make(map[string]struct{})
	p := strings.TrimSpace(payload)
	if p == "" {
		return set
	}

	var ids []string
	if strings.HasPrefix(p, "[") {
		if err := json.Unmarshal([]byte(p), &ids); err != nil {
			ids = nil
		}
	} else {
		ids = strings.Split(p, ",")
	}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

// pair 已规范化：A 总是字典序较小的一端
type pair struct {
	A, B string
}

func canonicalPair(x, y string) pair {
	if y < x {
		x, y = y, x
	}
	return pair{A: x, B: y}
}

func parsePairs(payload string) map[pair]struct{} {
	set := make(map[pair]struct{})
	p := strings.TrimSpace(payload)
	if p == "" {
		return set
	}

	if strings.HasPrefix(p, "[") {
		var raw [][]string
		if err := json.Unmarshal([]byte(p), &raw); err != nil {
			return set
		}
		for _, r := range raw {
			if len(r) != 2 {
				continue
			}
			addPair(set, r[0], r[1])
		}
		return set
	}

	for _, part := range strings.Split(p, ",") {
		ends := strings.SplitN(part, ":", 2)
		if len(ends) != 2 {
			continue
		}
		addPair(set, ends[0], ends[1])
	}
	return set
}

func addPair(set map[pair]struct{}, x, y string) {
	x, y = strings.TrimSpace(x), strings.TrimSpace(y)
	if x == "" || y == "" {
		return
	}
	set[canonicalPair(x, y)] = struct{}{}
}

// EncodePairs 将配对编码为 "a:b,c:d"，供客户端和测试构造载荷
func EncodePairs(pairs [][2]string) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p[0]+":"+p[1])
	}
	return strings.Join(parts, ",")
}
