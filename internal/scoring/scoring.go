// Package scoring 对单道题的作答判分。判分只依赖题目、选项与作答载荷，
// 对历史作答重复调用得到完全相同的结果。
package scoring

import (
	"classroom_sync_backend/internal/model"
	"strings"
	"sync/atomic"
)

// EssayPolicy 简答题判分策略
type EssayPolicy string

const (
	// EssayContainment 作答包含参考答案或其任一词即得分，无参考答案时非空即得分
	EssayContainment EssayPolicy = "containment"
	// EssayManual 一律不自动给分，交由人工复核
	EssayManual EssayPolicy = "manual"
)

func ParseEssayPolicy(s string) EssayPolicy {
	if EssayPolicy(strings.ToLower(strings.TrimSpace(s))) == EssayManual {
		return EssayManual
	}
	return EssayContainment
}

type Outcome struct {
	IsCorrect   bool `json:"isCorrect"`
	EarnedScore int  `json:"earnedScore"`
	NeedsReview bool `json:"needsReview,omitempty"`
}

// Engine 持有可热更新的简答策略，其余规则是纯函数
type Engine struct {
	essay atomic.Value
}

func NewEngine(policy EssayPolicy) *Engine {
	e := &Engine{}
	e.SetEssayPolicy(policy)
	return e
}

func (e *Engine) SetEssayPolicy(p EssayPolicy) {
	e.essay.Store(ParseEssayPolicy(string(p)))
}

func (e *Engine) EssayPolicy() EssayPolicy {
	if p, ok := e.essay.Load().(EssayPolicy); ok {
		return p
	}
	return EssayContainment
}

// EffectiveType 小游戏的 GameType 为 MATCHING 时，题目按配对题判分
func EffectiveType(q model.Question, a *model.Assessment) model.QuestionType {
	if a != nil && strings.EqualFold(a.GameType, model.GameTypeMatching) {
		return model.Matching
	}
	return q.Type
}

func (e *Engine) Score(qType model.QuestionType, maxScore int, payload string, options []model.Option) Outcome {
	return Score(qType, maxScore, payload, options, e.EssayPolicy())
}

// PolicyFor 复核时使用作答记录的策略；旧记录没有策略时取当前策略
func (e *Engine) PolicyFor(recorded string) EssayPolicy {
	if strings.TrimSpace(recorded) == "" {
		return e.EssayPolicy()
	}
	return ParseEssayPolicy(recorded)
}

// Score 二元计分：答对得 maxScore，否则 0
func Score(qType model.QuestionType, maxScore int, payload string, options []model.Option, policy EssayPolicy) Outcome {
	var correct, review bool
	switch qType {
	case model.SingleChoice:
		correct = scoreSingle(payload, options)
	case model.MultipleChoice:
		correct = scoreMultiple(payload, options)
	case model.FillBlank:
		correct = scoreFillBlank(payload, options)
	case model.Essay:
		if policy == EssayManual {
			review = strings.TrimSpace(payload) != ""
		} else {
			correct = scoreEssay(payload, options)
		}
	case model.Matching:
		correct = scoreMatching(payload, options)
	}

	out := Outcome{IsCorrect: correct, NeedsReview: review}
	if correct && maxScore > 0 {
		out.EarnedScore = maxScore
	}
	return out
}

func correctOptions(options []model.Option) []model.Option {
	var out []model.Option
	for _, o := range options {
		if o.IsCorrect {
			out = append(out, o)
		}
	}
	return out
}

func scoreSingle(payload string, options []model.Option) bool {
	selected := parseSingle(payload)
	if selected == "" {
		return false
	}
	correct := correctOptions(options)
	if len(correct) != 1 {
		return false
	}
	return correct[0].ID == selected
}

func scoreMultiple(payload string, options []model.Option) bool {
	selected := parseSelection(payload)
	if len(selected) == 0 {
		return false
	}
	correct := correctOptions(options)
	if len(correct) != len(selected) {
		return false
	}
	for _, o := range correct {
		if _, ok := selected[o.ID]; !ok {
			return false
		}
	}
	return true
}

func scoreFillBlank(payload string, options []model.Option) bool {
	answer := normalizeText(payload)
	if answer == "" {
		return false
	}
	for _, o := range correctOptions(options) {
		if normalizeText(o.Content) == answer {
			return true
		}
	}
	return false
}

func scoreEssay(payload string, options []model.Option) bool {
	answer := normalizeText(payload)
	if answer == "" {
		return false
	}

	var reference string
	for _, o := range correctOptions(options) {
		if ref := normalizeText(o.Content); ref != "" {
			reference = ref
			break
		}
	}
	if reference == "" {
		return true
	}

	if strings.Contains(answer, reference) {
		return true
	}
	for _, token := range strings.Fields(reference) {
		if strings.Contains(answer, token) {
			return true
		}
	}
	return false
}

func scoreMatching(payload string, options []model.Option) bool {
	submitted := parsePairs(payload)
	if len(submitted) == 0 {
		return false
	}

	known := make(map[string]struct{}, len(options))
	for _, o := range options {
		known[o.ID] = struct{}{}
	}
	expected := make(map[pair]struct{})
	for _, o := range options {
		if o.PairID == nil || *o.PairID == "" || *o.PairID == o.ID {
			continue
		}
		if _, ok := known[*o.PairID]; !ok {
			continue
		}
		expected[canonicalPair(o.ID, *o.PairID)] = struct{}{}
	}
	if len(expected) == 0 || len(expected) != len(submitted) {
		return false
	}
	for p := range submitted {
		if _, ok := expected[p]; !ok {
			return false
		}
	}
	return true
}
