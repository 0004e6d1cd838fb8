package service

import (
	"classroom_sync_backend/internal/model"
	"classroom_sync_backend/internal/util"
	"fmt"
	"strings"
)

// UnitKey 同步单元：一组一起拉取、一起判断新鲜度的实体
type UnitKey string

const (
	KindConversation = "conversation"
	KindInbox        = "inbox"
	KindClass        = "class"
	KindStudent      = "student"
	KindProgress     = "progress"
	KindMiniGame     = "minigame"
	KindLeaderboard  = "leaderboard"
	KindParent       = "parent"
)

// 每种单元需要的参数个数
var unitArity = map[string]int{
	KindConversation: 1,
	KindInbox:        1,
	KindClass:        1,
	KindStudent:      1,
	KindProgress:     1,
	KindMiniGame:     2,
	KindLeaderboard:  1,
	KindParent:       1,
}

func ConversationUnit(id string) UnitKey { return UnitKey(KindConversation + ":" + id) }
func InboxUnit(userID string) UnitKey { return UnitKey(KindInbox + ":" + userID) }
func ClassUnit(id string) UnitKey { return UnitKey(KindClass + ":" + id) }
func StudentUnit(id string) UnitKey { return UnitKey(KindStudent + ":" + id) }
func ProgressUnit(studentID string) UnitKey { return UnitKey(KindProgress + ":" + studentID) }
func LeaderboardUnit(gameID string) UnitKey { return UnitKey(KindLeaderboard + ":" + gameID) }
func ParentUnit(parentID string) UnitKey { return UnitKey(KindParent + ":" + parentID) }
func MiniGameUnit(gameID, studentID string) UnitKey {
	return UnitKey(KindMiniGame + ":" + gameID + ":" + studentID)
}

// ParseUnit 校验外部传入的单元键
func ParseUnit(s string) (UnitKey, error) {
	kind, rest, ok := strings.Cut(s, ":")
	arity, known := unitArity[kind]
	if !ok || !known {
		return "", fmt.Errorf("%w: unknown sync unit %q", util.ErrValidation, s)
	}
	args := strings.SplitN(rest, ":", arity)
	if len(args) != arity {
		return "", fmt.Errorf("%w: sync unit %q needs %d arguments", util.ErrValidation, s, arity)
	}
	for _, a := range args {
		if strings.TrimSpace(a) == "" {
			return "", fmt.Errorf("%w: sync unit %q has an empty argument", util.ErrValidation, s)
		}
	}
	return UnitKey(s), nil
}

func (u UnitKey) Kind() string {
	kind, _, _ := strings.Cut(string(u), ":")
	return kind
}

func (u UnitKey) Args() []string {
	_, rest, _ := strings.Cut(string(u), ":")
	return strings.SplitN(rest, ":", unitArity[u.Kind()])
}

func (u UnitKey) arg(i int) string {
	args := u.Args()
	if i < len(args) {
		return args[i]
	}
	return ""
}

// Collections 单元涉及的远端集合，用于监听变更
func (u UnitKey) Collections() []string {
	switch u.Kind() {
	case KindConversation, KindInbox:
		return []string{
			model.Conversation{}.Collection(),
			model.ConversationParticipant{}.Collection(),
			model.Message{}.Collection(),
		}
	case KindClass:
		return []string{
			model.Class{}.Collection(),
			model.Lesson{}.Collection(),
			model.Assessment{}.Collection(),
			model.Question{}.Collection(),
			model.Option{}.Collection(),
		}
	case KindStudent:
		return []string{model.ClassEnrollment{}.Collection(), model.Class{}.Collection()}
	case KindProgress:
		return []string{
			model.StudentLessonProgress{}.Collection(),
			model.DailyStudyTime{}.Collection(),
			model.StudentResult{}.Collection(),
		}
	case KindMiniGame:
		return []string{model.Assessment{}.Collection(), model.Question{}.Collection(), model.StudentResult{}.Collection()}
	case KindLeaderboard:
		return []string{model.StudentResult{}.Collection()}
	case KindParent:
		return []string{model.ParentStudentLink{}.Collection()}
	}
	return nil
}
