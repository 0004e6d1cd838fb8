package model

// syncables 集合名到缓存行构造函数的映射，推送与拉取都据此定位本地表
var syncables = map[string]func() Syncable{
	User{}.Collection():                    func() Syncable { return &User{} },
	ParentStudentLink{}.Collection():       func() Syncable { return &ParentStudentLink{} },
	Class{}.Collection():                   func() Syncable { return &Class{} },
	ClassEnrollment{}.Collection():         func() Syncable { return &ClassEnrollment{} },
	Lesson{}.Collection():                  func() Syncable { return &Lesson{} },
	Assessment{}.Collection():              func() Syncable { return &Assessment{} },
	Question{}.Collection():                func() Syncable { return &Question{} },
	Option{}.Collection():                  func() Syncable { return &Option{} },
	StudentResult{}.Collection():           func() Syncable { return &StudentResult{} },
	StudentAnswer{}.Collection():           func() Syncable { return &StudentAnswer{} },
	Conversation{}.Collection():            func() Syncable { return &Conversation{} },
	ConversationParticipant{}.Collection(): func() Syncable { return &ConversationParticipant{} },
	Message{}.Collection():                 func() Syncable { return &Message{} },
	StudentLessonProgress{}.Collection():   func() Syncable { return &StudentLessonProgress{} },
	DailyStudyTime{}.Collection():          func() Syncable { return &DailyStudyTime{} },
}

// NewSyncable 按集合名创建空的缓存行
func NewSyncable(collection string) (Syncable, bool) {
	fn, ok := syncables[collection]
	if !ok {
		return nil, false
	}
	return fn(), true
}
