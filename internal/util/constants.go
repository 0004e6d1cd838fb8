package util

const (
	DateFormat = "2006-01-02"
	TimeFormat = "2006-01-02 15:04:05"
)

const (
	StateLoading = "loading"
	StateSuccess = "success"
	StateError   = "error"
)

const UnclassifiedSubject = "Unclassified"
