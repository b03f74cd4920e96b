package synod

// Logger is satisfied by *log.Logger from github.com/galdor/go-log.
type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}
