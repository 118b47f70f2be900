package chat

import "errors"

// ErrorKind классифицирует ошибки чата. Kind определяет HTTP-статус на REST
// и текст ack на событиях; свободного сопоставления по подстрокам нет.
type ErrorKind string

const (
	KindInvalid   ErrorKind = "invalid"
	KindNotFound  ErrorKind = "not_found"
	KindForbidden ErrorKind = "forbidden"
	KindUpstream  ErrorKind = "upstream"
	KindInternal  ErrorKind = "internal"
)

// Error — ошибка операции чата с меткой класса.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func Invalid(msg string) *Error   { return &Error{Kind: KindInvalid, Msg: msg} }
func NotFound(msg string) *Error  { return &Error{Kind: KindNotFound, Msg: msg} }
func Forbidden(msg string) *Error { return &Error{Kind: KindForbidden, Msg: msg} }

func Upstream(msg string, err error) *Error { return &Error{Kind: KindUpstream, Msg: msg, Err: err} }
func Internal(msg string, err error) *Error { return &Error{Kind: KindInternal, Msg: msg, Err: err} }

// KindOf возвращает класс ошибки; всё необернутое считается internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message возвращает текст для клиента: у внутренних ошибок детали не
// раскрываются.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Msg
	}
	return "internal error"
}
