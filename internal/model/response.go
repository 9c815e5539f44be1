package model

type ResponseCode int

const (
	CodeSuccess ResponseCode = 0
	CodeFail    ResponseCode = 1
)

// Response is the envelope every API operation answers with.
type Response struct {
	Code ResponseCode `json:"code"`
	Data any          `json:"data"`
	Msg  string       `json:"msg"`
}

func OK(data any, msg string) Response {
	return Response{Code: CodeSuccess, Data: data, Msg: msg}
}

func Fail(msg string) Response {
	return Response{Code: CodeFail, Msg: msg}
}
