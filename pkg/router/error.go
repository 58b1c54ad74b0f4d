package router

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// JsonError is an error that is written to the client as is.
// Handlers return it to pick the status code and message of the response.
type JsonError struct {
	Code int    `json:"code"`
	Err  string `json:"error"`
}

func NewJsonError(code int, err string) JsonError {
	return JsonError{
		Code: code,
		Err:  err,
	}
}

// Errorf is NewJsonError with a formatted message. An empty message falls
// back to the status text.
func Errorf(code int, format string, args ...any) JsonError {
	msg := fmt.Sprintf(format, args...)
	if msg == "" {
		msg = http.StatusText(code)
	}
	return NewJsonError(code, msg)
}

func (e JsonError) StatusCode() int {
	return e.Code
}

func (e JsonError) Error() string {
	return e.Err
}

func (e JsonError) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(e)
}
