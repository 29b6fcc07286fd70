package httpclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

var (
	ErrStatusCodeMismatch  = errors.New("status code mismatch")
	ErrContentTypeMismatch = errors.New("content type mismatch")
	ErrRejectedByServer    = errors.New("rejected by server")
)

// StatusError carries the status code and the error message returned by the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status code %d", e.Code)
	}
	return fmt.Sprintf("unexpected status code %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	return ErrStatusCodeMismatch
}

// MakePost posts out as JSON to the url and decodes the JSON response into in.
// in may be nil when the response body is not needed.
func MakePost(timeout time.Duration, url string, out, in any) error {
	return do(timeout, fasthttp.MethodPost, url, out, in)
}

// MakeDelete sends out as JSON to the url with the DELETE method.
func MakeDelete(timeout time.Duration, url string, out, in any) error {
	return do(timeout, fasthttp.MethodDelete, url, out, in)
}

// MakeGet gets the url and decodes the JSON response into out.
func MakeGet(timeout time.Duration, url string, out any) error {
	return do(timeout, fasthttp.MethodGet, url, nil, out)
}

func do(timeout time.Duration, method, url string, out, in any) error {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.SetRequestURI(url)
	req.Header.SetMethod(method)
	if out != nil {
		req.Header.SetContentType("application/json")
		raw, err := json.Marshal(out)
		if err != nil {
			return err
		}
		req.SetBody(raw)
	}

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	if err := fasthttp.DoTimeout(req, resp, timeout); err != nil {
		return err
	}

	switch resp.StatusCode() {
	case fasthttp.StatusOK, fasthttp.StatusCreated, fasthttp.StatusAccepted:
	case fasthttp.StatusNoContent:
		return nil
	default:
		return statusError(resp)
	}

	if in == nil {
		return nil
	}
	contentType := resp.Header.Peek("Content-Type")
	if !bytes.HasPrefix(contentType, []byte("application/json")) {
		return errors.Join(
			ErrContentTypeMismatch,
			fmt.Errorf("expected content type application/json but got %s", contentType))
	}

	return json.Unmarshal(resp.Body(), in)
}

func statusError(resp *fasthttp.Response) error {
	e := &StatusError{Code: resp.StatusCode()}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(resp.Body(), &body) == nil {
		e.Message = body.Error
		if e.Message == "" {
			e.Message = body.Message
		}
	}
	if e.Code == fasthttp.StatusForbidden || e.Code == fasthttp.StatusTooManyRequests {
		return errors.Join(ErrRejectedByServer, e)
	}
	return e
}
