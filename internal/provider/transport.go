package provider

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"syscall"

	"github.com/blueberrycongee/relaymux/pkg/errors"
)

// DoWithReset performs one HTTP round trip, retrying exactly once when
// the connection is reset before a response arrives. All other failure
// handling belongs to the retry controller, not the adapter.
func DoWithReset(client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err == nil {
		return resp, nil
	}

	if !isConnReset(err) || req.GetBody == nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	body, bodyErr := req.GetBody()
	if bodyErr != nil {
		return nil, err
	}
	retry.Body = body

	return client.Do(retry)
}

func isConnReset(err error) bool {
	return stderrors.Is(err, syscall.ECONNRESET) ||
		stderrors.Is(err, io.ErrUnexpectedEOF)
}

// MapTransportError classifies a client.Do failure. Context expiry is
// surfaced as TIMEOUT or CANCELLED; everything else is NETWORK.
func MapTransportError(providerName string, err error) error {
	switch {
	case stderrors.Is(err, syscall.ECONNRESET):
		return errors.NewNetwork(providerName, "connection reset: "+err.Error())
	default:
		if isContextTimeout(err) {
			return errors.NewTimeout(providerName, "", err.Error())
		}
		if isContextCancel(err) {
			return errors.NewCancelled(err.Error())
		}
		return errors.NewNetwork(providerName, err.Error())
	}
}

func isContextTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	if stderrors.As(err, &t) && t.Timeout() {
		return true
	}
	return stderrors.Is(err, context.DeadlineExceeded)
}

func isContextCancel(err error) bool {
	return stderrors.Is(err, context.Canceled)
}
