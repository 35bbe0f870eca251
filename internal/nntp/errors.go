package nntp

import (
	"fmt"

	fetcherrors "github.com/javi11/nzbfetch/internal/errors"
)

// classifyResponse classifies an NNTP response code into the shared error
// taxonomy (spec.md §7), the way decypharr's classifyNNTPError does for its
// own local ErrorType enum.
func classifyResponse(code int, message string) *fetcherrors.FetchError {
	switch {
	case code == 430 || code == 423:
		return fetcherrors.New(fetcherrors.KindArticleNotFound, fmt.Sprintf("article not found (%d): %s", code, message), nil)
	case code == 481 || code == 482:
		return fetcherrors.New(fetcherrors.KindCouldNotLogin, fmt.Sprintf("authentication failed (%d): %s", code, message), nil)
	case code == 502 || code == 503:
		return fetcherrors.New(fetcherrors.KindCouldNotLogin, fmt.Sprintf("permission denied (%d): %s", code, message), nil)
	case code == 400:
		return fetcherrors.New(fetcherrors.KindProtocolError, fmt.Sprintf("server busy (%d): %s", code, message), nil)
	case code >= 400:
		return fetcherrors.New(fetcherrors.KindProtocolError, fmt.Sprintf("unexpected response (%d): %s", code, message), nil)
	default:
		return fetcherrors.New(fetcherrors.KindProtocolError, fmt.Sprintf("unexpected response (%d): %s", code, message), nil)
	}
}

func connectError(err error) *fetcherrors.FetchError {
	return fetcherrors.New(fetcherrors.KindCouldNotConnect, "connection failed", err)
}

func timeoutError(err error) *fetcherrors.FetchError {
	return fetcherrors.New(fetcherrors.KindTimeout, "operation timed out", err)
}

func protocolError(err error) *fetcherrors.FetchError {
	return fetcherrors.New(fetcherrors.KindProtocolError, "protocol violation", err)
}

func crcMismatchError(filename string, part int, advertised, computed uint32) *fetcherrors.FetchError {
	return fetcherrors.New(fetcherrors.KindYEncCRCMismatch,
		fmt.Sprintf("yEnc CRC32 mismatch for %q part %d: advertised %08x, computed %08x", filename, part, advertised, computed), nil)
}
