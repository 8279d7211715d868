package transport

import (
	"context"
)

// FlushPath is the fixed path for the buffer-flush POST (§6).
const FlushPath = "/v0/connect/flush"

// FlushClient implements buffer.Flusher against the real flush endpoint: a
// thin adapter that exists so buffer.Buffer can depend on a narrow
// interface instead of this whole package.
type FlushClient struct {
	*Client
}

// Flush POSTs one encoded WORKER_REPLY frame to the flush endpoint (§4.6,
// §6). A 2xx response means the gateway accepted the reply; anything else
// is returned as an error and the caller is expected to retry on the next
// sweep.
func (f *FlushClient) Flush(ctx context.Context, requestID string, body []byte, useFallbackKey bool) error {
	resp, err := f.do(ctx, "POST", FlushPath+"/"+requestID, body, useFallbackKey)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, readErr := readBody(resp)
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode == 401 {
			return AuthError{httpErrorFor(resp, respBody)}
		}
		return httpErrorFor(resp, respBody)
	}

	return nil
}
