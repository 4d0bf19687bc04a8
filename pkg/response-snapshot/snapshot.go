package snapshot

import (
	"bufio"
	"bytes"
	"net/http"
	"strconv"
	"time"
)

// The time of storage is smuggled through the serialized headers and
// stripped again on restore.
const storedAtHeaderName = "Offline-Cache-Stored-At"

// Snapshot is a stored response revived from its byte form.
type Snapshot struct {
	Response *http.Response
	// The value of the clock at the time the response was captured.
	StoredAt time.Time
}

// Capture serializes the given response into its storable byte form and
// restores the response body afterwards, so the same response can still
// be streamed to a caller.
//
// A response body can be consumed only once, so Capture must be called
// before anything reads the body. After Capture returns, the response
// holds a fresh body reader over the captured bytes.
func Capture(res *http.Response) ([]byte, error) {
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(time.Now().Unix(), 10))
	buf := &bytes.Buffer{}
	err := res.Write(buf)
	res.Header.Del(storedAtHeaderName)
	if err != nil {
		return nil, err
	}
	bts := buf.Bytes()
	// reading the response back gives us a body reader over the buffer
	clone, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clone.Body
	return bts, nil
}

// Restore revives a snapshot from its byte form.
func Restore(b []byte) (Snapshot, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return Snapshot{}, err
	}
	s := Snapshot{Response: res}
	if ts, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		s.StoredAt = time.Unix(ts, 0)
	}
	res.Header.Del(storedAtHeaderName)
	return s, nil
}
