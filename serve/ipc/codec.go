package ipc

import (
	"fmt"

	msgpack "github.com/shamaton/msgpack/v2"

	"github.com/inference-serve/inference-serve/serve"
)

// healthFrame replicates the worker's health-record writes. BeatNanos is
// the worker clock; the controller treats receipt of a newer frame as a
// heartbeat rather than trusting cross-process clocks.
type healthFrame struct {
	Started   bool  `msgpack:"started"`
	Completed bool  `msgpack:"completed"`
	BeatNanos int64 `msgpack:"beat_nanos"`
}

func encodeRequest(msg serve.RequestMessage) ([]byte, error) {
	return msgpack.Marshal(msg)
}

func decodeRequest(data []byte) (serve.RequestMessage, error) {
	var msg serve.RequestMessage
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("ipc: decode request frame: %w", err)
	}
	if msg.Request == nil {
		return msg, fmt.Errorf("ipc: request frame %s carries no request", msg.ID)
	}
	return msg, nil
}

func encodeResponse(msg serve.ResponseMessage) ([]byte, error) {
	return msgpack.Marshal(msg)
}

func decodeResponse(data []byte) (serve.ResponseMessage, error) {
	var msg serve.ResponseMessage
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("ipc: decode response frame: %w", err)
	}
	return msg, nil
}

func encodeCancel(msg serve.CancelMessage) ([]byte, error) {
	return msgpack.Marshal(msg)
}

func decodeCancel(data []byte) (serve.CancelMessage, error) {
	var msg serve.CancelMessage
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("ipc: decode cancel frame: %w", err)
	}
	return msg, nil
}

func encodeHealth(f healthFrame) ([]byte, error) {
	return msgpack.Marshal(f)
}

func decodeHealth(data []byte) (healthFrame, error) {
	var f healthFrame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("ipc: decode health frame: %w", err)
	}
	return f, nil
}
