package httpapi

import (
	"io"
	"net/http"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gymcloud/accessd/internal/wire"
)

// maxRequestBody caps agent request bodies for both protobuf and JSON.
// The largest agent message is an event with a PIN, well under 1 KiB.
const maxRequestBody = 4096

const protobufContentType = "application/x-protobuf"

// isProtobuf returns true if the request's Content-Type indicates a
// protobuf payload.
func isProtobuf(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return ct == protobufContentType ||
		ct == "application/protobuf" ||
		ct == "application/octet-stream"
}

// wantsProtobuf reports whether the response should be protobuf: either
// the agent asked for it or it sent protobuf and did not ask otherwise.
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if strings.Contains(accept, protobufContentType) || strings.Contains(accept, "application/protobuf") {
		return true
	}
	return isProtobuf(r) && !strings.Contains(accept, "application/json")
}

// readProto reads the request body and unmarshals it into msg.
func readProto(r *http.Request, msg proto.Message) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return err
	}
	return proto.Unmarshal(body, msg)
}

// writeProto marshals msg and writes it with the given HTTP status.
func writeProto(w http.ResponseWriter, status int, msg proto.Message) {
	data, err := proto.Marshal(msg)
	if err != nil {
		// Fall back to a plain-text error if marshalling fails.
		http.Error(w, "proto marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", protobufContentType)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// readAgent decodes an agent request body in either encoding.
func readAgent(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if !isProtobuf(r) {
		return wire.Decode(r.Body, v)
	}
	var st structpb.Struct
	if err := readProto(r, &st); err != nil {
		return err
	}
	return wire.FromStruct(&st, v)
}

// respond writes v as protobuf or JSON depending on what the caller speaks.
func respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	if !wantsProtobuf(r) {
		writeJSON(w, status, v)
		return
	}
	st, err := wire.ToStruct(v)
	if err != nil {
		http.Error(w, "proto encode error", http.StatusInternalServerError)
		return
	}
	writeProto(w, status, st)
}
