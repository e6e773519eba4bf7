package api

import (
	"encoding/json"
	"net/http"
)

type Response struct {
	Data any `json:"data,omitempty"`
}

// ReplyBody is the response shape of the chat endpoint. Both successful
// buffered replies and all error responses use it, so clients can always
// render the "reply" field.
type ReplyBody struct {
	Reply string `json:"reply"`
}

func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{Data: data})
}

// Reply writes a chat-shaped {"reply": ...} body.
func Reply(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ReplyBody{Reply: text})
}
