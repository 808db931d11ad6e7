package daemon

import (
	"encoding/json"
	"log/slog"
)

// Response is the JSON envelope for every IPC reply
type Response struct {
	Messages []ResponseMessage `json:"messages"`
	Data     interface{}       `json:"data,omitempty"`
}

type ResponseMessage struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (r *Response) AddMessage(message string, status string) {
	r.Messages = append(r.Messages, ResponseMessage{
		Message: message,
		Status:  status,
	})
}

func (r *Response) AddData(data interface{}) {
	r.Data = data
}

func (r *Response) ToJSON() string {
	bytes, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	return string(bytes)
}

// HasError reports whether any message carries ERROR status
func (r *Response) HasError() bool {
	for _, m := range r.Messages {
		if m.Status == "ERROR" {
			return true
		}
	}
	return false
}

// LogMessages replays the response messages through slog
func (r *Response) LogMessages() {
	for _, message := range r.Messages {
		switch message.Status {
		case "WARN":
			slog.Warn(message.Message)
		case "ERROR":
			slog.Error(message.Message)
		default:
			slog.Info(message.Message)
		}
	}
}
