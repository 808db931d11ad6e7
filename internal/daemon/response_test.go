package daemon

import (
	"encoding/json"
	"testing"
)

func TestResponseToJSON(t *testing.T) {
	response := Response{}
	response.AddMessage("Tunnel opened", "SUCCESS")
	response.AddData(map[string]int{"local_port": 9000})

	var decoded Response
	if err := json.Unmarshal([]byte(response.ToJSON()), &decoded); err != nil {
		t.Fatalf("ToJSON produced invalid JSON: %v", err)
	}
	if len(decoded.Messages) != 1 || decoded.Messages[0].Message != "Tunnel opened" {
		t.Fatalf("messages = %+v", decoded.Messages)
	}
	if decoded.Messages[0].Status != "SUCCESS" {
		t.Fatalf("status = %q", decoded.Messages[0].Status)
	}
	if decoded.Data == nil {
		t.Fatal("data not carried through")
	}
}

func TestResponseEmptyDataOmitted(t *testing.T) {
	response := Response{}
	response.AddMessage("ok", "SUCCESS")

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(response.ToJSON()), &raw); err != nil {
		t.Fatal(err)
	}
	if _, present := raw["data"]; present {
		t.Fatal("empty data should be omitted from the envelope")
	}
}

func TestResponseHasError(t *testing.T) {
	tests := []struct {
		name     string
		statuses []string
		want     bool
	}{
		{"no messages", nil, false},
		{"success only", []string{"SUCCESS"}, false},
		{"warning is not an error", []string{"WARN"}, false},
		{"single error", []string{"ERROR"}, true},
		{"error among others", []string{"SUCCESS", "WARN", "ERROR"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			response := Response{}
			for _, status := range tt.statuses {
				response.AddMessage("msg", status)
			}
			if got := response.HasError(); got != tt.want {
				t.Fatalf("HasError() = %v, want %v", got, tt.want)
			}
		})
	}
}
