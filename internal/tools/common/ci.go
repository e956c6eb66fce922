package common

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type ciResult struct {
	Name      string    `json:"name"`
	OK        bool      `json:"ok"`
	Details   []string  `json:"details,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PrintCIResult emits a single machine-readable JSON line for pipeline
// consumption.
func PrintCIResult(ok bool, name string, details []string, err error) {
	result := ciResult{
		Name:      name,
		OK:        ok,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		result.Error = err.Error()
	}
	encoded, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		fmt.Fprintf(os.Stderr, "ci result marshal failed: %v\n", marshalErr)
		return
	}
	fmt.Println(string(encoded))
}
