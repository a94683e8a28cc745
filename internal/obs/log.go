package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// Log emits a structured JSON log line. A timestamp is added when absent.
func Log(entry map[string]any) {
	if _, ok := entry["ts"]; !ok {
		entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}

// LogStrategyFailure records a failed match strategy. Failures never reach the
// caller; they are downgraded to "no signal" and must stay visible here.
func LogStrategyFailure(userID, strategy string, err error) {
	Log(map[string]any{
		"level":    "warn",
		"msg":      "match strategy failed",
		"user_id":  userID,
		"strategy": strategy,
		"error":    err.Error(),
	})
}
