package scenario

import (
	"os"
	"strings"
)

func joinLogs(logs []string) string {
	return strings.Join(logs, "\n")
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
