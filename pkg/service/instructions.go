package service

import (
	"os"

	"github.com/infirad/hadi/pkg/utils"
)

// LoadInstructions reads the assistant persona file. A missing or
// unreadable file yields "" and a warning; the agent runs without persona.
func LoadInstructions(path string) string {
	logger := utils.GetLogger()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("Instructions file not found", "path", path)
		} else {
			logger.Error("Failed to load instructions", "path", path, "error", err)
		}
		return ""
	}
	return string(b)
}
