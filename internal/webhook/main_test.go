package webhook

import (
	"os"
	"testing"

	"github.com/talkline/callengine/internal/logger"
)

func TestMain(m *testing.M) {
	logger.InitLogger(logger.StageLocal)
	os.Exit(m.Run())
}
