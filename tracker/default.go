package tracker

import (
	"os"
	"path/filepath"

	"github.com/click-stream/tracker/output"
	"github.com/click-stream/tracker/storage"
)

// NewDefaultTracker wires an in-memory queue, the HTTP dispatcher and a
// state file under the user config dir.
func NewDefaultTracker(siteID string, collectorURL string) (*Tracker, error) {

	dispatcher := output.NewHttpDispatcher(output.HttpDispatcherOptions{URL: collectorURL})
	if dispatcher == nil {
		return nil, errNoDispatcher
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	store := storage.NewFileStateStore(filepath.Join(dir, "click-stream-tracker", siteID+".json"))

	return NewTracker(Options{SiteID: siteID}, storage.NewMemoryQueue(), dispatcher, store)
}
