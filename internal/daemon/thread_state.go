package daemon

import (
	"strconv"
	"time"

	"github.com/harun/sonolbot/pkg/fsutil"
	"github.com/harun/sonolbot/pkg/taskstore"
)

const threadStateVersion = 1

type threadRecord struct {
	ThreadID  string `json:"thread_id"`
	TaskID    string `json:"task_id,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

type threadStateFile struct {
	Version  int                     `json:"version"`
	Sessions map[string]threadRecord `json:"sessions"`
}

// loadThreadState reads the persisted chat -> thread map. A missing or
// unreadable file yields an empty map.
func loadThreadState(path string) (map[int64]threadRecord, error) {
	var f threadStateFile
	out := make(map[int64]threadRecord)
	if _, err := fsutil.ReadJSON(path, &f); err != nil {
		return out, err
	}
	for key, rec := range f.Sessions {
		chatID, err := strconv.ParseInt(key, 10, 64)
		if err != nil || rec.ThreadID == "" {
			continue
		}
		out[chatID] = rec
	}
	return out, nil
}

func saveThreadState(path string, chats map[int64]*ChatState, now time.Time) error {
	f := threadStateFile{Version: threadStateVersion, Sessions: make(map[string]threadRecord, len(chats))}
	for chatID, st := range chats {
		if st.ThreadID == "" {
			continue
		}
		f.Sessions[strconv.FormatInt(chatID, 10)] = threadRecord{
			ThreadID:  st.ThreadID,
			TaskID:    st.TaskID,
			UpdatedAt: now.Format(taskstore.TimestampLayout),
		}
	}
	return fsutil.WriteJSONAtomic(path, f)
}
