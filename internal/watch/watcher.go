// Package watch samples an inbox file of candidate windows and hands every
// new version of it to a consumer.
package watch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"freebusy/internal/availability"
)

const DefaultStateFile = "watch-state.json"

// State remembers the last inbox version that was fully processed.
type State struct {
	LastHash    string    `json:"lastHash"`
	ProcessedAt time.Time `json:"processedAt"`
}

// Batch is one new version of the inbox.
type Batch struct {
	Hash    string
	Windows []availability.WindowInput
}

// Watcher polls the inbox file on a fixed interval.
type Watcher struct {
	logger    *slog.Logger
	inbox     string
	stateFile string
	interval  time.Duration

	mu      sync.Mutex
	state   State
	pending string // hash handed out but not yet acknowledged
}

// NewWatcher creates a Watcher, resuming from stateFile when it exists.
func NewWatcher(logger *slog.Logger, inbox, stateFile string, interval time.Duration) (*Watcher, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("watch interval must be positive, got %v", interval)
	}
	if stateFile == "" {
		stateFile = DefaultStateFile
	}

	state, err := loadState(stateFile)
	if err != nil {
		// If the file doesn't exist, we can start with an empty state.
		if errors.Is(err, fs.ErrNotExist) {
			logger.Info("No watch state file found, starting fresh.", "file", stateFile)
			state = State{}
		} else {
			return nil, fmt.Errorf("failed to load watch state: %w", err)
		}
	}

	return &Watcher{
		logger:    logger.With("inbox", inbox),
		inbox:     inbox,
		stateFile: stateFile,
		interval:  interval,
		state:     state,
	}, nil
}

// Run polls until ctx is done, sending each new inbox version on out. out is
// closed when Run returns.
func (w *Watcher) Run(ctx context.Context, out chan<- Batch) error {
	defer close(out)
	w.logger.Info("Starting watcher.", "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		batch, ok, err := w.Poll()
		if err != nil {
			w.logger.Error("Inbox poll failed", "error", err)
		} else if ok {
			select {
			case out <- batch:
			case <-ctx.Done():
				return nil
			}
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Watcher stopped.")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll samples the inbox once. ok is false when the file is missing, empty or
// unchanged since the last batch.
func (w *Watcher) Poll() (batch Batch, ok bool, err error) {
	data, err := os.ReadFile(w.inbox)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			w.logger.Debug("Inbox file not present.")
			return Batch{}, false, nil
		}
		return Batch{}, false, fmt.Errorf("failed to read inbox: %w", err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	seen := hash == w.state.LastHash || hash == w.pending
	if !seen {
		w.pending = hash
	}
	w.mu.Unlock()
	if seen {
		return Batch{}, false, nil
	}

	windows, err := parseWindows(data)
	if err != nil {
		// Remains pending so a broken file is reported once per version.
		return Batch{}, false, fmt.Errorf("inbox version %s: %w", hash[:12], err)
	}
	if len(windows) == 0 {
		w.logger.Debug("Inbox is empty.")
		return Batch{}, false, w.Ack(hash)
	}

	w.logger.Info("New inbox version found.", "hash", hash[:12], "windows", len(windows))
	return Batch{Hash: hash, Windows: windows}, true, nil
}

// Ack marks a batch as processed and persists the state.
func (w *Watcher) Ack(hash string) error {
	w.mu.Lock()
	w.state = State{LastHash: hash, ProcessedAt: time.Now().UTC()}
	if w.pending == hash {
		w.pending = ""
	}
	state := w.state
	w.mu.Unlock()

	if err := saveState(w.stateFile, state); err != nil {
		w.logger.Error("Failed to save watch state", "error", err)
		return err
	}
	return nil
}

// State returns a copy of the persisted state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// parseWindows accepts a YAML (or JSON) list of {start, end} entries.
func parseWindows(data []byte) ([]availability.WindowInput, error) {
	var windows []availability.WindowInput
	if err := yaml.Unmarshal(data, &windows); err != nil {
		return nil, fmt.Errorf("cannot parse inbox: %w", err)
	}
	for i, w := range windows {
		if w.Start == "" {
			return nil, fmt.Errorf("window %d has no start", i+1)
		}
	}
	return windows, nil
}

// loadState loads the watch state from the JSON file.
func loadState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, err
	}
	return state, nil
}

// saveState saves the current watch state to the JSON file.
func saveState(path string, state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal watch state: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
