package bot

import "sync"

// Settings controls the bot behavior of one session.
type Settings struct {
	Enabled  bool   `json:"enabled"`
	Greeting string `json:"greeting"`
	Goodbye  string `json:"goodbye"`
	Apology  string `json:"apology"`
}

// DefaultSettings is what every session starts with.
func DefaultSettings() Settings {
	return Settings{
		Enabled:  true,
		Greeting: "Hello! I am an automated assistant. Type *menu* to see what I can help you with.",
		Goodbye:  "Thank you for reaching out. Have a great day!",
		Apology:  "Sorry, something went wrong while processing your message. Please try again.",
	}
}

// SettingsStore holds per-session bot settings in memory, falling back to
// defaults for sessions never configured.
type SettingsStore struct {
	mu       sync.RWMutex
	settings map[string]Settings
}

func NewSettingsStore() *SettingsStore {
	return &SettingsStore{settings: make(map[string]Settings)}
}

func (st *SettingsStore) Get(sessionID string) Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if s, ok := st.settings[sessionID]; ok {
		return s
	}
	return DefaultSettings()
}

func (st *SettingsStore) Set(sessionID string, s Settings) {
	st.mu.Lock()
	st.settings[sessionID] = s
	st.mu.Unlock()
}

func (st *SettingsStore) Delete(sessionID string) {
	st.mu.Lock()
	delete(st.settings, sessionID)
	st.mu.Unlock()
}
